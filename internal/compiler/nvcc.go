package compiler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultNVCCPath is where the CUDA toolkit installs nvcc on Linux.
const DefaultNVCCPath = "/usr/local/cuda/bin/nvcc"

// NVCCOptions configures the nvcc invocation.
type NVCCOptions struct {
	Path         string
	HostCompiler string
	Optimization string
	Timeout      time.Duration
	// TempDir holds the intermediate .cu and .ptx files; os.TempDir() when empty.
	TempDir string
}

// NVCC compiles CUDA C to PTX with the nvcc command line compiler.
type NVCC struct {
	opts   NVCCOptions
	logger *zap.Logger
}

// NewNVCC returns an nvcc-backed Compiler.
func NewNVCC(opts NVCCOptions, logger *zap.Logger) *NVCC {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Path == "" {
		opts.Path = DefaultNVCCPath
	}
	if opts.Optimization == "" {
		opts.Optimization = "-O3"
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &NVCC{opts: opts, logger: logger.Named("compiler")}
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// Args returns the nvcc argument list for compiling input into output.
func (n *NVCC) Args(req Request, input, output string) []string {
	args := []string{"--ptx", "--machine", "64", "-arch", "sm_" + req.Target, n.opts.Optimization}
	if n.opts.HostCompiler != "" {
		args = append(args, "--compiler-bindir", n.opts.HostCompiler)
	}
	args = append(args, req.Options...)
	args = append(args, "-D", "NVIDIA", "-D", "GPU", "-D", "PLATFORM_NVIDIA", "-o", output, input)
	return args
}

// Compile writes req.Source to a temporary file, runs nvcc on it and returns the PTX.
func (n *NVCC) Compile(ctx context.Context, req Request) (*Output, error) {
	base := filepath.Join(n.opts.TempDir,
		fmt.Sprintf("cudacl_%s_%d", unsafeFileChars.ReplaceAllString(req.Identifier, "_"), time.Now().UnixNano()))
	input, output := base+".cu", base+".ptx"
	defer func() {
		_ = os.Remove(input)
		_ = os.Remove(output)
	}()

	if err := os.WriteFile(input, []byte(req.Source), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write translated source: %w", err)
	}

	if n.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.opts.Timeout)
		defer cancel()
	}

	args := n.Args(req, input, output)
	command := n.opts.Path + " " + strings.Join(args, " ")
	n.logger.Debug("Running compiler", zap.String("identifier", req.Identifier), zap.String("command", command))

	cmd := exec.CommandContext(ctx, n.opts.Path, args...)
	logBytes, err := cmd.CombinedOutput()
	out := &Output{Log: string(logBytes), Command: command}
	if err != nil {
		return nil, &Error{Command: command, Log: out.Log, Err: err}
	}

	binary, err := os.ReadFile(output)
	if err != nil || len(binary) == 0 {
		return nil, &Error{Command: command, Log: out.Log, Err: ErrNoOutput}
	}
	out.Binary = binary
	return out, nil
}
