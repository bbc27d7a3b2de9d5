package sim

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/fxnlabs/cudacl/internal/compiler"
)

var (
	globalPattern = regexp.MustCompile(`__global__\s+void\s+([A-Za-z_]\w*)\s*\(`)
	errorPattern  = regexp.MustCompile(`(?m)^\s*#\s*error\s+(.*)$`)
)

// Compiler stands in for nvcc. It emits a PTX-shaped module listing one entry per
// __global__ function found in the translated source.
type Compiler struct {
	Compiles int
	Requests []compiler.Request
}

var _ compiler.Compiler = (*Compiler)(nil)

// NewCompiler returns a simulated compiler.
func NewCompiler() *Compiler {
	return &Compiler{}
}

func (c *Compiler) Compile(ctx context.Context, req compiler.Request) (*compiler.Output, error) {
	c.Compiles++
	c.Requests = append(c.Requests, req)
	command := "sim-nvcc --ptx -arch sm_" + req.Target + " " + strings.Join(req.Options, " ")

	if err := ctx.Err(); err != nil {
		return nil, &compiler.Error{Command: command, Err: err}
	}
	if m := errorPattern.FindStringSubmatch(req.Source); m != nil {
		log := fmt.Sprintf("%s.cu(1): error: #error directive: %s", req.Identifier, m[1])
		return nil, &compiler.Error{Command: command, Log: log, Err: errors.New("exit status 1")}
	}
	matches := globalPattern.FindAllStringSubmatch(req.Source, -1)
	if len(matches) == 0 {
		return nil, &compiler.Error{Command: command, Log: "", Err: compiler.ErrNoOutput}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "//\n// Generated by cudacl sim compiler\n//\n\n.version 6.0\n.target sm_%s\n.address_size 64\n", req.Target)
	for _, m := range matches {
		fmt.Fprintf(&b, "\n.visible .entry %s(\n)\n{\n\tret;\n}\n", m[1])
	}
	return &compiler.Output{Binary: []byte(b.String()), Command: command}, nil
}
