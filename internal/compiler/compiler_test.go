package compiler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSplitDefines(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"joined define", []string{"-DFOO=1"}, []string{"-D", "FOO=1"}},
		{"already split", []string{"-D", "BAR"}, []string{"-D", "BAR"}},
		{"include dir", []string{"-I/kernels"}, []string{"-I", "/kernels"}},
		{"other flags pass through", []string{"--use_fast_math", "-DX"}, []string{"--use_fast_math", "-D", "X"}},
		{"empty tokens dropped", []string{"", "-DY"}, []string{"-D", "Y"}},
		{"nil", nil, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitDefines(tt.in))
		})
	}
}

func TestNVCCArgs(t *testing.T) {
	n := NewNVCC(NVCCOptions{HostCompiler: "/usr/bin/gcc-12"}, zap.NewNop())
	args := n.Args(Request{Target: "75", Options: []string{"-I", "/k", "-D", "CUDACL"}}, "in.cu", "out.ptx")

	assert.Equal(t, []string{
		"--ptx", "--machine", "64", "-arch", "sm_75", "-O3",
		"--compiler-bindir", "/usr/bin/gcc-12",
		"-I", "/k", "-D", "CUDACL",
		"-D", "NVIDIA", "-D", "GPU", "-D", "PLATFORM_NVIDIA",
		"-o", "out.ptx", "in.cu",
	}, args)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-nvcc")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

const emitOutput = `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; shift; fi
  shift
done
echo "ptxas info: ok"
printf '.visible .entry k(\n)\n' > "$out"
`

func TestNVCCCompile(t *testing.T) {
	t.Run("produces binary and log", func(t *testing.T) {
		tmp := t.TempDir()
		n := NewNVCC(NVCCOptions{Path: writeScript(t, emitOutput), TempDir: tmp, Timeout: 10 * time.Second}, zap.NewNop())

		out, err := n.Compile(context.Background(), Request{Identifier: "my/kernel", Source: "extern \"C\" __global__ void k() {}", Target: "52"})
		require.NoError(t, err)
		assert.Contains(t, string(out.Binary), ".entry k")
		assert.Contains(t, out.Log, "ptxas info")
		assert.Contains(t, out.Command, "-arch sm_52")

		entries, err := os.ReadDir(tmp)
		require.NoError(t, err)
		assert.Empty(t, entries, "temporary files must be removed")
	})

	t.Run("failure keeps the log", func(t *testing.T) {
		n := NewNVCC(NVCCOptions{Path: writeScript(t, "echo 'error: identifier \"x\" is undefined'\nexit 2\n"), TempDir: t.TempDir()}, zap.NewNop())

		_, err := n.Compile(context.Background(), Request{Identifier: "k", Source: "x", Target: "75"})
		var cerr *Error
		require.ErrorAs(t, err, &cerr)
		assert.Contains(t, cerr.Log, "is undefined")
		assert.Contains(t, cerr.Command, "sm_75")
	})

	t.Run("missing artifact", func(t *testing.T) {
		n := NewNVCC(NVCCOptions{Path: writeScript(t, "exit 0\n"), TempDir: t.TempDir()}, zap.NewNop())

		_, err := n.Compile(context.Background(), Request{Identifier: "k", Source: "x", Target: "75"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoOutput))
	})

	t.Run("missing compiler", func(t *testing.T) {
		n := NewNVCC(NVCCOptions{Path: filepath.Join(t.TempDir(), "does-not-exist"), TempDir: t.TempDir()}, nil)

		_, err := n.Compile(context.Background(), Request{Identifier: "k", Source: "x", Target: "75"})
		var cerr *Error
		require.ErrorAs(t, err, &cerr)
	})
}
