// Package compiler drives the ahead-of-time GPU compiler that turns translated kernel
// source into a loadable module image.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoOutput is returned when the compiler exits without producing an artifact.
var ErrNoOutput = errors.New("compiler produced no output")

// Request describes one translation unit to compile.
type Request struct {
	// Identifier is the kernel identifier; it only names temporary files.
	Identifier string
	Source     string
	// Target is the compiler target tag, e.g. "75" for sm_75.
	Target  string
	Options []string
}

// Output is a compiled module image plus the compiler's log.
type Output struct {
	Binary  []byte
	Log     string
	Command string
}

// Compiler compiles translated kernel source.
type Compiler interface {
	Compile(ctx context.Context, req Request) (*Output, error)
}

// Error is a failed compilation. Log and Command are kept for diagnostics.
type Error struct {
	Command string
	Log     string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("compile failed: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SplitDefines normalizes compiler options so that every "-DNAME" or "-IDIR" token is
// split into a flag and a separate value ("-D", "NAME").
func SplitDefines(opts []string) []string {
	out := make([]string, 0, len(opts))
	for _, opt := range opts {
		switch {
		case len(opt) > 2 && (strings.HasPrefix(opt, "-D") || strings.HasPrefix(opt, "-I")):
			out = append(out, opt[:2], opt[2:])
		case opt == "":
		default:
			out = append(out, opt)
		}
	}
	return out
}
