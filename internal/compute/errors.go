package compute

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fxnlabs/cudacl/internal/driver"
)

var (
	ErrUnsupported    = errors.New("compute host unsupported")
	ErrNotImplemented = errors.New("operation not implemented")
)

// Kind classifies a compute Error.
type Kind int

const (
	KindDriver Kind = iota + 1
	KindValidation
	KindResource
	KindBuild
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindDriver:
		return "driver"
	case KindValidation:
		return "validation"
	case KindResource:
		return "resource"
	case KindBuild:
		return "build"
	case KindUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by every internal operation of the host.
type Error struct {
	Kind Kind
	Op   string
	// Code is the driver result for KindDriver errors.
	Code driver.Result
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a compute Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func validationf(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func resourcef(op, format string, args ...any) error {
	return &Error{Kind: KindResource, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func buildError(op, msg string, err error) error {
	return &Error{Kind: KindBuild, Op: op, Msg: msg, Err: err}
}

func unsupported(op string) error {
	return &Error{Kind: KindUnsupported, Op: op, Err: ErrNotImplemented}
}
