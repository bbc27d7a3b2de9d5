//go:build !(darwin || freebsd || linux)

package cuda

import (
	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/driver"
)

// Available reports whether libcuda can be loaded on this system.
func Available() bool {
	return false
}

// Open always fails on platforms purego cannot dlopen on.
func Open(logger *zap.Logger) (driver.Driver, error) {
	return nil, driver.ErrNotLoaded
}
