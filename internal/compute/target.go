package compute

import (
	"fmt"
	"strconv"

	"github.com/fxnlabs/cudacl/internal/driver"
)

// Target is the compiler target derived from a device's compute capability.
type Target struct {
	// Tag is the sm_<tag> suffix, e.g. "75".
	Tag string
	JIT driver.JITTarget
}

// targetTags are the capability versions the compiler knows, ascending.
var targetTags = []int{10, 11, 12, 13, 20, 21, 30, 32, 35, 37, 50, 52, 53, 60, 61, 62, 70, 72, 75, 80, 86, 87, 89, 90}

func newTarget(tag int) Target {
	return Target{Tag: strconv.Itoa(tag), JIT: driver.JITTarget(tag)}
}

// TargetFor maps a compute capability to the largest known target not above it.
// Capabilities beyond the newest known major version use the newest target; an invalid
// major version yields the oldest target and an error.
func TargetFor(major, minor int) (Target, error) {
	newest := targetTags[len(targetTags)-1]
	if major <= 0 {
		return newTarget(targetTags[0]), fmt.Errorf("invalid compute capability %d.%d", major, minor)
	}
	if major > newest/10 {
		return newTarget(newest), nil
	}

	version := major*10 + min(max(minor, 0), 9)
	tag := targetTags[0]
	for _, t := range targetTags {
		if t > version {
			break
		}
		tag = t
	}
	return newTarget(tag), nil
}
