package driver

import (
	"errors"
	"fmt"
)

// Result is a driver status code (CUresult).
type Result int32

const (
	Success                          Result = 0
	ErrorInvalidValue                Result = 1
	ErrorOutOfMemory                 Result = 2
	ErrorNotInitialized              Result = 3
	ErrorDeinitialized               Result = 4
	ErrorProfilerDisabled            Result = 5
	ErrorProfilerNotInitialized      Result = 6
	ErrorProfilerAlreadyStarted      Result = 7
	ErrorProfilerAlreadyStopped      Result = 8
	ErrorNoDevice                    Result = 100
	ErrorInvalidDevice               Result = 101
	ErrorInvalidImage                Result = 200
	ErrorInvalidContext              Result = 201
	ErrorContextAlreadyCurrent       Result = 202
	ErrorMapFailed                   Result = 205
	ErrorUnmapFailed                 Result = 206
	ErrorArrayIsMapped               Result = 207
	ErrorAlreadyMapped               Result = 208
	ErrorNoBinaryForGPU              Result = 209
	ErrorAlreadyAcquired             Result = 210
	ErrorNotMapped                   Result = 211
	ErrorNotMappedAsArray            Result = 212
	ErrorNotMappedAsPointer          Result = 213
	ErrorECCUncorrectable            Result = 214
	ErrorUnsupportedLimit            Result = 215
	ErrorContextAlreadyInUse         Result = 216
	ErrorPeerAccessUnsupported       Result = 217
	ErrorInvalidPTX                  Result = 218
	ErrorInvalidSource               Result = 300
	ErrorFileNotFound                Result = 301
	ErrorSharedObjectSymbolNotFound  Result = 302
	ErrorSharedObjectInitFailed      Result = 303
	ErrorOperatingSystem             Result = 304
	ErrorInvalidHandle               Result = 400
	ErrorNotFound                    Result = 500
	ErrorNotReady                    Result = 600
	ErrorIllegalAddress              Result = 700
	ErrorLaunchOutOfResources        Result = 701
	ErrorLaunchTimeout               Result = 702
	ErrorLaunchIncompatibleTexturing Result = 703
	ErrorPeerAccessAlreadyEnabled    Result = 704
	ErrorPeerAccessNotEnabled        Result = 705
	ErrorPrimaryContextActive        Result = 708
	ErrorContextIsDestroyed          Result = 709
	ErrorAssert                      Result = 710
	ErrorTooManyPeers                Result = 711
	ErrorHostMemoryAlreadyRegistered Result = 712
	ErrorHostMemoryNotRegistered     Result = 713
	ErrorLaunchFailed                Result = 719
	ErrorUnknown                     Result = 999
)

var resultNames = map[Result]string{
	Success:                          "CUDA_SUCCESS",
	ErrorInvalidValue:                "CUDA_ERROR_INVALID_VALUE",
	ErrorOutOfMemory:                 "CUDA_ERROR_OUT_OF_MEMORY",
	ErrorNotInitialized:              "CUDA_ERROR_NOT_INITIALIZED",
	ErrorDeinitialized:               "CUDA_ERROR_DEINITIALIZED",
	ErrorProfilerDisabled:            "CUDA_ERROR_PROFILER_DISABLED",
	ErrorProfilerNotInitialized:      "CUDA_ERROR_PROFILER_NOT_INITIALIZED",
	ErrorProfilerAlreadyStarted:      "CUDA_ERROR_PROFILER_ALREADY_STARTED",
	ErrorProfilerAlreadyStopped:      "CUDA_ERROR_PROFILER_ALREADY_STOPPED",
	ErrorNoDevice:                    "CUDA_ERROR_NO_DEVICE",
	ErrorInvalidDevice:               "CUDA_ERROR_INVALID_DEVICE",
	ErrorInvalidImage:                "CUDA_ERROR_INVALID_IMAGE",
	ErrorInvalidContext:              "CUDA_ERROR_INVALID_CONTEXT",
	ErrorContextAlreadyCurrent:       "CUDA_ERROR_CONTEXT_ALREADY_CURRENT",
	ErrorMapFailed:                   "CUDA_ERROR_MAP_FAILED",
	ErrorUnmapFailed:                 "CUDA_ERROR_UNMAP_FAILED",
	ErrorArrayIsMapped:               "CUDA_ERROR_ARRAY_IS_MAPPED",
	ErrorAlreadyMapped:               "CUDA_ERROR_ALREADY_MAPPED",
	ErrorNoBinaryForGPU:              "CUDA_ERROR_NO_BINARY_FOR_GPU",
	ErrorAlreadyAcquired:             "CUDA_ERROR_ALREADY_ACQUIRED",
	ErrorNotMapped:                   "CUDA_ERROR_NOT_MAPPED",
	ErrorNotMappedAsArray:            "CUDA_ERROR_NOT_MAPPED_AS_ARRAY",
	ErrorNotMappedAsPointer:          "CUDA_ERROR_NOT_MAPPED_AS_POINTER",
	ErrorECCUncorrectable:            "CUDA_ERROR_ECC_UNCORRECTABLE",
	ErrorUnsupportedLimit:            "CUDA_ERROR_UNSUPPORTED_LIMIT",
	ErrorContextAlreadyInUse:         "CUDA_ERROR_CONTEXT_ALREADY_IN_USE",
	ErrorPeerAccessUnsupported:       "CUDA_ERROR_PEER_ACCESS_UNSUPPORTED",
	ErrorInvalidPTX:                  "CUDA_ERROR_INVALID_PTX",
	ErrorInvalidSource:               "CUDA_ERROR_INVALID_SOURCE",
	ErrorFileNotFound:                "CUDA_ERROR_FILE_NOT_FOUND",
	ErrorSharedObjectSymbolNotFound:  "CUDA_ERROR_SHARED_OBJECT_SYMBOL_NOT_FOUND",
	ErrorSharedObjectInitFailed:      "CUDA_ERROR_SHARED_OBJECT_INIT_FAILED",
	ErrorOperatingSystem:             "CUDA_ERROR_OPERATING_SYSTEM",
	ErrorInvalidHandle:               "CUDA_ERROR_INVALID_HANDLE",
	ErrorNotFound:                    "CUDA_ERROR_NOT_FOUND",
	ErrorNotReady:                    "CUDA_ERROR_NOT_READY",
	ErrorIllegalAddress:              "CUDA_ERROR_ILLEGAL_ADDRESS",
	ErrorLaunchOutOfResources:        "CUDA_ERROR_LAUNCH_OUT_OF_RESOURCES",
	ErrorLaunchTimeout:               "CUDA_ERROR_LAUNCH_TIMEOUT",
	ErrorLaunchIncompatibleTexturing: "CUDA_ERROR_LAUNCH_INCOMPATIBLE_TEXTURING",
	ErrorPeerAccessAlreadyEnabled:    "CUDA_ERROR_PEER_ACCESS_ALREADY_ENABLED",
	ErrorPeerAccessNotEnabled:        "CUDA_ERROR_PEER_ACCESS_NOT_ENABLED",
	ErrorPrimaryContextActive:        "CUDA_ERROR_PRIMARY_CONTEXT_ACTIVE",
	ErrorContextIsDestroyed:          "CUDA_ERROR_CONTEXT_IS_DESTROYED",
	ErrorAssert:                      "CUDA_ERROR_ASSERT",
	ErrorTooManyPeers:                "CUDA_ERROR_TOO_MANY_PEERS",
	ErrorHostMemoryAlreadyRegistered: "CUDA_ERROR_HOST_MEMORY_ALREADY_REGISTERED",
	ErrorHostMemoryNotRegistered:     "CUDA_ERROR_HOST_MEMORY_NOT_REGISTERED",
	ErrorLaunchFailed:                "CUDA_ERROR_LAUNCH_FAILED",
	ErrorUnknown:                     "CUDA_ERROR_UNKNOWN",
}

// String returns the driver's symbolic name for r.
func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN CUDA ERROR (%d)", int32(r))
}

// ErrNotLoaded is returned when the driver library cannot be loaded on this system.
var ErrNotLoaded = errors.New("driver: library not loaded")

// Error is a failed driver call.
type Error struct {
	Result Result
	Call   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cuda driver error #%d: %s (%s)", int32(e.Result), e.Result, e.Call)
}

// Check converts a driver status into an error. The driver already shutting down
// (ErrorDeinitialized) is reported as success: teardown order is best-effort.
func Check(r Result, call string) error {
	if r == Success || r == ErrorDeinitialized {
		return nil
	}
	return &Error{Result: r, Call: call}
}

// ResultOf extracts the driver status from err, or Success if err is not a driver error.
func ResultOf(err error) Result {
	var de *Error
	if errors.As(err, &de) {
		return de.Result
	}
	return Success
}

// IsResult reports whether err is a driver error carrying r.
func IsResult(err error, r Result) bool {
	var de *Error
	return errors.As(err, &de) && de.Result == r
}
