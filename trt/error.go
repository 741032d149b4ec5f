package trt

import (
	"github.com/pkg/errors"
)

var (
	// ErrOutOfMemory is returned when an allocation exceeds the memory available to an Allocator or WeightStore.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrBuildFailed is returned (wrapped) when the builder produced no engine.
	ErrBuildFailed = errors.New("engine build failed")

	// ErrCalibrationDone is returned by Calibrator.SetBatch after end-of-data was signaled.
	ErrCalibrationDone = errors.New("calibration data already marked as done")

	// ErrAllocatorDestroyed is returned by an Allocator used after being destroyed.
	ErrAllocatorDestroyed = errors.New("allocator already destroyed")

	// ErrInvalidState is returned when an operation is not valid in the current State of a CalibrationResource.
	ErrInvalidState = errors.New("invalid state for operation")
)

// panicf panics with a formatted error carrying a stack trace. It is used for contract violations.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}
