// Package trt manages the native resources involved in building an accelerated inference engine:
// the weights staged for the build, the calibration data adapter, the engine builder, the compiled engine,
// the device memory allocator and the background calibration worker.
//
// The central object is CalibrationResource, which enforces the teardown order required by the builder SDK:
// the worker is joined before anything it touches is released, and the allocator is released last, after the
// builder and the engine that may call back into it.
//
// The builder SDK itself is reached through the Builder, Engine and Allocator interfaces. Package trt/host
// provides an in-process implementation, used for testing and for environments without an accelerator.
package trt
