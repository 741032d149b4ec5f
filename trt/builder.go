package trt

// Engine is a compiled, hardware-specific representation of a model subgraph.
//
// An Engine may hold device memory obtained from the Allocator of the builder that created it, and frees it
// in Destroy: so the Allocator must outlive it.
type Engine interface {
	// Name of the engine, for diagnostics.
	Name() string

	// DeviceMemorySize is the device memory held by the engine, in bytes.
	DeviceMemorySize() uint64

	// Destroy releases the engine. It must be idempotent.
	Destroy() error
}

// BuildContext holds everything a Builder may use while building an engine.
type BuildContext struct {
	// Calibrator feeds calibration batches. Nil if calibration is not used.
	Calibrator *Calibrator

	// Weights staged for the build. Sealed: it can be read but not appended to.
	Weights *WeightStore

	Allocator Allocator
	Logger    Logger
	Options   NamedValuesMap
}

// Builder compiles a model subgraph into an Engine, optionally running a calibration pass first.
type Builder interface {
	// BuildEngine blocks until the engine is built or the build fails. It runs on the calibration worker
	// goroutine, pulling batches from BuildContext.Calibrator until end-of-data.
	//
	// A nil Engine with a nil error is treated as a build failure.
	BuildEngine(ctx *BuildContext) (Engine, error)

	// Destroy releases the builder. It must be idempotent.
	Destroy() error
}

// BuilderFactory creates a Builder bound to the allocator and the logger.
// See package trt/host for an implementation.
type BuilderFactory func(allocator Allocator, logger Logger, options NamedValuesMap) (Builder, error)
