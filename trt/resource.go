package trt

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of a CalibrationResource.
//
//go:generate go tool enumer -type=State -trimprefix=State resource.go
type State int

const (
	// StateCreated is the initial state: only the allocator and the logger exist.
	StateCreated State = iota

	// StateCalibrating means the worker was started and is running (or finished but not yet joined).
	StateCalibrating

	// StateBuilt means the worker was joined and the engine is available.
	StateBuilt

	// StateFailed means the worker was joined but produced no engine. The resource can only be destroyed.
	StateFailed

	// StateDestroyed is terminal: every owned object was released.
	StateDestroyed
)

var numCalibrationResources atomic.Int64

// CalibrationResourcesAlive returns the number of CalibrationResource objects created and not yet destroyed.
func CalibrationResourcesAlive() int64 {
	return numCalibrationResources.Load()
}

// CalibrationResource owns the objects involved in calibrating and building one engine: the Calibrator, the
// Builder, the Engine, the Allocator and the Logger, plus the background worker running the build.
//
// It moves through Created → Calibrating → Built (or Failed) → Destroyed, and can be destroyed from any state.
// Destroy releases, in this order: the worker (joined), the calibrator, the builder, the engine and, last,
// the allocator.
//
// It is driven by a single goroutine; only DebugString, String and State may be called concurrently.
// The WeightStore given to the calibration is not owned: destroy it after the resource.
type CalibrationResource struct {
	id uuid.UUID

	mu         sync.Mutex
	state      State
	calibrator *Calibrator
	builder    Builder
	engine     Engine
	allocator  Allocator
	logger     Logger
	weights    *WeightStore
	task       *calibrationTask
	buildErr   error
	cleanup    runtime.Cleanup
}

// NewCalibrationResource creates a CalibrationResource in state Created, owning allocator.
//
// If logger is nil, a KlogLogger is used.
func NewCalibrationResource(allocator Allocator, logger Logger) (*CalibrationResource, error) {
	if allocator == nil {
		return nil, errors.New("NewCalibrationResource requires an Allocator")
	}
	if logger == nil {
		logger = &KlogLogger{Name: "trt"}
	}
	r := &CalibrationResource{
		id:        uuid.New(),
		state:     StateCreated,
		allocator: allocator,
		logger:    logger,
	}
	numCalibrationResources.Add(1)
	r.cleanup = runtime.AddCleanup(r, func(id string) {
		klog.Errorf("CalibrationResource %s garbage collected without being destroyed: its allocator and builder were leaked", id)
	}, r.id.String())
	return r, nil
}

// ID uniquely identifies the resource in logs.
func (r *CalibrationResource) ID() string {
	return r.id.String()
}

// State returns the current state.
func (r *CalibrationResource) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Calibrator returns the installed calibrator, nil before StartCalibration.
func (r *CalibrationResource) Calibrator() *Calibrator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calibrator
}

// Engine returns the engine, nil unless in state Built. It remains owned by the resource.
func (r *CalibrationResource) Engine() Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine
}

// Allocator returns the allocator owned by the resource, nil once destroyed.
func (r *CalibrationResource) Allocator() Allocator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocator
}

// Logger returns the diagnostic sink of the resource.
func (r *CalibrationResource) Logger() Logger {
	return r.logger
}

// CalibrationConfig is created with CalibrationResource.StartCalibration and configures the transition
// from Created to Calibrating.
//
// Once configured call Done. It can only be used once.
type CalibrationConfig struct {
	resource   *CalibrationResource
	calibrator *Calibrator
	factory    BuilderFactory
	weights    *WeightStore
	options    NamedValuesMap
}

// StartCalibration returns a CalibrationConfig to be configured: at least the calibrator and the builder
// factory must be given. CalibrationConfig.Done starts the worker.
//
// Example:
//
//	err := resource.StartCalibration().
//		WithCalibrator(calibrator).
//		WithBuilderFactory(host.NewBuilder).
//		WithWeights(weights).
//		Done()
func (r *CalibrationResource) StartCalibration() *CalibrationConfig {
	return &CalibrationConfig{resource: r}
}

// WithCalibrator sets the calibration data adapter. The resource takes ownership of it.
func (cc *CalibrationConfig) WithCalibrator(calibrator *Calibrator) *CalibrationConfig {
	cc.calibrator = calibrator
	return cc
}

// WithBuilderFactory sets the factory used to create the builder, bound to the resource allocator and logger.
func (cc *CalibrationConfig) WithBuilderFactory(factory BuilderFactory) *CalibrationConfig {
	cc.factory = factory
	return cc
}

// WithWeights sets the weights staged for the build. The store is sealed when calibration starts.
func (cc *CalibrationConfig) WithWeights(weights *WeightStore) *CalibrationConfig {
	cc.weights = weights
	return cc
}

// WithOptions sets the builder options, see NamedValuesMap for the supported types.
func (cc *CalibrationConfig) WithOptions(options NamedValuesMap) *CalibrationConfig {
	cc.options = options
	return cc
}

// Done creates the builder and starts the calibration worker, moving the resource to Calibrating.
//
// Construction errors are returned immediately and leave the resource in Created (possibly with the
// calibrator installed): it can still be destroyed.
func (cc *CalibrationConfig) Done() error {
	r := cc.resource
	if r == nil {
		return errors.New("misconfigured CalibrationConfig, or an attempt of using it more than once, which is not supported -- call CalibrationResource.StartCalibration() again")
	}
	cc.resource = nil

	if cc.calibrator == nil {
		return errors.New("no calibrator given to CalibrationResource.StartCalibration(), use WithCalibrator()")
	}
	if cc.factory == nil {
		return errors.New("no builder factory given to CalibrationResource.StartCalibration(), use WithBuilderFactory()")
	}
	if err := cc.options.Validate(); err != nil {
		return errors.WithMessagef(err, "invalid options for CalibrationResource %s", r.id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateCreated {
		return errors.Wrapf(ErrInvalidState, "CalibrationResource.StartCalibration() in state %s", r.state)
	}
	if r.calibrator != nil && r.calibrator != cc.calibrator {
		// A previous attempt failed after installing its calibrator.
		r.calibrator.Destroy()
	}
	r.calibrator = cc.calibrator
	if r.builder == nil {
		builder, err := cc.factory(r.allocator, r.logger, cc.options)
		if err != nil {
			return errors.WithMessagef(err, "failed to create builder for CalibrationResource %s", r.id)
		}
		if builder == nil {
			return errors.Errorf("builder factory returned no builder for CalibrationResource %s", r.id)
		}
		r.builder = builder
	}

	if cc.weights != nil {
		cc.weights.Seal()
		r.weights = cc.weights
	}
	bc := &BuildContext{
		Calibrator: r.calibrator,
		Weights:    r.weights,
		Allocator:  r.allocator,
		Logger:     r.logger,
		Options:    cc.options,
	}
	r.task = startCalibrationTask(r.builder, bc)
	r.state = StateCalibrating
	klog.V(1).Infof("CalibrationResource %s: calibration started", r.id)
	return nil
}

// WaitForEngine joins the calibration worker, blocking until the build call returns: the caller must
// eventually call Calibrator.SetDone for it to finish.
//
// On success the resource moves to Built and the engine (still owned by the resource) is returned. If the
// builder produced no engine the resource moves to Failed and the returned error matches ErrBuildFailed.
// Calling it again returns the same results.
func (r *CalibrationResource) WaitForEngine() (Engine, error) {
	r.mu.Lock()
	switch r.state {
	case StateBuilt:
		defer r.mu.Unlock()
		return r.engine, nil
	case StateFailed:
		defer r.mu.Unlock()
		return nil, r.buildErr
	case StateCalibrating:
	default:
		defer r.mu.Unlock()
		return nil, errors.Wrapf(ErrInvalidState, "CalibrationResource.WaitForEngine() in state %s", r.state)
	}
	task := r.task
	r.mu.Unlock()

	engine, err := task.Join()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateCalibrating {
		// Destroyed concurrently, which violates the single-owner contract.
		return nil, errors.Wrapf(ErrInvalidState, "CalibrationResource %s changed to state %s while joining the worker", r.id, r.state)
	}
	if err != nil || engine == nil {
		if err == nil {
			err = errors.New("builder returned no engine")
		}
		if engine != nil {
			destroyOrLog("Engine", engine.Destroy)
		}
		r.buildErr = asBuildFailure(errors.WithMessagef(err, "CalibrationResource %s", r.id))
		r.state = StateFailed
		logf(r.logger, SeverityError, "Calibration failed, no engine produced: %v", err)
		return nil, r.buildErr
	}
	r.engine = engine
	r.state = StateBuilt
	logf(r.logger, SeverityInfo, "Engine %q built (%d bytes of device memory)", engine.Name(), engine.DeviceMemorySize())
	return engine, nil
}

// WaitForEngineContext is like WaitForEngine, but gives up waiting when ctx is done, returning ctx.Err().
// In that case the state is unchanged and the worker keeps running.
func (r *CalibrationResource) WaitForEngineContext(ctx context.Context) (Engine, error) {
	r.mu.Lock()
	task := r.task
	state := r.state
	r.mu.Unlock()
	if state == StateCalibrating && task != nil {
		select {
		case <-task.Done():
		case <-ctx.Done():
			return nil, errors.WithMessagef(ctx.Err(), "waiting for CalibrationResource %s", r.id)
		}
	}
	return r.WaitForEngine()
}

// Destroy releases everything owned by the resource, in order: it signals end-of-data and joins the worker
// (blocking until the build call returns), then releases the calibrator, the builder, the engine and
// finally the allocator.
//
// It can be called from any state and never fails: release errors are logged. It is idempotent.
func (r *CalibrationResource) Destroy() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.state == StateDestroyed {
		r.mu.Unlock()
		return
	}
	dump := r.debugStringLocked()
	task, calibrator := r.task, r.calibrator
	r.mu.Unlock()
	logf(r.logger, SeverityInfo, "Destroying calibration resource %s\n%s", r.id, dump)

	// (1) Join the worker before releasing anything it may touch.
	if task != nil && !task.joined.Load() {
		if calibrator != nil {
			calibrator.SetDone()
		}
		engine, err := task.Join()
		if err != nil {
			logf(r.logger, SeverityWarning, "Calibration worker of %s finished with error during teardown: %v", r.id, err)
		}
		if engine != nil {
			r.mu.Lock()
			if r.engine == nil {
				r.engine = engine
			}
			r.mu.Unlock()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// (2) Calibrator.
	if r.calibrator != nil {
		r.calibrator.Destroy()
		r.calibrator = nil
	}
	// (3) Builder.
	if r.builder != nil {
		destroyOrLog("Builder", r.builder.Destroy)
		r.builder = nil
	}
	// (4) Engine.
	if r.engine != nil {
		destroyOrLog("Engine", r.engine.Destroy)
		r.engine = nil
	}
	// (5) Allocator, last: builder and engine may have called back into it until now.
	if r.allocator != nil {
		destroyOrLog("Allocator", r.allocator.Destroy)
		r.allocator = nil
	}
	r.state = StateDestroyed
	r.cleanup.Stop()
	numCalibrationResources.Add(-1)
	klog.V(1).Infof("CalibrationResource %s destroyed", r.id)
}

// destroyOrLog calls destroy and logs any errors: teardown must go on regardless.
func destroyOrLog(what string, destroy func() error) {
	if err := destroy(); err != nil {
		klog.Errorf("%s.Destroy failed during CalibrationResource teardown: %+v", what, err)
	}
}

// DebugString dumps the identity of each owned object, "0x0" for absent ones. It is safe to call in any
// state, concurrently with the goroutine driving the resource.
func (r *CalibrationResource) DebugString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.debugStringLocked()
}

func (r *CalibrationResource) debugStringLocked() string {
	var task any
	if r.task != nil {
		task = r.task
	}
	var calibrator any
	if r.calibrator != nil {
		calibrator = r.calibrator
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, " Resource   = %s (%s)\n", r.id, r.state)
	fmt.Fprintf(&sb, " Calibrator = %s\n", identity(calibrator))
	fmt.Fprintf(&sb, " Builder    = %s\n", identity(r.builder))
	fmt.Fprintf(&sb, " Engine     = %s\n", identity(r.engine))
	fmt.Fprintf(&sb, " Logger     = %s\n", identity(r.logger))
	fmt.Fprintf(&sb, " Allocator  = %s\n", identity(r.allocator))
	fmt.Fprintf(&sb, " Thread     = %s\n", identity(task))
	if r.buildErr != nil {
		fmt.Fprintf(&sb, " Error      = %v\n", r.buildErr)
	}
	return sb.String()
}

// identity returns the address of the object v refers to, "0x0" if v is nil.
func identity(v any) string {
	if v == nil {
		return "0x0"
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Slice:
		if rv.IsNil() {
			return "0x0"
		}
		return fmt.Sprintf("%#x", rv.Pointer())
	default:
		return fmt.Sprintf("%T(%v)", v, v)
	}
}

// String implements fmt.Stringer.
func (r *CalibrationResource) String() string {
	return fmt.Sprintf("CalibrationResource[id=%s, state=%s]", r.id, r.State())
}
