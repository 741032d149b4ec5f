package trt

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// buildFailure is the error returned when the builder yields no engine. It matches both ErrBuildFailed and
// the underlying cause with errors.Is.
type buildFailure struct {
	cause error
}

func (e *buildFailure) Error() string {
	return ErrBuildFailed.Error() + ": " + e.cause.Error()
}

func (e *buildFailure) Unwrap() []error {
	return []error{ErrBuildFailed, e.cause}
}

// asBuildFailure wraps err as a build failure, unless it already is one.
func asBuildFailure(err error) error {
	if errors.Is(err, ErrBuildFailed) {
		return err
	}
	return &buildFailure{cause: err}
}

// calibrationTask is the handle of the background worker running Builder.BuildEngine.
//
// It is started once and joined once by the goroutine driving the CalibrationResource; Done can be polled
// from anywhere.
type calibrationTask struct {
	group   errgroup.Group
	done    chan struct{}
	started time.Time
	elapsed time.Duration

	// Set by the worker, read only after Join.
	engine Engine
	joined atomic.Bool
}

// startCalibrationTask spawns the worker.
func startCalibrationTask(builder Builder, bc *BuildContext) *calibrationTask {
	t := &calibrationTask{
		done:    make(chan struct{}),
		started: time.Now(),
	}
	t.group.Go(func() (err error) {
		defer close(t.done)
		if bc.Calibrator != nil {
			// Feeders blocked in SetBatch get ErrCalibrationDone once the builder stops consuming.
			defer bc.Calibrator.SetDone()
		}
		defer func() {
			t.elapsed = time.Since(t.started)
			if r := recover(); r != nil {
				err = errors.Errorf("builder panicked: %v", r)
			}
		}()
		klog.V(1).Infof("Calibration worker started")
		engine, err := builder.BuildEngine(bc)
		t.engine = engine
		if err != nil {
			return err
		}
		if engine == nil {
			return errors.New("builder returned no engine")
		}
		return nil
	})
	return t
}

// Done returns a channel closed when the worker finishes.
func (t *calibrationTask) Done() <-chan struct{} {
	return t.done
}

// Join blocks until the worker finishes and returns its results.
func (t *calibrationTask) Join() (Engine, error) {
	err := t.group.Wait()
	t.joined.Store(true)
	klog.V(1).Infof("Calibration worker joined after %s", t.elapsed)
	return t.engine, err
}

// String implements fmt.Stringer.
func (t *calibrationTask) String() string {
	select {
	case <-t.done:
		return fmt.Sprintf("calibrationTask[finished after %s, joined=%v]", t.elapsed, t.joined.Load())
	default:
		return fmt.Sprintf("calibrationTask[running for %s]", time.Since(t.started).Round(time.Millisecond))
	}
}
