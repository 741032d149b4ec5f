package trt

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gotrt/dtypes"
	"github.com/pkg/errors"
)

// Tensor is one input of a calibration Batch, in host memory.
type Tensor struct {
	DType dtypes.DType
	Dims  []int
	Data  []byte
}

// NewTensor creates a Tensor and checks that data has the size implied by dtype and dims.
func NewTensor(dtype dtypes.DType, dims []int, data []byte) (*Tensor, error) {
	want := dtype.SizeForDimensions(dims...)
	if want == 0 && dtype.Size() == 0 {
		return nil, errors.Errorf("NewTensor: invalid dtype %s", dtype)
	}
	if len(data) != want {
		return nil, errors.Errorf("NewTensor: %s%v requires %d bytes, got %d", dtype, dims, want, len(data))
	}
	return &Tensor{DType: dtype, Dims: slices.Clone(dims), Data: data}, nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("(%s)%v", t.DType, t.Dims)
}

// Batch maps input names to the tensors fed for one calibration step.
type Batch map[string]*Tensor

// Calibrator is the calibration data adapter: it hands batches from the feeding goroutine (SetBatch) to the
// calibration worker running the builder (GetBatch).
//
// It is the single synchronization point between the two: SetBatch blocks until the worker takes the batch,
// GetBatch blocks until a batch is available or end-of-data is signaled with SetDone. Each batch is delivered
// exactly once, in submission order.
//
// It also holds an optional calibration cache: when present, a builder may use it instead of consuming batches.
type Calibrator struct {
	batchSize  int
	inputNames []string

	batches  chan Batch
	done     chan struct{}
	doneOnce sync.Once

	numFed, numConsumed atomic.Int64

	muCache sync.Mutex
	cache   []byte
}

// NewCalibrator creates a Calibrator for batches of batchSize examples (the leading dimension of each input),
// with the given input names. If batchSize is 0 the leading dimension is not checked. If no input names are
// given, inputs are not checked.
func NewCalibrator(batchSize int, inputNames ...string) *Calibrator {
	return &Calibrator{
		batchSize:  batchSize,
		inputNames: slices.Clone(inputNames),
		batches:    make(chan Batch),
		done:       make(chan struct{}),
	}
}

// BatchSize returns the number of examples per batch, 0 if not checked.
func (c *Calibrator) BatchSize() int {
	return c.batchSize
}

// InputNames returns the names of the inputs expected in each batch.
func (c *Calibrator) InputNames() []string {
	return c.inputNames
}

func (c *Calibrator) validate(batch Batch) error {
	for _, name := range c.inputNames {
		if _, found := batch[name]; !found {
			return errors.Errorf("calibration batch is missing input %q", name)
		}
	}
	for name, tensor := range batch {
		if tensor == nil {
			return errors.Errorf("calibration batch input %q is nil", name)
		}
		if want := tensor.DType.SizeForDimensions(tensor.Dims...); len(tensor.Data) != want {
			return errors.Errorf("calibration batch input %q: %s requires %d bytes, got %d", name, tensor, want, len(tensor.Data))
		}
		if c.batchSize > 0 && (len(tensor.Dims) == 0 || tensor.Dims[0] != c.batchSize) {
			return errors.Errorf("calibration batch input %q: shape %v doesn't match batch size %d", name, tensor.Dims, c.batchSize)
		}
	}
	return nil
}

// SetBatch hands batch to the calibration worker, blocking until the worker takes it.
//
// It returns ErrCalibrationDone if SetDone was called (the batch is not delivered), ctx.Err() if ctx is
// done first, or an error if the batch doesn't match the calibrator inputs.
func (c *Calibrator) SetBatch(ctx context.Context, batch Batch) error {
	if err := c.validate(batch); err != nil {
		return err
	}
	select {
	case <-c.done:
		return errors.WithStack(ErrCalibrationDone)
	default:
	}
	select {
	case c.batches <- batch:
		c.numFed.Add(1)
		return nil
	case <-c.done:
		return errors.WithStack(ErrCalibrationDone)
	case <-ctx.Done():
		return errors.WithMessagef(ctx.Err(), "Calibrator.SetBatch interrupted")
	}
}

// GetBatch is called by the worker (through the builder): it blocks until a batch is available and returns it
// with true, or returns false once end-of-data was signaled.
func (c *Calibrator) GetBatch() (Batch, bool) {
	select {
	case batch := <-c.batches:
		c.numConsumed.Add(1)
		return batch, true
	case <-c.done:
		return nil, false
	}
}

// SetDone signals the end of calibration data: the worker's pending and future GetBatch calls return false.
// It is idempotent.
func (c *Calibrator) SetDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// IsDone returns whether SetDone was called.
func (c *Calibrator) IsDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// NumBatches returns the number of batches fed and consumed so far.
func (c *Calibrator) NumBatches() (fed, consumed int64) {
	return c.numFed.Load(), c.numConsumed.Load()
}

// ReadCalibrationCache returns a copy of the calibration cache, or nil if there is none.
func (c *Calibrator) ReadCalibrationCache() []byte {
	c.muCache.Lock()
	defer c.muCache.Unlock()
	return slices.Clone(c.cache)
}

// WriteCalibrationCache stores a copy of the calibration cache produced by a builder (or loaded by the user
// before calibration starts).
func (c *Calibrator) WriteCalibrationCache(cache []byte) {
	c.muCache.Lock()
	defer c.muCache.Unlock()
	c.cache = slices.Clone(cache)
}

// Destroy signals end-of-data and drops the calibration cache.
func (c *Calibrator) Destroy() {
	if c == nil {
		return
	}
	c.SetDone()
	c.muCache.Lock()
	c.cache = nil
	c.muCache.Unlock()
}

// String implements fmt.Stringer.
func (c *Calibrator) String() string {
	fed, consumed := c.NumBatches()
	return fmt.Sprintf("Calibrator[batch_size=%d, inputs=%q, fed=%d, consumed=%d, done=%v]",
		c.batchSize, c.inputNames, fed, consumed, c.IsDone())
}
