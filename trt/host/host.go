// Package host implements trt.Builder and trt.Engine in-process, without an accelerator.
//
// The builder performs a real INT8 calibration pass: it consumes the calibration batches, measures the
// dynamic range of each input and stores the resulting CalibrationTable in the calibrator cache. The engine
// holds the staged weights in "device" memory obtained from the allocator, and frees it on Destroy.
//
// Example:
//
//	resource := must.M1(trt.NewCalibrationResource(trt.NewPoolAllocator(0), nil))
//	defer resource.Destroy()
//	must.M(resource.StartCalibration().WithCalibrator(calibrator).WithBuilderFactory(host.NewBuilder).Done())
package host

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gotrt/trt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultWorkspaceSize is the scratch memory allocated during a build, if not set with trt.OptionMaxWorkspaceSize.
	DefaultWorkspaceSize = 1 << 20

	// OptionEngineName sets the name of the built engine.
	OptionEngineName = "engine_name"
)

// hostMemory is implemented by allocators whose memory can be accessed from the host, like trt.PoolAllocator.
type hostMemory interface {
	Bytes(ptr trt.DevicePtr, size uint64) []byte
}

var numEngines atomic.Int64

// Builder implements trt.Builder. Create it with NewBuilder.
type Builder struct {
	allocator trt.Allocator
	logger    trt.Logger

	precision             string
	workspaceSize         int64
	minCalibrationBatches int64
	maxBatchSize          int64
	engineName            string

	mu        sync.Mutex
	destroyed bool
}

// NewBuilder is a trt.BuilderFactory.
//
// Supported options: trt.OptionPrecision (default INT8), trt.OptionMaxWorkspaceSize,
// trt.OptionMinCalibrationBatches (default 1), trt.OptionMaxBatchSize and OptionEngineName.
func NewBuilder(allocator trt.Allocator, logger trt.Logger, options trt.NamedValuesMap) (trt.Builder, error) {
	if allocator == nil {
		return nil, errors.New("host.NewBuilder requires an allocator")
	}
	b := &Builder{allocator: allocator, logger: logger}
	var err error
	if b.precision, err = options.StringValue(trt.OptionPrecision, trt.PrecisionINT8); err != nil {
		return nil, err
	}
	switch b.precision {
	case trt.PrecisionINT8, trt.PrecisionFP16, trt.PrecisionFP32:
	default:
		return nil, errors.Errorf("host.NewBuilder: unsupported precision %q", b.precision)
	}
	if b.workspaceSize, err = options.Int64(trt.OptionMaxWorkspaceSize, DefaultWorkspaceSize); err != nil {
		return nil, err
	}
	if b.minCalibrationBatches, err = options.Int64(trt.OptionMinCalibrationBatches, 1); err != nil {
		return nil, err
	}
	if b.maxBatchSize, err = options.Int64(trt.OptionMaxBatchSize, 0); err != nil {
		return nil, err
	}
	if b.engineName, err = options.StringValue(OptionEngineName, ""); err != nil {
		return nil, err
	}
	if b.workspaceSize < 0 || b.minCalibrationBatches < 0 || b.maxBatchSize < 0 {
		return nil, errors.Errorf("host.NewBuilder: negative sizes in options %v", options)
	}
	return b, nil
}

func (b *Builder) log(severity trt.Severity, format string, args ...any) {
	if b.logger != nil {
		b.logger.Log(severity, fmt.Sprintf(format, args...))
	}
}

// BuildEngine implements trt.Builder.
func (b *Builder) BuildEngine(bc *trt.BuildContext) (trt.Engine, error) {
	b.mu.Lock()
	destroyed := b.destroyed
	b.mu.Unlock()
	if destroyed {
		return nil, errors.New("host.Builder.BuildEngine called after Destroy")
	}

	if b.workspaceSize > 0 {
		workspace, err := b.allocator.Allocate(uint64(b.workspaceSize), 0, 0)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to allocate %s of build workspace", humanize.IBytes(uint64(b.workspaceSize)))
		}
		defer func() {
			if err := b.allocator.Free(workspace); err != nil {
				klog.Errorf("host.Builder: failed to free workspace: %+v", err)
			}
		}()
	}

	calibrationTable, err := b.calibrate(bc.Calibrator)
	if err != nil {
		return nil, err
	}
	engine, err := b.newEngine(bc, calibrationTable)
	if err != nil {
		return nil, err
	}
	return engine, nil
}

// calibrate returns the calibration table, from the calibrator cache if present, or by consuming batches until
// end-of-data. It returns nil for precisions that don't require calibration.
func (b *Builder) calibrate(calibrator *trt.Calibrator) (*CalibrationTable, error) {
	if b.precision != trt.PrecisionINT8 {
		return nil, nil
	}
	if calibrator == nil {
		return nil, errors.Wrap(trt.ErrBuildFailed, "INT8 precision requires a calibrator")
	}
	if cache := calibrator.ReadCalibrationCache(); len(cache) > 0 {
		table, err := UnmarshalCalibrationTable(cache)
		if err == nil {
			b.log(trt.SeverityInfo, "Using calibration cache with %d tensors", len(table.Ranges))
			return table, nil
		}
		b.log(trt.SeverityWarning, "Ignoring invalid calibration cache: %v", err)
	}

	table := NewCalibrationTable()
	for {
		batch, ok := calibrator.GetBatch()
		if !ok {
			break
		}
		if b.maxBatchSize > 0 {
			for name, tensor := range batch {
				if len(tensor.Dims) > 0 && int64(tensor.Dims[0]) > b.maxBatchSize {
					return nil, errors.Wrapf(trt.ErrBuildFailed, "calibration input %q has batch size %d > max_batch_size %d",
						name, tensor.Dims[0], b.maxBatchSize)
				}
			}
		}
		if err := table.Update(batch); err != nil {
			return nil, err
		}
		b.log(trt.SeverityVerbose, "Calibration batch #%d consumed", table.NumBatches)
	}
	if int64(table.NumBatches) < b.minCalibrationBatches {
		return nil, errors.Wrapf(trt.ErrBuildFailed, "calibration received %d batches, at least %d required",
			table.NumBatches, b.minCalibrationBatches)
	}
	cache, err := table.Marshal()
	if err != nil {
		return nil, err
	}
	calibrator.WriteCalibrationCache(cache)
	b.log(trt.SeverityInfo, "Calibrated %d tensors over %d batches", len(table.Ranges), table.NumBatches)
	return table, nil
}

// newEngine allocates the engine memory and uploads the weights into it.
func (b *Builder) newEngine(bc *trt.BuildContext, table *CalibrationTable) (*Engine, error) {
	var weights trt.WeightStoreStats
	if bc.Weights != nil {
		weights = bc.Weights.Stats()
	}
	size := max(weights.PayloadBytes, 1)
	ptr, err := b.allocator.Allocate(size, 0, 0)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate %s of engine memory", humanize.IBytes(size))
	}
	if mem, ok := b.allocator.(hostMemory); ok && bc.Weights != nil {
		dst := mem.Bytes(ptr, size)
		offset := 0
		for _, h := range bc.Weights.Handles() {
			offset += copy(dst[offset:], bc.Weights.Bytes(h))
		}
	}
	b.log(trt.SeverityInfo, "Engine memory: %s for %d weights", humanize.IBytes(size), weights.NumBlobs)

	id := numEngines.Add(1)
	name := b.engineName
	if name == "" {
		name = fmt.Sprintf("host_engine_%d", id)
	}
	return &Engine{
		name:       name,
		allocator:  b.allocator,
		ptr:        ptr,
		size:       size,
		precision:  b.precision,
		table:      table,
		numWeights: weights.NumBlobs,
	}, nil
}

// Destroy implements trt.Builder. It is idempotent.
func (b *Builder) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed = true
	return nil
}

// String implements fmt.Stringer.
func (b *Builder) String() string {
	return fmt.Sprintf("host.Builder[precision=%s, workspace=%s]", b.precision, humanize.IBytes(uint64(b.workspaceSize)))
}

// Engine implements trt.Engine.
type Engine struct {
	name       string
	allocator  trt.Allocator
	precision  string
	table      *CalibrationTable
	numWeights int

	mu   sync.Mutex
	ptr  trt.DevicePtr
	size uint64
}

// Name implements trt.Engine.
func (e *Engine) Name() string { return e.name }

// DeviceMemorySize implements trt.Engine.
func (e *Engine) DeviceMemorySize() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.size
}

// Precision the engine was built for.
func (e *Engine) Precision() string { return e.precision }

// CalibrationTable used to build the engine, nil if not built for INT8.
func (e *Engine) CalibrationTable() *CalibrationTable { return e.table }

// NumWeights is the number of weight blobs uploaded to the engine.
func (e *Engine) NumWeights() int { return e.numWeights }

// Destroy implements trt.Engine: it frees the engine memory through the allocator. It is idempotent.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ptr == 0 {
		return nil
	}
	err := e.allocator.Free(e.ptr)
	e.ptr = 0
	e.size = 0
	if err != nil {
		return errors.WithMessagef(err, "host.Engine %q failed to free its memory", e.name)
	}
	return nil
}

// String implements fmt.Stringer.
func (e *Engine) String() string {
	return fmt.Sprintf("host.Engine[%q, precision=%s, memory=%s, weights=%d]",
		e.name, e.precision, humanize.IBytes(e.DeviceMemorySize()), e.numWeights)
}
