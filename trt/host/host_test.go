package host

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/gomlx/gotrt/dtypes"
	"github.com/gomlx/gotrt/trt"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// startCalibration creates a resource on a PoolAllocator and starts the calibration with the host builder.
func startCalibration(t *testing.T, limit uint64, calibrator *trt.Calibrator, weights *trt.WeightStore,
	options trt.NamedValuesMap) (*trt.CalibrationResource, *trt.PoolAllocator, *trt.CaptureLogger) {
	allocator := trt.NewPoolAllocator(limit)
	logger := &trt.CaptureLogger{}
	r, err := trt.NewCalibrationResource(allocator, logger)
	require.NoError(t, err)
	require.NoError(t, r.StartCalibration().
		WithCalibrator(calibrator).
		WithBuilderFactory(NewBuilder).
		WithWeights(weights).
		WithOptions(options).
		Done())
	return r, allocator, logger
}

func feed(t *testing.T, calibrator *trt.Calibrator, batches ...trt.Batch) {
	for _, batch := range batches {
		require.NoError(t, calibrator.SetBatch(context.Background(), batch))
	}
	calibrator.SetDone()
}

// requireFeedStops checks that feeding batch returns ErrCalibrationDone within a bounded wait, because the
// builder stopped consuming.
func requireFeedStops(t *testing.T, calibrator *trt.Calibrator, batch trt.Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := calibrator.SetBatch(ctx, batch)
	require.Truef(t, errors.Is(err, trt.ErrCalibrationDone), "expected ErrCalibrationDone, got %v", err)
}

func TestEndToEnd(t *testing.T) {
	weights := trt.NewWeightStore()
	defer weights.Destroy()
	blobs := [][]byte{bytes.Repeat([]byte{1}, 100), bytes.Repeat([]byte{2}, 3000), {3, 3, 3}}
	for _, blob := range blobs {
		_, err := weights.Append(blob)
		require.NoError(t, err)
	}

	calibrator := trt.NewCalibrator(0, "x", "y")
	r, allocator, logger := startCalibration(t, 0, calibrator, weights, trt.NamedValuesMap{
		trt.OptionMinCalibrationBatches: int64(2),
		OptionEngineName:                "e2e",
	})
	feed(t, calibrator,
		trt.Batch{"x": tensor1D(t, dtypes.Float32, 1, -5), "y": tensor1D(t, dtypes.Float16, 0.25)},
		trt.Batch{"x": tensor1D(t, dtypes.Float32, 2, 3), "y": tensor1D(t, dtypes.Float16, -0.5)},
		trt.Batch{"x": tensor1D(t, dtypes.Float32, 0, 0), "y": tensor1D(t, dtypes.Float16, 0.125)},
	)
	engine, err := r.WaitForEngine()
	require.NoError(t, err)
	require.Equal(t, trt.StateBuilt, r.State())
	require.Equal(t, "e2e", engine.Name())
	require.Equal(t, uint64(3103), engine.DeviceMemorySize())

	hostEngine := engine.(*Engine)
	require.Equal(t, trt.PrecisionINT8, hostEngine.Precision())
	require.Equal(t, 3, hostEngine.NumWeights())
	table := hostEngine.CalibrationTable()
	require.Equal(t, 3, table.NumBatches)
	require.Equal(t, float32(5), table.Ranges["x"].AbsMax)
	require.Equal(t, float32(0.5), table.Ranges["y"].AbsMax)

	// Weights were uploaded to the engine memory.
	memory := allocator.Bytes(hostEngine.ptr, hostEngine.size)
	require.Equal(t, bytes.Join(blobs, nil), memory)

	// Workspace was freed, only the engine memory is alive.
	stats := allocator.Stats()
	require.Equal(t, int64(2), stats.NumAllocs)
	require.Equal(t, 1, stats.NumLive)

	// The table was written to the calibrator cache.
	cached, err := UnmarshalCalibrationTable(calibrator.ReadCalibrationCache())
	require.NoError(t, err)
	require.Equal(t, table.Ranges, cached.Ranges)
	require.True(t, logger.Contains("Calibrated 2 tensors over 3 batches"))

	r.Destroy()
	stats = allocator.Stats()
	require.Equal(t, stats.NumAllocs, stats.NumFrees)
	require.Zero(t, stats.NumLive)
	_, err = allocator.Allocate(1, 0, 0)
	require.True(t, errors.Is(err, trt.ErrAllocatorDestroyed))
}

func TestCalibrationCache(t *testing.T) {
	table := NewCalibrationTable()
	table.NumBatches = 10
	table.Ranges["x"] = TensorRange{AbsMax: 42}
	cache, err := table.Marshal()
	require.NoError(t, err)

	calibrator := trt.NewCalibrator(0, "x")
	calibrator.WriteCalibrationCache(cache)
	r, _, logger := startCalibration(t, 0, calibrator, nil, nil)
	defer r.Destroy()

	// The builder doesn't consume batches: feeding ends with ErrCalibrationDone instead of blocking.
	requireFeedStops(t, calibrator, trt.Batch{"x": tensor1D(t, dtypes.Float32, 1)})
	engine, err := r.WaitForEngine()
	require.NoError(t, err)
	require.Equal(t, table.Ranges, engine.(*Engine).CalibrationTable().Ranges)
	fed, consumed := calibrator.NumBatches()
	require.Zero(t, fed)
	require.Zero(t, consumed)
	require.True(t, logger.Contains("Using calibration cache"))

	// An invalid cache is ignored.
	calibrator = trt.NewCalibrator(0, "x")
	calibrator.WriteCalibrationCache([]byte{0xff})
	r2, _, logger2 := startCalibration(t, 0, calibrator, nil, nil)
	defer r2.Destroy()
	feed(t, calibrator, trt.Batch{"x": tensor1D(t, dtypes.Float32, -7)})
	engine, err = r2.WaitForEngine()
	require.NoError(t, err)
	require.Equal(t, float32(7), engine.(*Engine).CalibrationTable().Ranges["x"].AbsMax)
	require.True(t, logger2.Contains("Ignoring invalid calibration cache"))
}

func TestBuildFailures(t *testing.T) {
	t.Run("not enough batches", func(t *testing.T) {
		calibrator := trt.NewCalibrator(0, "x")
		r, allocator, _ := startCalibration(t, 0, calibrator, nil, trt.NamedValuesMap{
			trt.OptionMinCalibrationBatches: int64(3),
		})
		feed(t, calibrator, trt.Batch{"x": tensor1D(t, dtypes.Float32, 1)})
		engine, err := r.WaitForEngine()
		require.Nil(t, engine)
		require.True(t, errors.Is(err, trt.ErrBuildFailed))
		require.ErrorContains(t, err, "received 1 batches, at least 3 required")
		require.Equal(t, trt.StateFailed, r.State())
		require.Nil(t, calibrator.ReadCalibrationCache())
		r.Destroy()
		require.Zero(t, allocator.Stats().NumLive)
	})

	t.Run("out of device memory", func(t *testing.T) {
		calibrator := trt.NewCalibrator(0)
		r, allocator, _ := startCalibration(t, 1024, calibrator, nil, trt.NamedValuesMap{
			trt.OptionPrecision: trt.PrecisionFP32,
		})
		_, err := r.WaitForEngine()
		require.True(t, errors.Is(err, trt.ErrBuildFailed))
		require.True(t, errors.Is(err, trt.ErrOutOfMemory))
		require.Equal(t, 1, allocator.Stats().NumRejected)
		r.Destroy()
	})

	t.Run("batch larger than max_batch_size", func(t *testing.T) {
		calibrator := trt.NewCalibrator(0, "x")
		r, _, _ := startCalibration(t, 0, calibrator, nil, trt.NamedValuesMap{
			trt.OptionMaxBatchSize: int64(1),
		})
		require.NoError(t, calibrator.SetBatch(context.Background(), trt.Batch{"x": tensor1D(t, dtypes.Float32, 1, 2)}))
		requireFeedStops(t, calibrator, trt.Batch{"x": tensor1D(t, dtypes.Float32, 1)})
		_, err := r.WaitForEngine()
		require.ErrorContains(t, err, "max_batch_size 1")
		r.Destroy()
	})

	t.Run("undecodable batch", func(t *testing.T) {
		calibrator := trt.NewCalibrator(0, "x")
		r, _, _ := startCalibration(t, 0, calibrator, nil, nil)
		require.NoError(t, calibrator.SetBatch(context.Background(), trt.Batch{"x": &trt.Tensor{DType: dtypes.Invalid, Dims: []int{1}}}))
		requireFeedStops(t, calibrator, trt.Batch{"x": tensor1D(t, dtypes.Float32, 1)})
		_, err := r.WaitForEngine()
		require.True(t, errors.Is(err, trt.ErrBuildFailed))
		require.ErrorContains(t, err, "unsupported dtype")
		r.Destroy()
	})
}

func TestNoCalibration(t *testing.T) {
	calibrator := trt.NewCalibrator(0)
	weights := trt.NewWeightStore()
	defer weights.Destroy()
	r, _, _ := startCalibration(t, 0, calibrator, weights, trt.NamedValuesMap{
		trt.OptionPrecision:        trt.PrecisionFP16,
		trt.OptionMaxWorkspaceSize: int64(0),
	})
	defer r.Destroy()
	engine, err := r.WaitForEngine()
	require.NoError(t, err)
	require.Nil(t, engine.(*Engine).CalibrationTable())
	require.Equal(t, uint64(1), engine.DeviceMemorySize())
	require.Contains(t, engine.(*Engine).String(), "precision=FP16")
}

func TestBuilder(t *testing.T) {
	allocator := trt.NewPoolAllocator(0)
	defer func() { require.NoError(t, allocator.Destroy()) }()

	_, err := NewBuilder(allocator, nil, trt.NamedValuesMap{trt.OptionPrecision: "INT4"})
	require.ErrorContains(t, err, "unsupported precision")
	_, err = NewBuilder(allocator, nil, trt.NamedValuesMap{trt.OptionMaxWorkspaceSize: "1MiB"})
	require.Error(t, err)
	_, err = NewBuilder(allocator, nil, trt.NamedValuesMap{trt.OptionMaxBatchSize: int64(-1)})
	require.Error(t, err)
	_, err = NewBuilder(nil, nil, nil)
	require.Error(t, err)

	// INT8 requires a calibrator.
	builder, err := NewBuilder(allocator, nil, nil)
	require.NoError(t, err)
	_, err = builder.BuildEngine(&trt.BuildContext{})
	require.True(t, errors.Is(err, trt.ErrBuildFailed))
	require.Zero(t, allocator.Stats().NumLive)

	// Destroy is idempotent, and the builder can't be used afterward.
	require.NoError(t, builder.Destroy())
	require.NoError(t, builder.Destroy())
	_, err = builder.BuildEngine(&trt.BuildContext{Calibrator: trt.NewCalibrator(0)})
	require.Error(t, err)

	// Engine.Destroy is idempotent.
	builder, err = NewBuilder(allocator, nil, trt.NamedValuesMap{trt.OptionPrecision: trt.PrecisionFP32})
	require.NoError(t, err)
	engine, err := builder.BuildEngine(&trt.BuildContext{})
	require.NoError(t, err)
	require.Equal(t, 1, allocator.Stats().NumLive)
	require.NoError(t, engine.Destroy())
	require.NoError(t, engine.Destroy())
	require.Zero(t, engine.DeviceMemorySize())
	require.Zero(t, allocator.Stats().NumLive)
	require.NoError(t, builder.Destroy())
}
