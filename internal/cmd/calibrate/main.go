// calibrate runs a full INT8 calibration cycle with the in-process host backend, and prints the diagnostic
// dumps and the resulting calibration table.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gotrt/dtypes"
	"github.com/gomlx/gotrt/registry"
	"github.com/gomlx/gotrt/trt"
	"github.com/gomlx/gotrt/trt/host"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagNumBatches  = flag.Int("batches", 8, "Number of calibration batches to feed")
	flagMinBatches  = flag.Int("min_batches", 1, "Minimum number of calibration batches the builder requires")
	flagBatchSize   = flag.Int("batch_size", 4, "Number of examples per calibration batch")
	flagFeatures    = flag.Int("features", 16, "Number of features of each input")
	flagInputs      = flag.Int("inputs", 2, "Number of inputs of the model")
	flagDType       = flag.String("dtype", "float32", "DType of the calibration inputs: float32 or float16")
	flagNumWeights  = flag.Int("weights", 10, "Number of weight blobs staged for the build")
	flagWeightSize  = flag.String("weight_size", "64KiB", "Size of each weight blob")
	flagMemoryLimit = flag.String("memory_limit", "", "Device memory limit of the allocator, e.g. 256MiB. Empty uses $"+trt.DeviceMemoryLimitEnv)
	flagCacheFile   = flag.String("cache", "", "If set, the calibration cache is read from this file (if it exists) and written back to it")
)

const container = "calibrate"

// config of one calibration run.
type config struct {
	numBatches, minBatches      int
	batchSize, features, inputs int
	dtype                       dtypes.DType
	numWeights                  int
	weightSize, memoryLimit     uint64
	cacheFile                   string
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `calibrate runs an INT8 calibration with random data on the host backend.

$ calibrate -batches=8 -batch_size=4 -dtype=float16

Usage:
`)
		flag.PrintDefaults()
	}
	klog.InitFlags(flag.CommandLine)
	flag.Parse()

	dtype, found := dtypes.MapOfNames[*flagDType]
	if !found || !dtype.IsFloat() {
		fmt.Fprintf(os.Stderr, "Invalid -dtype=%q, only float32 and float16 are supported.\n\n", *flagDType)
		flag.Usage()
		os.Exit(1)
	}
	cfg := config{
		numBatches: *flagNumBatches,
		minBatches: *flagMinBatches,
		batchSize:  *flagBatchSize,
		features:   *flagFeatures,
		inputs:     *flagInputs,
		dtype:      dtype,
		numWeights: *flagNumWeights,
		weightSize: must.M1(humanize.ParseBytes(*flagWeightSize)),
		cacheFile:  *flagCacheFile,
	}
	if *flagMemoryLimit != "" {
		cfg.memoryLimit = must.M1(humanize.ParseBytes(*flagMemoryLimit))
	}
	if err := run(context.Background(), cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

// run executes one calibration cycle, printing the diagnostics to w.
func run(ctx context.Context, cfg config, w io.Writer) error {
	// Weights: deferred first, so they are destroyed after the resource.
	weights := trt.NewWeightStore()
	defer weights.Destroy()
	blob := make([]byte, cfg.weightSize)
	for range cfg.numWeights {
		for ii := range blob {
			blob[ii] = byte(rand.IntN(256))
		}
		if _, err := weights.Append(blob); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "Weights:\n%s", weights.Describe())

	manager := registry.New()
	defer manager.Close()
	r, err := manager.LookupOrCreate(container, "engine_0", func() (registry.Resource, error) {
		return trt.NewCalibrationResource(trt.NewPoolAllocator(cfg.memoryLimit), &trt.KlogLogger{Name: "calibrate"})
	})
	if err != nil {
		return err
	}
	resource := r.(*trt.CalibrationResource)

	inputNames := make([]string, cfg.inputs)
	for ii := range inputNames {
		inputNames[ii] = fmt.Sprintf("input_%d", ii)
	}
	calibrator := trt.NewCalibrator(cfg.batchSize, inputNames...)
	if cfg.cacheFile != "" {
		if cache, err := os.ReadFile(cfg.cacheFile); err == nil {
			calibrator.WriteCalibrationCache(cache)
			fmt.Fprintf(w, "Loaded calibration cache from %q\n", cfg.cacheFile)
		}
	}
	err = resource.StartCalibration().
		WithCalibrator(calibrator).
		WithBuilderFactory(host.NewBuilder).
		WithWeights(weights).
		WithOptions(trt.NamedValuesMap{
			trt.OptionPrecision:             trt.PrecisionINT8,
			trt.OptionMaxBatchSize:          int64(cfg.batchSize),
			trt.OptionMinCalibrationBatches: int64(cfg.minBatches),
			host.OptionEngineName:           container + "_engine_0",
		}).
		Done()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nStarted calibration:\n%s", resource.DebugString())

	numFed := 0
	for range cfg.numBatches {
		batch := make(trt.Batch, len(inputNames))
		for _, name := range inputNames {
			batch[name], err = randomTensor(cfg.dtype, cfg.batchSize, cfg.features)
			if err != nil {
				return err
			}
		}
		if err := calibrator.SetBatch(ctx, batch); err != nil {
			if errors.Is(err, trt.ErrCalibrationDone) {
				// The builder stopped consuming, e.g. it used the cache.
				klog.Infof("Stopped feeding batches after %d: %v", numFed, err)
				break
			}
			return err
		}
		numFed++
	}
	calibrator.SetDone()

	engine, err := resource.WaitForEngineContext(ctx)
	if err != nil {
		return errors.WithMessagef(err, "calibration failed:\n%s", resource.DebugString())
	}
	fmt.Fprintf(w, "\nBuilt %s after feeding %d batches:\n%s", engine.Name(), numFed, resource.DebugString())
	if hostEngine, ok := engine.(*host.Engine); ok && hostEngine.CalibrationTable() != nil {
		fmt.Fprintf(w, "\n%s\n", hostEngine.CalibrationTable())
	}
	if pool, ok := resource.Allocator().(*trt.PoolAllocator); ok {
		fmt.Fprintf(w, "\nAllocator: %s\n", pool)
	}
	if cfg.cacheFile != "" {
		if err := os.WriteFile(cfg.cacheFile, calibrator.ReadCalibrationCache(), 0o644); err != nil {
			return errors.Wrapf(err, "failed to save calibration cache")
		}
		fmt.Fprintf(w, "Saved calibration cache to %q\n", cfg.cacheFile)
	}
	return manager.Delete(container, "engine_0")
}

// randomTensor returns a [batchSize, features] tensor with normally distributed values.
func randomTensor(dtype dtypes.DType, batchSize, features int) (*trt.Tensor, error) {
	values := make([]float32, batchSize*features)
	for ii := range values {
		values[ii] = float32(rand.NormFloat64())
	}
	data, err := dtypes.FromFloat32(dtype, values)
	if err != nil {
		return nil, err
	}
	return trt.NewTensor(dtype, []int{batchSize, features}, data)
}
