package host

import (
	"math"
	"testing"

	"github.com/gomlx/gotrt/dtypes"
	"github.com/gomlx/gotrt/trt"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// tensor1D returns a 1D tensor of the given float dtype.
func tensor1D(t *testing.T, dtype dtypes.DType, values ...float32) *trt.Tensor {
	data, err := dtypes.FromFloat32(dtype, values)
	require.NoError(t, err)
	tensor, err := trt.NewTensor(dtype, []int{len(values)}, data)
	require.NoError(t, err)
	return tensor
}

func TestCalibrationTableUpdate(t *testing.T) {
	table := NewCalibrationTable()
	nan, inf := float32(math.NaN()), float32(math.Inf(1))
	require.NoError(t, table.Update(trt.Batch{
		"x": tensor1D(t, dtypes.Float32, 0.5, -3, 2),
		"y": tensor1D(t, dtypes.Float16, 0.5, -2, nan, inf),
	}))
	require.NoError(t, table.Update(trt.Batch{
		"x": tensor1D(t, dtypes.Float32, 4, -1),
		"y": tensor1D(t, dtypes.Float16, -inf, 1),
	}))
	require.Equal(t, 2, table.NumBatches)
	require.Equal(t, float32(4), table.Ranges["x"].AbsMax)
	require.Equal(t, float32(2), table.Ranges["y"].AbsMax)
	require.Equal(t, float32(4)/127, table.Ranges["x"].Scale())
	require.Equal(t, float32(1), TensorRange{}.Scale())
	desc := table.String()
	require.Contains(t, desc, "CalibrationTable[2 batches]\n\tx: abs_max=4, scale=")
	require.Contains(t, desc, "\n\ty: abs_max=2, scale=")

	err := table.Update(trt.Batch{"z": &trt.Tensor{DType: dtypes.Invalid, Dims: []int{1}}})
	require.ErrorContains(t, err, `"z"`)
}

func TestCalibrationTableQuantize(t *testing.T) {
	table := NewCalibrationTable()
	table.Ranges["x"] = TensorRange{AbsMax: 127}
	q, err := table.Quantize("x", []float32{0, 1.4, 1.5, -1.5, -0.4, 126.6, 300, -300})
	require.NoError(t, err)
	require.Equal(t, []int8{0, 1, 2, -2, 0, 127, 127, -127}, q)

	table.Ranges["small"] = TensorRange{AbsMax: 0.5}
	q, err = table.Quantize("small", []float32{0.5, -0.2, 0})
	require.NoError(t, err)
	require.Equal(t, []int8{127, -51, 0}, q)

	_, err = table.Quantize("unknown", []float32{1})
	require.Error(t, err)
}

func TestCalibrationTableMarshal(t *testing.T) {
	table := NewCalibrationTable()
	table.NumBatches = 7
	table.Ranges["x"] = TensorRange{AbsMax: 3.25}
	table.Ranges["y"] = TensorRange{AbsMax: 0.1}
	blob, err := table.Marshal()
	require.NoError(t, err)

	loaded, err := UnmarshalCalibrationTable(blob)
	require.NoError(t, err)
	require.Equal(t, table.NumBatches, loaded.NumBatches)
	require.Equal(t, table.Ranges, loaded.Ranges)

	_, err = UnmarshalCalibrationTable([]byte{0xff})
	require.Error(t, err)

	st, err := structpb.NewStruct(map[string]any{"version": 2})
	require.NoError(t, err)
	blob, err = proto.Marshal(st)
	require.NoError(t, err)
	_, err = UnmarshalCalibrationTable(blob)
	require.ErrorContains(t, err, "unsupported calibration table version 2")
}
