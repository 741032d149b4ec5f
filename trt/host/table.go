package host

import (
	"fmt"
	"slices"
	"strings"

	"github.com/chewxy/math32"
	"github.com/gomlx/gotrt/dtypes"
	"github.com/gomlx/gotrt/trt"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// calibrationTableVersion is stored in serialized tables, and checked when loading them.
const calibrationTableVersion = 1

// int8Max is the largest magnitude of the symmetric int8 quantization range.
const int8Max = 127

// TensorRange is the dynamic range measured for one input tensor.
type TensorRange struct {
	AbsMax float32
}

// Scale is the factor mapping float values to the int8 range: q = round(x / Scale).
func (r TensorRange) Scale() float32 {
	if r.AbsMax == 0 {
		return 1
	}
	return r.AbsMax / int8Max
}

// CalibrationTable holds the dynamic ranges measured over the calibration batches.
type CalibrationTable struct {
	NumBatches int
	Ranges     map[string]TensorRange

	scratch []float32
}

// NewCalibrationTable returns an empty table.
func NewCalibrationTable() *CalibrationTable {
	return &CalibrationTable{Ranges: make(map[string]TensorRange)}
}

// Update accumulates the ranges of every tensor in batch.
func (t *CalibrationTable) Update(batch trt.Batch) error {
	for name, tensor := range batch {
		var err error
		t.scratch, err = dtypes.ToFloat32(tensor.DType, tensor.Data, t.scratch[:0])
		if err != nil {
			return errors.WithMessagef(err, "calibration input %q", name)
		}
		r := t.Ranges[name]
		for _, v := range t.scratch {
			if math32.IsNaN(v) || math32.IsInf(v, 0) {
				continue
			}
			r.AbsMax = math32.Max(r.AbsMax, math32.Abs(v))
		}
		t.Ranges[name] = r
	}
	t.NumBatches++
	return nil
}

// Quantize maps values of the named tensor to int8 using its measured scale, saturating out-of-range values.
func (t *CalibrationTable) Quantize(name string, values []float32) ([]int8, error) {
	r, found := t.Ranges[name]
	if !found {
		return nil, errors.Errorf("no calibration range for tensor %q", name)
	}
	scale := r.Scale()
	quantized := make([]int8, len(values))
	for ii, v := range values {
		q := v / scale
		if q >= 0 {
			q = math32.Floor(q + 0.5)
		} else {
			q = math32.Ceil(q - 0.5)
		}
		q = math32.Max(-int8Max, math32.Min(int8Max, q))
		quantized[ii] = int8(q)
	}
	return quantized, nil
}

// Marshal serializes the table, to be stored as the calibrator cache.
func (t *CalibrationTable) Marshal() ([]byte, error) {
	tensors := make(map[string]any, len(t.Ranges))
	for name, r := range t.Ranges {
		tensors[name] = map[string]any{
			"abs_max": float64(r.AbsMax),
			"scale":   float64(r.Scale()),
		}
	}
	st, err := structpb.NewStruct(map[string]any{
		"version":     calibrationTableVersion,
		"num_batches": t.NumBatches,
		"tensors":     tensors,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to convert calibration table to proto")
	}
	blob, err := proto.Marshal(st)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize calibration table")
	}
	return blob, nil
}

// UnmarshalCalibrationTable parses a table serialized with CalibrationTable.Marshal.
func UnmarshalCalibrationTable(blob []byte) (*CalibrationTable, error) {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(blob, st); err != nil {
		return nil, errors.Wrap(err, "failed to parse calibration table")
	}
	fields := st.GetFields()
	if version := int(fields["version"].GetNumberValue()); version != calibrationTableVersion {
		return nil, errors.Errorf("unsupported calibration table version %d, expected %d", version, calibrationTableVersion)
	}
	t := NewCalibrationTable()
	t.NumBatches = int(fields["num_batches"].GetNumberValue())
	for name, value := range fields["tensors"].GetStructValue().GetFields() {
		absMax := value.GetStructValue().GetFields()["abs_max"].GetNumberValue()
		t.Ranges[name] = TensorRange{AbsMax: float32(absMax)}
	}
	return t, nil
}

// String implements fmt.Stringer, listing the tensors in sorted order.
func (t *CalibrationTable) String() string {
	names := make([]string, 0, len(t.Ranges))
	for name := range t.Ranges {
		names = append(names, name)
	}
	slices.Sort(names)
	var sb strings.Builder
	fmt.Fprintf(&sb, "CalibrationTable[%d batches]", t.NumBatches)
	for _, name := range names {
		r := t.Ranges[name]
		fmt.Fprintf(&sb, "\n\t%s: abs_max=%g, scale=%g", name, r.AbsMax, r.Scale())
	}
	return sb.String()
}
