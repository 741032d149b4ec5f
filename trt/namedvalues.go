package trt

import (
	"sort"

	"github.com/pkg/errors"
)

// Well-known builder options.
const (
	OptionMaxBatchSize          = "max_batch_size"
	OptionMaxWorkspaceSize      = "max_workspace_size"
	OptionMinCalibrationBatches = "min_calibration_batches"
	OptionPrecision             = "precision"
)

// Precision values for OptionPrecision.
const (
	PrecisionINT8 = "INT8"
	PrecisionFP16 = "FP16"
	PrecisionFP32 = "FP32"
)

// NamedValuesMap maps option names to values given to a BuilderFactory.
//
// Supported value types are string, int64, []int64, float32 and bool, the same as the builder SDK's named values.
type NamedValuesMap map[string]any

// Validate returns an error naming the first (in sorted order) option of an unsupported type.
func (m NamedValuesMap) Validate() error {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		switch value := m[key].(type) {
		case string, int64, []int64, float32, bool:
		default:
			return errors.Errorf("option (NamedValuesMap) %q was set to unsupported type %T (value=%v). "+
				"Only values of type string, int64, []int64, float32 and bool are supported.",
				key, value, value)
		}
	}
	return nil
}

// Int64 returns the int64 value of key, or defaultValue if it is not set.
// It returns an error if the value is set with a different type.
func (m NamedValuesMap) Int64(key string, defaultValue int64) (int64, error) {
	return namedValue(m, key, defaultValue)
}

// StringValue returns the string value of key, or defaultValue if it is not set.
func (m NamedValuesMap) StringValue(key string, defaultValue string) (string, error) {
	return namedValue(m, key, defaultValue)
}

// Float32 returns the float32 value of key, or defaultValue if it is not set.
func (m NamedValuesMap) Float32(key string, defaultValue float32) (float32, error) {
	return namedValue(m, key, defaultValue)
}

// Bool returns the bool value of key, or defaultValue if it is not set.
func (m NamedValuesMap) Bool(key string, defaultValue bool) (bool, error) {
	return namedValue(m, key, defaultValue)
}

func namedValue[T any](m NamedValuesMap, key string, defaultValue T) (T, error) {
	anyValue, found := m[key]
	if !found {
		return defaultValue, nil
	}
	value, ok := anyValue.(T)
	if !ok {
		return defaultValue, errors.Errorf("option %q has type %T, expected %T", key, anyValue, defaultValue)
	}
	return value, nil
}
