package capability

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueType is the declared type of a data point.
type ValueType string

// Data point value types.
const (
	TypeBoolean ValueType = "boolean"
	TypeEnum    ValueType = "enum"
	TypeInteger ValueType = "integer"
	TypeString  ValueType = "string"
)

// IsValid reports whether t is a known value type.
func (t ValueType) IsValid() bool {
	switch t {
	case TypeBoolean, TypeEnum, TypeInteger, TypeString:
		return true
	default:
		return false
	}
}

// Source records where a descriptor came from.
type Source string

// Descriptor sources.
const (
	// SourceCatalog is a predefined (vendor, category) entry.
	SourceCatalog Source = "catalog"

	// SourceAnnounced was declared by the device itself.
	SourceAnnounced Source = "announced"

	// SourceFallback is the vendor's generic descriptor for an unknown category.
	SourceFallback Source = "fallback"

	// SourceEmpty has no data points. Commands are passthrough-only.
	SourceEmpty Source = "empty"
)

// Encoding describes how a vendor represents enum and boolean values on the wire.
type Encoding string

// Wire encodings.
const (
	// EncodingNative sends booleans as JSON booleans and enums as strings.
	EncodingNative Encoding = ""

	// EncodingNumeric sends booleans as 0/1 and enums as integers.
	EncodingNumeric Encoding = "numeric"
)

// Range bounds an integer data point in canonical units.
//
// The vendor value relates to the canonical one by
//
//	canonical = vendor / 10^Scale + Offset
type Range struct {
	Min    float64 `json:"min" yaml:"min"`
	Max    float64 `json:"max" yaml:"max"`
	Step   float64 `json:"step,omitempty" yaml:"step,omitempty"`
	Scale  int     `json:"scale,omitempty" yaml:"scale,omitempty"`
	Offset float64 `json:"offset,omitempty" yaml:"offset,omitempty"`
}

// DataPoint is one typed property of a device.
type DataPoint struct {
	// Code is the canonical, vendor-neutral name (e.g. "target_temperature").
	Code string `json:"code" yaml:"code"`

	// Name is a display label.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Type     ValueType `json:"type" yaml:"type"`
	Readable bool      `json:"readable" yaml:"readable"`
	Writable bool      `json:"writable" yaml:"writable"`

	// VendorCode is the key used on the wire. Empty means the same as Code.
	VendorCode string `json:"vendor_code,omitempty" yaml:"vendor_code,omitempty"`

	Unit  string `json:"unit,omitempty" yaml:"unit,omitempty"`
	Range *Range `json:"range,omitempty" yaml:"range,omitempty"`

	// Values lists the canonical enum members.
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`

	// VendorValues maps canonical enum members to their wire form.
	VendorValues map[string]string `json:"vendor_values,omitempty" yaml:"vendor_values,omitempty"`

	Encoding Encoding `json:"encoding,omitempty" yaml:"encoding,omitempty"`
}

// WireCode returns the key the vendor uses for this data point.
func (dp DataPoint) WireCode() string {
	if dp.VendorCode != "" {
		return dp.VendorCode
	}
	return dp.Code
}

// ToCanonical converts a raw vendor value into its canonical form.
// It reports false when the value cannot be interpreted for this data point,
// including enum members outside the set and numbers outside a bounded range.
func (dp DataPoint) ToCanonical(raw any) (any, bool) {
	switch dp.Type {
	case TypeBoolean:
		return toBool(raw)

	case TypeEnum:
		key, ok := scalarString(raw)
		if !ok {
			return nil, false
		}
		for canonical, wire := range dp.VendorValues {
			if wire == key {
				return canonical, true
			}
		}
		if len(dp.Values) == 0 || contains(dp.Values, key) {
			return key, true
		}
		return nil, false

	case TypeInteger:
		f, ok := toFloat(raw)
		if !ok {
			return nil, false
		}
		if dp.Range != nil {
			f = f/math.Pow10(dp.Range.Scale) + dp.Range.Offset
			// Min == Max means the range only carries scale and offset.
			if dp.Range.Max > dp.Range.Min && (f < dp.Range.Min || f > dp.Range.Max) {
				return nil, false
			}
		}
		return f, true

	case TypeString:
		s, ok := raw.(string)
		return s, ok

	default:
		return nil, false
	}
}

// ToVendor validates a canonical value for writing and converts it to its wire form.
func (dp DataPoint) ToVendor(value any) (any, error) {
	if !dp.Writable {
		return nil, fmt.Errorf("%w: %s", ErrNotWritable, dp.Code)
	}

	switch dp.Type {
	case TypeBoolean:
		b, ok := toBool(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a boolean", ErrInvalidValue, dp.Code)
		}
		if dp.Encoding == EncodingNumeric {
			if b {
				return 1, nil
			}
			return 0, nil
		}
		return b, nil

	case TypeEnum:
		s, ok := scalarString(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects one of %v", ErrInvalidValue, dp.Code, dp.Values)
		}
		if len(dp.Values) > 0 && !contains(dp.Values, s) {
			return nil, fmt.Errorf("%w: %s has no member %q", ErrValueOutOfRange, dp.Code, s)
		}
		wire := s
		if mapped, ok := dp.VendorValues[s]; ok {
			wire = mapped
		}
		if dp.Encoding == EncodingNumeric {
			n, err := strconv.Atoi(wire)
			if err != nil {
				return nil, fmt.Errorf("%w: %s wire value %q is not numeric", ErrInvalidValue, dp.Code, wire)
			}
			return n, nil
		}
		return wire, nil

	case TypeInteger:
		f, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a number", ErrInvalidValue, dp.Code)
		}
		if dp.Range == nil {
			return int64(math.Round(f)), nil
		}
		if f < dp.Range.Min || f > dp.Range.Max {
			return nil, fmt.Errorf("%w: %s must be within [%g, %g]", ErrValueOutOfRange, dp.Code, dp.Range.Min, dp.Range.Max)
		}
		if dp.Range.Step > 0 {
			f = math.Round(f/dp.Range.Step) * dp.Range.Step
		}
		wire := (f - dp.Range.Offset) * math.Pow10(dp.Range.Scale)
		// Half-degree units without a scale take the fraction as is.
		if rounded := math.Round(wire); math.Abs(wire-rounded) > 1e-9 {
			return wire, nil
		}
		return int64(math.Round(wire)), nil

	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a string", ErrInvalidValue, dp.Code)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("%w: %s has unknown type %q", ErrInvalidValue, dp.Code, dp.Type)
	}
}

// Descriptor is the schema of data points a device supports.
type Descriptor struct {
	Vendor     Vendor      `json:"vendor"`
	Category   string      `json:"category"`
	DataPoints []DataPoint `json:"data_points"`
	Source     Source      `json:"source"`
}

// Lookup finds a data point by canonical code.
func (d Descriptor) Lookup(code string) (DataPoint, bool) {
	for _, dp := range d.DataPoints {
		if dp.Code == code {
			return dp, true
		}
	}
	return DataPoint{}, false
}

// LookupWire finds a data point by its wire code.
func (d Descriptor) LookupWire(wire string) (DataPoint, bool) {
	for _, dp := range d.DataPoints {
		if dp.WireCode() == wire {
			return dp, true
		}
	}
	return DataPoint{}, false
}

// IsEmpty reports whether the descriptor declares no data points.
func (d Descriptor) IsEmpty() bool {
	return len(d.DataPoints) == 0
}

// DeepCopy returns an independent copy so cached descriptors are never shared.
func (d Descriptor) DeepCopy() Descriptor {
	cp := d
	if d.DataPoints != nil {
		cp.DataPoints = make([]DataPoint, len(d.DataPoints))
		for i, dp := range d.DataPoints {
			cp.DataPoints[i] = dp.deepCopy()
		}
	}
	return cp
}

func (dp DataPoint) deepCopy() DataPoint {
	cp := dp
	if dp.Range != nil {
		r := *dp.Range
		cp.Range = &r
	}
	if dp.Values != nil {
		cp.Values = append([]string(nil), dp.Values...)
	}
	if dp.VendorValues != nil {
		cp.VendorValues = make(map[string]string, len(dp.VendorValues))
		for k, v := range dp.VendorValues {
			cp.VendorValues[k] = v
		}
	}
	return cp
}

// validate checks a descriptor built from untrusted input.
func (d Descriptor) validate() error {
	seen := make(map[string]bool, len(d.DataPoints))
	for i, dp := range d.DataPoints {
		if dp.Code == "" {
			return fmt.Errorf("data point %d has no code", i)
		}
		if seen[dp.Code] {
			return fmt.Errorf("duplicate data point %q", dp.Code)
		}
		seen[dp.Code] = true
		if !dp.Type.IsValid() {
			return fmt.Errorf("data point %q has invalid type %q", dp.Code, dp.Type)
		}
		if dp.Range != nil && dp.Range.Min > dp.Range.Max {
			return fmt.Errorf("data point %q has min above max", dp.Code)
		}
	}
	return nil
}

// toBool accepts booleans, 0/1 numbers, and the usual on/off strings.
func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(t) {
		case "true", "on", "1":
			return true, true
		case "false", "off", "0":
			return false, true
		}
		return false, false
	}
	if f, ok := toFloat(v); ok {
		switch f {
		case 0:
			return false, true
		case 1:
			return true, true
		}
	}
	return false, false
}

// toFloat accepts any Go or JSON numeric type and numeric strings.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// ToFloat exposes numeric coercion for other packages (condition evaluation, telemetry).
func ToFloat(v any) (float64, bool) {
	if _, isString := v.(string); isString {
		return 0, false
	}
	return toFloat(v)
}

// scalarString renders strings and numbers as an enum key.
func scalarString(v any) (string, bool) {
	if s, ok := v.(string); ok {
		return s, true
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
