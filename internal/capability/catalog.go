package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Canonical data point codes shared by every adapter.
const (
	CodePower             = "power"
	CodeMode              = "mode"
	CodeTargetTemperature = "target_temperature"
	CodeTemperature       = "temperature"
	CodeFanSpeed          = "fan_speed"
	CodeSwing             = "swing"
	CodeHumidity          = "humidity"
	CodeBrightness        = "brightness"
	CodePowerWatts        = "power_watts"
)

// Canonical enum members.
var (
	modeValues  = []string{"auto", "cool", "heat", "dry", "fan"}
	fanValues   = []string{"auto", "low", "medium", "high"}
	swingValues = []string{"off", "vertical"}
)

type catalogKey struct {
	vendor   Vendor
	category string
}

// Catalog holds the predefined descriptors keyed by (vendor, category) plus
// one fallback descriptor per vendor for categories it does not list.
type Catalog struct {
	mu        sync.RWMutex
	entries   map[catalogKey]Descriptor
	fallbacks map[Vendor]Descriptor
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		entries:   make(map[catalogKey]Descriptor),
		fallbacks: make(map[Vendor]Descriptor),
	}
}

// DefaultCatalog returns the built-in catalog for every known vendor.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	for _, d := range builtinDescriptors() {
		c.Add(d)
	}
	for _, d := range builtinFallbacks() {
		c.SetFallback(d)
	}
	return c
}

// Add registers or replaces a (vendor, category) entry.
func (c *Catalog) Add(d Descriptor) {
	d = d.DeepCopy()
	d.Source = SourceCatalog
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[catalogKey{d.Vendor, d.Category}] = d
}

// SetFallback registers or replaces the fallback descriptor for a vendor.
func (c *Catalog) SetFallback(d Descriptor) {
	d = d.DeepCopy()
	d.Source = SourceFallback
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallbacks[d.Vendor] = d
}

// Lookup returns the predefined descriptor for (vendor, category).
func (c *Catalog) Lookup(vendor Vendor, category string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.entries[catalogKey{vendor, category}]
	if !ok {
		return Descriptor{}, false
	}
	return d.DeepCopy(), true
}

// Fallback returns the vendor's generic descriptor.
func (c *Catalog) Fallback(vendor Vendor) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.fallbacks[vendor]
	if !ok {
		return Descriptor{}, false
	}
	return d.DeepCopy(), true
}

// Len returns the number of (vendor, category) entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// catalogFile is the YAML layout of a catalog override file.
type catalogFile struct {
	Descriptors []catalogFileEntry `yaml:"descriptors"`
	Fallbacks   []catalogFileEntry `yaml:"fallbacks"`
}

type catalogFileEntry struct {
	Vendor     string      `yaml:"vendor"`
	Category   string      `yaml:"category"`
	DataPoints []DataPoint `yaml:"data_points"`
}

// LoadFile merges descriptors from a YAML file over the current entries.
//
//	descriptors:
//	  - vendor: tuya
//	    category: kt
//	    data_points:
//	      - {code: power, vendor_code: "1", type: boolean, readable: true, writable: true}
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading catalog file: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
	}

	build := func(e catalogFileEntry) (Descriptor, error) {
		d := Descriptor{
			Vendor:     ParseVendor(e.Vendor),
			Category:   e.Category,
			DataPoints: e.DataPoints,
		}
		if d.Vendor == "" {
			return d, fmt.Errorf("%w: entry without vendor", ErrInvalidCatalog)
		}
		if err := d.validate(); err != nil {
			return d, fmt.Errorf("%w: %s/%s: %w", ErrInvalidCatalog, d.Vendor, d.Category, err)
		}
		return d, nil
	}

	// Validate everything before touching the catalog.
	entries := make([]Descriptor, 0, len(file.Descriptors))
	for _, e := range file.Descriptors {
		d, err := build(e)
		if err != nil {
			return err
		}
		if d.Category == "" {
			return fmt.Errorf("%w: %s entry without category", ErrInvalidCatalog, d.Vendor)
		}
		entries = append(entries, d)
	}
	fallbacks := make([]Descriptor, 0, len(file.Fallbacks))
	for _, e := range file.Fallbacks {
		d, err := build(e)
		if err != nil {
			return err
		}
		fallbacks = append(fallbacks, d)
	}

	for _, d := range entries {
		c.Add(d)
	}
	for _, d := range fallbacks {
		c.SetFallback(d)
	}
	return nil
}

func rw(dp DataPoint) DataPoint {
	dp.Readable, dp.Writable = true, true
	return dp
}

func ro(dp DataPoint) DataPoint {
	dp.Readable, dp.Writable = true, false
	return dp
}

// builtinDescriptors lists the predefined (vendor, category) schemas.
func builtinDescriptors() []Descriptor {
	return []Descriptor{
		// Generic DP devices use canonical codes on the wire.
		{Vendor: VendorGeneric, Category: "switch", DataPoints: []DataPoint{
			rw(DataPoint{Code: CodePower, Name: "Power", Type: TypeBoolean}),
		}},
		{Vendor: VendorGeneric, Category: "light", DataPoints: []DataPoint{
			rw(DataPoint{Code: CodePower, Name: "Power", Type: TypeBoolean}),
			rw(DataPoint{Code: CodeBrightness, Name: "Brightness", Type: TypeInteger, Unit: "%",
				Range: &Range{Min: 0, Max: 100, Step: 1}}),
		}},
		{Vendor: VendorGeneric, Category: "ac", DataPoints: []DataPoint{
			rw(DataPoint{Code: CodePower, Name: "Power", Type: TypeBoolean}),
			rw(DataPoint{Code: CodeMode, Name: "Mode", Type: TypeEnum, Values: modeValues}),
			rw(DataPoint{Code: CodeTargetTemperature, Name: "Target temperature", Type: TypeInteger, Unit: "°C",
				Range: &Range{Min: 16, Max: 30, Step: 0.5}}),
			ro(DataPoint{Code: CodeTemperature, Name: "Temperature", Type: TypeInteger, Unit: "°C"}),
			rw(DataPoint{Code: CodeFanSpeed, Name: "Fan speed", Type: TypeEnum, Values: fanValues}),
			rw(DataPoint{Code: CodeSwing, Name: "Swing", Type: TypeEnum, Values: swingValues}),
		}},
		{Vendor: VendorGeneric, Category: "sensor", DataPoints: []DataPoint{
			ro(DataPoint{Code: CodeTemperature, Name: "Temperature", Type: TypeInteger, Unit: "°C"}),
			ro(DataPoint{Code: CodeHumidity, Name: "Humidity", Type: TypeInteger, Unit: "%"}),
		}},

		// Tuya devices key data points by numeric DP id and scale integers.
		{Vendor: VendorTuya, Category: "kt", DataPoints: []DataPoint{
			rw(DataPoint{Code: CodePower, VendorCode: "1", Name: "Power", Type: TypeBoolean}),
			rw(DataPoint{Code: CodeTargetTemperature, VendorCode: "2", Name: "Target temperature", Type: TypeInteger, Unit: "°C",
				Range: &Range{Min: 16, Max: 30, Step: 0.5, Scale: 1}}),
			ro(DataPoint{Code: CodeTemperature, VendorCode: "3", Name: "Temperature", Type: TypeInteger, Unit: "°C",
				Range: &Range{Min: -20, Max: 60, Scale: 1}}),
			rw(DataPoint{Code: CodeMode, VendorCode: "4", Name: "Mode", Type: TypeEnum, Values: modeValues,
				VendorValues: map[string]string{"auto": "auto", "cool": "cold", "heat": "hot", "dry": "wet", "fan": "wind"}}),
			rw(DataPoint{Code: CodeFanSpeed, VendorCode: "5", Name: "Fan speed", Type: TypeEnum, Values: fanValues,
				VendorValues: map[string]string{"medium": "middle"}}),
			rw(DataPoint{Code: CodeSwing, VendorCode: "15", Name: "Swing", Type: TypeEnum, Values: swingValues,
				VendorValues: map[string]string{"off": "off", "vertical": "on"}}),
		}},
		{Vendor: VendorTuya, Category: "dj", DataPoints: []DataPoint{
			rw(DataPoint{Code: CodePower, VendorCode: "20", Name: "Power", Type: TypeBoolean}),
			rw(DataPoint{Code: CodeBrightness, VendorCode: "22", Name: "Brightness", Type: TypeInteger, Unit: "%",
				Range: &Range{Min: 1, Max: 100, Scale: 1}}),
		}},
		{Vendor: VendorTuya, Category: "cz", DataPoints: []DataPoint{
			rw(DataPoint{Code: CodePower, VendorCode: "1", Name: "Power", Type: TypeBoolean}),
			ro(DataPoint{Code: CodePowerWatts, VendorCode: "19", Name: "Power draw", Type: TypeInteger, Unit: "W",
				Range: &Range{Min: 0, Max: 5000, Scale: 1}}),
		}},
		{Vendor: VendorTuya, Category: "wsdcg", DataPoints: []DataPoint{
			ro(DataPoint{Code: CodeTemperature, VendorCode: "1", Name: "Temperature", Type: TypeInteger, Unit: "°C",
				Range: &Range{Min: -40, Max: 80, Scale: 1}}),
			ro(DataPoint{Code: CodeHumidity, VendorCode: "2", Name: "Humidity", Type: TypeInteger, Unit: "%",
				Range: &Range{Min: 0, Max: 100}}),
		}},

		// MELCloud air-to-air units use PascalCase fields and numeric enums.
		{Vendor: VendorMELCloud, Category: "ata", DataPoints: []DataPoint{
			rw(DataPoint{Code: CodePower, VendorCode: "Power", Name: "Power", Type: TypeBoolean}),
			rw(DataPoint{Code: CodeMode, VendorCode: "OperationMode", Name: "Mode", Type: TypeEnum, Values: modeValues,
				Encoding:     EncodingNumeric,
				VendorValues: map[string]string{"heat": "1", "dry": "2", "cool": "3", "fan": "7", "auto": "8"}}),
			rw(DataPoint{Code: CodeTargetTemperature, VendorCode: "SetTemperature", Name: "Target temperature", Type: TypeInteger, Unit: "°C",
				Range: &Range{Min: 10, Max: 31, Step: 0.5}}),
			ro(DataPoint{Code: CodeTemperature, VendorCode: "RoomTemperature", Name: "Room temperature", Type: TypeInteger, Unit: "°C"}),
			rw(DataPoint{Code: CodeFanSpeed, VendorCode: "SetFanSpeed", Name: "Fan speed", Type: TypeEnum, Values: fanValues,
				Encoding:     EncodingNumeric,
				VendorValues: map[string]string{"auto": "0", "low": "1", "medium": "3", "high": "5"}}),
			rw(DataPoint{Code: CodeSwing, VendorCode: "VaneVertical", Name: "Vane", Type: TypeEnum, Values: swingValues,
				Encoding:     EncodingNumeric,
				VendorValues: map[string]string{"off": "1", "vertical": "7"}}),
		}},

		// Gree units report column/value arrays; everything is an integer.
		{Vendor: VendorGree, Category: "ac", DataPoints: []DataPoint{
			rw(DataPoint{Code: CodePower, VendorCode: "Pow", Name: "Power", Type: TypeBoolean, Encoding: EncodingNumeric}),
			rw(DataPoint{Code: CodeMode, VendorCode: "Mod", Name: "Mode", Type: TypeEnum, Values: modeValues,
				Encoding:     EncodingNumeric,
				VendorValues: map[string]string{"auto": "0", "cool": "1", "dry": "2", "fan": "3", "heat": "4"}}),
			rw(DataPoint{Code: CodeTargetTemperature, VendorCode: "SetTem", Name: "Target temperature", Type: TypeInteger, Unit: "°C",
				Range: &Range{Min: 16, Max: 30, Step: 1}}),
			ro(DataPoint{Code: CodeTemperature, VendorCode: "TemSen", Name: "Temperature", Type: TypeInteger, Unit: "°C",
				Range: &Range{Min: -40, Max: 87, Offset: -40}}),
			rw(DataPoint{Code: CodeFanSpeed, VendorCode: "WdSpd", Name: "Fan speed", Type: TypeEnum, Values: fanValues,
				Encoding:     EncodingNumeric,
				VendorValues: map[string]string{"auto": "0", "low": "1", "medium": "3", "high": "5"}}),
			rw(DataPoint{Code: CodeSwing, VendorCode: "SwUpDn", Name: "Swing", Type: TypeEnum, Values: swingValues,
				Encoding:     EncodingNumeric,
				VendorValues: map[string]string{"off": "0", "vertical": "1"}}),
		}},
	}
}

// builtinFallbacks gives every known vendor a power-only schema.
func builtinFallbacks() []Descriptor {
	return []Descriptor{
		{Vendor: VendorGeneric, DataPoints: []DataPoint{
			rw(DataPoint{Code: CodePower, Name: "Power", Type: TypeBoolean}),
		}},
		{Vendor: VendorTuya, DataPoints: []DataPoint{
			rw(DataPoint{Code: CodePower, VendorCode: "1", Name: "Power", Type: TypeBoolean}),
		}},
		{Vendor: VendorMELCloud, DataPoints: []DataPoint{
			rw(DataPoint{Code: CodePower, VendorCode: "Power", Name: "Power", Type: TypeBoolean}),
		}},
		{Vendor: VendorGree, DataPoints: []DataPoint{
			rw(DataPoint{Code: CodePower, VendorCode: "Pow", Name: "Power", Type: TypeBoolean, Encoding: EncodingNumeric}),
		}},
	}
}
