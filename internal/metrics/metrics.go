// Package metrics provides the telemetry value types and pure unit conversions
// shared by the poller and the sinks. There is no I/O and no side effects; all
// functions are safe to call from any goroutine.
package metrics

import (
	"math"
	"strconv"
)

// Gauge names for plug telemetry. The device label is always DevicePlug.
const (
	PlugVolts   = "plug_measurements_volts"
	PlugAmperes = "plug_measurements_amperes"
	PlugWatts   = "plug_measurements_watts"

	DevicePlug = "smart_plug"
	DeviceBulb = "smart_bulb"
)

// Gauge names for the bulb publish contract.
const (
	BulbState      = "bulb_measurements_state"
	BulbHue        = "bulb_measurements_hue"
	BulbSaturation = "bulb_measurements_saturation_percent"
	BulbBrightness = "bulb_measurements_brightness_percent"
	BulbKelvin     = "bulb_measurements_kelvin"
)

// Gauge names for the UPS collector, labelled by UPS name.
const (
	UPSLoadWatts      = "ups_measurements_load_watts"
	UPSInputVolts     = "ups_measurements_input_volts"
	UPSRuntimeSeconds = "ups_measurements_battery_runtime_seconds"
)

// PlugLabels, BulbLabels and UPSLabels are the label names, in order, for
// each family.
var (
	PlugLabels = []string{"location", "device"}
	BulbLabels = []string{"group", "location", "type", "device"}
	UPSLabels  = []string{"ups"}
)

// PlugGauges and UPSGauges name every gauge one read publishes, so a failed
// read can publish NaN for each of them.
var (
	PlugGauges = []string{PlugVolts, PlugAmperes, PlugWatts}
	UPSGauges  = []string{UPSLoadWatts, UPSInputVolts, UPSRuntimeSeconds}
)

// RawReading is the realtime energy-meter payload as reported by the plug,
// in milli-units.
type RawReading struct {
	VoltageMV float64 `json:"voltage_mv"`
	CurrentMA float64 `json:"current_ma"`
	PowerMW   float64 `json:"power_mw"`
}

// Reading holds plug telemetry in SI base units.
//
// A Reading whose fields are NaN is the "undefined" sentinel: the device is
// registered but could not be read this cycle.
type Reading struct {
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
	Power   float64 `json:"power"`
}

// Convert turns a raw milli-unit reading into volts, amperes and watts.
func Convert(raw RawReading) Reading {
	return Reading{
		Voltage: raw.VoltageMV / 1000,
		Current: raw.CurrentMA / 1000,
		Power:   raw.PowerMW / 1000,
	}
}

// Undefined returns the sentinel reading with every field set to NaN.
func Undefined() Reading {
	nan := math.NaN()
	return Reading{Voltage: nan, Current: nan, Power: nan}
}

// IsUndefined reports whether any field of r is NaN.
func (r Reading) IsUndefined() bool {
	return math.IsNaN(r.Voltage) || math.IsNaN(r.Current) || math.IsNaN(r.Power)
}

// AsGaugeMap returns each value keyed by its gauge name.
//
// This is the single authoritative mapping between Reading fields and gauge
// names; sinks and tests go through it rather than naming gauges themselves.
func (r Reading) AsGaugeMap() map[string]float64 {
	return map[string]float64{
		PlugVolts:   r.Voltage,
		PlugAmperes: r.Current,
		PlugWatts:   r.Power,
	}
}

// BulbReading is the shape produced by the bulb collaborator. Hue is in
// degrees, saturation and brightness in 0..1, kelvin as reported.
type BulbReading struct {
	State      float64
	Hue        float64
	Saturation float64
	Brightness float64
	Kelvin     float64
}

// AsGaugeMap returns each bulb value keyed by its gauge name.
func (b BulbReading) AsGaugeMap() map[string]float64 {
	return map[string]float64{
		BulbState:      b.State,
		BulbHue:        b.Hue,
		BulbSaturation: b.Saturation,
		BulbBrightness: b.Brightness,
		BulbKelvin:     b.Kelvin,
	}
}

// FormatValue returns the shortest decimal representation of v with no
// trailing zeros (e.g. 72.0 → "72", 1.37 → "1.37"). NaN formats as "NaN".
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
