// Package publisher delivers gauge values to metrics sinks.
//
// Every sink implements one upsert-style call, SetGauge, which overwrites
// the current value of a labelled gauge. NaN is a legal value and means
// "registered but unreadable this cycle".
package publisher

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sweeney/plug-metrics/internal/metrics"
)

// Gauge is a single SetGauge request.
type Gauge struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// Sink is the minimal interface the rest of the codebase uses to publish
// gauges. The Prometheus, MQTT and InfluxDB sinks, Multi and FakeSink all
// implement it.
type Sink interface {
	SetGauge(g Gauge) error
	Close() error
}

// Family describes one gauge: its help text and ordered label names.
type Family struct {
	Name   string
	Help   string
	Labels []string
}

// Families lists every gauge this program publishes.
var Families = []Family{
	{metrics.PlugVolts, "Voltage measurements of smart plugs.", metrics.PlugLabels},
	{metrics.PlugAmperes, "Current measurements of smart plugs.", metrics.PlugLabels},
	{metrics.PlugWatts, "Power measurements of smart plugs.", metrics.PlugLabels},
	{metrics.BulbState, "Power state of light bulb.", metrics.BulbLabels},
	{metrics.BulbHue, "Hue of light bulb.", metrics.BulbLabels},
	{metrics.BulbSaturation, "Saturation of light bulb.", metrics.BulbLabels},
	{metrics.BulbBrightness, "Brightness of light bulb.", metrics.BulbLabels},
	{metrics.BulbKelvin, "Colour temperature of light bulb.", metrics.BulbLabels},
	{metrics.UPSLoadWatts, "Output load of the UPS.", metrics.UPSLabels},
	{metrics.UPSInputVolts, "Input voltage of the UPS.", metrics.UPSLabels},
	{metrics.UPSRuntimeSeconds, "Estimated battery runtime of the UPS.", metrics.UPSLabels},
}

// family returns the Family for name.
func family(name string) (Family, bool) {
	for _, f := range Families {
		if f.Name == name {
			return f, true
		}
	}
	return Family{}, false
}

// labelValues returns g's label values in the family's order.
func labelValues(g Gauge) ([]string, error) {
	f, ok := family(g.Name)
	if !ok {
		return nil, fmt.Errorf("unknown gauge %q", g.Name)
	}
	out := make([]string, len(f.Labels))
	for i, l := range f.Labels {
		v, ok := g.Labels[l]
		if !ok {
			return nil, fmt.Errorf("gauge %q: missing label %q", g.Name, l)
		}
		out[i] = v
	}
	return out, nil
}

// PlugLabels returns the label set for a plug gauge.
func PlugLabels(alias string) map[string]string {
	return map[string]string{"location": alias, "device": metrics.DevicePlug}
}

// BulbLabels returns the label set for a bulb gauge.
func BulbLabels(group, label, product string) map[string]string {
	return map[string]string{
		"group":    group,
		"location": label,
		"type":     product,
		"device":   metrics.DeviceBulb,
	}
}

// PublishReading sets the three plug gauges for alias. Every gauge is
// attempted; the first error encountered is returned.
func PublishReading(sink Sink, alias string, r metrics.Reading) error {
	return PublishValues(sink, PlugLabels(alias), r.AsGaugeMap())
}

// PublishUndefined sets the three plug gauges for alias to NaN.
func PublishUndefined(sink Sink, alias string) error {
	return PublishReading(sink, alias, metrics.Undefined())
}

// PublishBulb sets the five bulb gauges for one bulb.
func PublishBulb(sink Sink, labels map[string]string, b metrics.BulbReading) error {
	return PublishValues(sink, labels, b.AsGaugeMap())
}

// PublishValues sets every gauge in values under one label set, in name
// order. Every gauge is attempted; the first error is returned.
func PublishValues(sink Sink, labels map[string]string, values map[string]float64) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var first error
	for _, name := range names {
		err := sink.SetGauge(Gauge{Name: name, Labels: labels, Value: values[name]})
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Multi fans every SetGauge out to all of its sinks.
type Multi []Sink

// SetGauge calls every sink and joins their errors.
func (m Multi) SetGauge(g Gauge) error {
	var errs []error
	for _, s := range m {
		if err := s.SetGauge(g); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnlineState is the LWT / online-announcement payload.
type OnlineState struct {
	Online    bool   `json:"online"`
	Timestamp string `json:"timestamp"`
}

// FormatOnline returns the JSON payload for the online announcement.
func FormatOnline() string {
	return formatState(true)
}

// FormatOffline returns the JSON payload for the offline announcement.
func FormatOffline() string {
	return formatState(false)
}

func formatState(online bool) string {
	payload, _ := json.Marshal(OnlineState{
		Online:    online,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return string(payload)
}
