package nut

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/plug-metrics/internal/metrics"
	"github.com/sweeney/plug-metrics/internal/poller"
	"github.com/sweeney/plug-metrics/internal/publisher"
)

// Reading holds the UPS values published as gauges. Missing or unparseable
// variables produce NaN, matching the plug sentinel.
type Reading struct {
	LoadWatts      float64
	InputVolts     float64
	RuntimeSeconds float64
}

// Compute derives a Reading from vars, a map of NUT variable name → value.
func Compute(vars map[string]string) Reading {
	return Reading{
		LoadWatts:      loadWatts(vars),
		InputVolts:     parseFloat(vars["input.voltage"]),
		RuntimeSeconds: parseFloat(vars["battery.runtime"]),
	}
}

// Undefined returns the Reading with every value NaN.
func Undefined() Reading {
	nan := math.NaN()
	return Reading{LoadWatts: nan, InputVolts: nan, RuntimeSeconds: nan}
}

// AsGaugeMap returns each value keyed by its gauge name.
func (r Reading) AsGaugeMap() map[string]float64 {
	return map[string]float64{
		metrics.UPSLoadWatts:      r.LoadWatts,
		metrics.UPSInputVolts:     r.InputVolts,
		metrics.UPSRuntimeSeconds: r.RuntimeSeconds,
	}
}

// ups.load is a percentage of ups.realpower.nominal.
func loadWatts(vars map[string]string) float64 {
	load := parseFloat(vars["ups.load"])
	nominal := parseFloat(vars["ups.realpower.nominal"])
	return math.Round(load/100*nominal*100) / 100
}

func parseFloat(s string) float64 {
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// Collector reads one UPS and publishes its gauges through the same
// read-then-publish path the plug poller uses, so a failed read publishes NaN
// and a read abandoned at shutdown publishes nothing.
type Collector struct {
	reader  poller.Reader
	sink    publisher.Sink
	labels  map[string]string
	timeout time.Duration
}

// NewCollector returns a Collector publishing client's gauges. timeout bounds
// each read; zero leaves it to the caller's context.
func NewCollector(client *Client, sink publisher.Sink, timeout time.Duration) *Collector {
	return &Collector{
		reader:  client,
		sink:    sink,
		labels:  map[string]string{"ups": client.Name()},
		timeout: timeout,
	}
}

// Collect performs one read-and-publish. A read error is logged and
// swallowed; publish errors and ctx's own error are returned.
func (c *Collector) Collect(ctx context.Context) error {
	res, err := poller.Collect(ctx, c.reader, c.sink, c.labels, metrics.UPSGauges, c.timeout)
	if err != nil {
		return err
	}
	if res.ReadErr != nil {
		zerolog.Ctx(ctx).Warn().Err(res.ReadErr).Str("ups", c.labels["ups"]).Msg("NUT read failed, publishing undefined reading")
	}
	return res.PublishErr
}
