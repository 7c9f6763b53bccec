// Package poller reads every registered plug once per cycle and publishes
// the result.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/plug-metrics/internal/kasa"
	"github.com/sweeney/plug-metrics/internal/metrics"
	"github.com/sweeney/plug-metrics/internal/publisher"
	"github.com/sweeney/plug-metrics/internal/registry"
)

// Summary counts the outcome of one cycle.
type Summary struct {
	Devices    int
	Readings   int
	Undefined  int
	SinkErrors int
}

// Poller walks a registry snapshot and publishes one reading per device.
// It never writes to the registry.
type Poller struct {
	registry      registry.Registry
	fetcher       kasa.Fetcher
	sink          publisher.Sink
	deviceTimeout time.Duration
}

// New returns a Poller. deviceTimeout bounds each device's fetch; zero
// leaves only the fetcher's own timeouts in force.
func New(reg registry.Registry, fetcher kasa.Fetcher, sink publisher.Sink, deviceTimeout time.Duration) *Poller {
	return &Poller{
		registry:      reg,
		fetcher:       fetcher,
		sink:          sink,
		deviceTimeout: deviceTimeout,
	}
}

// Cycle takes one snapshot and fetches each device in alias order. A device
// whose fetch fails publishes NaN for all three gauges. A failed snapshot
// aborts the cycle, and so does ctx ending: the device being read when that
// happens publishes nothing.
func (p *Poller) Cycle(ctx context.Context) (Summary, error) {
	logger := zerolog.Ctx(ctx)

	devices, err := p.registry.Snapshot(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Registry snapshot failed")
		return Summary{}, fmt.Errorf("reading registry: %w", err)
	}

	sum := Summary{Devices: len(devices)}
	for _, d := range devices {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}

		res, err := Collect(ctx, p.reader(d), p.sink, publisher.PlugLabels(d.Alias), metrics.PlugGauges, p.deviceTimeout)
		if err != nil {
			return sum, err
		}
		if res.ReadErr != nil {
			logger.Warn().
				Err(res.ReadErr).
				Str("alias", d.Alias).
				Str("address", d.Address).
				Msg("Plug unreachable, publishing undefined reading")
		}
		if res.Undefined() {
			sum.Undefined++
		} else {
			sum.Readings++
		}
		if res.PublishErr != nil {
			sum.SinkErrors++
			logger.Warn().Err(res.PublishErr).Str("alias", d.Alias).Msg("Publishing reading failed")
		}
	}

	logger.Debug().
		Int("devices", sum.Devices).
		Int("readings", sum.Readings).
		Int("undefined", sum.Undefined).
		Msg("Poll cycle complete")
	return sum, nil
}

// reader fetches d's realtime reading as gauge values.
func (p *Poller) reader(d registry.Device) Reader {
	return ReaderFunc(func(ctx context.Context) (map[string]float64, error) {
		r, err := p.fetcher.FetchReading(ctx, d.Address)
		if err != nil {
			return nil, err
		}
		return r.AsGaugeMap(), nil
	})
}
