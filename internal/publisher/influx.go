package publisher

import (
	"context"
	"fmt"
	"math"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/sweeney/plug-metrics/internal/config"
)

// defaultConnectTimeout bounds the initial health ping.
const defaultConnectTimeout = 10 * time.Second

// pointWriter is the slice of api.WriteAPI that InfluxSink needs.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// InfluxSink writes each gauge as a point in InfluxDB v2. The measurement is
// the gauge name and the labels become tags. InfluxDB cannot store NaN, so
// an undefined value is written as available=false with no value field.
//
// Writes are non-blocking and batched; asynchronous write errors are logged.
type InfluxSink struct {
	client influxdb2.Client
	writer pointWriter
	now    func() time.Time
}

// NewInfluxSink connects to InfluxDB and verifies the server is healthy.
func NewInfluxSink(cfg config.InfluxDBConfig, logger zerolog.Logger) (*InfluxSink, error) {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*1000), // milliseconds
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging influxdb at %s: %w", cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb at %s is not healthy", cfg.URL)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Warn().Err(err).Msg("InfluxDB write failed")
		}
	}()

	return &InfluxSink{client: client, writer: writeAPI, now: time.Now}, nil
}

// SetGauge implements Sink.
func (s *InfluxSink) SetGauge(g Gauge) error {
	if _, err := labelValues(g); err != nil {
		return err
	}
	tags := make(map[string]string, len(g.Labels))
	for k, v := range g.Labels {
		tags[k] = v
	}

	fields := map[string]interface{}{"available": !math.IsNaN(g.Value)}
	if !math.IsNaN(g.Value) {
		fields["value"] = g.Value
	}
	s.writer.WritePoint(write.NewPoint(g.Name, tags, fields, s.now()))
	return nil
}

// Close flushes pending writes and closes the client.
func (s *InfluxSink) Close() error {
	s.writer.Flush()
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
