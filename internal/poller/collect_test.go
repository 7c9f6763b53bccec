package poller

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/sweeney/plug-metrics/internal/metrics"
	"github.com/sweeney/plug-metrics/internal/publisher"
)

var upsLabels = map[string]string{"ups": "rack"}

func values(m map[string]float64) ReaderFunc {
	return func(context.Context) (map[string]float64, error) { return m, nil }
}

func failing(err error) ReaderFunc {
	return func(context.Context) (map[string]float64, error) { return nil, err }
}

func hanging() ReaderFunc {
	return func(ctx context.Context) (map[string]float64, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestCollect_PublishesValues(t *testing.T) {
	sink := &publisher.FakeSink{}
	in := map[string]float64{metrics.UPSLoadWatts: 72, metrics.UPSInputVolts: 241, metrics.UPSRuntimeSeconds: 4890}

	res, err := Collect(context.Background(), values(in), sink, upsLabels, metrics.UPSGauges, time.Second)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if res.Undefined() || res.ReadErr != nil || res.PublishErr != nil {
		t.Errorf("result = %+v", res)
	}
	gauges := sink.Gauges()
	if len(gauges) != 3 {
		t.Fatalf("published %d gauges, want 3", len(gauges))
	}
	for _, g := range gauges {
		if g.Value != in[g.Name] || g.Labels["ups"] != "rack" {
			t.Errorf("gauge = %+v", g)
		}
	}
}

// A failed read publishes NaN for every named gauge.
func TestCollect_ReadErrorPublishesNaN(t *testing.T) {
	sink := &publisher.FakeSink{}
	res, err := Collect(context.Background(), failing(errors.New("connection refused")), sink, upsLabels, metrics.UPSGauges, time.Second)
	if err != nil {
		t.Fatalf("Collect should not escalate read errors, got %v", err)
	}
	if !res.Undefined() || res.ReadErr == nil {
		t.Errorf("result = %+v, want undefined with ReadErr", res)
	}
	gauges := sink.Gauges()
	if len(gauges) != len(metrics.UPSGauges) {
		t.Fatalf("published %d gauges, want %d", len(gauges), len(metrics.UPSGauges))
	}
	for _, g := range gauges {
		if !math.IsNaN(g.Value) {
			t.Errorf("%s = %v, want NaN", g.Name, g.Value)
		}
	}
}

// The timeout cuts off a hung read, which then counts as a failed read.
func TestCollect_TimeoutPublishesNaN(t *testing.T) {
	sink := &publisher.FakeSink{}
	start := time.Now()
	res, err := Collect(context.Background(), hanging(), sink, upsLabels, metrics.UPSGauges, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Collect took %v", time.Since(start))
	}
	if !errors.Is(res.ReadErr, context.DeadlineExceeded) {
		t.Errorf("ReadErr = %v, want deadline exceeded", res.ReadErr)
	}
	if len(sink.Gauges()) != 3 {
		t.Errorf("published %d gauges, want 3", len(sink.Gauges()))
	}
}

// When the caller's context ends mid-read nothing is published.
func TestCollect_CancelledPublishesNothing(t *testing.T) {
	sink := &publisher.FakeSink{}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := Collect(ctx, hanging(), sink, upsLabels, metrics.UPSGauges, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(sink.Gauges()) != 0 {
		t.Errorf("published %v after cancellation", sink.Gauges())
	}
}

func TestCollect_SinkError(t *testing.T) {
	sink := &publisher.FakeSink{PublishError: errors.New("sink down")}
	in := map[string]float64{metrics.PlugVolts: 230, metrics.PlugAmperes: 0.5, metrics.PlugWatts: 115}
	res, err := Collect(context.Background(), values(in), sink, publisher.PlugLabels("plug-a"), metrics.PlugGauges, 0)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if res.PublishErr == nil {
		t.Error("PublishErr = nil, want the sink error")
	}
}

func TestResult_Undefined(t *testing.T) {
	if (Result{Values: map[string]float64{"a": 1}}).Undefined() {
		t.Error("complete values reported undefined")
	}
	if !(Result{Values: map[string]float64{"a": math.NaN()}}).Undefined() {
		t.Error("NaN value not reported undefined")
	}
}
