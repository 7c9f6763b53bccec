package poller

import (
	"context"
	"math"
	"time"

	"github.com/sweeney/plug-metrics/internal/publisher"
)

// Reader produces one set of gauge values keyed by gauge name.
type Reader interface {
	Read(ctx context.Context) (map[string]float64, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context) (map[string]float64, error)

// Read calls f.
func (f ReaderFunc) Read(ctx context.Context) (map[string]float64, error) {
	return f(ctx)
}

// Result is the outcome of one Collect.
type Result struct {
	// Values is what was published: the read values, or NaN for every
	// gauge when the read failed.
	Values     map[string]float64
	ReadErr    error
	PublishErr error
}

// Undefined reports whether the read failed or produced a NaN.
func (r Result) Undefined() bool {
	if r.ReadErr != nil {
		return true
	}
	for _, v := range r.Values {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// Collect reads r once and publishes the values under labels. timeout, when
// positive, bounds the read. A failed read publishes NaN for every gauge in
// names so a stale value never lingers.
//
// If ctx itself is done by the time the read returns, nothing is published
// and ctx's error is returned: an abandoned read is not an unreachable
// device.
func Collect(ctx context.Context, r Reader, sink publisher.Sink, labels map[string]string, names []string, timeout time.Duration) (Result, error) {
	readCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	values, err := r.Read(readCtx)
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	res := Result{Values: values, ReadErr: err}
	if err != nil {
		res.Values = undefined(names)
	}
	res.PublishErr = publisher.PublishValues(sink, labels, res.Values)
	return res, nil
}

func undefined(names []string) map[string]float64 {
	out := make(map[string]float64, len(names))
	for _, n := range names {
		out[n] = math.NaN()
	}
	return out
}
