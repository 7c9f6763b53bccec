package publisher

import (
	"sync"
)

// FakeSink records every SetGauge call so tests can inspect them. It is
// safe for concurrent use.
type FakeSink struct {
	PublishError error

	mu     sync.Mutex
	gauges []Gauge
	closed bool
}

// SetGauge appends g to the recorded list, or returns PublishError if set.
func (f *FakeSink) SetGauge(g Gauge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.gauges = append(f.gauges, g)
	return nil
}

// Close marks the sink as closed.
func (f *FakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakeSink) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Gauges returns a copy of every recorded gauge, in call order.
func (f *FakeSink) Gauges() []Gauge {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Gauge, len(f.gauges))
	copy(out, f.gauges)
	return out
}

// Last returns the most recent value set for name with the given location
// label, plus a found bool.
func (f *FakeSink) Last(name, location string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.gauges) - 1; i >= 0; i-- {
		g := f.gauges[i]
		if g.Name == name && g.Labels["location"] == location {
			return g.Value, true
		}
	}
	return 0, false
}

// Locations returns the distinct location labels seen, in first-seen order.
func (f *FakeSink) Locations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, g := range f.gauges {
		loc := g.Labels["location"]
		if !seen[loc] {
			seen[loc] = true
			out = append(out, loc)
		}
	}
	return out
}

// Reset clears all recorded state so the fake can be reused between sub-tests.
func (f *FakeSink) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gauges = nil
	f.PublishError = nil
	f.closed = false
}
