package nut

import (
	"sync"

	"github.com/sweeney/plug-metrics/internal/config"
)

// FakeSession is a test double for Session.
//
// Single-snapshot mode: pre-seed Vars; every call returns that slice.
// Sequence mode: pre-seed Sequence; each call returns the next element.
// When the sequence is exhausted the last element is repeated, simulating a
// steady post-event state. Set Err to inject a failure on every call. A
// non-nil Block makes every call wait until it is closed, simulating an
// upsd that accepts the connection but never answers.
type FakeSession struct {
	Vars     []Variable   // returned when Sequence is nil/empty
	Sequence [][]Variable // each call advances through this list
	Err      error
	Block    chan struct{}

	mu     sync.Mutex
	calls  int
	closes int
}

// Variables returns the pre-seeded variables for the current call index,
// or Err if set.
func (f *FakeSession) Variables(string) ([]Variable, error) {
	if f.Block != nil {
		<-f.Block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return nil, f.Err
	}

	src := f.Vars
	if len(f.Sequence) > 0 {
		idx := f.calls - 1
		if idx >= len(f.Sequence) {
			idx = len(f.Sequence) - 1 // repeat last element
		}
		src = f.Sequence[idx]
	}

	out := make([]Variable, len(src))
	copy(out, src)
	return out, nil
}

// Close records that the session was closed.
func (f *FakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// Dial returns a Dialer that always hands out f.
func (f *FakeSession) Dial() Dialer {
	return func(config.NUTConfig) (Session, error) { return f, nil }
}

// CallCount returns how many times Variables was called.
func (f *FakeSession) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// CloseCount returns how many times Close was called.
func (f *FakeSession) CloseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}
