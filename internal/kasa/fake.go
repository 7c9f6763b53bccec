package kasa

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/sweeney/plug-metrics/internal/metrics"
)

// FakeFetcher is a test double for Fetcher keyed by address.
//
// Seed Identities and Readings for reachable devices. An entry in Errors is
// returned instead of data. Addresses listed in Hang block until the caller's
// context is done, simulating a device that accepts the connection but never
// answers. Unknown addresses fail with ErrConnection.
type FakeFetcher struct {
	Identities map[string]Identity
	Readings   map[string]metrics.Reading
	Errors     map[string]error
	Hang       map[string]bool

	mu    sync.Mutex
	calls []string
}

// FetchIdentity returns the seeded identity for address.
func (f *FakeFetcher) FetchIdentity(ctx context.Context, address string) (Identity, error) {
	if err := f.enter(ctx, address); err != nil {
		return Identity{}, err
	}
	id, ok := f.Identities[address]
	if !ok {
		return Identity{}, errors.Mark(errors.Newf("no device at %s", address), ErrConnection)
	}
	return id, nil
}

// FetchReading returns the seeded reading for address.
func (f *FakeFetcher) FetchReading(ctx context.Context, address string) (metrics.Reading, error) {
	if err := f.enter(ctx, address); err != nil {
		return metrics.Undefined(), err
	}
	r, ok := f.Readings[address]
	if !ok {
		return metrics.Undefined(), errors.Mark(errors.Newf("no device at %s", address), ErrConnection)
	}
	return r, nil
}

func (f *FakeFetcher) enter(ctx context.Context, address string) error {
	f.mu.Lock()
	f.calls = append(f.calls, address)
	f.mu.Unlock()

	if f.Hang[address] {
		<-ctx.Done()
		return errors.Mark(errors.Wrapf(ctx.Err(), "waiting for %s", address), ErrConnection)
	}
	if err := f.Errors[address]; err != nil {
		return err
	}
	return nil
}

// Calls returns every address requested, in order.
func (f *FakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many requests were made for address.
func (f *FakeFetcher) CallCount(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.calls {
		if a == address {
			n++
		}
	}
	return n
}

// Reset clears all state so the fake can be reused between sub-tests.
func (f *FakeFetcher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Identities = nil
	f.Readings = nil
	f.Errors = nil
	f.Hang = nil
	f.calls = nil
}
