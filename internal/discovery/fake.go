package discovery

import (
	"context"
	"sync"
	"time"
)

// FakeProber is a test double for Prober.
//
// Replies is delivered on every call. When Sequence is set each call
// delivers the next element instead, repeating the last one once the
// sequence is exhausted. Err fails the probe. Block keeps the reply channel
// open until the caller's context is done, simulating a round that is
// cancelled mid-window.
type FakeProber struct {
	Replies  []Reply
	Sequence [][]Reply
	Err      error
	Block    bool

	mu    sync.Mutex
	calls int
}

// Probe implements Prober.
func (f *FakeProber) Probe(ctx context.Context, _ time.Duration) (<-chan Reply, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	replies := f.Replies
	if len(f.Sequence) > 0 {
		idx := n - 1
		if idx >= len(f.Sequence) {
			idx = len(f.Sequence) - 1
		}
		replies = f.Sequence[idx]
	}
	err, block := f.Err, f.Block
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}

	out := make(chan Reply, len(replies))
	for _, r := range replies {
		out <- r
	}
	if !block {
		close(out)
		return out, nil
	}
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

// Calls returns how many probes were sent.
func (f *FakeProber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
