// Package discovery finds plugs on the local network and reconciles the
// result into the registry.
//
// A round walks Idle → Probing → AwaitingReplies → Reconciling → Idle. The
// reply window is bounded: there is no way to know how many devices exist,
// so whatever answered before the window closed is the round's result.
package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/plug-metrics/internal/config"
	"github.com/sweeney/plug-metrics/internal/registry"
)

// State is the phase of the current discovery round.
type State int32

const (
	Idle State = iota
	Probing
	AwaitingReplies
	Reconciling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Probing:
		return "probing"
	case AwaitingReplies:
		return "awaiting_replies"
	case Reconciling:
		return "reconciling"
	}
	return "unknown"
}

// EvictFunc is called with the devices removed by a reconcile.
type EvictFunc func(ctx context.Context, evicted []registry.Device)

// Result summarises one completed round.
type Result struct {
	// Found is the set of devices that answered, after renaming.
	Found []registry.Device
	// Retained lists devices that did not answer but are still inside
	// their missed-round allowance.
	Retained []registry.Device
	// Evicted lists devices removed from the registry.
	Evicted []registry.Device
	// ProbeFailed is set when the probe could not be sent; the round then
	// counts as finding nothing.
	ProbeFailed bool
}

// Service runs discovery rounds against a single registry. Rounds must not
// overlap; the scheduler guarantees this and Round serialises defensively.
type Service struct {
	prober       Prober
	registry     registry.Registry
	window       time.Duration
	missedRounds int
	aliases      map[string]string
	onEvict      EvictFunc

	state  atomic.Int32
	mu     sync.Mutex
	missed map[string]int
}

// New returns a Service probing with prober and writing to reg. onEvict may
// be nil.
func New(prober Prober, reg registry.Registry, cfg config.DiscoveryConfig, onEvict EvictFunc) *Service {
	missedRounds := cfg.MissedRounds
	if missedRounds < 1 {
		missedRounds = 1
	}
	return &Service{
		prober:       prober,
		registry:     reg,
		window:       cfg.Timeout.Duration,
		missedRounds: missedRounds,
		aliases:      cfg.Aliases,
		onEvict:      onEvict,
		missed:       map[string]int{},
	}
}

// State returns the phase the service is currently in.
func (s *Service) State() State {
	return State(s.state.Load())
}

func (s *Service) setState(st State) {
	s.state.Store(int32(st))
}

// Round performs one probe, collects replies for the configured window and
// reconciles them into the registry.
//
// A probe that cannot be sent is logged and the round proceeds as if no
// device answered. If ctx is cancelled before the window closes the
// registry is left untouched and ctx.Err() is returned. The only other
// error is a failed reconcile.
func (s *Service) Round(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.setState(Idle)

	logger := zerolog.Ctx(ctx)
	var res Result

	s.setState(Probing)
	replies, err := s.prober.Probe(ctx, s.window)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		logger.Error().Err(err).Msg("Discovery probe failed, treating round as empty")
		res.ProbeFailed = true
	} else {
		s.setState(AwaitingReplies)
		collected, err := s.collect(ctx, replies)
		if err != nil {
			return Result{}, err
		}
		res.Found = collected
	}

	s.setState(Reconciling)
	next := res.Found
	if s.missedRounds > 1 {
		res.Retained = s.tolerate(ctx, res.Found)
		next = append(append([]registry.Device(nil), res.Found...), res.Retained...)
	}

	evicted, err := s.registry.Reconcile(ctx, next)
	if err != nil {
		logger.Error().Err(err).Msg("Registry reconcile failed")
		return Result{}, err
	}
	res.Evicted = evicted

	for _, d := range evicted {
		delete(s.missed, d.Alias)
		logger.Info().Str("alias", d.Alias).Str("address", d.Address).Msg("Device evicted")
	}
	if len(evicted) > 0 && s.onEvict != nil {
		s.onEvict(ctx, evicted)
	}

	logger.Info().
		Int("found", len(res.Found)).
		Int("retained", len(res.Retained)).
		Int("evicted", len(res.Evicted)).
		Msg("Discovery round complete")
	return res, nil
}

// collect drains replies until the prober closes the channel. Replies are
// deduplicated by address, renamed, then deduplicated by alias with the
// first reply winning.
func (s *Service) collect(ctx context.Context, replies <-chan Reply) ([]registry.Device, error) {
	logger := zerolog.Ctx(ctx)
	seenAddr := map[string]bool{}
	byAlias := map[string]string{}
	var out []registry.Device

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r, ok := <-replies:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return out, nil
			}
			if seenAddr[r.Address] {
				continue
			}
			seenAddr[r.Address] = true

			alias, keep := s.rename(r.Alias)
			if !keep {
				logger.Debug().Str("alias", r.Alias).Str("address", r.Address).Msg("Ignoring device")
				continue
			}
			if prev, dup := byAlias[alias]; dup {
				logger.Warn().
					Str("alias", alias).
					Str("address", r.Address).
					Str("kept_address", prev).
					Msg("Duplicate alias, keeping first reply")
				continue
			}
			byAlias[alias] = r.Address
			out = append(out, registry.Device{Alias: alias, Address: r.Address})
		}
	}
}

// rename applies the alias map. An empty replacement drops the device.
func (s *Service) rename(alias string) (string, bool) {
	if to, ok := s.aliases[alias]; ok {
		return to, to != ""
	}
	return alias, true
}

// tolerate returns registered devices missing from found that have not yet
// used up their missed-round allowance, and updates the miss counters.
func (s *Service) tolerate(ctx context.Context, found []registry.Device) []registry.Device {
	present := make(map[string]bool, len(found))
	for _, d := range found {
		present[d.Alias] = true
		delete(s.missed, d.Alias)
	}

	prev, err := s.registry.Snapshot(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Registry snapshot failed, evicting missing devices")
		return nil
	}

	var kept []registry.Device
	for _, d := range prev {
		if present[d.Alias] {
			continue
		}
		s.missed[d.Alias]++
		if s.missed[d.Alias] < s.missedRounds {
			kept = append(kept, d)
		}
	}
	return kept
}
