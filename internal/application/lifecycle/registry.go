// Package lifecycle tracks open positions until they close: it gathers venue
// state, applies the exit rules and executes the resulting closes through
// the idempotent PositionStore.Close.
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

// Registry owns one adapter per venue. It is built by the composition root
// and injected wherever a venue is needed; nothing creates clients lazily.
type Registry struct {
	mu     sync.RWMutex
	venues map[string]ports.ExchangeAdapter
}

// NewRegistry registers the given adapters under their Name().
func NewRegistry(venues ...ports.ExchangeAdapter) *Registry {
	r := &Registry{venues: make(map[string]ports.ExchangeAdapter)}
	for _, v := range venues {
		r.Register(v)
	}
	return r
}

// Register adds or replaces the adapter for v.Name().
func (r *Registry) Register(v ports.ExchangeAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.venues[v.Name()] = v
}

// Get returns the adapter of venue, or domain.ErrUnknownVenue.
func (r *Registry) Get(venue string) (ports.ExchangeAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[venue]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownVenue, venue)
	}
	return v, nil
}

// Names returns the registered venue names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.venues))
	for n := range r.venues {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// TickerStreamer returns the streaming side of venue, if it has one.
func (r *Registry) TickerStreamer(venue string) (ports.TickerStreamer, bool) {
	v, err := r.Get(venue)
	if err != nil {
		return nil, false
	}
	ts, ok := v.(ports.TickerStreamer)
	return ts, ok
}

// PositionStreamers returns every venue that pushes position snapshots.
func (r *Registry) PositionStreamers() map[string]ports.PositionStreamer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ports.PositionStreamer)
	for name, v := range r.venues {
		if ps, ok := v.(ports.PositionStreamer); ok {
			out[name] = ps
		}
	}
	return out
}

// TrackLegs tells simulated venues about the given legs of pos. Real
// venues do not implement ports.LegTracker and are skipped.
func (r *Registry) TrackLegs(pos domain.Position, legs domain.Leg) {
	for _, l := range expandLegs(legs) {
		ref, ok := pos.LegRef(l)
		if !ok {
			continue
		}
		v, err := r.Get(ref.Venue)
		if err != nil {
			continue
		}
		if lt, ok := v.(ports.LegTracker); ok {
			lt.TrackLeg(ref)
		}
	}
}

// Close tears down every adapter that holds resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, v := range r.venues {
		if c, ok := v.(io.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Warn("lifecycle: closing venue adapter", "venue", name, "err", err)
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
