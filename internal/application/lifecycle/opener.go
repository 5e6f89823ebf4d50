package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

// Opener is the entry point of the executor once an entry order filled.
// The cap check and the insert run under one lock so two concurrent opens
// cannot both pass a cap that only one of them fits under.
type Opener struct {
	mu       sync.Mutex
	store    ports.PositionStore
	acct     *Accountant
	venues   *Registry
	notifier ports.Notifier
}

// NewOpener returns an Opener. A nil notifier discards open events.
func NewOpener(store ports.PositionStore, acct *Accountant, venues *Registry, notifier ports.Notifier) *Opener {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Opener{store: store, acct: acct, venues: venues, notifier: notifier}
}

// Open validates, admits and persists pos, then announces it.
func (o *Opener) Open(ctx context.Context, pos domain.Position) error {
	if pos.Status == "" {
		pos.Status = domain.StatusOpen
	}
	if !pos.IsOpen() {
		return fmt.Errorf("opener.Open: %w: status %s", domain.ErrInvalidPosition, pos.Status)
	}
	if err := pos.Validate(); err != nil {
		return fmt.Errorf("opener.Open: %w", err)
	}

	if err := o.admitAndSave(ctx, pos); err != nil {
		return err
	}

	if o.venues != nil {
		o.venues.TrackLegs(pos, pos.Legs())
	}
	slog.Info("lifecycle: position opened",
		"id", pos.ShortID(),
		"strategy", pos.Strategy,
		"position", pos.Label(),
		"size", fmt.Sprintf("$%.2f", pos.SizeUSD),
	)
	if err := o.notifier.PositionOpened(ctx, pos); err != nil {
		slog.Warn("lifecycle: notification failed", "event", "position_opened", "err", err)
	}
	return nil
}

func (o *Opener) admitAndSave(ctx context.Context, pos domain.Position) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.acct.Admit(ctx, pos); err != nil {
		return fmt.Errorf("opener.Open: %w", err)
	}
	if err := o.store.Save(ctx, pos); err != nil {
		return fmt.Errorf("opener.Open: %w", err)
	}
	return nil
}

// Restore re-announces the legs of every open position to simulated
// venues. Called once at startup in dry-run mode.
func (o *Opener) Restore(ctx context.Context) (int, error) {
	open, err := o.store.GetOpen(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("opener.Restore: %w", err)
	}
	for _, pos := range open {
		legs := pos.Legs()
		if pos.PendingLeg != domain.LegNone {
			legs = pos.PendingLeg
		}
		o.venues.TrackLegs(pos, legs)
	}
	return len(open), nil
}
