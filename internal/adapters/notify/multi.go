package notify

import (
	"context"
	"errors"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

// Multi reparte cada evento entre varios notificadores. Un fallo en uno no
// impide entregar a los demás; los errores se devuelven juntos.
type Multi struct {
	targets []ports.Notifier
}

var _ ports.Notifier = (*Multi)(nil)

// NewMulti ignora los nil para que el cableado pueda pasar opcionales.
func NewMulti(targets ...ports.Notifier) *Multi {
	m := &Multi{}
	for _, t := range targets {
		if t != nil {
			m.targets = append(m.targets, t)
		}
	}
	return m
}

// Len devuelve el número de destinos activos.
func (m *Multi) Len() int { return len(m.targets) }

func (m *Multi) PositionOpened(ctx context.Context, pos domain.Position) error {
	return m.each(func(n ports.Notifier) error { return n.PositionOpened(ctx, pos) })
}

func (m *Multi) PositionClosed(ctx context.Context, ev domain.CloseEvent) error {
	return m.each(func(n ports.Notifier) error { return n.PositionClosed(ctx, ev) })
}

func (m *Multi) PredictionReeval(ctx context.Context, ev domain.ReevalEvent) error {
	return m.each(func(n ports.Notifier) error { return n.PredictionReeval(ctx, ev) })
}

func (m *Multi) CloseFailed(ctx context.Context, f domain.CloseFailure) error {
	return m.each(func(n ports.Notifier) error { return n.CloseFailed(ctx, f) })
}

func (m *Multi) each(fn func(ports.Notifier) error) error {
	var errs []error
	for _, t := range m.targets {
		if err := fn(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
