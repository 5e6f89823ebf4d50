package ports

import (
	"context"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// Notifier informa al operador de los eventos del ciclo de vida.
// Los errores se loguean; nunca afectan la decisión de cierre.
type Notifier interface {
	PositionOpened(ctx context.Context, pos domain.Position) error
	PositionClosed(ctx context.Context, ev domain.CloseEvent) error
	PredictionReeval(ctx context.Context, ev domain.ReevalEvent) error
	CloseFailed(ctx context.Context, f domain.CloseFailure) error
}

// EventPublisher publica los mismos eventos a otros procesos.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}
