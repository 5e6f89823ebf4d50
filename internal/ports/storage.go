package ports

import (
	"context"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// ListOpts filtra el listado de posiciones para reporting.
type ListOpts struct {
	Strategy domain.Strategy       // vacío = todas
	Status   domain.PositionStatus // vacío = open y closed
	Limit    int                   // 0 = sin límite
}

// PositionStore es la fuente de verdad de las posiciones.
// Todas las mutaciones se serializan dentro del store.
type PositionStore interface {
	// Save persiste una posición nueva. domain.ErrAlreadyExists si el id ya existe.
	Save(ctx context.Context, pos domain.Position) error

	// Get devuelve la posición por id. domain.ErrNotFound si no existe.
	Get(ctx context.Context, id string) (domain.Position, error)

	// GetOpen devuelve las posiciones abiertas de una estrategia (vacía = todas).
	GetOpen(ctx context.Context, strategy domain.Strategy) ([]domain.Position, error)

	// List devuelve posiciones abiertas y cerradas, más recientes primero.
	List(ctx context.Context, opts ListOpts) ([]domain.Position, error)

	// UpdateMonitor aplica la caché de monitoreo. Nunca cambia el status;
	// domain.ErrPositionClosed si la posición ya está cerrada.
	UpdateMonitor(ctx context.Context, id string, u domain.MonitorUpdate) error

	// Close hace la transición open → closed. Es idempotente: devuelve true
	// solo en la llamada que hizo la transición; las siguientes devuelven
	// false sin error y conservan los campos de la primera.
	Close(ctx context.Context, id string, rec domain.CloseRecord) (bool, error)

	// Shutdown cierra la conexión a la base de datos limpiamente.
	Shutdown() error
}
