package storage

// sqlite.go: fuente de verdad de las posiciones.
//
// Estrategia:
//   - `positions`: UNA fila por posición. El sobre común va en columnas, el
//     payload de cada estrategia en una columna JSON etiquetada por `strategy`.
//   - Todas las mutaciones pasan por s.mu: SQLite es single-writer y así el
//     read-modify-write de Save/UpdateMonitor/Close es atómico por proceso.
//   - Close es un UPDATE condicional (WHERE status='open'): la primera llamada
//     gana, las siguientes son no-op. Es el único punto de arbitraje entre el
//     poller y los watchers.
//   - `version` se incrementa en cada escritura.

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
    id               TEXT PRIMARY KEY,
    strategy         TEXT     NOT NULL,
    exchange         TEXT     NOT NULL DEFAULT '',
    symbol           TEXT     NOT NULL DEFAULT '',
    side             TEXT     NOT NULL DEFAULT '',
    quantity         REAL     NOT NULL DEFAULT 0,
    entry_price      REAL     NOT NULL DEFAULT 0,
    entry_time       DATETIME NOT NULL,
    size_usd         REAL     NOT NULL DEFAULT 0,
    order_ids        TEXT     NOT NULL DEFAULT '[]',
    tp_order_id      TEXT     NOT NULL DEFAULT '',
    sl_order_id      TEXT     NOT NULL DEFAULT '',
    tp_price         REAL     NOT NULL DEFAULT 0,
    sl_price         REAL     NOT NULL DEFAULT 0,
    payload          TEXT     NOT NULL,
    last_check_price REAL     NOT NULL DEFAULT 0,
    last_reeval_time DATETIME,
    pending_leg      INTEGER  NOT NULL DEFAULT 0,
    pending_reason   TEXT     NOT NULL DEFAULT '',
    status           TEXT     NOT NULL DEFAULT 'open',
    close_time       DATETIME,
    close_price      REAL     NOT NULL DEFAULT 0,
    close_reason     TEXT     NOT NULL DEFAULT '',
    pnl              REAL,
    version          INTEGER  NOT NULL DEFAULT 1,
    updated_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pos_status ON positions(status, strategy);
CREATE INDEX IF NOT EXISTS idx_pos_entry  ON positions(entry_time DESC);
`

const positionColumns = `id, strategy, exchange, symbol, side, quantity, entry_price, entry_time,
	size_usd, order_ids, tp_order_id, sl_order_id, tp_price, sl_price, payload,
	last_check_price, last_reeval_time, pending_leg, pending_reason,
	status, close_time, close_price, close_reason, pnl`

// SQLiteStorage implementa ports.PositionStore usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db *sql.DB
	mu sync.Mutex
}

var _ ports.PositionStore = (*SQLiteStorage)(nil)

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Save inserta una posición nueva.
func (s *SQLiteStorage) Save(ctx context.Context, pos domain.Position) error {
	if err := pos.Validate(); err != nil {
		return fmt.Errorf("storage.Save: %w", err)
	}
	payload, err := EncodePayload(pos)
	if err != nil {
		return fmt.Errorf("storage.Save: %w", err)
	}
	if pos.Status == "" {
		pos.Status = domain.StatusOpen
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.exists(ctx, pos.ID)
	if err != nil {
		return fmt.Errorf("storage.Save: %w", err)
	}
	if exists {
		return fmt.Errorf("storage.Save %s: %w", pos.ID, domain.ErrAlreadyExists)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		pos.ID, string(pos.Strategy), pos.Exchange, pos.Symbol, pos.Side,
		pos.Quantity, pos.EntryPrice, pos.EntryTime.UTC(), pos.SizeUSD,
		EncodeOrderIDs(pos.OrderIDs),
		pos.Exits.TPOrderID, pos.Exits.SLOrderID, pos.Exits.TPPrice, pos.Exits.SLPrice,
		payload,
		pos.LastCheckPrice, nullTime(pos.LastReevalTime), int(pos.PendingLeg), string(pos.PendingReason),
		string(pos.Status), nullTime(pos.CloseTime), pos.ClosePrice, string(pos.CloseReason), nullFloat(pos.PnL),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.Save %s: %w", pos.ID, err)
	}
	return nil
}

// Get devuelve una posición por id.
func (s *SQLiteStorage) Get(ctx context.Context, id string) (domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("storage.Get: query: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Position{}, fmt.Errorf("storage.Get: %w", err)
		}
		return domain.Position{}, fmt.Errorf("storage.Get %s: %w", id, domain.ErrNotFound)
	}
	pos, err := scanPosition(rows)
	if err != nil {
		return domain.Position{}, fmt.Errorf("storage.Get: %w", err)
	}
	return pos, nil
}

// GetOpen devuelve las posiciones abiertas, más antiguas primero.
func (s *SQLiteStorage) GetOpen(ctx context.Context, strategy domain.Strategy) ([]domain.Position, error) {
	q := `SELECT ` + positionColumns + ` FROM positions WHERE status = 'open'`
	var args []any
	if strategy != "" {
		q += ` AND strategy = ?`
		args = append(args, string(strategy))
	}
	q += ` ORDER BY entry_time ASC`

	ps, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.GetOpen: %w", err)
	}
	return ps, nil
}

// List devuelve el histórico de posiciones, más recientes primero.
func (s *SQLiteStorage) List(ctx context.Context, opts ports.ListOpts) ([]domain.Position, error) {
	var where []string
	var args []any
	if opts.Strategy != "" {
		where = append(where, "strategy = ?")
		args = append(args, string(opts.Strategy))
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}

	q := `SELECT ` + positionColumns + ` FROM positions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY entry_time DESC`
	if opts.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

	ps, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.List: %w", err)
	}
	return ps, nil
}

// UpdateMonitor escribe la caché de monitoreo de una posición abierta.
func (s *SQLiteStorage) UpdateMonitor(ctx context.Context, id string, u domain.MonitorUpdate) error {
	if u.Empty() {
		return nil
	}

	var sets []string
	var args []any
	if u.LastCheckPrice != nil {
		sets = append(sets, "last_check_price = ?")
		args = append(args, *u.LastCheckPrice)
	}
	if u.LastReevalTime != nil {
		sets = append(sets, "last_reeval_time = ?")
		args = append(args, u.LastReevalTime.UTC())
	}
	if u.PendingLeg != nil {
		sets = append(sets, "pending_leg = ?")
		args = append(args, int(*u.PendingLeg))
	}
	if u.PendingReason != nil {
		sets = append(sets, "pending_reason = ?")
		args = append(args, string(*u.PendingReason))
	}
	sets = append(sets, "version = version + 1", "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = 'open'`, args...)
	if err != nil {
		return fmt.Errorf("storage.UpdateMonitor %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	exists, err := s.exists(ctx, id)
	if err != nil {
		return fmt.Errorf("storage.UpdateMonitor: %w", err)
	}
	if !exists {
		return fmt.Errorf("storage.UpdateMonitor %s: %w", id, domain.ErrNotFound)
	}
	return fmt.Errorf("storage.UpdateMonitor %s: %w", id, domain.ErrPositionClosed)
}

// Close hace la transición open → closed. Ver ports.PositionStore.
func (s *SQLiteStorage) Close(ctx context.Context, id string, rec domain.CloseRecord) (bool, error) {
	at := rec.Time
	if at.IsZero() {
		at = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE positions
		SET status = 'closed', close_time = ?, close_price = ?, close_reason = ?, pnl = ?,
		    pending_leg = 0, pending_reason = '', version = version + 1, updated_at = ?
		WHERE id = ? AND status = 'open'`,
		at.UTC(), rec.Price, string(rec.Reason), rec.PnL, time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("storage.Close %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	exists, err := s.exists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("storage.Close: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("storage.Close %s: %w", id, domain.ErrNotFound)
	}
	return false, nil // ya cerrada: no-op
}

// Shutdown cierra la conexión a la base de datos.
func (s *SQLiteStorage) Shutdown() error {
	return s.db.Close()
}

// --- helpers internos ---

func (s *SQLiteStorage) exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM positions WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *SQLiteStorage) query(ctx context.Context, q string, args ...any) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var ps []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	return ps, rows.Err()
}

// scanner cubre *sql.Rows y *sql.Row.
type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (domain.Position, error) {
	var (
		p                               domain.Position
		strategy, orderIDs, payload     string
		status, closeReason, pendReason string
		pendingLeg                      int
		lastReeval, closeTime           sql.NullTime
		pnl                             sql.NullFloat64
	)
	err := row.Scan(
		&p.ID, &strategy, &p.Exchange, &p.Symbol, &p.Side,
		&p.Quantity, &p.EntryPrice, &p.EntryTime, &p.SizeUSD,
		&orderIDs, &p.Exits.TPOrderID, &p.Exits.SLOrderID, &p.Exits.TPPrice, &p.Exits.SLPrice,
		&payload,
		&p.LastCheckPrice, &lastReeval, &pendingLeg, &pendReason,
		&status, &closeTime, &p.ClosePrice, &closeReason, &pnl,
	)
	if err != nil {
		return domain.Position{}, fmt.Errorf("scan row: %w", err)
	}

	p.Strategy = domain.Strategy(strategy)
	p.EntryTime = p.EntryTime.UTC()
	p.OrderIDs = DecodeOrderIDs(orderIDs)
	p.PendingLeg = domain.Leg(pendingLeg)
	p.PendingReason = domain.CloseReason(pendReason)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.CloseReason(closeReason)
	if lastReeval.Valid {
		t := lastReeval.Time.UTC()
		p.LastReevalTime = &t
	}
	if closeTime.Valid {
		t := closeTime.Time.UTC()
		p.CloseTime = &t
	}
	if pnl.Valid {
		v := pnl.Float64
		p.PnL = &v
	}
	if err := DecodePayload(&p, payload); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
