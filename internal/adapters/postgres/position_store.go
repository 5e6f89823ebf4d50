package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alejandrodnm/polyagent/internal/adapters/storage"
	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

const uniqueViolation = "23505"

// PositionStore implements ports.PositionStore using PostgreSQL. Row-level
// conditional updates give the same close arbitration as the SQLite store
// across processes.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ ports.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a PositionStore backed by pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const selectCols = `id, strategy, exchange, symbol, side, quantity, entry_price, entry_time,
	size_usd, order_ids::text, tp_order_id, sl_order_id, tp_price, sl_price, payload::text,
	last_check_price, last_reeval_time, pending_leg, pending_reason,
	status, close_time, close_price, close_reason, pnl`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                               domain.Position
		strategy, orderIDs, payload     string
		status, closeReason, pendReason string
		pendingLeg                      int
	)
	err := row.Scan(
		&p.ID, &strategy, &p.Exchange, &p.Symbol, &p.Side,
		&p.Quantity, &p.EntryPrice, &p.EntryTime, &p.SizeUSD,
		&orderIDs, &p.Exits.TPOrderID, &p.Exits.SLOrderID, &p.Exits.TPPrice, &p.Exits.SLPrice,
		&payload,
		&p.LastCheckPrice, &p.LastReevalTime, &pendingLeg, &pendReason,
		&status, &p.CloseTime, &p.ClosePrice, &closeReason, &p.PnL,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.Strategy = domain.Strategy(strategy)
	p.EntryTime = p.EntryTime.UTC()
	p.OrderIDs = storage.DecodeOrderIDs(orderIDs)
	p.PendingLeg = domain.Leg(pendingLeg)
	p.PendingReason = domain.CloseReason(pendReason)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.CloseReason(closeReason)
	if p.LastReevalTime != nil {
		t := p.LastReevalTime.UTC()
		p.LastReevalTime = &t
	}
	if p.CloseTime != nil {
		t := p.CloseTime.UTC()
		p.CloseTime = &t
	}
	if err := storage.DecodePayload(&p, payload); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
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

// Save inserts a new position.
func (s *PositionStore) Save(ctx context.Context, p domain.Position) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("postgres: save: %w", err)
	}
	payload, err := storage.EncodePayload(p)
	if err != nil {
		return fmt.Errorf("postgres: save: %w", err)
	}
	if p.Status == "" {
		p.Status = domain.StatusOpen
	}

	const query = `
		INSERT INTO positions (
			id, strategy, exchange, symbol, side, quantity, entry_price, entry_time,
			size_usd, order_ids, tp_order_id, sl_order_id, tp_price, sl_price, payload,
			last_check_price, last_reeval_time, pending_leg, pending_reason,
			status, close_time, close_price, close_reason, pnl, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10::jsonb, $11, $12, $13, $14, $15::jsonb,
			$16, $17, $18, $19,
			$20, $21, $22, $23, $24, NOW()
		)`

	_, err = s.pool.Exec(ctx, query,
		p.ID, string(p.Strategy), p.Exchange, p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.EntryTime.UTC(),
		p.SizeUSD, storage.EncodeOrderIDs(p.OrderIDs), p.Exits.TPOrderID, p.Exits.SLOrderID, p.Exits.TPPrice, p.Exits.SLPrice, payload,
		p.LastCheckPrice, p.LastReevalTime, int(p.PendingLeg), string(p.PendingReason),
		string(p.Status), p.CloseTime, p.ClosePrice, string(p.CloseReason), p.PnL,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: save %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: save %s: %w", p.ID, err)
	}
	return nil
}

// Get returns a position by id.
func (s *PositionStore) Get(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+selectCols+` FROM positions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: get %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get %s: %w", id, err)
	}
	return p, nil
}

// GetOpen returns open positions, oldest first.
func (s *PositionStore) GetOpen(ctx context.Context, strategy domain.Strategy) ([]domain.Position, error) {
	query := `SELECT ` + selectCols + ` FROM positions WHERE status = 'open'`
	var args []any
	if strategy != "" {
		query += ` AND strategy = $1`
		args = append(args, string(strategy))
	}
	query += ` ORDER BY entry_time ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: get open: %w", err)
	}
	ps, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: get open: %w", err)
	}
	return ps, nil
}

// List returns open and closed positions, newest first.
func (s *PositionStore) List(ctx context.Context, opts ports.ListOpts) ([]domain.Position, error) {
	var where []string
	var args []any
	if opts.Strategy != "" {
		args = append(args, string(opts.Strategy))
		where = append(where, fmt.Sprintf("strategy = $%d", len(args)))
	}
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + selectCols + ` FROM positions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY entry_time DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}
	ps, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}
	return ps, nil
}

// UpdateMonitor writes the monitoring cache of an open position.
func (s *PositionStore) UpdateMonitor(ctx context.Context, id string, u domain.MonitorUpdate) error {
	if u.Empty() {
		return nil
	}

	args := []any{id}
	var sets []string
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.LastCheckPrice != nil {
		add("last_check_price", *u.LastCheckPrice)
	}
	if u.LastReevalTime != nil {
		add("last_reeval_time", u.LastReevalTime.UTC())
	}
	if u.PendingLeg != nil {
		add("pending_leg", int(*u.PendingLeg))
	}
	if u.PendingReason != nil {
		add("pending_reason", string(*u.PendingReason))
	}
	sets = append(sets, "version = version + 1", "updated_at = NOW()")

	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET `+strings.Join(sets, ", ")+` WHERE id = $1 AND status = 'open'`, args...)
	if err != nil {
		return fmt.Errorf("postgres: update monitor %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missingOrClosed(ctx, id)
}

// Close performs the open → closed transition. Only the call that flips the
// row returns true.
func (s *PositionStore) Close(ctx context.Context, id string, rec domain.CloseRecord) (bool, error) {
	at := rec.Time
	if at.IsZero() {
		at = time.Now()
	}

	const query = `
		UPDATE positions
		SET status = 'closed', close_time = $2, close_price = $3, close_reason = $4, pnl = $5,
		    pending_leg = 0, pending_reason = '', version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, at.UTC(), rec.Price, string(rec.Reason), rec.PnL)
	if err != nil {
		return false, fmt.Errorf("postgres: close %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	err = s.missingOrClosed(ctx, id)
	if errors.Is(err, domain.ErrPositionClosed) {
		return false, nil
	}
	return false, err
}

// Shutdown closes the pool.
func (s *PositionStore) Shutdown() error {
	s.pool.Close()
	return nil
}

func (s *PositionStore) missingOrClosed(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: lookup %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("postgres: %s: %w", id, domain.ErrNotFound)
	}
	return fmt.Errorf("postgres: %s: %w", id, domain.ErrPositionClosed)
}
