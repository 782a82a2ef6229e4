package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/oddsflow/oddsflow/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `id, market_id, token_id, side, quantity,
	entry_price, current_price, price_at, exit_price,
	target, stop_loss,
	trailing_enabled, trailing_activation, trailing_distance,
	trailing_activated, trailing_high_water, trailing_stop_price,
	unrealized_pnl, realized_pnl, fees_paid, entry_edge,
	status, strategy_version, model_version, opened_at, closed_at`

// positionArgs flattens a position into the column order of positionCols.
func positionArgs(p domain.Position) []any {
	return []any{
		p.ID, p.MarketID, p.TokenID, string(p.Side), p.Quantity,
		p.EntryPrice, p.CurrentPrice, p.PriceAt, nullDec(p.ExitPrice),
		nullDec(p.Target), nullDec(p.StopLoss),
		p.Trailing.Enabled, p.Trailing.Activation, p.Trailing.Distance,
		p.Trailing.Activated, p.Trailing.HighWater, p.Trailing.StopPrice,
		p.UnrealizedPnL, p.RealizedPnL, p.FeesPaid, p.EntryEdge,
		string(p.Status), p.StrategyVersion, p.ModelVersion, p.OpenedAt, p.ClosedAt,
	}
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p            domain.Position
		side, status string
		exitPrice    decimal.NullDecimal
		target       decimal.NullDecimal
		stopLoss     decimal.NullDecimal
	)
	err := row.Scan(
		&p.ID, &p.MarketID, &p.TokenID, &side, &p.Quantity,
		&p.EntryPrice, &p.CurrentPrice, &p.PriceAt, &exitPrice,
		&target, &stopLoss,
		&p.Trailing.Enabled, &p.Trailing.Activation, &p.Trailing.Distance,
		&p.Trailing.Activated, &p.Trailing.HighWater, &p.Trailing.StopPrice,
		&p.UnrealizedPnL, &p.RealizedPnL, &p.FeesPaid, &p.EntryEdge,
		&status, &p.StrategyVersion, &p.ModelVersion, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	p.ExitPrice = ptrDec(exitPrice)
	p.Target = ptrDec(target)
	p.StopLoss = ptrDec(stopLoss)
	return p, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position row.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (` + positionCols + `, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, NOW())`

	if _, err := s.pool.Exec(ctx, query, positionArgs(p)...); err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			current_price       = $2,
			price_at            = $3,
			quantity            = $4,
			exit_price          = $5,
			target              = $6,
			stop_loss           = $7,
			trailing_activated  = $8,
			trailing_high_water = $9,
			trailing_stop_price = $10,
			unrealized_pnl      = $11,
			realized_pnl        = $12,
			fees_paid           = $13,
			status              = $14,
			closed_at           = $15,
			updated_at          = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.CurrentPrice, p.PriceAt, p.Quantity,
		nullDec(p.ExitPrice), nullDec(p.Target), nullDec(p.StopLoss),
		p.Trailing.Activated, p.Trailing.HighWater, p.Trailing.StopPrice,
		p.UnrealizedPnL, p.RealizedPnL, p.FeesPaid,
		string(p.Status), p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// Close records the terminal state of a position.
func (s *PositionStore) Close(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			current_price  = $2,
			price_at       = $3,
			exit_price     = $4,
			unrealized_pnl = 0,
			realized_pnl   = $5,
			fees_paid      = $6,
			status         = $7,
			closed_at      = $8,
			updated_at     = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.CurrentPrice, p.PriceAt, nullDec(p.ExitPrice),
		p.RealizedPnL, p.FeesPaid, string(p.Status), p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: close position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// GetByID fetches one position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	const query = `SELECT ` + positionCols + ` FROM positions WHERE id = $1`

	p, err := scanPosition(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns every position still in the active working set. Used at
// startup to rebuild the book and re-attach monitors.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	const query = `SELECT ` + positionCols + ` FROM positions
		WHERE status IN ('pending', 'open', 'exiting')
		ORDER BY opened_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	positions, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	return positions, nil
}

// ListClosedBefore returns closed positions whose closed_at precedes cutoff,
// oldest first, for the archiver.
func (s *PositionStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	const query = `SELECT ` + positionCols + ` FROM positions
		WHERE status = 'closed' AND closed_at < $1
		ORDER BY closed_at
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	positions, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	return positions, nil
}

// ListHistory returns positions in reverse open order with pagination and
// optional time bounds on opened_at.
func (s *PositionStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	positions, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	return positions, nil
}

func nullDec(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func ptrDec(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}
