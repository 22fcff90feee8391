// Package journal persists order intents, fills, and closed trades to
// PostgreSQL. The journal is write-mostly; reads exist for replay on
// startup and operator queries.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/equityrun/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS order_intents (
	id         TEXT PRIMARY KEY,
	symbol     TEXT NOT NULL,
	direction  TEXT NOT NULL,
	size       DOUBLE PRECISION NOT NULL,
	reason_tag TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS fills (
	id         BIGSERIAL PRIMARY KEY,
	symbol     TEXT NOT NULL,
	direction  TEXT NOT NULL,
	size       DOUBLE PRECISION NOT NULL,
	price      DOUBLE PRECISION NOT NULL,
	beta       DOUBLE PRECISION NOT NULL DEFAULT 0,
	sector     TEXT NOT NULL DEFAULT '',
	weight     DOUBLE PRECISION NOT NULL DEFAULT 0,
	ts         TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS closed_trades (
	id        BIGSERIAL PRIMARY KEY,
	symbol    TEXT NOT NULL,
	pnl       DOUBLE PRECISION NOT NULL,
	closed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_closed_trades_closed_at ON closed_trades (closed_at DESC);
`

// Journal is the PostgreSQL-backed trade journal.
type Journal struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects, verifies the connection, and ensures the schema exists.
func Open(dsn string) (*Journal, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect journal db: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure journal schema: %w", err)
	}
	return &Journal{db: db, timeout: 5 * time.Second}, nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sqlx.DB) *Journal {
	return &Journal{db: db, timeout: 5 * time.Second}
}

func (j *Journal) Close() error { return j.db.Close() }

// RecordIntent stores an emitted order intent. A duplicate intent id is a
// bug upstream and surfaces as an error.
func (j *Journal) RecordIntent(ctx context.Context, intent domain.OrderIntent) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO order_intents (id, symbol, direction, size, reason_tag, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		intent.ID, intent.Symbol, intent.Direction.String(), intent.Size, intent.ReasonTag, intent.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate intent %s: %w", intent.ID, err)
		}
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

// RecordFill stores a broker fill notification.
func (j *Journal) RecordFill(ctx context.Context, f domain.Fill) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO fills (symbol, direction, size, price, beta, sector, weight, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.Symbol, f.Direction.String(), f.Size, f.Price, f.Beta, f.Sector, f.Weight, f.Timestamp)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

// RecordTradeClose stores a closed round-trip.
func (j *Journal) RecordTradeClose(ctx context.Context, res domain.TradeResult) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO closed_trades (symbol, pnl, closed_at)
		VALUES ($1, $2, $3)`,
		res.Symbol, res.PnL, res.ClosedAt)
	if err != nil {
		return fmt.Errorf("insert closed trade: %w", err)
	}
	return nil
}

// RecentCloses returns up to limit closed trades, newest first. Used to
// rebuild psychological state after a restart.
func (j *Journal) RecentCloses(ctx context.Context, limit int) ([]domain.TradeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	rows, err := j.db.QueryxContext(ctx, `
		SELECT symbol, pnl, closed_at
		FROM closed_trades
		ORDER BY closed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query closed trades: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeResult
	for rows.Next() {
		var r struct {
			Symbol   string    `db:"symbol"`
			PnL      float64   `db:"pnl"`
			ClosedAt time.Time `db:"closed_at"`
		}
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("scan closed trade: %w", err)
		}
		out = append(out, domain.TradeResult{Symbol: r.Symbol, PnL: r.PnL, ClosedAt: r.ClosedAt})
	}
	return out, rows.Err()
}
