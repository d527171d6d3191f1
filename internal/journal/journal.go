// Package journal persists matched fills. The database write happens
// after matching, in one transaction per order; a journal failure is
// logged by the caller but does not unwind the match.
package journal

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hakimelghazi/escrow-core/internal/dex"
)

type Journal interface {
	RecordFills(ctx context.Context, market string, fills []dex.Fill) error
	Close()
}

// Nop discards fills. Used when no database is configured.
type Nop struct{}

func (Nop) RecordFills(context.Context, string, []dex.Fill) error { return nil }
func (Nop) Close()                                                {}

// PG journals fills into Postgres.
type PG struct {
	pool *pgxpool.Pool
}

func NewPG(ctx context.Context, dsn string) (*PG, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to journal db: %w", err)
	}
	j := &PG{pool: pool}
	if err := j.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return j, nil
}

func (j *PG) ensureSchema(ctx context.Context) error {
	_, err := j.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS fills (
			id        UUID PRIMARY KEY,
			market    TEXT NOT NULL,
			maker     TEXT NOT NULL,
			taker     TEXT NOT NULL,
			price     NUMERIC NOT NULL,
			quantity  NUMERIC NOT NULL,
			escrowed  BOOLEAN NOT NULL,
			filled_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating fills table: %w", err)
	}
	return nil
}

func (j *PG) RecordFills(ctx context.Context, market string, fills []dex.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	for _, f := range fills {
		_, err := tx.Exec(ctx, `
			INSERT INTO fills (id, market, maker, taker, price, quantity, escrowed, filled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			fillRow(market, f)...)
		if err != nil {
			return fmt.Errorf("insert fill: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// fillRow maps one fill onto the insert's positional arguments.
func fillRow(market string, f dex.Fill) []any {
	return []any{
		uuid.New(), market, f.Maker.String(), f.Taker.String(),
		f.Price, f.Quantity, f.Escrowed, f.At,
	}
}

func (j *PG) Close() { j.pool.Close() }
