package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InTx runs fn inside a transaction. It commits when fn returns nil and
// rolls back otherwise.
func (p *Postgres) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres - InTx - Begin: %w", ToPgErr(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres - InTx - Commit: %w", ToPgErr(err))
	}
	return nil
}

// SendBatch sends b in one round trip and reports the first failed statement.
func SendBatch(ctx context.Context, tx pgx.Tx, b *pgx.Batch) error {
	return tx.SendBatch(ctx, b).Close()
}
