package postgres

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestToPgErr(t *testing.T) {
	plain := errors.New("plain")
	assert.Same(t, plain, ToPgErr(plain))

	pgErr := &pgconn.PgError{Message: "duplicate key", Detail: "path exists", Code: "23505"}
	err := ToPgErr(pgErr)
	assert.Contains(t, err.Error(), "duplicate key")
	assert.Contains(t, err.Error(), "23505")
	assert.ErrorIs(t, err, pgErr)
}

func TestOptions(t *testing.T) {
	pg := &Postgres{maxPoolSize: _defaultMaxPoolSize}
	for _, opt := range []Option{MaxPoolSize(4), ConnAttempts(2), ConnTimeout(0), TraceQueries(true), MaxPoolSize(0)} {
		opt(pg)
	}
	assert.Equal(t, 4, pg.maxPoolSize)
	assert.Equal(t, 2, pg.connAttempts)
	assert.True(t, pg.trace)
}
