// Package postgres keeps the byte store in a single table, one row per file
// or directory.
package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Raimguzhinov/davstore/internal/storage"
	"github.com/Raimguzhinov/davstore/pkg/logger"
	"github.com/Raimguzhinov/davstore/pkg/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	path        TEXT PRIMARY KEY,
	parent      TEXT NOT NULL,
	is_dir      BOOLEAN NOT NULL,
	data        BYTEA,
	modified_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS blobs_parent_idx ON blobs (parent);
INSERT INTO blobs (path, parent, is_dir) VALUES ('', '', TRUE) ON CONFLICT (path) DO NOTHING;
`

type Store struct {
	pg    *postgres.Postgres
	log   *logger.Logger
	locks *storage.KeyedLocker
}

func New(pg *postgres.Postgres, l *logger.Logger) *Store {
	return &Store{
		pg:    pg,
		log:   l.With(slog.String("component", "storage/postgres")),
		locks: storage.NewKeyedLocker(),
	}
}

var _ storage.Store = (*Store)(nil)

// Migrate creates the table and the root row.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pg.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres - Migrate - Exec: %w", postgres.ToPgErr(err))
	}
	return nil
}

func notFound(op, p string) error {
	return fmt.Errorf("%s %q: %w", op, p, storage.ErrNotFound)
}

func (s *Store) List(ctx context.Context, dir string) ([]storage.Entry, error) {
	info, err := s.Stat(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir {
		return nil, fmt.Errorf("list %q: %w", dir, storage.ErrNotDir)
	}

	rows, err := s.pg.Pool.Query(ctx,
		`SELECT path, is_dir FROM blobs WHERE parent = $1 AND path <> '' ORDER BY path`, dir)
	if err != nil {
		return nil, fmt.Errorf("postgres - List - Query: %w", postgres.ToPgErr(err))
	}
	defer rows.Close()

	var entries []storage.Entry
	for rows.Next() {
		var (
			p     string
			isDir bool
		)
		if err := rows.Scan(&p, &isDir); err != nil {
			return nil, fmt.Errorf("postgres - List - Scan: %w", err)
		}
		entries = append(entries, storage.Entry{Name: storage.Base(p), IsDir: isDir})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres - List - rows.Err: %w", postgres.ToPgErr(err))
	}
	return entries, nil
}

func (s *Store) Stat(ctx context.Context, p string) (storage.Info, error) {
	var (
		isDir bool
		size  int64
		mod   time.Time
	)
	err := s.pg.Pool.QueryRow(ctx,
		`SELECT is_dir, COALESCE(octet_length(data), 0), modified_at FROM blobs WHERE path = $1`, p,
	).Scan(&isDir, &size, &mod)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Info{}, notFound("stat", p)
	}
	if err != nil {
		return storage.Info{}, fmt.Errorf("postgres - Stat - QueryRow: %w", postgres.ToPgErr(err))
	}
	return storage.Info{Name: storage.Base(p), IsDir: isDir, Size: size, ModTime: mod}, nil
}

func (s *Store) Read(ctx context.Context, p string) ([]byte, error) {
	var data []byte
	err := s.pg.Pool.QueryRow(ctx,
		`SELECT COALESCE(data, '') FROM blobs WHERE path = $1 AND NOT is_dir`, p,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("read", p)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres - Read - QueryRow: %w", postgres.ToPgErr(err))
	}
	return data, nil
}

// AtomicWrite buffers what fn writes and upserts the row in one statement
// guarded by the parent check.
func (s *Store) AtomicWrite(ctx context.Context, p string, fn func(w io.Writer) error) error {
	if p == "" || !storage.ValidInternalPath(p) {
		return fmt.Errorf("write %q: %w", p, storage.ErrUnsafe)
	}
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		return err
	}

	return s.pg.InTx(ctx, func(tx pgx.Tx) error {
		if err := checkDir(ctx, tx, storage.Parent(p)); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO blobs (path, parent, is_dir, data, modified_at)
			VALUES ($1, $2, FALSE, $3, now())
			ON CONFLICT (path) DO UPDATE
			SET data = EXCLUDED.data, modified_at = EXCLUDED.modified_at
			WHERE NOT blobs.is_dir`,
			p, storage.Parent(p), buf.Bytes())
		if err != nil {
			return fmt.Errorf("postgres - AtomicWrite - Exec: %w", postgres.ToPgErr(err))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("write %q: is a directory", p)
		}
		return nil
	})
}

func checkDir(ctx context.Context, tx pgx.Tx, dir string) error {
	var isDir bool
	err := tx.QueryRow(ctx, `SELECT is_dir FROM blobs WHERE path = $1`, dir).Scan(&isDir)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound("parent", dir)
	}
	if err != nil {
		return fmt.Errorf("postgres - checkDir - QueryRow: %w", postgres.ToPgErr(err))
	}
	if !isDir {
		return fmt.Errorf("parent %q: %w", dir, storage.ErrNotDir)
	}
	return nil
}

const deleteTree = `DELETE FROM blobs WHERE path = $1 OR starts_with(path, $1 || '/')`

func (s *Store) Remove(ctx context.Context, p string) error {
	if p == "" {
		return fmt.Errorf("remove root: %w", storage.ErrUnsafe)
	}
	tag, err := s.pg.Pool.Exec(ctx, deleteTree, p)
	if err != nil {
		return fmt.Errorf("postgres - Remove - Exec: %w", postgres.ToPgErr(err))
	}
	if tag.RowsAffected() == 0 {
		return notFound("remove", p)
	}
	return nil
}

func (s *Store) MakeDirs(ctx context.Context, p string) error {
	if !storage.ValidInternalPath(p) {
		return fmt.Errorf("mkdir %q: %w", p, storage.ErrUnsafe)
	}
	return s.pg.InTx(ctx, func(tx pgx.Tx) error {
		return makeDirs(ctx, tx, p)
	})
}

func makeDirs(ctx context.Context, tx pgx.Tx, p string) error {
	if p == "" {
		return nil
	}
	parts := strings.Split(p, "/")
	for i := range parts {
		dir := strings.Join(parts[:i+1], "/")
		if _, err := tx.Exec(ctx, `
			INSERT INTO blobs (path, parent, is_dir) VALUES ($1, $2, TRUE)
			ON CONFLICT (path) DO NOTHING`, dir, storage.Parent(dir)); err != nil {
			return fmt.Errorf("postgres - makeDirs - Exec: %w", postgres.ToPgErr(err))
		}
		var isDir bool
		if err := tx.QueryRow(ctx, `SELECT is_dir FROM blobs WHERE path = $1`, dir).Scan(&isDir); err != nil {
			return fmt.Errorf("postgres - makeDirs - QueryRow: %w", postgres.ToPgErr(err))
		}
		if !isDir {
			return fmt.Errorf("mkdir %q: %w", dir, storage.ErrNotDir)
		}
	}
	return nil
}

type stage struct {
	files map[string][]byte
}

func (st *stage) Put(name string, data []byte) error {
	if name == "" || !storage.ValidInternalPath(name) {
		return fmt.Errorf("stage %q: %w", name, storage.ErrUnsafe)
	}
	st.files[name] = bytes.Clone(data)
	return nil
}

// ReplaceDir deletes the subtree and inserts the staged files in one
// transaction; the inserts go out as a single batch.
func (s *Store) ReplaceDir(ctx context.Context, p string, fill func(storage.Stage) error) error {
	if p == "" || !storage.ValidInternalPath(p) {
		return fmt.Errorf("replace %q: %w", p, storage.ErrUnsafe)
	}
	st := &stage{files: make(map[string][]byte)}
	if err := fill(st); err != nil {
		return err
	}

	err := s.pg.InTx(ctx, func(tx pgx.Tx) error {
		if err := checkDir(ctx, tx, storage.Parent(p)); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, deleteTree, p); err != nil {
			return fmt.Errorf("postgres - ReplaceDir - delete: %w", postgres.ToPgErr(err))
		}

		dirs := map[string]struct{}{p: {}}
		for name := range st.files {
			for d := storage.Parent(storage.Join(p, name)); d != p; d = storage.Parent(d) {
				dirs[d] = struct{}{}
			}
		}

		b := &pgx.Batch{}
		for d := range dirs {
			b.Queue(`INSERT INTO blobs (path, parent, is_dir) VALUES ($1, $2, TRUE)`, d, storage.Parent(d))
		}
		for name, data := range st.files {
			full := storage.Join(p, name)
			b.Queue(`INSERT INTO blobs (path, parent, is_dir, data) VALUES ($1, $2, FALSE, $3)`,
				full, storage.Parent(full), data)
		}
		if err := postgres.SendBatch(ctx, tx, b); err != nil {
			return fmt.Errorf("postgres - ReplaceDir - SendBatch: %w", postgres.ToPgErr(err))
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Debug("postgres.ReplaceDir", slog.String("path", p), slog.Int("files", len(st.files)))
	return nil
}

func (s *Store) Touch(ctx context.Context, p string) error {
	tag, err := s.pg.Pool.Exec(ctx, `UPDATE blobs SET modified_at = now() WHERE path = $1`, p)
	if err != nil {
		return fmt.Errorf("postgres - Touch - Exec: %w", postgres.ToPgErr(err))
	}
	if tag.RowsAffected() == 0 {
		return notFound("touch", p)
	}
	return nil
}

func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("davstore:" + name))
	return int64(h.Sum64())
}

// Lock takes the in-process lock first and then a session advisory lock on
// a dedicated pooled connection, which is held until release.
func (s *Store) Lock(ctx context.Context, name string, mode storage.LockMode) (func(), error) {
	release, err := s.locks.Lock(ctx, name, mode)
	if err != nil {
		return nil, err
	}

	conn, err := s.pg.Pool.Acquire(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("postgres - Lock - Acquire: %w", err)
	}

	lockFn, unlockFn := "pg_advisory_lock_shared", "pg_advisory_unlock_shared"
	if mode == storage.LockWrite {
		lockFn, unlockFn = "pg_advisory_lock", "pg_advisory_unlock"
	}
	key := lockKey(name)
	if _, err := conn.Exec(ctx, "SELECT "+lockFn+"($1)", key); err != nil {
		conn.Release()
		release()
		return nil, fmt.Errorf("postgres - Lock - %s: %w", lockFn, postgres.ToPgErr(err))
	}

	return func() {
		if _, err := conn.Exec(context.Background(), "SELECT "+unlockFn+"($1)", key); err != nil {
			s.log.Error("postgres.Lock - unlock", slog.String("name", name), logger.Err(err))
			// Closing the session drops every advisory lock it holds.
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
		release()
	}, nil
}

// LockAll takes every request on a single pooled connection, so a deep
// path costs one connection rather than one per ancestor.
func (s *Store) LockAll(ctx context.Context, reqs []storage.LockRequest) (func(), error) {
	var local []func()
	releaseLocal := func() {
		for i := len(local) - 1; i >= 0; i-- {
			local[i]()
		}
	}
	for _, r := range reqs {
		release, err := s.locks.Lock(ctx, r.Name, r.Mode)
		if err != nil {
			releaseLocal()
			return nil, err
		}
		local = append(local, release)
	}

	conn, err := s.pg.Pool.Acquire(ctx)
	if err != nil {
		releaseLocal()
		return nil, fmt.Errorf("postgres - LockAll - Acquire: %w", err)
	}

	unlock := func(held []storage.LockRequest) {
		for i := len(held) - 1; i >= 0; i-- {
			unlockFn := "pg_advisory_unlock_shared"
			if held[i].Mode == storage.LockWrite {
				unlockFn = "pg_advisory_unlock"
			}
			if _, err := conn.Exec(context.Background(), "SELECT "+unlockFn+"($1)", lockKey(held[i].Name)); err != nil {
				s.log.Error("postgres.LockAll - unlock", slog.String("name", held[i].Name), logger.Err(err))
				_ = conn.Conn().Close(context.Background())
				return
			}
		}
	}

	for i, r := range reqs {
		lockFn := "pg_advisory_lock_shared"
		if r.Mode == storage.LockWrite {
			lockFn = "pg_advisory_lock"
		}
		if _, err := conn.Exec(ctx, "SELECT "+lockFn+"($1)", lockKey(r.Name)); err != nil {
			unlock(reqs[:i])
			conn.Release()
			releaseLocal()
			return nil, fmt.Errorf("postgres - LockAll - %s: %w", lockFn, postgres.ToPgErr(err))
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlock(reqs)
			conn.Release()
			releaseLocal()
		})
	}, nil
}
