// Package filesystem stores every object as a file below a root directory.
package filesystem

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Raimguzhinov/davstore/internal/storage"
)

const (
	_defaultDirPerm  = 0o750
	_defaultFilePerm = 0o640
	_lockPollEvery   = 10 * time.Millisecond
)

type Store struct {
	root  string
	locks *storage.KeyedLocker
	fsync bool
}

type Option func(*Store)

// WithFsync makes writes call fsync before they are renamed into place.
func WithFsync(enabled bool) Option {
	return func(s *Store) { s.fsync = enabled }
}

func New(root string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("filesystem - New - filepath.Abs: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, storage.LockDir), _defaultDirPerm); err != nil {
		return nil, fmt.Errorf("filesystem - New - os.MkdirAll: %w", err)
	}
	s := &Store{root: abs, locks: storage.NewKeyedLocker(), fsync: true}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ storage.Store = (*Store)(nil)

func (s *Store) Root() string { return s.root }

func (s *Store) resolve(p string) (string, error) {
	if !storage.ValidInternalPath(p) {
		return "", fmt.Errorf("%q: %w", p, storage.ErrUnsafe)
	}
	return filepath.Join(s.root, filepath.FromSlash(p)), nil
}

func wrap(op, p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %q: %w", op, p, storage.ErrNotFound)
	}
	return fmt.Errorf("%s %q: %w", op, p, err)
}

func (s *Store) List(_ context.Context, dir string) ([]storage.Entry, error) {
	full, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}
	des, err := os.ReadDir(full)
	if err != nil {
		return nil, wrap("list", dir, err)
	}
	entries := make([]storage.Entry, 0, len(des))
	for _, de := range des {
		if dir == "" && de.Name() == storage.LockDir {
			continue
		}
		entries = append(entries, storage.Entry{Name: de.Name(), IsDir: de.IsDir()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *Store) Stat(_ context.Context, p string) (storage.Info, error) {
	full, err := s.resolve(p)
	if err != nil {
		return storage.Info{}, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		return storage.Info{}, wrap("stat", p, err)
	}
	return storage.Info{Name: storage.Base(p), IsDir: fi.IsDir(), Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (s *Store) Read(_ context.Context, p string) ([]byte, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) && isDirError(full) {
			return nil, fmt.Errorf("read %q: %w", p, storage.ErrNotFound)
		}
		return nil, wrap("read", p, err)
	}
	return data, nil
}

func isDirError(full string) bool {
	fi, err := os.Stat(full)
	return err == nil && fi.IsDir()
}

// AtomicWrite writes into a temporary file next to p and renames it into
// place once fn succeeded.
func (s *Store) AtomicWrite(_ context.Context, p string, fn func(w io.Writer) error) error {
	if p == "" {
		return fmt.Errorf("write root: %w", storage.ErrUnsafe)
	}
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	tmp, err := os.CreateTemp(dir, storage.TempPrefix+"*")
	if err != nil {
		return wrap("write", p, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := fn(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if s.fsync {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			return wrap("sync", p, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return wrap("close", p, err)
	}
	if err := os.Chmod(tmpName, _defaultFilePerm); err != nil {
		return wrap("chmod", p, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return wrap("rename", p, err)
	}
	return s.syncDir(dir)
}

func (s *Store) syncDir(dir string) error {
	if !s.fsync {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some filesystems refuse fsync on directories; the rename already
	// happened, so that is not an error for the caller.
	_ = d.Sync()
	return nil
}

func (s *Store) Remove(_ context.Context, p string) error {
	if p == "" {
		return fmt.Errorf("remove root: %w", storage.ErrUnsafe)
	}
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(full); err != nil {
		return wrap("remove", p, err)
	}
	if err := os.RemoveAll(full); err != nil {
		return wrap("remove", p, err)
	}
	return nil
}

func (s *Store) MakeDirs(_ context.Context, p string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, _defaultDirPerm); err != nil {
		return wrap("mkdir", p, err)
	}
	return nil
}

type stage struct {
	dir string
}

func (st *stage) Put(name string, data []byte) error {
	if name == "" || !storage.ValidInternalPath(name) {
		return fmt.Errorf("stage %q: %w", name, storage.ErrUnsafe)
	}
	full := filepath.Join(st.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), _defaultDirPerm); err != nil {
		return err
	}
	return os.WriteFile(full, data, _defaultFilePerm)
}

// ReplaceDir fills a sibling temporary directory and swaps it in with two
// renames. Readers see either the old or the new tree.
func (s *Store) ReplaceDir(_ context.Context, p string, fill func(storage.Stage) error) error {
	if p == "" {
		return fmt.Errorf("replace root: %w", storage.ErrUnsafe)
	}
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	parent := filepath.Dir(full)
	if _, err := os.Stat(parent); err != nil {
		return wrap("replace", storage.Parent(p), err)
	}

	tmp, err := os.MkdirTemp(parent, storage.TempPrefix+"*")
	if err != nil {
		return wrap("replace", p, err)
	}
	defer os.RemoveAll(tmp)

	if err := fill(&stage{dir: tmp}); err != nil {
		return err
	}

	var old string
	if _, err := os.Lstat(full); err == nil {
		old = tmp + ".old"
		if err := os.Rename(full, old); err != nil {
			return wrap("replace", p, err)
		}
	}
	if err := os.Rename(tmp, full); err != nil {
		if old != "" {
			_ = os.Rename(old, full)
		}
		return wrap("replace", p, err)
	}
	if old != "" {
		_ = os.RemoveAll(old)
	}
	return s.syncDir(parent)
}

func (s *Store) Touch(_ context.Context, p string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	now := time.Now()
	if err := os.Chtimes(full, now, now); err != nil {
		return wrap("touch", p, err)
	}
	return nil
}

// Lock combines an in-process lock with an advisory file lock so that
// other processes sharing the root are excluded as well.
func (s *Store) Lock(ctx context.Context, name string, mode storage.LockMode) (func(), error) {
	release, err := s.locks.Lock(ctx, name, mode)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum([]byte(name))
	lockPath := filepath.Join(s.root, storage.LockDir, hex.EncodeToString(sum[:]))
	unlock, err := lockFile(ctx, lockPath, mode)
	if err != nil {
		release()
		return nil, fmt.Errorf("lock %q: %w", name, err)
	}
	return func() {
		unlock()
		release()
	}, nil
}
