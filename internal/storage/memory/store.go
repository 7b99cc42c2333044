// Package memory is an in-process Store, used by tests and by memory://
// storage URLs.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Raimguzhinov/davstore/internal/storage"
)

type node struct {
	data    []byte
	isDir   bool
	modTime time.Time
}

type Store struct {
	mu    sync.RWMutex
	nodes map[string]*node
	locks *storage.KeyedLocker
	now   func() time.Time
}

type Option func(*Store)

// WithClock replaces time.Now for modification times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		nodes: make(map[string]*node),
		locks: storage.NewKeyedLocker(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.nodes[""] = &node{isDir: true, modTime: s.now()}
	return s
}

var _ storage.Store = (*Store)(nil)

func (s *Store) List(_ context.Context, dir string) ([]storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[dir]
	if !ok {
		return nil, fmt.Errorf("list %q: %w", dir, storage.ErrNotFound)
	}
	if !n.isDir {
		return nil, fmt.Errorf("list %q: %w", dir, storage.ErrNotDir)
	}
	var entries []storage.Entry
	for p, child := range s.nodes {
		if p != "" && p != dir && storage.Parent(p) == dir {
			entries = append(entries, storage.Entry{Name: storage.Base(p), IsDir: child.isDir})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *Store) Stat(_ context.Context, path string) (storage.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[path]
	if !ok {
		return storage.Info{}, fmt.Errorf("stat %q: %w", path, storage.ErrNotFound)
	}
	return storage.Info{
		Name:    storage.Base(path),
		IsDir:   n.isDir,
		Size:    int64(len(n.data)),
		ModTime: n.modTime,
	}, nil
}

func (s *Store) Read(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[path]
	if !ok || n.isDir {
		return nil, fmt.Errorf("read %q: %w", path, storage.ErrNotFound)
	}
	return bytes.Clone(n.data), nil
}

func (s *Store) AtomicWrite(_ context.Context, path string, fn func(w io.Writer) error) error {
	if path == "" || !storage.ValidInternalPath(path) {
		return fmt.Errorf("write %q: %w", path, storage.ErrUnsafe)
	}
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkParent(path); err != nil {
		return err
	}
	if n, ok := s.nodes[path]; ok && n.isDir {
		return fmt.Errorf("write %q: is a directory", path)
	}
	s.nodes[path] = &node{data: buf.Bytes(), modTime: s.now()}
	return nil
}

func (s *Store) checkParent(path string) error {
	parent, ok := s.nodes[storage.Parent(path)]
	if !ok {
		return fmt.Errorf("parent of %q: %w", path, storage.ErrNotFound)
	}
	if !parent.isDir {
		return fmt.Errorf("parent of %q: %w", path, storage.ErrNotDir)
	}
	return nil
}

func (s *Store) Remove(_ context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("remove root: %w", storage.ErrUnsafe)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[path]; !ok {
		return fmt.Errorf("remove %q: %w", path, storage.ErrNotFound)
	}
	s.removeTree(path)
	return nil
}

func (s *Store) removeTree(path string) {
	prefix := path + "/"
	for p := range s.nodes {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(s.nodes, p)
		}
	}
}

func (s *Store) MakeDirs(_ context.Context, path string) error {
	if !storage.ValidInternalPath(path) {
		return fmt.Errorf("mkdir %q: %w", path, storage.ErrUnsafe)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.makeDirs(path)
}

func (s *Store) makeDirs(path string) error {
	if path == "" {
		return nil
	}
	if n, ok := s.nodes[path]; ok {
		if !n.isDir {
			return fmt.Errorf("mkdir %q: %w", path, storage.ErrNotDir)
		}
		return nil
	}
	if err := s.makeDirs(storage.Parent(path)); err != nil {
		return err
	}
	s.nodes[path] = &node{isDir: true, modTime: s.now()}
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

func (s *Store) ReplaceDir(_ context.Context, path string, fill func(storage.Stage) error) error {
	if path == "" || !storage.ValidInternalPath(path) {
		return fmt.Errorf("replace %q: %w", path, storage.ErrUnsafe)
	}
	st := &stage{files: make(map[string][]byte)}
	if err := fill(st); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkParent(path); err != nil {
		return err
	}
	s.removeTree(path)
	now := s.now()
	s.nodes[path] = &node{isDir: true, modTime: now}
	for name, data := range st.files {
		full := storage.Join(path, name)
		if err := s.makeDirs(storage.Parent(full)); err != nil {
			return err
		}
		s.nodes[full] = &node{data: data, modTime: now}
	}
	return nil
}

func (s *Store) Touch(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[path]
	if !ok {
		return fmt.Errorf("touch %q: %w", path, storage.ErrNotFound)
	}
	n.modTime = s.now()
	return nil
}

// SetModTime overrides the modification time of path.
func (s *Store) SetModTime(path string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[path]
	if !ok {
		return fmt.Errorf("chtimes %q: %w", path, storage.ErrNotFound)
	}
	n.modTime = t
	return nil
}

func (s *Store) Lock(ctx context.Context, name string, mode storage.LockMode) (func(), error) {
	return s.locks.Lock(ctx, name, mode)
}
