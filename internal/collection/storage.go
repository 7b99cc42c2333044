// Package collection composes the item cache, metadata store and sync
// engine into collections, and owns the per-process state they share.
package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Raimguzhinov/davstore/internal/errs"
	"github.com/Raimguzhinov/davstore/internal/item"
	"github.com/Raimguzhinov/davstore/internal/storage"
	"github.com/Raimguzhinov/davstore/pkg/logger"
)

const (
	_defaultGetMultiConcurrency = 8
	_defaultMaxSyncTokenAge     = 30 * 24 * time.Hour
)

// Validator checks objects before they are cached or written.
type Validator interface {
	CheckAndSanitize(objs []item.Object, wholeCollection bool, tag item.Tag) error
	CheckAndSanitizeProps(props map[string]string) error
}

type Config struct {
	MaxSyncTokenAge     time.Duration
	LockTimeout         time.Duration
	GetMultiConcurrency int
}

// Storage is created once per process and passed to every request. It
// holds the byte store and the state that must outlive single requests.
type Storage struct {
	store     storage.Store
	validator Validator
	log       *logger.Logger
	cfg       Config

	mu      sync.Mutex
	cleaned map[string]bool
	regen   singleflight.Group
}

func New(store storage.Store, v Validator, l *logger.Logger, cfg Config) *Storage {
	if cfg.GetMultiConcurrency <= 0 {
		cfg.GetMultiConcurrency = _defaultGetMultiConcurrency
	}
	if cfg.MaxSyncTokenAge == 0 {
		cfg.MaxSyncTokenAge = _defaultMaxSyncTokenAge
	}
	return &Storage{
		store:     store,
		validator: v,
		log:       l.With(slog.String("component", "collection")),
		cfg:       cfg,
		cleaned:   make(map[string]bool),
	}
}

func (s *Storage) Store() storage.Store { return s.store }

// markCleaned reports whether path was not cleaned before and records that
// it is now.
func (s *Storage) markCleaned(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned[path] {
		return false
	}
	s.cleaned[path] = true
	return true
}

// Guard is a set of held collection locks.
type Guard struct {
	mode     storage.LockMode
	paths    []string
	releases []func()
	once     sync.Once
}

func (g *Guard) Mode() storage.LockMode { return g.mode }

func (g *Guard) WriteLocked() bool { return g != nil && g.mode == storage.LockWrite }

// Release drops every lock in reverse order. It is safe to call twice.
func (g *Guard) Release() {
	g.once.Do(func() {
		for i := len(g.releases) - 1; i >= 0; i-- {
			g.releases[i]()
		}
	})
}

func lockName(path string) string {
	return "/" + path
}

// lockPlan returns the locks needed to hold paths in mode: each path itself
// plus a shared lock on every ancestor, so that work on a collection never
// overlaps a write to one of its parents. The plan is sorted, which puts
// ancestors before descendants and gives every caller the same order.
func lockPlan(mode storage.LockMode, paths []string) []storage.LockRequest {
	modes := make(map[string]storage.LockMode, len(paths))
	for _, p := range paths {
		modes[storage.SanitizePath(p)] = mode
	}
	for p := range modes {
		for a := p; a != ""; {
			a = storage.Parent(a)
			if _, ok := modes[a]; !ok {
				modes[a] = storage.LockRead
			}
		}
	}

	plan := make([]storage.LockRequest, 0, len(modes))
	for p, m := range modes {
		plan = append(plan, storage.LockRequest{Name: lockName(p), Mode: m})
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Name < plan[j].Name })
	return plan
}

// Acquire locks the collections at paths in mode and their ancestors for
// reading.
func (s *Storage) Acquire(ctx context.Context, mode storage.LockMode, paths ...string) (*Guard, error) {
	if s.cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.LockTimeout)
		defer cancel()
	}

	plan := lockPlan(mode, paths)
	g := &Guard{mode: mode}
	for _, r := range plan {
		g.paths = append(g.paths, r.Name)
	}
	fail := func(name string, err error) error {
		return &errs.Error{Kind: errs.KindInternal, Op: "collection.Acquire", Path: name,
			Err: fmt.Errorf("lock %s: %w", mode, err)}
	}

	if bl, ok := s.store.(storage.BatchLocker); ok {
		release, err := bl.LockAll(ctx, plan)
		if err != nil {
			return nil, fail(plan[len(plan)-1].Name, err)
		}
		g.releases = append(g.releases, release)
		return g, nil
	}
	for _, r := range plan {
		release, err := s.store.Lock(ctx, r.Name, r.Mode)
		if err != nil {
			g.Release()
			return nil, fail(r.Name, err)
		}
		g.releases = append(g.releases, release)
	}
	return g, nil
}

// Node is the result of Discover. At most one of Collection and Item is
// set; Parent is the collection holding Item.
type Node struct {
	Collection *Collection
	Item       *item.Item
	Parent     *Collection
}

func (n Node) Exists() bool { return n.Collection != nil || n.Item != nil }

// Etag is the etag of whatever the node holds, or "" when it is empty.
func (n Node) Etag(ctx context.Context) (string, error) {
	switch {
	case n.Item != nil:
		return n.Item.Etag()
	case n.Collection != nil:
		return n.Collection.Etag(ctx)
	default:
		return "", nil
	}
}

// UID of an item node, "" otherwise.
func (n Node) UID() (string, error) {
	if n.Item == nil {
		return "", nil
	}
	return n.Item.UID()
}

// Discover resolves path to a collection, an item or nothing.
func (s *Storage) Discover(ctx context.Context, g *Guard, path string) (Node, error) {
	path = storage.SanitizePath(path)
	if !storage.IsSafePath(path) {
		return Node{}, nil
	}

	info, err := s.store.Stat(ctx, path)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return Node{}, nil
	case err != nil:
		return Node{}, &errs.Error{Kind: errs.KindInternal, Op: "collection.Discover", Path: path, Err: err}
	case info.IsDir:
		return Node{Collection: s.newCollection(path, g)}, nil
	case path == "":
		return Node{}, nil
	}

	parent := s.newCollection(storage.Parent(path), g)
	it, err := parent.Get(ctx, storage.Base(path))
	if err != nil || it == nil {
		return Node{}, err
	}
	return Node{Item: it, Parent: parent}, nil
}

// Collection returns the collection at path, failing with KindNotFound when
// there is none.
func (s *Storage) Collection(ctx context.Context, g *Guard, path string) (*Collection, error) {
	path = storage.SanitizePath(path)
	isDir, err := storage.IsDir(ctx, s.store, path)
	if err != nil {
		return nil, &errs.Error{Kind: errs.KindInternal, Op: "collection.Collection", Path: path, Err: err}
	}
	if !isDir || !storage.IsSafePath(path) {
		return nil, &errs.Error{Kind: errs.KindNotFound, Op: "collection.Collection", Path: path,
			Err: errors.New("no such collection")}
	}
	return s.newCollection(path, g), nil
}

// Delete removes the item or the collection tree at path.
func (s *Storage) Delete(ctx context.Context, g *Guard, path string) error {
	const op = "collection.Delete"

	node, err := s.Discover(ctx, g, path)
	if err != nil {
		return err
	}
	switch {
	case node.Item != nil:
		return node.Parent.Delete(ctx, node.Item.Href())
	case node.Collection != nil:
		p := node.Collection.Path()
		if p == "" {
			return &errs.Error{Kind: errs.KindForbidden, Op: op, Err: errors.New("cannot delete the root collection")}
		}
		if err := s.store.Remove(ctx, p); err != nil {
			return &errs.Error{Kind: errs.KindInternal, Op: op, Path: p, Err: err}
		}
		s.mu.Lock()
		delete(s.cleaned, p)
		s.mu.Unlock()
		s.log.Info("collection deleted", slog.String("path", p))
		return nil
	default:
		return &errs.Error{Kind: errs.KindNotFound, Op: op, Path: storage.SanitizePath(path),
			Err: errors.New("nothing to delete")}
	}
}

// Walk calls fn for every collection below the root, parents first.
func (s *Storage) Walk(ctx context.Context, fn func(ctx context.Context, path string) error) error {
	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := s.store.List(ctx, dir)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("collection.Walk - List %q: %w", dir, err)
		}
		for _, e := range entries {
			if !e.IsDir || !storage.IsSafeComponent(e.Name) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			child := storage.Join(dir, e.Name)
			if err := fn(ctx, child); err != nil {
				return err
			}
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	return walk("")
}

// MaintainAll runs Maintain on every collection, each under its own write
// lock. A failing collection is logged and skipped.
func (s *Storage) MaintainAll(ctx context.Context) (int, error) {
	var n int
	err := s.Walk(ctx, func(ctx context.Context, path string) error {
		g, err := s.Acquire(ctx, storage.LockWrite, path)
		if err != nil {
			return err
		}
		defer g.Release()

		c, err := s.Collection(ctx, g, path)
		if err != nil {
			return nil
		}
		if err := c.Maintain(ctx); err != nil {
			s.log.Warn("collection.Maintain", slog.String("path", path), logger.Err(err))
			return nil
		}
		n++
		return nil
	})
	return n, err
}
