// Package meta stores the properties of a collection in its props file.
package meta

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"sync"

	"github.com/Raimguzhinov/davstore/internal/errs"
	"github.com/Raimguzhinov/davstore/internal/item"
	"github.com/Raimguzhinov/davstore/internal/storage"
)

// Checker validates properties in both directions.
type Checker interface {
	CheckAndSanitizeProps(props map[string]string) error
}

type Store struct {
	store      storage.Store
	collection string
	checker    Checker

	mu     sync.Mutex
	cached map[string]string
}

func New(store storage.Store, collectionPath string, checker Checker) *Store {
	return &Store{store: store, collection: collectionPath, checker: checker}
}

func (m *Store) path() string {
	return storage.Join(m.collection, storage.PropsName)
}

// Get returns a copy of the properties. The file is read again when the
// caller holds the write lock or nothing was loaded yet; readers under a
// shared lock reuse the loaded copy.
func (m *Store) Get(ctx context.Context, writeLocked bool) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if writeLocked || m.cached == nil {
		props, err := m.load(ctx)
		if err != nil {
			return nil, err
		}
		m.cached = props
	}
	return maps.Clone(m.cached), nil
}

func (m *Store) load(ctx context.Context) (map[string]string, error) {
	const op = "meta.Get"

	props := map[string]string{}
	data, err := m.store.Read(ctx, m.path())
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, &errs.Error{Kind: errs.KindInternal, Op: op, Path: m.collection, Err: err}
	default:
		if err := json.Unmarshal(data, &props); err != nil {
			return nil, &errs.Error{Kind: errs.KindStorageCorruption, Op: op, Path: m.collection, Err: err}
		}
	}
	if err := m.checker.CheckAndSanitizeProps(props); err != nil {
		return nil, &errs.Error{Kind: errs.KindStorageCorruption, Op: op, Path: m.collection, Err: err}
	}
	return props, nil
}

// Tag is a shortcut for the "tag" property.
func (m *Store) Tag(ctx context.Context, writeLocked bool) (item.Tag, error) {
	props, err := m.Get(ctx, writeLocked)
	if err != nil {
		return item.TagNone, err
	}
	return item.Tag(props["tag"]), nil
}

// Encode returns the props file content with sorted keys.
func Encode(props map[string]string) ([]byte, error) {
	if props == nil {
		props = map[string]string{}
	}
	return json.Marshal(props)
}

// Set validates and replaces the properties.
func (m *Store) Set(ctx context.Context, props map[string]string) error {
	const op = "meta.Set"

	if err := m.checker.CheckAndSanitizeProps(props); err != nil {
		return err
	}
	data, err := Encode(props)
	if err != nil {
		return errs.E(errs.KindSerialization, op, err)
	}
	if err := storage.WriteFile(ctx, m.store, m.path(), data); err != nil {
		return &errs.Error{Kind: errs.KindInternal, Op: op, Path: m.collection, Err: err}
	}

	m.mu.Lock()
	m.cached = maps.Clone(props)
	m.mu.Unlock()
	return nil
}
