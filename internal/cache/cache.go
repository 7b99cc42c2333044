// Package cache persists the derived fields of items next to them, keyed by
// a hash of the raw bytes, so unchanged items are never parsed twice.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/Raimguzhinov/davstore/internal/errs"
	"github.com/Raimguzhinov/davstore/internal/item"
	"github.com/Raimguzhinov/davstore/internal/storage"
	"github.com/Raimguzhinov/davstore/pkg/logger"
)

// Version is bumped whenever the entry layout or the derivation of any
// field changes; older entries then stop matching.
const Version = 1

const itemDir = "item"

// Entry is the on-disk record of one item.
type Entry struct {
	V     int    `json:"v"`
	Hash  string `json:"hash"`
	UID   string `json:"uid"`
	Etag  string `json:"etag"`
	Text  string `json:"text"`
	Name  string `json:"name"`
	Tag   string `json:"tag"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
}

func (e Entry) Fields() item.Fields {
	return item.Fields{
		Text:          e.Text,
		Etag:          e.Etag,
		UID:           e.UID,
		Name:          e.Name,
		ComponentName: e.Tag,
		TimeRange:     item.TimeRange{Start: e.Start, End: e.End},
	}
}

// Hash identifies the raw bytes of an item for a given cache version.
func Hash(raw []byte) string {
	h := sha256.New()
	_, _ = io.WriteString(h, strconv.Itoa(Version))
	_, _ = h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

// EntryPath is the location of href's entry relative to its collection.
func EntryPath(href string) string {
	return storage.Join(storage.CacheDir, itemDir, href)
}

type ItemCache struct {
	store      storage.Store
	collection string
	log        *logger.Logger
}

func New(store storage.Store, collectionPath string, l *logger.Logger) *ItemCache {
	return &ItemCache{
		store:      store,
		collection: collectionPath,
		log:        l,
	}
}

func (c *ItemCache) dir() string {
	return storage.Join(c.collection, storage.CacheDir, itemDir)
}

// Load returns the cached fields of href when they were computed from raw
// bytes with the given hash. Unreadable entries are removed and reported as
// a miss.
func (c *ItemCache) Load(ctx context.Context, href, hash string) (item.Fields, bool) {
	p := storage.Join(c.collection, EntryPath(href))
	data, err := c.store.Read(ctx, p)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.log.Warn("cache.Load", slog.String("href", href), logger.Err(err))
		}
		return item.Fields{}, false
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil || e.V != Version {
		if err == nil {
			err = fmt.Errorf("entry version %d, want %d", e.V, Version)
		}
		corrupt := &errs.Error{Kind: errs.KindStorageCorruption, Op: "cache.Load", Path: c.collection, Href: href, Err: err}
		c.log.Warn("cache.Load - removing damaged entry", logger.Err(corrupt))
		if err := c.store.Remove(ctx, p); err != nil && !errors.Is(err, storage.ErrNotFound) {
			c.log.Warn("cache.Load - remove", slog.String("href", href), logger.Err(err))
		}
		return item.Fields{}, false
	}
	if e.Hash != hash {
		return item.Fields{}, false
	}
	return e.Fields(), true
}

// Encode prepares it and returns the entry bytes to store under href.
func Encode(it *item.Item, hash string) ([]byte, item.Fields, error) {
	f, err := it.Fields()
	if err != nil {
		return nil, item.Fields{}, err
	}
	data, err := json.Marshal(Entry{
		V:     Version,
		Hash:  hash,
		UID:   f.UID,
		Etag:  f.Etag,
		Text:  f.Text,
		Name:  f.Name,
		Tag:   f.ComponentName,
		Start: f.TimeRange.Start,
		End:   f.TimeRange.End,
	})
	if err != nil {
		return nil, item.Fields{}, errs.E(errs.KindSerialization, "cache.Encode", err)
	}
	return data, f, nil
}

// Store writes the entry for href atomically and returns the fields it
// recorded.
func (c *ItemCache) Store(ctx context.Context, href string, it *item.Item, hash string) (item.Fields, error) {
	data, f, err := Encode(it, hash)
	if err != nil {
		return item.Fields{}, err
	}
	if err := c.store.MakeDirs(ctx, c.dir()); err != nil {
		return item.Fields{}, fmt.Errorf("cache.Store - MakeDirs: %w", err)
	}
	if err := storage.WriteFile(ctx, c.store, storage.Join(c.collection, EntryPath(href)), data); err != nil {
		return item.Fields{}, fmt.Errorf("cache.Store - write: %w", err)
	}
	return f, nil
}

// Lock serializes cache regeneration for the collection across processes.
func (c *ItemCache) Lock(ctx context.Context) (func(), error) {
	return c.store.Lock(ctx, c.dir(), storage.LockWrite)
}

// Clean removes entries whose href is not in present.
func (c *ItemCache) Clean(ctx context.Context, present map[string]struct{}) error {
	entries, err := c.store.List(ctx, c.dir())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache.Clean - List: %w", err)
	}
	for _, e := range entries {
		if _, ok := present[e.Name]; ok || e.IsDir {
			continue
		}
		if err := c.store.Remove(ctx, storage.Join(c.dir(), e.Name)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("cache.Clean - Remove: %w", err)
		}
		c.log.Debug("cache.Clean", slog.String("href", e.Name))
	}
	return nil
}
