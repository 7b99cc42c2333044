package collection

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/samber/mo"
	"golang.org/x/sync/errgroup"

	"github.com/Raimguzhinov/davstore/internal/cache"
	"github.com/Raimguzhinov/davstore/internal/errs"
	"github.com/Raimguzhinov/davstore/internal/item"
	"github.com/Raimguzhinov/davstore/internal/meta"
	"github.com/Raimguzhinov/davstore/internal/storage"
	"github.com/Raimguzhinov/davstore/internal/synctoken"
	"github.com/Raimguzhinov/davstore/internal/usecase/etag"
	"github.com/Raimguzhinov/davstore/pkg/logger"
)

// Collection is one directory of items. It lives for a single request and
// relies on the caller's Guard for locking.
type Collection struct {
	storage *Storage
	store   storage.Store
	path    string
	guard   *Guard
	log     *logger.Logger

	validator Validator
	cache     *cache.ItemCache
	meta      *meta.Store
	sync      *synctoken.Engine
}

func (s *Storage) newCollection(path string, g *Guard) *Collection {
	l := s.log.With(slog.String("collection", path))
	return &Collection{
		storage:   s,
		store:     s.store,
		path:      path,
		guard:     g,
		log:       l,
		validator: s.validator,
		cache:     cache.New(s.store, path, l),
		meta:      meta.New(s.store, path, s.validator),
		sync:      synctoken.New(s.store, path, s.cfg.MaxSyncTokenAge, l),
	}
}

func (c *Collection) Path() string { return c.path }

func (c *Collection) itemPath(href string) string {
	return storage.Join(c.path, href)
}

func (c *Collection) fail(kind errs.Kind, op, href string, err error) error {
	return &errs.Error{Kind: kind, Op: op, Path: c.path, Href: href, Err: err}
}

// List returns the hrefs of the items, skipping directories and unsafe or
// reserved names.
func (c *Collection) List(ctx context.Context) ([]string, error) {
	entries, err := c.store.List(ctx, c.path)
	if err != nil {
		return nil, c.fail(errs.KindInternal, "collection.List", "", err)
	}
	hrefs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		if !storage.IsSafeComponent(e.Name) {
			if !storage.IsReserved(e.Name) {
				c.log.Debug("collection.List - skipping", slog.String("href", e.Name))
			}
			continue
		}
		hrefs = append(hrefs, e.Name)
	}
	return hrefs, nil
}

// Get returns the item at href, or nil when there is none or href is not a
// safe name.
func (c *Collection) Get(ctx context.Context, href string) (*item.Item, error) {
	if !storage.IsSafeComponent(href) {
		c.log.Debug("collection.Get - unsafe href", slog.String("href", href))
		return nil, nil
	}
	return c.get(ctx, href)
}

func (c *Collection) get(ctx context.Context, href string) (*item.Item, error) {
	const op = "collection.Get"

	p := c.itemPath(href)
	raw, err := c.store.Read(ctx, p)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, c.fail(errs.KindInternal, op, href, err)
	}

	hash := cache.Hash(raw)
	fields, ok := c.cache.Load(ctx, href, hash)
	if !ok {
		if fields, err = c.regenerate(ctx, href, raw, hash); err != nil {
			return nil, err
		}
	}

	info, err := c.store.Stat(ctx, p)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, c.fail(errs.KindInternal, op, href, err)
	}
	return item.FromCache(fields,
		item.WithHref(href),
		item.WithCollectionPath(c.path),
		item.WithLastModified(httpDate(info.ModTime)),
	), nil
}

func httpDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// regenerate rebuilds the cache entry of href under the cache lock.
// Concurrent regenerations of the same content in this process share one
// result. The shared work ignores the cancellation of whichever caller
// started it and is bounded by the lock timeout instead. Callers wait for
// it so that no cache write outlives their collection locks.
func (c *Collection) regenerate(ctx context.Context, href string, raw []byte, hash string) (item.Fields, error) {
	key := c.path + "\x00" + href + "\x00" + hash
	v, err, _ := c.storage.regen.Do(key, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		if timeout := c.storage.cfg.LockTimeout; timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		release, err := c.cache.Lock(ctx)
		if err != nil {
			return nil, c.fail(errs.KindInternal, "collection.regenerate", href, err)
		}
		defer release()

		if fields, ok := c.cache.Load(ctx, href, hash); ok {
			return fields, nil
		}
		fields, err := c.rebuild(ctx, href, raw, hash)
		if err != nil {
			return nil, err
		}
		if c.storage.markCleaned(c.path) {
			c.cleanCache(ctx)
		}
		return fields, nil
	})

	if err != nil {
		return item.Fields{}, err
	}
	return v.(item.Fields), nil
}

func (c *Collection) rebuild(ctx context.Context, href string, raw []byte, hash string) (item.Fields, error) {
	const op = "collection.regenerate"

	objs, err := item.ParseObjects(string(raw))
	if err != nil {
		return item.Fields{}, c.fail(errs.KindInternal, op, href, fmt.Errorf("failed to load item: %w", err))
	}
	tag, err := c.meta.Tag(ctx, c.guard.WriteLocked())
	if err != nil {
		return item.Fields{}, err
	}
	if err := c.validator.CheckAndSanitize(objs, false, tag); err != nil {
		return item.Fields{}, c.fail(errs.KindInternal, op, href, fmt.Errorf("failed to load item: %w", err))
	}
	it := item.FromObject(objs[0], item.WithHref(href), item.WithCollectionPath(c.path))
	fields, err := c.cache.Store(ctx, href, it, hash)
	if err != nil {
		return item.Fields{}, c.fail(errs.KindInternal, op, href, err)
	}
	c.log.Debug("collection.regenerate", slog.String("href", href))
	return fields, nil
}

func (c *Collection) cleanCache(ctx context.Context) {
	hrefs, err := c.List(ctx)
	if err != nil {
		c.log.Warn("collection.cleanCache", logger.Err(err))
		return
	}
	if err := c.cache.Clean(ctx, toSet(hrefs)); err != nil {
		c.log.Warn("collection.cleanCache", logger.Err(err))
	}
}

func toSet(hrefs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hrefs))
	for _, h := range hrefs {
		set[h] = struct{}{}
	}
	return set
}

// Result pairs a requested href with its item, if any.
type Result struct {
	Href string
	Item mo.Option[*item.Item]
}

// GetMulti reads hrefs in parallel and returns the results in request
// order. Unsafe, colliding and missing hrefs yield None.
func (c *Collection) GetMulti(ctx context.Context, hrefs []string) ([]Result, error) {
	results := make([]Result, len(hrefs))
	if len(hrefs) == 0 {
		return results, nil
	}

	entries, err := c.store.List(ctx, c.path)
	if err != nil {
		return nil, c.fail(errs.KindInternal, "collection.GetMulti", "", err)
	}
	listed := make(map[string]bool, len(entries))
	for _, e := range entries {
		listed[e.Name] = !e.IsDir
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.storage.cfg.GetMultiConcurrency)
	for i, href := range hrefs {
		results[i] = Result{Href: href, Item: mo.None[*item.Item]()}
		if !storage.IsSafeComponent(href) || !listed[href] {
			continue
		}
		i, href := i, href
		g.Go(func() error {
			it, err := c.get(gctx, href)
			if err != nil {
				return err
			}
			if it != nil {
				results[i].Item = mo.Some(it)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// GetAll returns every item in listing order.
func (c *Collection) GetAll(ctx context.Context) ([]*item.Item, error) {
	hrefs, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	results, err := c.GetMulti(ctx, hrefs)
	if err != nil {
		return nil, err
	}
	items := make([]*item.Item, 0, len(results))
	for _, r := range results {
		if it, ok := r.Item.Get(); ok {
			items = append(items, it)
		}
	}
	return items, nil
}

// HasUID reports whether any item carries uid.
func (c *Collection) HasUID(ctx context.Context, uid string) (bool, error) {
	items, err := c.GetAll(ctx)
	if err != nil {
		return false, err
	}
	for _, it := range items {
		u, err := it.UID()
		if err != nil {
			return false, err
		}
		if u == uid {
			return true, nil
		}
	}
	return false, nil
}

// Upload stores it at href and returns the committed item.
func (c *Collection) Upload(ctx context.Context, href string, it *item.Item) (*item.Item, error) {
	const op = "collection.Upload"

	if !storage.IsSafeComponent(href) {
		return nil, c.fail(errs.KindBadRequest, op, href, storage.ErrUnsafe)
	}
	text, err := it.Serialize()
	if err != nil {
		return nil, c.fail(errs.KindBadRequest, op, href, err)
	}
	if _, err := c.cache.Store(ctx, href, it, cache.Hash([]byte(text))); err != nil {
		return nil, c.fail(errs.KindBadRequest, op, href, fmt.Errorf("failed to store item: %w", err))
	}
	if err := storage.WriteFile(ctx, c.store, c.itemPath(href), []byte(text)); err != nil {
		return nil, c.fail(errs.KindBadRequest, op, href, err)
	}

	hrefs, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	present := toSet(hrefs)
	if err := c.cache.Clean(ctx, present); err != nil {
		c.log.Warn("collection.Upload - clean cache", logger.Err(err))
	}
	tag, err := it.Etag()
	if err != nil {
		return nil, c.fail(errs.KindInternal, op, href, err)
	}
	if _, err := c.sync.UpdateHistory(ctx, href, tag); err != nil {
		return nil, c.fail(errs.KindInternal, op, href, err)
	}
	if err := c.sync.CleanHistory(ctx, present); err != nil {
		c.log.Warn("collection.Upload - clean history", logger.Err(err))
	}

	committed, err := c.get(ctx, href)
	if err != nil {
		return nil, err
	}
	if committed == nil {
		return nil, c.fail(errs.KindInternal, op, href, errors.New("item vanished after upload"))
	}
	c.log.Debug("collection.Upload", slog.String("href", href))
	return committed, nil
}

// Delete removes the item at href and records its tombstone.
func (c *Collection) Delete(ctx context.Context, href string) error {
	const op = "collection.Delete"

	if !storage.IsSafeComponent(href) {
		return c.fail(errs.KindBadRequest, op, href, storage.ErrUnsafe)
	}
	p := c.itemPath(href)
	info, err := c.store.Stat(ctx, p)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && info.IsDir) {
		return c.fail(errs.KindNotFound, op, href, errors.New("component not found"))
	}
	if err != nil {
		return c.fail(errs.KindInternal, op, href, err)
	}
	if err := c.store.Remove(ctx, p); err != nil {
		return c.fail(errs.KindInternal, op, href, err)
	}
	if _, err := c.sync.UpdateHistory(ctx, href, ""); err != nil {
		return c.fail(errs.KindInternal, op, href, err)
	}

	hrefs, err := c.List(ctx)
	if err != nil {
		return err
	}
	if err := c.sync.CleanHistory(ctx, toSet(hrefs)); err != nil {
		c.log.Warn("collection.Delete - clean history", logger.Err(err))
	}
	c.log.Debug("collection.Delete", slog.String("href", href))
	return nil
}

func (c *Collection) GetMeta(ctx context.Context) (map[string]string, error) {
	return c.meta.Get(ctx, c.guard.WriteLocked())
}

// Tag returns the kind recorded in the collection's properties.
func (c *Collection) Tag(ctx context.Context) (item.Tag, error) {
	return c.meta.Tag(ctx, c.guard.WriteLocked())
}

func (c *Collection) SetMeta(ctx context.Context, props map[string]string) error {
	if !c.guard.WriteLocked() {
		return c.fail(errs.KindInternal, "collection.SetMeta", "", errors.New("write lock required"))
	}
	return c.meta.Set(ctx, props)
}

// Sync returns the current token and the hrefs changed since oldToken.
func (c *Collection) Sync(ctx context.Context, oldToken string) (string, []string, error) {
	items, err := c.GetAll(ctx)
	if err != nil {
		return "", nil, err
	}
	current := make([]synctoken.Entry, 0, len(items))
	for _, it := range items {
		tag, err := it.Etag()
		if err != nil {
			return "", nil, err
		}
		current = append(current, synctoken.Entry{Href: it.Href(), Etag: tag})
	}
	if !c.guard.WriteLocked() {
		release, err := c.sync.Lock(ctx)
		if err != nil {
			return "", nil, c.fail(errs.KindInternal, "collection.Sync", "", err)
		}
		defer release()
	}
	return c.sync.Sync(ctx, oldToken, current)
}

// LastModified returns the HTTP date of href, or of the newest entry of
// the collection when href is empty. It is always read from the store.
func (c *Collection) LastModified(ctx context.Context, href string) (string, error) {
	const op = "collection.LastModified"

	if href != "" {
		if !storage.IsSafeComponent(href) {
			return "", c.fail(errs.KindNotFound, op, href, storage.ErrUnsafe)
		}
		mod, err := storage.LastModified(ctx, c.store, c.itemPath(href))
		if errors.Is(err, storage.ErrNotFound) {
			return "", c.fail(errs.KindNotFound, op, href, err)
		}
		if err != nil {
			return "", c.fail(errs.KindInternal, op, href, err)
		}
		return httpDate(mod), nil
	}

	latest, err := storage.LastModified(ctx, c.store, c.path)
	if err != nil {
		return "", c.fail(errs.KindInternal, op, "", err)
	}
	hrefs, err := c.List(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range append(hrefs, storage.PropsName) {
		mod, err := storage.LastModified(ctx, c.store, c.itemPath(p))
		if err != nil {
			continue
		}
		if mod.After(latest) {
			latest = mod
		}
	}
	return httpDate(latest), nil
}

// Etag digests every href/etag pair and the properties.
func (c *Collection) Etag(ctx context.Context) (string, error) {
	items, err := c.GetAll(ctx)
	if err != nil {
		return "", err
	}
	h := md5.New()
	for _, it := range items {
		tag, err := it.Etag()
		if err != nil {
			return "", err
		}
		_, _ = io.WriteString(h, it.Href()+"/"+tag)
	}
	props, err := c.GetMeta(ctx)
	if err != nil {
		return "", err
	}
	data, err := meta.Encode(props)
	if err != nil {
		return "", c.fail(errs.KindSerialization, "collection.Etag", "", err)
	}
	_, _ = h.Write(data)
	return etag.Quote(hex.EncodeToString(h.Sum(nil))), nil
}

// Maintain prunes expired sync tokens and history, and drops cache entries
// of items that are gone.
func (c *Collection) Maintain(ctx context.Context) error {
	hrefs, err := c.List(ctx)
	if err != nil {
		return err
	}
	present := toSet(hrefs)
	if err := c.sync.Prune(ctx, present); err != nil {
		return c.fail(errs.KindInternal, "collection.Maintain", "", err)
	}
	if err := c.cache.Clean(ctx, present); err != nil {
		return c.fail(errs.KindInternal, "collection.Maintain", "", err)
	}
	return nil
}
