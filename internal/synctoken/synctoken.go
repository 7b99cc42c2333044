// Package synctoken computes collection sync tokens from per-item history
// tags and answers "what changed since token X" from stored snapshots.
package synctoken

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Raimguzhinov/davstore/internal/errs"
	"github.com/Raimguzhinov/davstore/internal/storage"
	"github.com/Raimguzhinov/davstore/pkg/logger"
)

const (
	Prefix = "http://radicale.org/ns/sync/"

	// SnapshotVersion tags every stored snapshot; any other value is read
	// as damage.
	SnapshotVersion = 1

	historyDir = "history"
	tokenDir   = "sync-token"
)

// Entry is one present item of the collection.
type Entry struct {
	Href string
	Etag string
}

// Parse extracts the token name. The empty token is valid and yields "".
func Parse(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	name, ok := strings.CutPrefix(token, Prefix)
	if !ok || !isTokenName(name) {
		return "", errs.Errorf(errs.KindMalformedToken, "synctoken.Parse", "malformed token: %q", token)
	}
	return name, nil
}

func Format(name string) string {
	return Prefix + name
}

func isTokenName(name string) bool {
	if len(name) != 32 {
		return false
	}
	for _, c := range name {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

type historyRecord struct {
	Etag        string `json:"etag"`
	HistoryEtag string `json:"history_etag"`
}

type snapshot struct {
	Version int               `json:"version"`
	State   map[string]string `json:"state"`
}

type Engine struct {
	store      storage.Store
	collection string
	maxAge     time.Duration
	log        *logger.Logger
	now        func() time.Time
	seed       func() string
}

type Option func(*Engine)

// WithClock replaces time.Now for age checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(store storage.Store, collectionPath string, maxAge time.Duration, l *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		collection: collectionPath,
		maxAge:     maxAge,
		log:        l,
		now:        time.Now,
		seed:       randomSeed,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func randomSeed() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) historyPath(href string) string {
	return storage.Join(e.collection, storage.CacheDir, historyDir, href)
}

func (e *Engine) tokenDir() string {
	return storage.Join(e.collection, storage.CacheDir, tokenDir)
}

// Lock serializes history and token updates of the collection. Callers
// holding only a shared collection lock take it around Sync.
func (e *Engine) Lock(ctx context.Context) (func(), error) {
	return e.store.Lock(ctx, e.tokenDir(), storage.LockWrite)
}

// UpdateHistory returns the history tag of href, advancing it when etag
// differs from the last recorded one. A deleted item has the empty etag.
func (e *Engine) UpdateHistory(ctx context.Context, href, etag string) (string, error) {
	p := e.historyPath(href)

	rec := historyRecord{HistoryEtag: e.seed()}
	data, err := e.store.Read(ctx, p)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return "", fmt.Errorf("synctoken.UpdateHistory - Read: %w", err)
	default:
		var stored historyRecord
		if err := json.Unmarshal(data, &stored); err != nil || stored.HistoryEtag == "" {
			e.log.Warn("synctoken.UpdateHistory - damaged history entry",
				slog.String("href", href), slog.String("collection", e.collection))
		} else {
			rec = stored
		}
	}

	if etag == rec.Etag {
		return rec.HistoryEtag, nil
	}
	rec = historyRecord{Etag: etag, HistoryEtag: md5Hex(rec.HistoryEtag + "/" + etag)}
	out, err := json.Marshal(rec)
	if err != nil {
		return "", errs.E(errs.KindSerialization, "synctoken.UpdateHistory", err)
	}
	if err := e.store.MakeDirs(ctx, storage.Parent(p)); err != nil {
		return "", fmt.Errorf("synctoken.UpdateHistory - MakeDirs: %w", err)
	}
	if err := storage.WriteFile(ctx, e.store, p, out); err != nil {
		return "", fmt.Errorf("synctoken.UpdateHistory - write: %w", err)
	}
	return rec.HistoryEtag, nil
}

// historyHrefs lists every href with a history record.
func (e *Engine) historyHrefs(ctx context.Context) ([]string, error) {
	entries, err := e.store.List(ctx, storage.Join(e.collection, storage.CacheDir, historyDir))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("synctoken - List history: %w", err)
	}
	hrefs := make([]string, 0, len(entries))
	for _, en := range entries {
		if !en.IsDir && storage.IsSafeComponent(en.Name) {
			hrefs = append(hrefs, en.Name)
		}
	}
	return hrefs, nil
}

func deletedHrefs(history []string, present map[string]struct{}) []string {
	var deleted []string
	for _, href := range history {
		if _, ok := present[href]; !ok {
			deleted = append(deleted, href)
		}
	}
	return deleted
}

// State computes the current history tag of every present and deleted item
// together with the token name that digests them.
func (e *Engine) State(ctx context.Context, current []Entry) (string, map[string]string, error) {
	state := make(map[string]string, len(current))
	present := make(map[string]struct{}, len(current))
	for _, en := range current {
		present[en.Href] = struct{}{}
		tag, err := e.UpdateHistory(ctx, en.Href, en.Etag)
		if err != nil {
			return "", nil, err
		}
		state[en.Href] = tag
	}

	history, err := e.historyHrefs(ctx)
	if err != nil {
		return "", nil, err
	}
	for _, href := range deletedHrefs(history, present) {
		tag, err := e.UpdateHistory(ctx, href, "")
		if err != nil {
			return "", nil, err
		}
		state[href] = tag
	}
	return digest(state), state, nil
}

// digest hashes the state in ascending href order so that the token does
// not depend on listing order.
func digest(state map[string]string) string {
	hrefs := make([]string, 0, len(state))
	for href := range state {
		hrefs = append(hrefs, href)
	}
	sort.Strings(hrefs)

	h := md5.New()
	for _, href := range hrefs {
		_, _ = io.WriteString(h, href+"/"+state[href])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Sync returns the current token and the hrefs that changed since oldToken,
// sorted. An empty oldToken reports every known href.
func (e *Engine) Sync(ctx context.Context, oldToken string, current []Entry) (string, []string, error) {
	const op = "synctoken.Sync"

	oldName, err := Parse(oldToken)
	if err != nil {
		return "", nil, err
	}

	name, state, err := e.State(ctx, current)
	if err != nil {
		return "", nil, err
	}
	token := Format(name)
	if name == oldName {
		return token, nil, nil
	}

	var oldState map[string]string
	if oldName != "" {
		if oldState, err = e.loadSnapshot(ctx, oldName); err != nil {
			if errs.KindOf(err) == errs.KindTokenNotFound {
				err = &errs.Error{Kind: errs.KindTokenNotFound, Op: op, Path: e.collection,
					Err: fmt.Errorf("token not found: %q: %w", oldToken, err)}
			}
			return "", nil, err
		}
	}

	if err := e.saveSnapshot(ctx, name, state, current); err != nil {
		return "", nil, err
	}

	var changes []string
	for href, tag := range state {
		if old, ok := oldState[href]; !ok || old != tag {
			changes = append(changes, href)
		}
	}
	for href := range oldState {
		if _, ok := state[href]; !ok {
			changes = append(changes, href)
		}
	}
	sort.Strings(changes)
	return token, changes, nil
}

func (e *Engine) loadSnapshot(ctx context.Context, name string) (map[string]string, error) {
	const op = "synctoken.loadSnapshot"

	p := storage.Join(e.tokenDir(), name)
	data, err := e.store.Read(ctx, p)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.E(errs.KindTokenNotFound, op, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%s - Read: %w", op, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil || snap.Version != SnapshotVersion {
		if err == nil {
			err = fmt.Errorf("snapshot version %d, want %d", snap.Version, SnapshotVersion)
		}
		corrupt := &errs.Error{Kind: errs.KindStorageCorruption, Op: op, Path: e.collection, Err: err}
		e.log.Warn("synctoken - removing damaged snapshot", slog.String("token", name), logger.Err(corrupt))
		if err := e.store.Remove(ctx, p); err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.log.Warn("synctoken - remove snapshot", slog.String("token", name), logger.Err(err))
		}
		return nil, errs.E(errs.KindTokenNotFound, op, corrupt)
	}
	if snap.State == nil {
		snap.State = map[string]string{}
	}
	return snap.State, nil
}

// saveSnapshot stores the state under name, or refreshes the modification
// time of an existing snapshot. Creating a snapshot prunes expired ones.
func (e *Engine) saveSnapshot(ctx context.Context, name string, state map[string]string, current []Entry) error {
	p := storage.Join(e.tokenDir(), name)
	exists, err := storage.Exists(ctx, e.store, p)
	if err != nil {
		return fmt.Errorf("synctoken.saveSnapshot - Exists: %w", err)
	}
	if exists {
		if err := e.store.Touch(ctx, p); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("synctoken.saveSnapshot - Touch: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(snapshot{Version: SnapshotVersion, State: state})
	if err != nil {
		return errs.E(errs.KindSerialization, "synctoken.saveSnapshot", err)
	}
	if err := e.store.MakeDirs(ctx, e.tokenDir()); err != nil {
		return fmt.Errorf("synctoken.saveSnapshot - MakeDirs: %w", err)
	}
	if err := storage.WriteFile(ctx, e.store, p, data); err != nil {
		return fmt.Errorf("synctoken.saveSnapshot - write: %w", err)
	}

	present := make(map[string]struct{}, len(current))
	for _, en := range current {
		present[en.Href] = struct{}{}
	}
	if err := e.Prune(ctx, present); err != nil {
		e.log.Warn("synctoken - prune", slog.String("collection", e.collection), logger.Err(err))
	}
	return nil
}

func (e *Engine) expired(mod time.Time) bool {
	return e.maxAge > 0 && e.now().Sub(mod) > e.maxAge
}

// Prune removes expired snapshots, then cleans the history.
func (e *Engine) Prune(ctx context.Context, present map[string]struct{}) error {
	if e.maxAge <= 0 {
		return nil
	}
	referenced, err := e.scanSnapshots(ctx, true)
	if err != nil {
		return err
	}
	return e.cleanHistory(ctx, present, referenced)
}

// CleanHistory removes the history records of deleted items that are
// expired and no longer referenced by any snapshot.
func (e *Engine) CleanHistory(ctx context.Context, present map[string]struct{}) error {
	if e.maxAge <= 0 {
		return nil
	}
	referenced, err := e.scanSnapshots(ctx, false)
	if err != nil {
		return err
	}
	return e.cleanHistory(ctx, present, referenced)
}

func (e *Engine) cleanHistory(ctx context.Context, present, referenced map[string]struct{}) error {
	history, err := e.historyHrefs(ctx)
	if err != nil {
		return err
	}
	for _, href := range deletedHrefs(history, present) {
		if _, ok := referenced[href]; ok {
			continue
		}
		p := e.historyPath(href)
		info, err := e.store.Stat(ctx, p)
		if err != nil || !e.expired(info.ModTime) {
			continue
		}
		if err := e.store.Remove(ctx, p); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("synctoken.cleanHistory - Remove: %w", err)
		}
		e.log.Debug("synctoken.cleanHistory", slog.String("href", href))
	}
	return nil
}

// scanSnapshots returns the hrefs mentioned by live snapshots. With prune
// set, expired snapshots are removed first.
func (e *Engine) scanSnapshots(ctx context.Context, prune bool) (map[string]struct{}, error) {
	referenced := make(map[string]struct{})
	entries, err := e.store.List(ctx, e.tokenDir())
	if errors.Is(err, storage.ErrNotFound) {
		return referenced, nil
	}
	if err != nil {
		return nil, fmt.Errorf("synctoken.scanSnapshots - List: %w", err)
	}

	for _, en := range entries {
		p := storage.Join(e.tokenDir(), en.Name)
		info, err := e.store.Stat(ctx, p)
		if err != nil {
			continue
		}
		if prune && e.expired(info.ModTime) {
			if err := e.store.Remove(ctx, p); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("synctoken.scanSnapshots - Remove: %w", err)
			}
			e.log.Debug("synctoken.Prune", slog.String("token", en.Name))
			continue
		}
		if !isTokenName(en.Name) {
			continue
		}
		state, err := e.loadSnapshot(ctx, en.Name)
		if err != nil {
			continue
		}
		for href := range state {
			referenced[href] = struct{}{}
		}
	}
	return referenced, nil
}
