package filesystem

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/Raimguzhinov/davstore/internal/storage"
)

// ChangeOp is the kind of an external modification.
type ChangeOp int

const (
	OpWrite ChangeOp = iota
	OpRemove
)

func (op ChangeOp) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is a modification of a user file below the root, addressed by its
// store path.
type Change struct {
	Path string
	Op   ChangeOp
}

// Watcher reports edits made to the root by other processes. Engine-owned
// entries (cache, props, temporary files) are filtered out.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	changes chan Change
	errors  chan error
	wg      sync.WaitGroup
	once    sync.Once
}

// Watch starts a recursive watch over the store root. The returned Watcher
// stops when ctx is done or Close is called.
func (s *Store) Watch(ctx context.Context) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filesystem - Watch - fsnotify.NewWatcher: %w", err)
	}
	w := &Watcher{
		root:    s.root,
		watcher: fw,
		changes: make(chan Change, 100),
		errors:  make(chan error, 10),
	}
	if err := w.addTree(s.root); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.loop(ctx)
	return w, nil
}

func (w *Watcher) Changes() <-chan Change { return w.changes }

func (w *Watcher) Errors() <-chan error { return w.errors }

// Close stops the watch and waits for the event loop to exit. Both
// channels are closed afterwards.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.watcher.Close()
		w.wg.Wait()
		close(w.changes)
		close(w.errors)
	})
	return err
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && storage.IsReserved(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() && !storage.IsReserved(fi.Name()) {
					if err := w.addTree(event.Name); err != nil {
						w.sendError(ctx, err)
					}
					continue
				}
			}
			if change, ok := w.convert(event); ok {
				select {
				case w.changes <- change:
				case <-ctx.Done():
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.sendError(ctx, err)
		}
	}
}

func (w *Watcher) sendError(ctx context.Context, err error) {
	select {
	case w.errors <- err:
	case <-ctx.Done():
	default:
	}
}

func (w *Watcher) convert(event fsnotify.Event) (Change, bool) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return Change{}, false
	}
	p := filepath.ToSlash(rel)
	if !storage.IsSafePath(p) {
		return Change{}, false
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return Change{Path: p, Op: OpRemove}, true
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		return Change{Path: p, Op: OpWrite}, true
	default:
		return Change{}, false
	}
}
