package app

import (
	"context"
	"log/slog"

	"github.com/Raimguzhinov/davstore/internal/collection"
	"github.com/Raimguzhinov/davstore/internal/storage"
	"github.com/Raimguzhinov/davstore/internal/storage/filesystem"
	"github.com/Raimguzhinov/davstore/pkg/logger"
)

// warmCache rebuilds the cache entry of every item edited behind the
// server's back, so the next request does not pay for parsing it.
func warmCache(ctx context.Context, l *logger.Logger, s *collection.Storage, w *filesystem.Watcher) {
	l = l.With(slog.String("component", "warmer"))
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			l.Warn("watch", logger.Err(err))
		case ch, ok := <-w.Changes():
			if !ok {
				return
			}
			if ch.Op != filesystem.OpWrite {
				continue
			}
			if err := warmOne(ctx, s, ch.Path); err != nil {
				l.Warn("warmCache", slog.String("path", ch.Path), logger.Err(err))
			}
		}
	}
}

func warmOne(ctx context.Context, s *collection.Storage, path string) error {
	parent := storage.Parent(path)
	g, err := s.Acquire(ctx, storage.LockRead, parent)
	if err != nil {
		return err
	}
	defer g.Release()

	// Discovering an item loads it through the cache.
	_, err = s.Discover(ctx, g, path)
	return err
}
