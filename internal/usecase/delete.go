package usecase

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ceres919/go-webdav"

	"github.com/Raimguzhinov/davstore/internal/auth"
	"github.com/Raimguzhinov/davstore/internal/collection"
	"github.com/Raimguzhinov/davstore/internal/errs"
	"github.com/Raimguzhinov/davstore/internal/storage"
	"github.com/Raimguzhinov/davstore/internal/usecase/etag"
	"github.com/Raimguzhinov/davstore/pkg/logger"
)

type DeleteUseCase struct {
	storage *collection.Storage
	log     *logger.Logger
}

func NewDeleteUseCase(s *collection.Storage, l *logger.Logger) *DeleteUseCase {
	return &DeleteUseCase{storage: s, log: l.With(slog.String("component", "delete"))}
}

// Delete removes the item or collection at path. A set ifMatch must name
// the current etag or be a wildcard.
func (uc *DeleteUseCase) Delete(ctx context.Context, path string, ifMatch webdav.ConditionalMatch, a auth.Authorizer) error {
	const op = "usecase.Delete"

	path = storage.SanitizePath(path)
	if !access(a, path, auth.PermWrite) {
		return &errs.Error{Kind: errs.KindForbidden, Op: op, Path: path, Err: errors.New("not allowed")}
	}

	g, err := uc.storage.Acquire(ctx, storage.LockWrite, storage.Parent(path), path)
	if err != nil {
		return err
	}
	defer g.Release()

	node, err := uc.storage.Discover(ctx, g, path)
	if err != nil {
		return err
	}
	ok, err := accessNode(ctx, a, path, auth.PermWrite, node)
	if err != nil {
		return err
	}
	if !ok {
		return &errs.Error{Kind: errs.KindForbidden, Op: op, Path: path, Err: errors.New("not allowed")}
	}
	if !node.Exists() {
		return &errs.Error{Kind: errs.KindNotFound, Op: op, Path: path, Err: errors.New("nothing to delete")}
	}

	if ifMatch.IsSet() && !ifMatch.IsWildcard() {
		want, err := ifMatch.ETag()
		if err != nil {
			return &errs.Error{Kind: errs.KindBadRequest, Op: op, Path: path, Err: err}
		}
		current, err := node.Etag(ctx)
		if err != nil {
			return err
		}
		if etag.Quote(want) != current {
			return &errs.Error{Kind: errs.KindPreconditionFailed, Op: op, Path: path,
				Err: errors.New("etag does not match")}
		}
	}

	if err := uc.storage.Delete(ctx, g, path); err != nil {
		return err
	}
	uc.log.Info("deleted", slog.String("path", path))
	return nil
}
