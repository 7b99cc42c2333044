package usecase

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Raimguzhinov/davstore/internal/auth"
	"github.com/Raimguzhinov/davstore/internal/collection"
	"github.com/Raimguzhinov/davstore/internal/errs"
	"github.com/Raimguzhinov/davstore/internal/storage"
	"github.com/Raimguzhinov/davstore/pkg/logger"
)

// Resource is what a GET returns for an item or a whole collection.
type Resource struct {
	Body         string
	ContentType  string
	Etag         string
	LastModified string
}

// SyncResult is the answer to a sync request.
type SyncResult struct {
	Token   string
	Changed []string
}

type QueryUseCase struct {
	storage *collection.Storage
	log     *logger.Logger
}

func NewQueryUseCase(s *collection.Storage, l *logger.Logger) *QueryUseCase {
	return &QueryUseCase{storage: s, log: l.With(slog.String("component", "query"))}
}

func (uc *QueryUseCase) Get(ctx context.Context, path string, a auth.Authorizer) (Resource, error) {
	const op = "usecase.Get"

	path = storage.SanitizePath(path)
	if !access(a, path, auth.PermRead) {
		return Resource{}, &errs.Error{Kind: errs.KindForbidden, Op: op, Path: path, Err: errors.New("not allowed")}
	}

	g, err := uc.storage.Acquire(ctx, storage.LockRead, storage.Parent(path), path)
	if err != nil {
		return Resource{}, err
	}
	defer g.Release()

	node, err := uc.storage.Discover(ctx, g, path)
	if err != nil {
		return Resource{}, err
	}
	if !node.Exists() {
		return Resource{}, &errs.Error{Kind: errs.KindNotFound, Op: op, Path: path, Err: errors.New("no such resource")}
	}
	ok, err := accessNode(ctx, a, path, auth.PermRead, node)
	if err != nil {
		return Resource{}, err
	}
	if !ok {
		return Resource{}, &errs.Error{Kind: errs.KindForbidden, Op: op, Path: path, Err: errors.New("not allowed")}
	}

	if node.Item != nil {
		return uc.item(ctx, node)
	}
	return uc.collection(ctx, node.Collection)
}

func (uc *QueryUseCase) item(ctx context.Context, node collection.Node) (Resource, error) {
	text, err := node.Item.Serialize()
	if err != nil {
		return Resource{}, err
	}
	tag, err := node.Parent.Tag(ctx)
	if err != nil {
		return Resource{}, err
	}
	sum, err := node.Item.Etag()
	if err != nil {
		return Resource{}, err
	}
	return Resource{
		Body:         text,
		ContentType:  tag.ContentType(),
		Etag:         sum,
		LastModified: node.Item.LastModified(),
	}, nil
}

func (uc *QueryUseCase) collection(ctx context.Context, c *collection.Collection) (Resource, error) {
	const op = "usecase.Get"

	tag, err := c.Tag(ctx)
	if err != nil {
		return Resource{}, err
	}
	if !tag.Valid() {
		return Resource{}, &errs.Error{Kind: errs.KindForbidden, Op: op, Path: c.Path(),
			Err: errors.New("plain collections can't be downloaded")}
	}
	body, err := c.Serialize(ctx)
	if err != nil {
		return Resource{}, err
	}
	sum, err := c.Etag(ctx)
	if err != nil {
		return Resource{}, err
	}
	mod, err := c.LastModified(ctx, "")
	if err != nil {
		return Resource{}, err
	}
	return Resource{Body: body, ContentType: tag.ContentType(), Etag: sum, LastModified: mod}, nil
}

// Sync reports the hrefs of the collection at path changed since token. An
// empty token asks for every href.
func (uc *QueryUseCase) Sync(ctx context.Context, path, token string, a auth.Authorizer) (SyncResult, error) {
	const op = "usecase.Sync"

	path = storage.SanitizePath(path)
	if !a.Authorized(path, auth.PermRead) {
		return SyncResult{}, &errs.Error{Kind: errs.KindForbidden, Op: op, Path: path, Err: errors.New("not allowed")}
	}

	g, err := uc.storage.Acquire(ctx, storage.LockRead, path)
	if err != nil {
		return SyncResult{}, err
	}
	defer g.Release()

	c, err := uc.storage.Collection(ctx, g, path)
	if err != nil {
		return SyncResult{}, err
	}
	newToken, changed, err := c.Sync(ctx, token)
	if err != nil {
		switch errs.KindOf(err) {
		case errs.KindTokenNotFound, errs.KindMalformedToken:
			uc.log.Warn("invalid sync token", slog.String("path", path), logger.Err(err))
			return SyncResult{}, &errs.Error{Kind: errs.KindOf(err), Op: op, Path: path,
				Condition: "D:valid-sync-token", Err: err}
		}
		return SyncResult{}, err
	}
	return SyncResult{Token: newToken, Changed: changed}, nil
}
