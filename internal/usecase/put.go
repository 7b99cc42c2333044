package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/ceres919/go-webdav"

	"github.com/Raimguzhinov/davstore/internal/auth"
	"github.com/Raimguzhinov/davstore/internal/collection"
	"github.com/Raimguzhinov/davstore/internal/errs"
	"github.com/Raimguzhinov/davstore/internal/item"
	"github.com/Raimguzhinov/davstore/internal/storage"
	"github.com/Raimguzhinov/davstore/internal/usecase/etag"
	"github.com/Raimguzhinov/davstore/pkg/logger"
)

type PutRequest struct {
	Path        string
	ContentType string
	Body        io.Reader
	IfMatch     webdav.ConditionalMatch
	IfNoneMatch webdav.ConditionalMatch
	Access      auth.Authorizer
}

type PutUseCase struct {
	storage          *collection.Storage
	validator        collection.Validator
	log              *logger.Logger
	maxContentLength int64
}

// NewPutUseCase builds the write path. A maxContentLength of zero leaves
// bodies unbounded.
func NewPutUseCase(s *collection.Storage, v collection.Validator, l *logger.Logger, maxContentLength int64) *PutUseCase {
	return &PutUseCase{
		storage:          s,
		validator:        v,
		log:              l.With(slog.String("component", "put")),
		maxContentLength: maxContentLength,
	}
}

// writeMode says whether a PUT replaces a whole collection or stores one
// item in its parent.
type writeMode uint8

const (
	modeUnknown writeMode = iota
	modeWhole
	modeSingle
)

// prepared is the outcome of turning parsed objects into items. A failure
// is kept in err until the authoritative mode is known.
type prepared struct {
	items []*item.Item
	tag   item.Tag
	mode  writeMode
	props map[string]string
	err   error
}

// Put stores the request body at req.Path and returns the new etag: the
// collection's for whole-collection writes, the item's otherwise.
func (uc *PutUseCase) Put(ctx context.Context, req PutRequest) (string, error) {
	const op = "usecase.Put"

	path := storage.SanitizePath(req.Path)
	parentPath := storage.Parent(path)
	log := uc.log.With(slog.String("path", path))

	if !access(req.Access, path, auth.PermWrite) {
		return "", &errs.Error{Kind: errs.KindForbidden, Op: op, Path: path, Err: errors.New("not allowed")}
	}

	content, err := uc.readBody(req.Body)
	if err != nil {
		kind := errs.KindBadRequest
		if isTimeout(err) {
			kind = errs.KindTimeout
			log.Debug("client timed out", logger.Err(err))
		} else {
			log.Warn("bad PUT request", logger.Err(err))
		}
		return "", &errs.Error{Kind: kind, Op: op, Path: path, Err: err}
	}
	objs, err := item.ParseObjects(content)
	if err != nil {
		log.Warn("bad PUT request", logger.Err(err))
		return "", &errs.Error{Kind: errs.KindBadRequest, Op: op, Path: path, Err: err}
	}

	tentative := modeUnknown
	targetPerm := req.Access.Authorized(path, auth.PermWritePrincipal+auth.PermWrite)
	parentPerm := req.Access.Authorized(parentPath, auth.PermWrite)
	switch {
	case targetPerm && !parentPerm:
		tentative = modeWhole
	case !targetPerm && parentPerm:
		tentative = modeSingle
	}
	p := uc.prepare(objs, path, req.ContentType, item.TagNone, tentative)

	g, err := uc.storage.Acquire(ctx, storage.LockWrite, parentPath, path)
	if err != nil {
		return "", err
	}
	defer g.Release()

	target, err := uc.storage.Discover(ctx, g, path)
	if err != nil {
		return "", err
	}
	parentNode, err := uc.storage.Discover(ctx, g, parentPath)
	if err != nil {
		return "", err
	}
	parent := parentNode.Collection
	if parent == nil {
		return "", &errs.Error{Kind: errs.KindConflict, Op: op, Path: path, Err: errors.New("parent collection does not exist")}
	}
	parentTag, err := parent.Tag(ctx)
	if err != nil {
		return "", err
	}

	mode, tag := modeSingle, parentTag
	if target.Collection != nil || parentTag == item.TagNone {
		mode, tag = modeWhole, p.tag
	}

	var allowed bool
	if mode == modeWhole {
		perm := auth.PermWritePrincipal
		if tag != item.TagNone {
			perm = auth.PermWrite
		}
		allowed = req.Access.Authorized(path, perm)
	} else {
		allowed = req.Access.Authorized(parentPath, auth.PermWrite)
	}
	if !allowed {
		return "", &errs.Error{Kind: errs.KindForbidden, Op: op, Path: path, Err: errors.New("not allowed")}
	}

	if err := checkPreconditions(ctx, target, req.IfMatch, req.IfNoneMatch); err != nil {
		err.Op, err.Path = op, path
		return "", err
	}

	if tag != p.tag || mode != p.mode {
		p = uc.prepare(objs, path, req.ContentType, tag, mode)
	}
	if p.err != nil {
		log.Warn("bad PUT request", logger.Err(p.err))
		return "", &errs.Error{Kind: errs.KindBadRequest, Op: op, Path: path, Err: p.err}
	}

	if mode == modeWhole {
		coll, err := uc.storage.CreateCollection(ctx, g, path, p.items, p.props)
		if err != nil {
			log.Warn("bad PUT request", logger.Err(err))
			return "", &errs.Error{Kind: errs.KindBadRequest, Op: op, Path: path, Err: err}
		}
		return coll.Etag(ctx)
	}

	if len(p.items) != 1 {
		return "", &errs.Error{Kind: errs.KindBadRequest, Op: op, Path: path,
			Err: fmt.Errorf("expected one item, got %d", len(p.items))}
	}
	newItem := p.items[0]
	if err := checkUIDConflict(ctx, target, parent, newItem, tag); err != nil {
		err.Op, err.Path = op, path
		return "", err
	}

	committed, err := parent.Upload(ctx, storage.Base(path), newItem)
	if err != nil {
		log.Warn("bad PUT request", logger.Err(err))
		return "", &errs.Error{Kind: errs.KindBadRequest, Op: op, Path: path, Err: err}
	}
	log.Info("item stored")
	return committed.Etag()
}

func (uc *PutUseCase) readBody(body io.Reader) (string, error) {
	if body == nil {
		return "", nil
	}
	if uc.maxContentLength <= 0 {
		data, err := io.ReadAll(body)
		return string(data), err
	}
	data, err := io.ReadAll(io.LimitReader(body, uc.maxContentLength+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > uc.maxContentLength {
		return "", fmt.Errorf("request body too large: limit is %d bytes", uc.maxContentLength)
	}
	return string(data), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// prepare validates objs and builds the items to commit. In whole mode the
// tag is always predicted from the payload; in single mode the given tag
// wins over the prediction.
func (uc *PutUseCase) prepare(objs []item.Object, path, contentType string, tag item.Tag, mode writeMode) prepared {
	var collectionPath string
	switch mode {
	case modeWhole:
		tag = item.PredictTagOfWholeCollection(objs, item.TagFromContentType(contentType))
		collectionPath = path
	case modeSingle:
		if tag == item.TagNone {
			tag = item.PredictTagOfParentCollection(objs)
		}
		collectionPath = storage.Parent(path)
	}
	p := prepared{tag: tag, mode: mode}
	if mode == modeWhole && tag == item.TagNone {
		p.err = errors.New("can't determine collection tag")
		return p
	}

	if tag != item.TagNone {
		if err := uc.validator.CheckAndSanitize(objs, mode == modeWhole, tag); err != nil {
			p.err = err
			return p
		}
		var candidates []item.Object
		switch {
		case mode == modeWhole && tag == item.TagCalendar:
			if len(objs) != 1 {
				p.err = fmt.Errorf("expected one calendar, got %d", len(objs))
				return p
			}
			for _, cal := range item.SplitByUID(objs[0].Calendar) {
				candidates = append(candidates, item.CalendarObject(cal))
			}
		case mode == modeWhole && tag == item.TagAddressBook:
			candidates = objs
		case mode == modeSingle:
			if len(objs) != 1 {
				p.err = fmt.Errorf("expected one object, got %d", len(objs))
				return p
			}
			candidates = objs
		}
		for _, obj := range candidates {
			it := item.FromObject(obj, item.WithCollectionPath(collectionPath))
			if err := it.Prepare(); err != nil {
				p.err = err
				return p
			}
			p.items = append(p.items, it)
		}
	}

	if mode == modeWhole {
		props := map[string]string{"tag": string(tag)}
		if tag == item.TagCalendar && len(objs) > 0 && objs[0].Calendar != nil {
			if name, _ := objs[0].Calendar.Props.Text("X-WR-CALNAME"); name != "" {
				props["D:displayname"] = name
			}
			if desc, _ := objs[0].Calendar.Props.Text("X-WR-CALDESC"); desc != "" {
				props["C:calendar-description"] = desc
			}
		}
		if err := uc.validator.CheckAndSanitizeProps(props); err != nil {
			p.err = err
			return p
		}
		p.props = props
	}
	return p
}

// checkPreconditions applies If-Match and If-None-Match to the current
// target.
func checkPreconditions(ctx context.Context, target collection.Node, ifMatch, ifNoneMatch webdav.ConditionalMatch) *errs.Error {
	failed := func(format string, args ...any) *errs.Error {
		return &errs.Error{Kind: errs.KindPreconditionFailed, Err: fmt.Errorf(format, args...)}
	}

	if ifMatch.IsSet() {
		if !target.Exists() {
			return failed("etag asked but no item found")
		}
		if !ifMatch.IsWildcard() {
			want, err := ifMatch.ETag()
			if err != nil {
				return &errs.Error{Kind: errs.KindBadRequest, Err: err}
			}
			current, err := target.Etag(ctx)
			if err != nil {
				return &errs.Error{Kind: errs.KindInternal, Err: err}
			}
			if etag.Quote(want) != current {
				return failed("etag %q does not match %s", want, current)
			}
		}
	}
	if ifNoneMatch.IsWildcard() && target.Exists() {
		return failed("creation asked but item found")
	}
	return nil
}

func checkUIDConflict(ctx context.Context, target collection.Node, parent *collection.Collection, it *item.Item, tag item.Tag) *errs.Error {
	uid, err := it.UID()
	if err != nil {
		return &errs.Error{Kind: errs.KindBadRequest, Err: err}
	}
	// Lists and group cards may come without a uid.
	if uid == "" {
		return nil
	}

	var conflict bool
	if target.Item != nil {
		current, err := target.Item.UID()
		if err != nil {
			return &errs.Error{Kind: errs.KindInternal, Err: err}
		}
		conflict = current != uid
	} else {
		taken, err := parent.HasUID(ctx, uid)
		if err != nil {
			return &errs.Error{Kind: errs.KindInternal, Err: err}
		}
		conflict = taken
	}
	if !conflict {
		return nil
	}

	condition := "CR:no-uid-conflict"
	if tag == item.TagCalendar {
		condition = "C:no-uid-conflict"
	}
	return &errs.Error{Kind: errs.KindConflict, Condition: condition,
		Err: fmt.Errorf("uid %q is already in use", uid)}
}
