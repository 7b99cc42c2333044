package usecase

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ceres919/go-webdav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Raimguzhinov/davstore/internal/auth"
	"github.com/Raimguzhinov/davstore/internal/collection"
	"github.com/Raimguzhinov/davstore/internal/errs"
	"github.com/Raimguzhinov/davstore/internal/storage"
	"github.com/Raimguzhinov/davstore/internal/storage/memory"
	"github.com/Raimguzhinov/davstore/internal/validator"
	"github.com/Raimguzhinov/davstore/pkg/logger"
)

func lines(l ...string) string {
	return strings.Join(l, "\r\n") + "\r\n"
}

func event(uid, summary string, extra ...string) string {
	l := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN"}
	l = append(l, extra...)
	l = append(l,
		"BEGIN:VEVENT",
		"UID:"+uid,
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240110T100000Z",
		"DTEND:20240110T110000Z",
		"SUMMARY:"+summary,
		"END:VEVENT",
		"END:VCALENDAR",
	)
	return lines(l...)
}

func card(uid, name string) string {
	return lines("BEGIN:VCARD", "VERSION:3.0", "UID:"+uid, "FN:"+name, "END:VCARD")
}

type env struct {
	t       *testing.T
	ctx     context.Context
	storage *collection.Storage
	put     *PutUseCase
	del     *DeleteUseCase
	query   *QueryUseCase
	alice   auth.Authorizer
}

func newEnv(t *testing.T, store storage.Store, maxContentLength int64) *env {
	t.Helper()
	l := logger.Discard()
	v := validator.New()
	s := collection.New(store, v, l, collection.Config{MaxSyncTokenAge: time.Hour})
	e := &env{
		t:       t,
		ctx:     context.Background(),
		storage: s,
		put:     NewPutUseCase(s, v, l, maxContentLength),
		del:     NewDeleteUseCase(s, l),
		query:   NewQueryUseCase(s, l),
		alice:   auth.NewAuthorizer(auth.OwnerOnly{}, "alice"),
	}
	e.principal("alice")
	return e
}

func (e *env) principal(name string) {
	e.t.Helper()
	g, err := e.storage.Acquire(e.ctx, storage.LockWrite, name)
	require.NoError(e.t, err)
	defer g.Release()
	_, err = e.storage.CreateCollection(e.ctx, g, name, nil, nil)
	require.NoError(e.t, err)
}

func (e *env) doPut(path, body string, mods ...func(*PutRequest)) (string, error) {
	req := PutRequest{
		Path:        path,
		ContentType: "text/calendar",
		Body:        strings.NewReader(body),
		Access:      e.alice,
	}
	for _, m := range mods {
		m(&req)
	}
	return e.put.Put(e.ctx, req)
}

func ifMatch(v string) func(*PutRequest) {
	return func(r *PutRequest) { r.IfMatch = webdav.ConditionalMatch(v) }
}

func ifNoneMatch(v string) func(*PutRequest) {
	return func(r *PutRequest) { r.IfNoneMatch = webdav.ConditionalMatch(v) }
}

func TestPutCreatesCalendarUnderPlainParent(t *testing.T) {
	e := newEnv(t, memory.New(), 0)

	tag, err := e.doPut("/alice/cal/", event("ev-1", "Standup", "X-WR-CALNAME:Work"))
	require.NoError(t, err)
	assert.Regexp(t, `^"[0-9a-f]{32}"$`, tag)

	res, err := e.query.Get(e.ctx, "/alice/cal/", e.alice)
	require.NoError(t, err)
	assert.Equal(t, tag, res.Etag)
	assert.Equal(t, "text/calendar", res.ContentType)
	assert.Contains(t, res.Body, "UID:ev-1")

	g, err := e.storage.Acquire(e.ctx, storage.LockRead, "alice/cal")
	require.NoError(t, err)
	c, err := e.storage.Collection(e.ctx, g, "alice/cal")
	require.NoError(t, err)
	props, err := c.GetMeta(e.ctx)
	require.NoError(t, err)
	g.Release()
	assert.Equal(t, "VCALENDAR", props["tag"])
	assert.Equal(t, "Work", props["D:displayname"])

	_, err = e.doPut("/alice/cal/", event("ev-1", "Standup"), ifMatch(`"00000000000000000000000000000000"`))
	assert.ErrorIs(t, err, errs.ErrPreconditionFailed)
}

func TestPutSingleItem(t *testing.T) {
	e := newEnv(t, memory.New(), 0)
	_, err := e.doPut("/alice/cal/", event("seed", "seed"))
	require.NoError(t, err)

	tag, err := e.doPut("/alice/cal/ev.ics", event("ev-1", "One"))
	require.NoError(t, err)

	res, err := e.query.Get(e.ctx, "/alice/cal/ev.ics", e.alice)
	require.NoError(t, err)
	assert.Equal(t, tag, res.Etag)
	assert.NotEmpty(t, res.LastModified)

	_, err = e.doPut("/alice/cal/ev.ics", event("ev-1", "Two"), ifNoneMatch("*"))
	assert.ErrorIs(t, err, errs.ErrPreconditionFailed)

	_, err = e.doPut("/alice/cal/ev.ics", event("ev-1", "Two"), ifMatch(tag))
	require.NoError(t, err)

	_, err = e.doPut("/alice/cal/gone.ics", event("gone", "x"), ifMatch(tag))
	assert.ErrorIs(t, err, errs.ErrPreconditionFailed)
}

func TestPutUIDConflict(t *testing.T) {
	e := newEnv(t, memory.New(), 0)
	_, err := e.doPut("/alice/cal/", event("seed", "seed"))
	require.NoError(t, err)
	_, err = e.doPut("/alice/cal/a.ics", event("dup", "A"))
	require.NoError(t, err)

	_, err = e.doPut("/alice/cal/b.ics", event("dup", "B"))
	require.ErrorIs(t, err, errs.ErrConflict)
	assert.Equal(t, "C:no-uid-conflict", errs.ConditionOf(err))

	_, err = e.doPut("/alice/cal/a.ics", event("other", "A"))
	require.ErrorIs(t, err, errs.ErrConflict)
}

func TestPutWholeCalendarThenWholeAddressBook(t *testing.T) {
	e := newEnv(t, memory.New(), 0)
	e.alice = auth.NewAuthorizer(auth.Everyone{}, "alice")

	_, err := e.doPut("/alice/coll/", event("ev-1", "x"))
	require.NoError(t, err)

	_, err = e.doPut("/alice/coll/", card("c1", "One")+card("c2", "Two"), func(r *PutRequest) {
		r.ContentType = "text/vcard"
	})
	require.NoError(t, err)

	res, err := e.query.Get(e.ctx, "/alice/coll/", e.alice)
	require.NoError(t, err)
	assert.Equal(t, "text/vcard", res.ContentType)
	assert.Equal(t, 2, strings.Count(res.Body, "BEGIN:VCARD"))
	assert.NotContains(t, res.Body, "VEVENT")
}

func TestPutAddressBookWithLists(t *testing.T) {
	e := newEnv(t, memory.New(), 0)
	vcard := func(r *PutRequest) { r.ContentType = "text/vcard" }
	list := func(uid string) string {
		l := []string{"BEGIN:VLIST", "VERSION:1.0", "FN:Friends"}
		if uid != "" {
			l = append(l, "UID:"+uid)
		}
		return lines(append(l, "CARD:c1.vcf", "END:VLIST")...)
	}

	_, err := e.doPut("/alice/book/", card("c1", "One")+list(""), vcard)
	require.NoError(t, err)

	_, err = e.doPut("/alice/book/friends.vcf", list(""), vcard)
	require.NoError(t, err)
	_, err = e.doPut("/alice/book/family.vcf", list("family"), vcard)
	require.NoError(t, err)

	res, err := e.query.Get(e.ctx, "/alice/book/", e.alice)
	require.NoError(t, err)
	assert.Equal(t, "text/vcard", res.ContentType)
	assert.Equal(t, 1, strings.Count(res.Body, "BEGIN:VCARD"))
	assert.Equal(t, 3, strings.Count(res.Body, "BEGIN:VLIST"))

	res, err = e.query.Get(e.ctx, "/alice/book/family.vcf", e.alice)
	require.NoError(t, err)
	assert.Contains(t, res.Body, "UID:family")
}

func TestPutMixedPayloadIsRejected(t *testing.T) {
	e := newEnv(t, memory.New(), 0)
	_, err := e.doPut("/alice/coll/", event("ev-1", "x")+card("c1", "One"))
	assert.ErrorIs(t, err, errs.ErrBadRequest)
}

func TestPutRejections(t *testing.T) {
	e := newEnv(t, memory.New(), 16)

	_, err := e.doPut("/alice/cal/", event("ev-1", "too long for the limit"))
	assert.ErrorIs(t, err, errs.ErrBadRequest)

	_, err = e.doPut("/alice/cal/", "", func(r *PutRequest) { r.Body = timeoutReader{} })
	assert.ErrorIs(t, err, errs.ErrTimeout)

	_, err = e.doPut("/bob/cal/", "x")
	assert.ErrorIs(t, err, errs.ErrForbidden)

	_, err = e.doPut("/alice/cal/", "not a calendar")
	assert.ErrorIs(t, err, errs.ErrBadRequest)
}

func TestPutMissingParent(t *testing.T) {
	e := newEnv(t, memory.New(), 0)
	_, err := e.doPut("/alice/nocal/ev.ics", event("ev-1", "x"))
	assert.ErrorIs(t, err, errs.ErrConflict)
}

type timeoutReader struct{}

func (timeoutReader) Read([]byte) (int, error) { return 0, os.ErrDeadlineExceeded }

// failingStore passes writes through until an AtomicWrite expectation is
// registered.
type failingStore struct {
	*memory.Store
	mock.Mock
}

func (f *failingStore) AtomicWrite(ctx context.Context, path string, fn func(w io.Writer) error) error {
	if len(f.ExpectedCalls) == 0 {
		return f.Store.AtomicWrite(ctx, path, fn)
	}
	args := f.Called(path)
	if err := args.Error(0); err != nil {
		return err
	}
	return f.Store.AtomicWrite(ctx, path, fn)
}

func TestPutCommitFailure(t *testing.T) {
	store := &failingStore{Store: memory.New()}
	e := newEnv(t, store, 0)
	_, err := e.doPut("/alice/cal/", event("seed", "seed"))
	require.NoError(t, err)

	store.On("AtomicWrite", mock.Anything).Return(errors.New("disk full"))
	_, err = e.doPut("/alice/cal/ev.ics", event("ev-1", "x"))
	assert.ErrorIs(t, err, errs.ErrBadRequest)
	store.AssertCalled(t, "AtomicWrite", mock.Anything)

	res, err := e.query.Get(e.ctx, "/alice/cal/ev.ics", e.alice)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Empty(t, res.Body)
}

// pausingStore blocks the next cache directory creation after it is armed
// until resume is closed.
type pausingStore struct {
	*memory.Store
	armed  atomic.Bool
	paused chan struct{}
	resume chan struct{}
}

func (p *pausingStore) MakeDirs(ctx context.Context, path string) error {
	if strings.Contains(path, storage.CacheDir) && p.armed.CompareAndSwap(true, false) {
		close(p.paused)
		<-p.resume
	}
	return p.Store.MakeDirs(ctx, path)
}

func TestDeleteOfAncestorWaitsForNestedWrite(t *testing.T) {
	store := &pausingStore{Store: memory.New(), paused: make(chan struct{}), resume: make(chan struct{})}
	e := newEnv(t, store, 0)
	_, err := e.doPut("/alice/cal/", event("seed", "seed"))
	require.NoError(t, err)
	store.armed.Store(true)

	putErr := make(chan error, 1)
	go func() {
		_, err := e.doPut("/alice/cal/ev.ics", event("ev-1", "x"))
		putErr <- err
	}()
	<-store.paused

	delErr := make(chan error, 1)
	go func() {
		delErr <- e.del.Delete(e.ctx, "/alice/", "", e.alice)
	}()
	select {
	case err := <-delErr:
		t.Fatalf("delete of /alice finished during a nested write: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(store.resume)
	require.NoError(t, <-putErr)
	require.NoError(t, <-delErr)

	ok, err := storage.Exists(e.ctx, store, "alice/cal")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteAndSync(t *testing.T) {
	e := newEnv(t, memory.New(), 0)
	_, err := e.doPut("/alice/cal/", event("a", "A"))
	require.NoError(t, err)
	tag, err := e.doPut("/alice/cal/b.ics", event("b", "B"))
	require.NoError(t, err)

	before, err := e.query.Sync(e.ctx, "/alice/cal/", "", e.alice)
	require.NoError(t, err)
	assert.Len(t, before.Changed, 2)

	err = e.del.Delete(e.ctx, "/alice/cal/b.ics", webdav.ConditionalMatch(`"ffffffffffffffffffffffffffffffff"`), e.alice)
	assert.ErrorIs(t, err, errs.ErrPreconditionFailed)

	require.NoError(t, e.del.Delete(e.ctx, "/alice/cal/b.ics", webdav.ConditionalMatch(tag), e.alice))
	assert.ErrorIs(t, e.del.Delete(e.ctx, "/alice/cal/b.ics", "", e.alice), errs.ErrNotFound)

	after, err := e.query.Sync(e.ctx, "/alice/cal/", before.Token, e.alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.ics"}, after.Changed)

	again, err := e.query.Sync(e.ctx, "/alice/cal/", after.Token, e.alice)
	require.NoError(t, err)
	assert.Empty(t, again.Changed)

	_, err = e.query.Sync(e.ctx, "/alice/cal/", "http://radicale.org/ns/sync/"+strings.Repeat("0", 32), e.alice)
	require.ErrorIs(t, err, errs.ErrTokenNotFound)
	assert.Equal(t, "D:valid-sync-token", errs.ConditionOf(err))

	bob := auth.NewAuthorizer(auth.OwnerOnly{}, "bob")
	assert.ErrorIs(t, e.del.Delete(e.ctx, "/alice/cal/", "", bob), errs.ErrForbidden)
	require.NoError(t, e.del.Delete(e.ctx, "/alice/cal/", "", e.alice))
}

func TestNewStoreFromURL(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := NewStoreFromURL(ctx, "memory://", logger.Discard(), StoreOptions{})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &memory.Store{}, s)

	dir := t.TempDir()
	s, closeFn, err = NewStoreFromURL(ctx, "file://"+dir, logger.Discard(), StoreOptions{})
	require.NoError(t, err)
	defer closeFn()
	require.NoError(t, storage.WriteFile(ctx, s, "x", []byte("y")))

	_, _, err = NewStoreFromURL(ctx, "ftp://host", logger.Discard(), StoreOptions{})
	assert.Error(t, err)
}
