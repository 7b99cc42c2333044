package collection

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raimguzhinov/davstore/internal/cache"
	"github.com/Raimguzhinov/davstore/internal/errs"
	"github.com/Raimguzhinov/davstore/internal/item"
	"github.com/Raimguzhinov/davstore/internal/storage"
	"github.com/Raimguzhinov/davstore/internal/storage/memory"
	"github.com/Raimguzhinov/davstore/internal/validator"
	"github.com/Raimguzhinov/davstore/pkg/logger"
)

var quotedHex = regexp.MustCompile(`^"[0-9a-f]{32}"$`)

func lines(l ...string) string {
	return strings.Join(l, "\r\n") + "\r\n"
}

func event(uid, summary string) string {
	return lines(
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:"+uid,
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240110T100000Z",
		"DTEND:20240110T110000Z",
		"SUMMARY:"+summary,
		"END:VEVENT",
		"END:VCALENDAR",
	)
}

func card(uid, name string) string {
	return lines(
		"BEGIN:VCARD",
		"VERSION:3.0",
		"UID:"+uid,
		"FN:"+name,
		"END:VCARD",
	)
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	mem     *memory.Store
	storage *Storage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memory.New()
	return &fixture{
		t:       t,
		ctx:     context.Background(),
		mem:     mem,
		storage: New(mem, validator.New(), logger.Discard(), Config{MaxSyncTokenAge: time.Hour}),
	}
}

func (f *fixture) write(paths ...string) *Guard {
	f.t.Helper()
	g, err := f.storage.Acquire(f.ctx, storage.LockWrite, paths...)
	require.NoError(f.t, err)
	f.t.Cleanup(g.Release)
	return g
}

// calendar creates an empty calendar collection at path. The lock is
// dropped before returning so later calls can take it again.
func (f *fixture) calendar(path string) *Collection {
	f.t.Helper()
	g, err := f.storage.Acquire(f.ctx, storage.LockWrite, path)
	require.NoError(f.t, err)
	defer g.Release()
	c, err := f.storage.CreateCollection(f.ctx, g, path, nil, map[string]string{"tag": "VCALENDAR"})
	require.NoError(f.t, err)
	return c
}

func (f *fixture) upload(c *Collection, href, text string) *item.Item {
	f.t.Helper()
	it, err := c.Upload(f.ctx, href, item.FromText(text))
	require.NoError(f.t, err)
	return it
}

func TestUploadThenGet(t *testing.T) {
	f := newFixture(t)
	c := f.calendar("alice/cal")

	committed := f.upload(c, "ev.ics", event("ev-1", "Standup"))
	tag, err := committed.Etag()
	require.NoError(t, err)
	assert.Regexp(t, quotedHex, tag)
	assert.NotEmpty(t, committed.LastModified())

	got, err := c.Get(f.ctx, "ev.ics")
	require.NoError(t, err)
	require.NotNil(t, got)
	gotTag, err := got.Etag()
	require.NoError(t, err)
	assert.Equal(t, tag, gotTag)
	uid, err := got.UID()
	require.NoError(t, err)
	assert.Equal(t, "ev-1", uid)

	for _, href := range []string{"missing.ics", "../ev.ics", ".Radicale.props", ""} {
		it, err := c.Get(f.ctx, href)
		require.NoError(t, err, href)
		assert.Nil(t, it, href)
	}
}

func TestUploadRejectsUnsafeHref(t *testing.T) {
	f := newFixture(t)
	c := f.calendar("alice/cal")
	_, err := c.Upload(f.ctx, ".hidden", item.FromText(event("x", "x")))
	assert.ErrorIs(t, err, errs.ErrBadRequest)
}

func TestExternalEditRegeneratesCache(t *testing.T) {
	f := newFixture(t)
	c := f.calendar("alice/cal")
	f.upload(c, "ev.ics", event("ev-1", "Before"))

	raw := event("ev-1", "After")
	require.NoError(t, storage.WriteFile(f.ctx, f.mem, "alice/cal/ev.ics", []byte(raw)))

	got, err := c.Get(f.ctx, "ev.ics")
	require.NoError(t, err)
	text, err := got.Serialize()
	require.NoError(t, err)
	assert.Contains(t, text, "SUMMARY:After")

	fields, ok := c.cache.Load(f.ctx, "ev.ics", cache.Hash([]byte(raw)))
	require.True(t, ok)
	assert.Equal(t, "ev-1", fields.UID)
}

func TestInvalidStoredItemIsInternalError(t *testing.T) {
	f := newFixture(t)
	g := f.write("alice/book")
	c, err := f.storage.CreateCollection(f.ctx, g, "alice/book", nil, map[string]string{"tag": "VADDRESSBOOK"})
	require.NoError(t, err)
	require.NoError(t, storage.WriteFile(f.ctx, f.mem, "alice/book/ev.ics", []byte(event("e", "e"))))

	_, err = c.Get(f.ctx, "ev.ics")
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindInternal, e.Kind)
	assert.Equal(t, "ev.ics", e.Href)
	assert.Equal(t, "alice/book", e.Path)
}

func TestGetMultiKeepsOrder(t *testing.T) {
	f := newFixture(t)
	c := f.calendar("alice/cal")
	f.upload(c, "a.ics", event("a", "A"))
	f.upload(c, "b.ics", event("b", "B"))

	results, err := c.GetMulti(f.ctx, []string{"b.ics", "../x", "missing.ics", "a.ics"})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, "b.ics", results[0].Href)
	assert.True(t, results[0].Item.IsPresent())
	assert.False(t, results[1].Item.IsPresent())
	assert.False(t, results[2].Item.IsPresent())
	assert.Equal(t, "a.ics", results[3].Item.MustGet().Href())

	all, err := c.GetAll(f.ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a.ics", all[0].Href())

	ok, err := c.HasUID(f.ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.HasUID(f.ctx, "zzz")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiscover(t *testing.T) {
	f := newFixture(t)
	c := f.calendar("alice/cal")
	f.upload(c, "ev.ics", event("ev-1", "x"))
	g := f.write("x")

	root, err := f.storage.Discover(f.ctx, g, "/")
	require.NoError(t, err)
	require.NotNil(t, root.Collection)
	assert.Equal(t, "", root.Collection.Path())

	coll, err := f.storage.Discover(f.ctx, g, "/alice/cal/")
	require.NoError(t, err)
	require.NotNil(t, coll.Collection)
	assert.Equal(t, "alice/cal", coll.Collection.Path())

	it, err := f.storage.Discover(f.ctx, g, "/alice/cal/ev.ics")
	require.NoError(t, err)
	require.NotNil(t, it.Item)
	assert.Equal(t, "alice/cal", it.Parent.Path())
	uid, err := it.UID()
	require.NoError(t, err)
	assert.Equal(t, "ev-1", uid)

	none, err := f.storage.Discover(f.ctx, g, "/alice/cal/none.ics")
	require.NoError(t, err)
	assert.False(t, none.Exists())

	hidden, err := f.storage.Discover(f.ctx, g, "/alice/cal/.Radicale.props")
	require.NoError(t, err)
	assert.False(t, hidden.Exists())
}

func TestCreateCollectionSplitsCalendarByUID(t *testing.T) {
	f := newFixture(t)
	g := f.write("alice", "alice/cal")

	objs, err := item.ParseObjects(lines(
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT", "UID:one", "DTSTAMP:20240101T000000Z", "DTSTART:20240101T100000Z", "END:VEVENT",
		"BEGIN:VEVENT", "UID:a/b", "DTSTAMP:20240101T000000Z", "DTSTART:20240102T100000Z", "END:VEVENT",
		"END:VCALENDAR",
	))
	require.NoError(t, err)
	var items []*item.Item
	for _, cal := range item.SplitByUID(objs[0].Calendar) {
		items = append(items, item.FromObject(item.CalendarObject(cal)))
	}

	c, err := f.storage.CreateCollection(f.ctx, g, "alice/cal", items, map[string]string{"tag": "VCALENDAR", "D:displayname": "Work"})
	require.NoError(t, err)

	hrefs, err := c.List(f.ctx)
	require.NoError(t, err)
	require.Len(t, hrefs, 2)
	assert.Contains(t, hrefs, "one.ics")
	for _, h := range hrefs {
		if h != "one.ics" {
			assert.Regexp(t, `^[0-9a-f]{32}\.ics$`, h, "unsafe uid falls back to its digest")
		}
	}

	props, err := c.GetMeta(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "Work", props["D:displayname"])

	collTag, err := c.Etag(f.ctx)
	require.NoError(t, err)
	assert.Regexp(t, quotedHex, collTag)

	text, err := c.Serialize(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(text, "BEGIN:VCALENDAR"))
	assert.Equal(t, 2, strings.Count(text, "BEGIN:VEVENT"))
}

func TestCreateCollectionReplacesEverything(t *testing.T) {
	f := newFixture(t)
	c := f.calendar("alice/coll")
	f.upload(c, "ev.ics", event("ev-1", "x"))

	g := f.write("alice/coll")
	cards := []*item.Item{item.FromText(card("c1", "One")), item.FromText(card("c2", "Two"))}
	c, err := f.storage.CreateCollection(f.ctx, g, "alice/coll", cards, map[string]string{"tag": "VADDRESSBOOK"})
	require.NoError(t, err)

	hrefs, err := c.List(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1.vcf", "c2.vcf"}, hrefs)

	tag, err := c.Tag(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, item.TagAddressBook, tag)

	text, err := c.Serialize(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(text, "BEGIN:VCARD"))
}

func TestCreateCollectionRequiresWriteLock(t *testing.T) {
	f := newFixture(t)
	g, err := f.storage.Acquire(f.ctx, storage.LockRead, "alice/cal")
	require.NoError(t, err)
	defer g.Release()

	_, err = f.storage.CreateCollection(f.ctx, g, "alice/cal", nil, nil)
	assert.Error(t, err)
}

func TestSyncAfterRewriteAndNewHref(t *testing.T) {
	f := newFixture(t)
	c := f.calendar("alice/cal")
	f.upload(c, "a.ics", event("a", "A"))

	t1, changes, err := c.Sync(f.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ics"}, changes)

	f.upload(c, "a.ics", event("a", "A"))
	t2, changes, err := c.Sync(f.ctx, t1)
	require.NoError(t, err)
	assert.Equal(t, t1, t2)
	assert.Empty(t, changes)

	f.upload(c, "c.ics", event("c", "C"))
	_, changes, err = c.Sync(f.ctx, t1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c.ics"}, changes)
}

func TestSyncAfterDelete(t *testing.T) {
	f := newFixture(t)
	c := f.calendar("alice/cal")
	f.upload(c, "a.ics", event("a", "A"))
	f.upload(c, "b.ics", event("b", "B"))

	before, _, err := c.Sync(f.ctx, "")
	require.NoError(t, err)

	require.NoError(t, c.Delete(f.ctx, "b.ics"))
	assert.ErrorIs(t, c.Delete(f.ctx, "b.ics"), errs.ErrNotFound)

	after, changes, err := c.Sync(f.ctx, before)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.ics"}, changes)

	_, changes, err = c.Sync(f.ctx, after)
	require.NoError(t, err)
	assert.Empty(t, changes)

	_, _, err = c.Sync(f.ctx, "garbage")
	assert.ErrorIs(t, err, errs.ErrMalformedToken)
}

func TestStorageDelete(t *testing.T) {
	f := newFixture(t)
	c := f.calendar("alice/cal")
	f.upload(c, "a.ics", event("a", "A"))
	g := f.write("alice/cal")

	require.NoError(t, f.storage.Delete(f.ctx, g, "/alice/cal/a.ics"))
	assert.ErrorIs(t, f.storage.Delete(f.ctx, g, "/alice/cal/a.ics"), errs.ErrNotFound)
	require.NoError(t, f.storage.Delete(f.ctx, g, "/alice/cal"))
	assert.ErrorIs(t, f.storage.Delete(f.ctx, g, "/"), errs.ErrForbidden)

	_, err := f.storage.Collection(f.ctx, g, "alice/cal")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestWalkAndMaintainAll(t *testing.T) {
	f := newFixture(t)
	f.calendar("alice/cal")
	f.calendar("bob/cal")

	var seen []string
	require.NoError(t, f.storage.Walk(f.ctx, func(_ context.Context, p string) error {
		seen = append(seen, p)
		return nil
	}))
	assert.Equal(t, []string{"alice", "alice/cal", "bob", "bob/cal"}, seen)

	n, err := f.storage.MaintainAll(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestLastModified(t *testing.T) {
	f := newFixture(t)
	c := f.calendar("alice/cal")
	f.upload(c, "a.ics", event("a", "A"))

	mod, err := c.LastModified(f.ctx, "a.ics")
	require.NoError(t, err)
	_, err = time.Parse(time.RFC1123, mod)
	require.NoError(t, err)

	_, err = c.LastModified(f.ctx, "")
	require.NoError(t, err)

	_, err = c.LastModified(f.ctx, "nope.ics")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAcquireTimesOut(t *testing.T) {
	f := newFixture(t)
	f.storage.cfg.LockTimeout = 20 * time.Millisecond
	f.write("alice/cal")

	_, err := f.storage.Acquire(f.ctx, storage.LockRead, "alice/cal")
	assert.Error(t, err)
}

func TestLockPlanCoversAncestors(t *testing.T) {
	plan := lockPlan(storage.LockWrite, []string{"alice/cal/ev.ics", "/alice/cal/"})
	assert.Equal(t, []storage.LockRequest{
		{Name: "/", Mode: storage.LockRead},
		{Name: "/alice", Mode: storage.LockRead},
		{Name: "/alice/cal", Mode: storage.LockWrite},
		{Name: "/alice/cal/ev.ics", Mode: storage.LockWrite},
	}, plan)

	plan = lockPlan(storage.LockWrite, []string{"", "alice"})
	assert.Equal(t, []storage.LockRequest{
		{Name: "/", Mode: storage.LockWrite},
		{Name: "/alice", Mode: storage.LockWrite},
	}, plan)
}

func TestAncestorWriteConflictsWithNestedLock(t *testing.T) {
	f := newFixture(t)
	f.storage.cfg.LockTimeout = 20 * time.Millisecond
	f.write("alice/cal", "alice/cal/ev.ics")

	_, err := f.storage.Acquire(f.ctx, storage.LockWrite, "", "alice")
	assert.Error(t, err)

	g, err := f.storage.Acquire(f.ctx, storage.LockRead, "alice")
	require.NoError(t, err)
	g.Release()
}

func TestConcurrentFirstSyncsAgree(t *testing.T) {
	f := newFixture(t)
	f.calendar("alice/cal")
	for _, href := range []string{"a.ics", "b.ics", "c.ics"} {
		require.NoError(t, storage.WriteFile(f.ctx, f.mem, "alice/cal/"+href, []byte(event(href, href))))
	}

	const n = 8
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := f.storage.Acquire(f.ctx, storage.LockRead, "alice/cal")
			if !assert.NoError(t, err) {
				return
			}
			defer g.Release()
			c, err := f.storage.Collection(f.ctx, g, "alice/cal")
			if !assert.NoError(t, err) {
				return
			}
			tokens[i], _, err = c.Sync(f.ctx, "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for _, tok := range tokens[1:] {
		assert.Equal(t, tokens[0], tok)
	}
}

// strictStore refuses to lock for a context that is already done.
type strictStore struct {
	*memory.Store
}

func (s strictStore) Lock(ctx context.Context, name string, mode storage.LockMode) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.Lock(ctx, name, mode)
}

func TestRegenerateIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.storage = New(strictStore{f.mem}, validator.New(), logger.Discard(), Config{MaxSyncTokenAge: time.Hour})
	c := f.calendar("alice/cal")
	require.NoError(t, storage.WriteFile(f.ctx, f.mem, "alice/cal/ext.ics", []byte(event("ext", "External"))))

	cancelled, cancel := context.WithCancel(f.ctx)
	cancel()
	it, err := c.Get(cancelled, "ext.ics")
	require.NoError(t, err)
	require.NotNil(t, it)
	uid, err := it.UID()
	require.NoError(t, err)
	assert.Equal(t, "ext", uid)
}
