// Package item models a single stored calendar or contact object and the
// properties derived from it.
package item

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Raimguzhinov/davstore/internal/errs"
	"github.com/Raimguzhinov/davstore/internal/usecase/etag"
	"github.com/emersion/go-ical"
	"github.com/samber/mo"
)

// Item is an immutable snapshot of one object. Derived fields are computed
// on first use and then frozen for the lifetime of the instance.
type Item struct {
	mu sync.Mutex

	href           string
	collectionPath string
	lastModified   string

	text   mo.Option[string]
	object mo.Option[Object]

	etag          mo.Option[string]
	uid           mo.Option[string]
	name          mo.Option[string]
	componentName mo.Option[string]
	timeRange     mo.Option[TimeRange]
}

type Option func(*Item)

func WithHref(href string) Option {
	return func(i *Item) { i.href = href }
}

func WithCollectionPath(path string) Option {
	return func(i *Item) { i.collectionPath = path }
}

func WithLastModified(lastModified string) Option {
	return func(i *Item) { i.lastModified = lastModified }
}

// Fields are precomputed derived values, typically loaded from the item
// cache.
type Fields struct {
	Text          string
	Etag          string
	UID           string
	Name          string
	ComponentName string
	TimeRange     TimeRange
}

func FromText(text string, opts ...Option) *Item {
	i := &Item{text: mo.Some(text)}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func FromObject(obj Object, opts ...Option) *Item {
	i := &Item{object: mo.Some(obj)}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func FromCache(f Fields, opts ...Option) *Item {
	i := &Item{
		text:          mo.Some(f.Text),
		etag:          mo.Some(f.Etag),
		uid:           mo.Some(f.UID),
		name:          mo.Some(f.Name),
		componentName: mo.Some(f.ComponentName),
		timeRange:     mo.Some(f.TimeRange),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Item) Href() string           { return i.href }
func (i *Item) CollectionPath() string { return i.collectionPath }
func (i *Item) LastModified() string   { return i.lastModified }

// Serialize returns the canonical text of the object.
func (i *Item) Serialize() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.serialize()
}

func (i *Item) serialize() (string, error) {
	if text, ok := i.text.Get(); ok {
		return text, nil
	}
	obj, ok := i.object.Get()
	if !ok {
		return "", i.fail(errs.KindSerialization, "item.Serialize", errors.New("item has neither text nor object"))
	}
	text, err := obj.String()
	if err != nil {
		return "", i.fail(errs.KindSerialization, "item.Serialize", err)
	}
	i.text = mo.Some(text)
	return text, nil
}

// Object returns the parsed form, decoding the text on demand.
func (i *Item) Object() (Object, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.parsed()
}

func (i *Item) parsed() (Object, error) {
	if obj, ok := i.object.Get(); ok {
		return obj, nil
	}
	text, err := i.serialize()
	if err != nil {
		return Object{}, err
	}
	objs, err := ParseObjects(text)
	if err != nil {
		return Object{}, i.fail(errs.KindSerialization, "item.Object", err)
	}
	if len(objs) != 1 {
		return Object{}, i.fail(errs.KindSerialization, "item.Object",
			fmt.Errorf("expected one object, found %d", len(objs)))
	}
	i.object = mo.Some(objs[0])
	return objs[0], nil
}

func (i *Item) Etag() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.computeEtag()
}

func (i *Item) computeEtag() (string, error) {
	if v, ok := i.etag.Get(); ok {
		return v, nil
	}
	text, err := i.serialize()
	if err != nil {
		return "", err
	}
	v := etag.FromData([]byte(text))
	i.etag = mo.Some(v)
	return v, nil
}

func (i *Item) UID() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.computeUID()
}

func (i *Item) computeUID() (string, error) {
	if v, ok := i.uid.Get(); ok {
		return v, nil
	}
	obj, err := i.parsed()
	if err != nil {
		return "", err
	}
	v := obj.UID()
	i.uid = mo.Some(v)
	return v, nil
}

// Name is the top-level object type: VCALENDAR, VCARD or VLIST.
func (i *Item) Name() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.computeName()
}

func (i *Item) computeName() (string, error) {
	if v, ok := i.name.Get(); ok {
		return v, nil
	}
	obj, err := i.parsed()
	if err != nil {
		return "", err
	}
	v := obj.Name()
	i.name = mo.Some(v)
	return v, nil
}

// ComponentName is the primary sub-component type: VEVENT, VTODO,
// VJOURNAL, VCARD or VLIST.
func (i *Item) ComponentName() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.computeComponentName()
}

func (i *Item) computeComponentName() (string, error) {
	if v, ok := i.componentName.Get(); ok {
		return v, nil
	}
	obj, err := i.parsed()
	if err != nil {
		return "", err
	}
	v := findTag(obj)
	i.componentName = mo.Some(v)
	return v, nil
}

func (i *Item) TimeRange() (TimeRange, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.computeTimeRange()
}

func (i *Item) computeTimeRange() (TimeRange, error) {
	if v, ok := i.timeRange.Get(); ok {
		return v, nil
	}
	obj, err := i.parsed()
	if err != nil {
		return TimeRange{}, err
	}
	tag, err := i.computeComponentName()
	if err != nil {
		return TimeRange{}, err
	}
	var v TimeRange
	if obj.Calendar == nil {
		v = unboundedRange
	} else if v, err = findTimeRange(obj.Calendar, tag); err != nil {
		return TimeRange{}, i.fail(errs.KindSerialization, "item.TimeRange", err)
	}
	i.timeRange = mo.Some(v)
	return v, nil
}

// Prepare computes every derived field. A parsed object is kept only if the
// item was built from one.
func (i *Item) Prepare() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	original := i.object
	if _, err := i.serialize(); err != nil {
		return err
	}
	if _, err := i.computeEtag(); err != nil {
		return err
	}
	if _, err := i.computeUID(); err != nil {
		return err
	}
	if _, err := i.computeName(); err != nil {
		return err
	}
	if _, err := i.computeTimeRange(); err != nil {
		return err
	}
	i.object = original
	return nil
}

// Fields returns the derived values, computing any that are missing.
func (i *Item) Fields() (Fields, error) {
	if err := i.Prepare(); err != nil {
		return Fields{}, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return Fields{
		Text:          i.text.MustGet(),
		Etag:          i.etag.MustGet(),
		UID:           i.uid.MustGet(),
		Name:          i.name.MustGet(),
		ComponentName: i.componentName.MustGet(),
		TimeRange:     i.timeRange.MustGet(),
	}, nil
}

func (i *Item) fail(kind errs.Kind, op string, err error) error {
	return &errs.Error{Kind: kind, Op: op, Path: i.collectionPath, Href: i.href, Err: err}
}

// findTag returns the name of the first non-timezone component of a
// calendar, or the object name for cards and lists.
func findTag(obj Object) string {
	switch {
	case obj.Calendar != nil:
		for _, child := range obj.Calendar.Children {
			if child.Name != ical.CompTimezone {
				return child.Name
			}
		}
	case obj.Card != nil:
		return NameCard
	case obj.List != nil:
		return NameList
	}
	return ""
}
