package collection

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emersion/go-ical"

	"github.com/Raimguzhinov/davstore/internal/cache"
	"github.com/Raimguzhinov/davstore/internal/errs"
	"github.com/Raimguzhinov/davstore/internal/item"
	"github.com/Raimguzhinov/davstore/internal/meta"
	"github.com/Raimguzhinov/davstore/internal/storage"
	"github.com/Raimguzhinov/davstore/internal/usecase/etag"
)

const productID = "-//Raimguzhinov//davstore//EN"

// CreateCollection replaces whatever is at path with a collection holding
// items and props, in one atomic step. Without props only the directory is
// created.
func (s *Storage) CreateCollection(ctx context.Context, g *Guard, path string, items []*item.Item, props map[string]string) (*Collection, error) {
	const op = "collection.CreateCollection"

	path = storage.SanitizePath(path)
	if path == "" || !storage.IsSafePath(path) {
		return nil, &errs.Error{Kind: errs.KindBadRequest, Op: op, Path: path, Err: storage.ErrUnsafe}
	}
	if !g.WriteLocked() {
		return nil, &errs.Error{Kind: errs.KindInternal, Op: op, Path: path, Err: fmt.Errorf("write lock required")}
	}

	if props == nil {
		if err := s.store.MakeDirs(ctx, path); err != nil {
			return nil, &errs.Error{Kind: errs.KindInternal, Op: op, Path: path, Err: err}
		}
		return s.newCollection(path, g), nil
	}

	if err := s.validator.CheckAndSanitizeProps(props); err != nil {
		return nil, err
	}
	propsData, err := meta.Encode(props)
	if err != nil {
		return nil, &errs.Error{Kind: errs.KindSerialization, Op: op, Path: path, Err: err}
	}
	if err := s.store.MakeDirs(ctx, storage.Parent(path)); err != nil {
		return nil, &errs.Error{Kind: errs.KindInternal, Op: op, Path: path, Err: err}
	}

	suffix := item.Tag(props["tag"]).Suffix()
	err = s.store.ReplaceDir(ctx, path, func(st storage.Stage) error {
		if err := st.Put(storage.PropsName, propsData); err != nil {
			return err
		}
		if suffix == "" {
			return nil
		}
		hrefs := make(map[string]struct{}, len(items))
		for _, it := range items {
			if err := stageItem(st, hrefs, it, suffix); err != nil {
				return &errs.Error{Kind: errs.KindBadRequest, Op: op, Path: path, Err: err}
			}
		}
		return nil
	})
	if err != nil {
		if errs.KindOf(err) != errs.KindInternal {
			return nil, err
		}
		return nil, &errs.Error{Kind: errs.KindBadRequest, Op: op, Path: path, Err: err}
	}

	s.mu.Lock()
	delete(s.cleaned, path)
	s.mu.Unlock()
	s.log.Info("collection created", slog.String("path", path), slog.Int("items", len(items)))
	return s.newCollection(path, g), nil
}

// stageItem picks the first free href for it and stages the item together
// with its cache entry.
func stageItem(st storage.Stage, hrefs map[string]struct{}, it *item.Item, suffix string) error {
	uid, err := it.UID()
	if err != nil {
		return err
	}
	text, err := it.Serialize()
	if err != nil {
		return err
	}
	entry, _, err := cache.Encode(it, cache.Hash([]byte(text)))
	if err != nil {
		return fmt.Errorf("failed to store item %q: %w", uid, err)
	}

	taken := func(href string) bool {
		_, ok := hrefs[strings.ToLower(href)]
		return ok
	}
	candidates := []func() (string, error){
		func() (string, error) {
			if strings.HasSuffix(strings.ToLower(uid), strings.ToLower(suffix)) {
				return uid, nil
			}
			return uid + suffix, nil
		},
		func() (string, error) { return etag.Digest([]byte(uid)) + suffix, nil },
		func() (string, error) { return item.FindAvailableUID(taken, suffix) },
	}

	var href string
	for i, next := range candidates {
		h, err := next()
		if err != nil {
			return err
		}
		if taken(h) {
			continue
		}
		if !storage.IsSafeComponent(h) {
			if i == len(candidates)-1 {
				return fmt.Errorf("%q: %w", h, storage.ErrUnsafe)
			}
			continue
		}
		href = h
		break
	}
	if href == "" {
		return fmt.Errorf("no free href for uid %q", uid)
	}

	if err := st.Put(href, []byte(text)); err != nil {
		return err
	}
	if err := st.Put(cache.EntryPath(href), entry); err != nil {
		return err
	}
	hrefs[strings.ToLower(href)] = struct{}{}
	return nil
}

// Serialize renders the whole collection: calendars as one VCALENDAR with
// deduplicated timezones, address books as concatenated cards.
func (c *Collection) Serialize(ctx context.Context) (string, error) {
	const op = "collection.Serialize"

	tag, err := c.Tag(ctx)
	if err != nil {
		return "", err
	}
	items, err := c.GetAll(ctx)
	if err != nil {
		return "", err
	}

	switch tag {
	case item.TagCalendar:
		cal := ical.NewCalendar()
		cal.Props.SetText(ical.PropVersion, "2.0")
		cal.Props.SetText(ical.PropProductID, productID)

		var (
			timezones  []*ical.Component
			components []*ical.Component
			seenTZ     = make(map[string]struct{})
		)
		for _, it := range items {
			obj, err := it.Object()
			if err != nil {
				return "", err
			}
			if obj.Calendar == nil {
				continue
			}
			for _, child := range obj.Calendar.Children {
				if child.Name != ical.CompTimezone {
					components = append(components, child)
					continue
				}
				tzid, _ := child.Props.Text(ical.PropTimezoneID)
				if _, ok := seenTZ[tzid]; ok {
					continue
				}
				seenTZ[tzid] = struct{}{}
				timezones = append(timezones, child)
			}
		}
		if len(components) == 0 {
			// The encoder refuses empty calendars.
			return "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:" + productID + "\r\nEND:VCALENDAR\r\n", nil
		}
		cal.Children = append(timezones, components...)

		var buf bytes.Buffer
		if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
			return "", c.fail(errs.KindSerialization, op, "", err)
		}
		return buf.String(), nil

	case item.TagAddressBook:
		var b strings.Builder
		for _, it := range items {
			text, err := it.Serialize()
			if err != nil {
				return "", err
			}
			b.WriteString(text)
		}
		return b.String(), nil

	default:
		return "", nil
	}
}
