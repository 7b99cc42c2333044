// Package validator enforces the structural rules that keep a collection
// consistent before anything is written to it.
package validator

import (
	"fmt"
	"time"

	"github.com/Raimguzhinov/davstore/internal/errs"
	"github.com/Raimguzhinov/davstore/internal/item"
	"github.com/emersion/go-ical"
	"github.com/emersion/go-vcard"
	"github.com/teambition/rrule-go"
)

type Validator struct {
	newUID item.UIDGenerator
}

type Option func(*Validator)

// WithUIDGenerator replaces the random source used for missing uids.
func WithUIDGenerator(gen item.UIDGenerator) Option {
	return func(v *Validator) { v.newUID = gen }
}

func New(opts ...Option) *Validator {
	v := &Validator{newUID: item.NewRandomUID}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CheckAndSanitize validates objs for a collection of kind tag. Missing uids
// are assigned in place when wholeCollection is set; nothing else is
// modified.
func (v *Validator) CheckAndSanitize(objs []item.Object, wholeCollection bool, tag item.Tag) error {
	const op = "validator.CheckAndSanitize"

	if tag != item.TagNone && !tag.Valid() {
		return errs.Errorf(errs.KindValidation, op, "unsupported collection tag: %q", tag)
	}
	if !wholeCollection && len(objs) != 1 {
		return errs.Errorf(errs.KindValidation, op, "item contains %d components", len(objs))
	}

	switch tag {
	case item.TagCalendar:
		return v.checkCalendar(objs, wholeCollection)
	case item.TagAddressBook:
		return v.checkAddressBook(objs, wholeCollection)
	default:
		for _, obj := range objs {
			return errs.Errorf(errs.KindValidation, op, "item type %q not supported in generic collection", obj.Name())
		}
		return nil
	}
}

func (v *Validator) checkCalendar(objs []item.Object, wholeCollection bool) error {
	const op = "validator.checkCalendar"

	if len(objs) > 1 {
		return errs.Errorf(errs.KindValidation, op, "VCALENDAR collection contains %d components", len(objs))
	}
	if len(objs) == 0 {
		return nil
	}
	obj := objs[0]
	if obj.Calendar == nil || obj.Name() != item.NameCalendar {
		return errs.Errorf(errs.KindValidation, op, "item type %q not supported in %q collection", obj.Name(), item.TagCalendar)
	}

	uids := make(map[string]struct{})
	for _, child := range obj.Calendar.Children {
		if isCalendarComponent(child.Name) {
			if uid := item.ComponentUID(child); uid != "" {
				uids[uid] = struct{}{}
			}
		}
	}

	var (
		componentName string
		objectUID     string
		objectUIDSet  bool
	)
	for _, child := range obj.Calendar.Children {
		if child.Name == ical.CompTimezone {
			continue
		}
		if componentName == "" || wholeCollection {
			componentName = child.Name
		} else if componentName != child.Name {
			return errs.Errorf(errs.KindValidation, op, "multiple component types in object: %q, %q", componentName, child.Name)
		}
		if !isCalendarComponent(componentName) {
			continue
		}

		uid := item.ComponentUID(child)
		switch {
		case !objectUIDSet || wholeCollection:
			objectUIDSet = true
			objectUID = uid
			if uid == "" {
				if !wholeCollection {
					return errs.Errorf(errs.KindValidation, op, "%s component without UID in object", componentName)
				}
				assigned, err := item.FindAvailableUIDWith(v.newUID, contains(uids), "")
				if err != nil {
					return errs.E(errs.KindValidation, op, err)
				}
				uids[assigned] = struct{}{}
				item.SetComponentUID(child, assigned)
			}
		case objectUID == "" || uid == "":
			return errs.Errorf(errs.KindValidation, op, "multiple %s components without UID in object", componentName)
		case objectUID != uid:
			return errs.Errorf(errs.KindValidation, op, "multiple %s components with different UIDs in object: %q, %q", componentName, objectUID, uid)
		}

		if err := checkRecurrence(child); err != nil {
			return errs.Errorf(errs.KindValidation, op, "invalid recurrence rules in %s: %w", child.Name, err)
		}
	}
	return nil
}

func (v *Validator) checkAddressBook(objs []item.Object, wholeCollection bool) error {
	const op = "validator.checkAddressBook"

	uids := make(map[string]struct{})
	for _, obj := range objs {
		if obj.Card != nil && !obj.IsGroupCard() {
			if uid := obj.UID(); uid != "" {
				uids[uid] = struct{}{}
			}
		}
	}

	for _, obj := range objs {
		if obj.IsList() || obj.IsGroupCard() {
			continue
		}
		if obj.Card == nil {
			return errs.Errorf(errs.KindValidation, op, "item type %q not supported in %q collection", obj.Name(), item.TagAddressBook)
		}
		if obj.UID() != "" {
			continue
		}
		if !wholeCollection {
			return errs.Errorf(errs.KindValidation, op, "%s object without UID", item.NameCard)
		}
		assigned, err := item.FindAvailableUIDWith(v.newUID, contains(uids), "")
		if err != nil {
			return errs.E(errs.KindValidation, op, err)
		}
		uids[assigned] = struct{}{}
		obj.Card.SetValue(vcard.FieldUID, assigned)
	}
	return nil
}

// CheckAndSanitizeProps rejects collection properties carrying an unknown
// tag.
func (v *Validator) CheckAndSanitizeProps(props map[string]string) error {
	if tag := item.Tag(props["tag"]); tag != item.TagNone && !tag.Valid() {
		return errs.Errorf(errs.KindValidation, "validator.CheckAndSanitizeProps", "unsupported collection tag: %q", tag)
	}
	return nil
}

func isCalendarComponent(name string) bool {
	return name == ical.CompEvent || name == ical.CompToDo || name == ical.CompJournal
}

func contains(set map[string]struct{}) func(string) bool {
	return func(s string) bool {
		_, ok := set[s]
		return ok
	}
}

// checkRecurrence parses every RRULE of comp and builds its recurrence set.
func checkRecurrence(comp *ical.Component) error {
	for _, prop := range comp.Props.Values(ical.PropRecurrenceRule) {
		if _, err := rrule.StrToROption(prop.Value); err != nil {
			return err
		}
	}
	if _, err := comp.RecurrenceSet(time.UTC); err != nil {
		return fmt.Errorf("recurrence set: %w", err)
	}
	return nil
}
