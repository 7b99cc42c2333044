package item

import (
	"errors"
	"fmt"
	"sort"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

// MaxUIDAttempts bounds the search for a free random uid.
const MaxUIDAttempts = 1000

var ErrUIDExhausted = errors.New("no unique random sequence found")

// UIDGenerator returns a fresh random uid candidate.
type UIDGenerator func() string

func NewRandomUID() string {
	return uuid.NewString()
}

// FindAvailableUID returns a random uid plus suffix for which exists
// reports false.
func FindAvailableUID(exists func(string) bool, suffix string) (string, error) {
	return FindAvailableUIDWith(NewRandomUID, exists, suffix)
}

func FindAvailableUIDWith(gen UIDGenerator, exists func(string) bool, suffix string) (string, error) {
	if gen == nil {
		gen = NewRandomUID
	}
	for i := 0; i < MaxUIDAttempts; i++ {
		name := gen() + suffix
		if !exists(name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("after %d attempts: %w", MaxUIDAttempts, ErrUIDExhausted)
}

// SplitByUID turns one calendar holding many unrelated components into one
// calendar per uid, ordered by uid. Timezones are copied into every part.
func SplitByUID(cal *ical.Calendar) []*ical.Calendar {
	var timezones []*ical.Component
	groups := make(map[string][]*ical.Component)
	for _, child := range cal.Children {
		switch child.Name {
		case ical.CompTimezone:
			timezones = append(timezones, child)
		case ical.CompEvent, ical.CompToDo, ical.CompJournal:
			uid := ComponentUID(child)
			groups[uid] = append(groups[uid], child)
		}
	}

	uids := make([]string, 0, len(groups))
	for uid := range groups {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	parts := make([]*ical.Calendar, 0, len(uids))
	for _, uid := range uids {
		part := ical.NewCalendar()
		part.Props.SetText(ical.PropVersion, "2.0")
		prodID, _ := cal.Props.Text(ical.PropProductID)
		if prodID == "" {
			prodID = "-//davstore//EN"
		}
		part.Props.SetText(ical.PropProductID, prodID)
		part.Children = append(part.Children, timezones...)
		part.Children = append(part.Children, groups[uid]...)
		parts = append(parts, part)
	}
	return parts
}
