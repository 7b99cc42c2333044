package item

import (
	"time"

	"github.com/emersion/go-ical"
)

// Bounds of representable time ranges, as epoch seconds.
const (
	TimestampMin int64 = -62135596800
	TimestampMax int64 = 253402300800
)

// TimeRange is an inclusive [Start, End] span in epoch seconds.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

var unboundedRange = TimeRange{Start: TimestampMin, End: TimestampMax}

func (r TimeRange) Overlaps(start, end int64) bool {
	return r.Start < end && start < r.End
}

// maxOccurrences bounds the expansion of a single recurrence. A rule with
// more occurrences is treated as open ended.
const maxOccurrences = 1 << 16

// findTimeRange computes the union of the spans of every sub-component
// named tag. An unbounded recurrence makes the end infinite.
func findTimeRange(cal *ical.Calendar, tag string) (TimeRange, error) {
	if tag == "" || cal == nil {
		return unboundedRange, nil
	}

	var start, end time.Time
	var found, open bool
	extend := func(s, e time.Time) {
		if !found || s.Before(start) {
			start = s
		}
		if !found || e.After(end) {
			end = e
		}
		found = true
	}

	for _, child := range cal.Children {
		if child.Name != tag {
			continue
		}
		s, e, ok := componentSpan(child)
		if !ok {
			return unboundedRange, nil
		}
		extend(s, e)

		set, err := child.RecurrenceSet(time.UTC)
		if err != nil {
			return TimeRange{}, err
		}
		if set == nil || open {
			continue
		}
		if rule := set.GetRRule(); rule != nil && rule.Options.Count == 0 && rule.Options.Until.IsZero() {
			open = true
			continue
		}

		duration := e.Sub(s)
		next := set.Iterator()
		for n := 0; ; n++ {
			occurrence, ok := next()
			if !ok {
				break
			}
			if n == maxOccurrences {
				open = true
				break
			}
			extend(occurrence, occurrence.Add(duration))
		}
	}

	if !found {
		return unboundedRange, nil
	}
	r := TimeRange{Start: clamp(floorUnix(start)), End: clamp(ceilUnix(end))}
	if open {
		r.End = TimestampMax
	}
	return r, nil
}

// componentSpan returns the effective span of one component from DTSTART,
// DTEND, DURATION and DUE.
func componentSpan(comp *ical.Component) (start, end time.Time, ok bool) {
	if prop := comp.Props.Get(ical.PropDateTimeStart); prop != nil {
		s, allDay, err := propTime(prop)
		if err == nil {
			start, ok = s, true
			switch {
			case comp.Props.Get(ical.PropDateTimeEnd) != nil:
				e, _, err := propTime(comp.Props.Get(ical.PropDateTimeEnd))
				if err != nil {
					return start, start, false
				}
				end = e
				if allDay && !end.After(start) {
					end = start.AddDate(0, 0, 1)
				}
			case comp.Props.Get(ical.PropDuration) != nil:
				d, err := comp.Props.Get(ical.PropDuration).Duration()
				if err != nil {
					return start, start, false
				}
				end = start.Add(d)
			case allDay:
				end = start.AddDate(0, 0, 1)
			default:
				end = start
			}
		}
	}

	if comp.Name == ical.CompToDo {
		if prop := comp.Props.Get(ical.PropDue); prop != nil {
			if due, _, err := propTime(prop); err == nil {
				if !ok {
					start, end, ok = due, due, true
				} else if due.After(end) {
					end = due
				}
			}
		}
	}
	return start, end, ok
}

// propTime reads a DATE or DATE-TIME property. A TZID that cannot be loaded
// falls back to reading the value as UTC.
func propTime(prop *ical.Prop) (time.Time, bool, error) {
	allDay := prop.Params.Get("VALUE") == "DATE" || len(prop.Value) == len("20060102")
	t, err := prop.DateTime(time.UTC)
	if err == nil {
		return t, allDay, nil
	}
	if prop.Params.Get(ical.ParamTimezoneID) == "" {
		return time.Time{}, allDay, err
	}
	bare := ical.NewProp(prop.Name)
	bare.Value = prop.Value
	if v := prop.Params.Get("VALUE"); v != "" {
		bare.Params.Set("VALUE", v)
	}
	t, err = bare.DateTime(time.UTC)
	return t, allDay, err
}

func floorUnix(t time.Time) int64 {
	return t.Unix()
}

func ceilUnix(t time.Time) int64 {
	if t.Nanosecond() > 0 {
		return t.Unix() + 1
	}
	return t.Unix()
}

func clamp(ts int64) int64 {
	switch {
	case ts < TimestampMin:
		return TimestampMin
	case ts > TimestampMax:
		return TimestampMax
	default:
		return ts
	}
}
