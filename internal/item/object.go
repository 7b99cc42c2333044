package item

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-vcard"
)

// Object is one parsed top-level calendar or contact object. Exactly one of
// the fields is set.
type Object struct {
	Calendar *ical.Calendar
	Card     vcard.Card
	// List is a legacy VLIST contact list. It is stored in address books
	// but takes no part in uid checks.
	List *ical.Component
}

func CalendarObject(cal *ical.Calendar) Object { return Object{Calendar: cal} }

func CardObject(card vcard.Card) Object { return Object{Card: card} }

func ListObject(list *ical.Component) Object { return Object{List: list} }

func (o Object) Name() string {
	switch {
	case o.Calendar != nil:
		return o.Calendar.Name
	case o.Card != nil:
		return NameCard
	case o.List != nil:
		return NameList
	default:
		return ""
	}
}

// IsList reports whether the object is a legacy VLIST.
func (o Object) IsList() bool { return o.List != nil }

// IsGroupCard reports whether the object is a contact group. Like lists,
// groups are not subject to uid checks.
func (o Object) IsGroupCard() bool {
	if o.Card == nil {
		return false
	}
	if o.Card.Kind() == vcard.KindGroup {
		return true
	}
	return strings.EqualFold(o.Card.Value("X-ADDRESSBOOKSERVER-KIND"), "group")
}

// UID returns the unique id of the object: the UID of its first event,
// journal or to-do for calendars, the UID field for cards.
func (o Object) UID() string {
	switch {
	case o.Calendar != nil:
		for _, name := range []string{ical.CompEvent, ical.CompJournal, ical.CompToDo} {
			for _, child := range o.Calendar.Children {
				if child.Name == name {
					return ComponentUID(child)
				}
			}
		}
	case o.Card != nil:
		return o.Card.Value(vcard.FieldUID)
	case o.List != nil:
		return ComponentUID(o.List)
	}
	return ""
}

func (o Object) Encode(w io.Writer) error {
	switch {
	case o.Calendar != nil:
		return ical.NewEncoder(w).Encode(o.Calendar)
	case o.Card != nil:
		return vcard.NewEncoder(w).Encode(o.Card)
	case o.List != nil:
		return ical.NewEncoder(w).Encode(&ical.Calendar{Component: o.List})
	default:
		return fmt.Errorf("empty object")
	}
}

func (o Object) String() (string, error) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if err := o.Encode(bw); err != nil {
		return "", err
	}
	if err := bw.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func ComponentUID(comp *ical.Component) string {
	uid, err := comp.Props.Text(ical.PropUID)
	if err != nil {
		return ""
	}
	return uid
}

func SetComponentUID(comp *ical.Component, uid string) {
	comp.Props.SetText(ical.PropUID, uid)
}

// ParseObjects decodes every top-level object in text. Calendars and cards
// may be mixed; the validator decides whether the mix is acceptable.
func ParseObjects(text string) ([]Object, error) {
	blocks, err := splitBlocks(text)
	if err != nil {
		return nil, err
	}
	objs := make([]Object, 0, len(blocks))
	for _, b := range blocks {
		switch b.name {
		case NameCalendar:
			cal, err := ical.NewDecoder(strings.NewReader(b.text)).Decode()
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", b.name, err)
			}
			objs = append(objs, CalendarObject(cal))
		case NameCard:
			card, err := vcard.NewDecoder(strings.NewReader(b.text)).Decode()
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", b.name, err)
			}
			objs = append(objs, CardObject(card))
		case NameList:
			list, err := decodeList(b.text)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", b.name, err)
			}
			objs = append(objs, ListObject(list))
		default:
			return nil, fmt.Errorf("unsupported top-level component %q", b.name)
		}
	}
	return objs, nil
}

// decodeList reads a VLIST block. The ical decoder only accepts calendars
// at the top level, so the block is decoded as the child of one.
func decodeList(text string) (*ical.Component, error) {
	wrapped := "BEGIN:" + NameCalendar + "\r\n" + text + "END:" + NameCalendar + "\r\n"
	cal, err := ical.NewDecoder(strings.NewReader(wrapped)).Decode()
	if err != nil {
		return nil, err
	}
	if len(cal.Children) != 1 || cal.Children[0].Name != NameList {
		return nil, fmt.Errorf("malformed %s", NameList)
	}
	return cal.Children[0], nil
}

type block struct {
	name string
	text string
}

// splitBlocks cuts text into its top-level BEGIN/END sections. Folded
// continuation lines start with whitespace and never open or close one.
func splitBlocks(text string) ([]block, error) {
	var (
		blocks []block
		cur    strings.Builder
		name   string
		depth  int
	)
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "BEGIN:"):
			if depth == 0 {
				name = strings.TrimSpace(upper[len("BEGIN:"):])
				cur.Reset()
			}
			depth++
		case strings.HasPrefix(upper, "END:"):
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unexpected %q", line)
			}
		case depth == 0:
			if strings.TrimSpace(line) == "" {
				continue
			}
			return nil, fmt.Errorf("content outside of any component: %q", line)
		}
		cur.WriteString(line)
		cur.WriteString("\r\n")
		if depth == 0 {
			blocks = append(blocks, block{name: name, text: cur.String()})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if depth != 0 {
		return nil, fmt.Errorf("component %q is not terminated", name)
	}
	return blocks, nil
}
