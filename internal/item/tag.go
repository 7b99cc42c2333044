package item

import (
	"mime"
	"strings"

	"github.com/emersion/go-ical"
)

// Tag is the kind of a collection as recorded in its metadata.
type Tag string

const (
	TagNone        Tag = ""
	TagCalendar    Tag = "VCALENDAR"
	TagAddressBook Tag = "VADDRESSBOOK"
)

// Top-level object names.
const (
	NameCalendar = ical.CompCalendar
	NameCard     = "VCARD"
	NameList     = "VLIST"
)

func (t Tag) Valid() bool {
	return t == TagCalendar || t == TagAddressBook
}

// Suffix is the file name extension used for hrefs generated in a
// collection of this kind.
func (t Tag) Suffix() string {
	switch t {
	case TagCalendar:
		return ".ics"
	case TagAddressBook:
		return ".vcf"
	default:
		return ""
	}
}

func (t Tag) ContentType() string {
	switch t {
	case TagCalendar:
		return "text/calendar"
	case TagAddressBook:
		return "text/vcard"
	default:
		return "application/octet-stream"
	}
}

// TagFromContentType maps a request media type to a collection kind.
// Parameters such as charset are ignored.
func TagFromContentType(contentType string) Tag {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	switch strings.ToLower(mediaType) {
	case "text/calendar":
		return TagCalendar
	case "text/vcard", "text/x-vcard":
		return TagAddressBook
	default:
		return TagNone
	}
}

// PredictTagOfParentCollection guesses the kind of the collection a single
// object is written into.
func PredictTagOfParentCollection(objs []Object) Tag {
	if len(objs) != 1 {
		return TagNone
	}
	return tagOfObject(objs[0])
}

// PredictTagOfWholeCollection guesses the kind of a collection written in
// one piece. An empty payload without a fallback is an empty address book.
func PredictTagOfWholeCollection(objs []Object, fallback Tag) Tag {
	if len(objs) > 0 {
		if tag := tagOfObject(objs[0]); tag != TagNone {
			return tag
		}
	}
	if fallback == TagNone && len(objs) == 0 {
		return TagAddressBook
	}
	return fallback
}

func tagOfObject(obj Object) Tag {
	switch obj.Name() {
	case NameCalendar:
		return TagCalendar
	case NameCard, NameList:
		return TagAddressBook
	default:
		return TagNone
	}
}
