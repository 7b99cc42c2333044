package storage

import (
	"path"
	"strings"
)

// Reserved names inside a collection directory.
const (
	PropsName   = ".Radicale.props"
	CacheDir    = ".Radicale.cache"
	LockDir     = ".Radicale.locks"
	TempPrefix  = ".Radicale.tmp-"
	reservedDot = ".Radicale"
)

// IsSafeComponent reports whether name can be used as a single path
// element for user data: not empty, not hidden, no separators, not a
// backup file.
func IsSafeComponent(name string) bool {
	return name != "" &&
		name != "." && name != ".." &&
		!strings.HasPrefix(name, ".") &&
		!strings.HasSuffix(name, "~") &&
		!strings.ContainsAny(name, "/\\\x00")
}

// IsReserved reports whether name is one of the engine's own entries.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, reservedDot)
}

// SanitizePath cleans a request path into the store form: no leading or
// trailing slash, no dot segments.
func SanitizePath(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return strings.Trim(p, "/")
}

// IsSafePath reports whether every element of a sanitized path is safe.
func IsSafePath(p string) bool {
	if p == "" {
		return true
	}
	for _, part := range strings.Split(p, "/") {
		if !IsSafeComponent(part) {
			return false
		}
	}
	return true
}

// ValidInternalPath reports whether p may be handed to a Store: every
// element is either safe or reserved.
func ValidInternalPath(p string) bool {
	if p == "" {
		return true
	}
	if strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if !IsSafeComponent(part) && !IsReserved(part) {
			return false
		}
	}
	return true
}

func Join(elem ...string) string {
	var parts []string
	for _, e := range elem {
		if e = strings.Trim(e, "/"); e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, "/")
}

// Parent returns the parent of a sanitized path; the parent of a top-level
// entry is the root "".
func Parent(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[:i]
	}
	return ""
}

func Base(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}
