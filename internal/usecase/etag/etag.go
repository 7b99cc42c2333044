package etag

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"io"
	"strings"
)

// FromData returns the quoted md5 hex digest of data, the entity tag
// format used for items and collections.
func FromData(data []byte) string {
	return Quote(Digest(data))
}

// Digest returns the bare md5 hex digest of data.
func Digest(data []byte) string {
	h := md5.New()
	_, _ = io.Copy(h, bytes.NewReader(data))
	return hex.EncodeToString(h.Sum(nil))
}

func Quote(s string) string {
	return `"` + s + `"`
}

func Unquote(s string) string {
	return strings.TrimSuffix(strings.TrimPrefix(s, `"`), `"`)
}
