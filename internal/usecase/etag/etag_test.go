package etag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromData(t *testing.T) {
	// md5("") is the well known d41d8cd9... digest.
	assert.Equal(t, `"d41d8cd98f00b204e9800998ecf8427e"`, FromData(nil))
	assert.Equal(t, FromData([]byte("BEGIN:VCARD")), FromData([]byte("BEGIN:VCARD")))
	assert.NotEqual(t, FromData([]byte("a")), FromData([]byte("b")))
}

func TestQuoting(t *testing.T) {
	assert.Equal(t, `"abc"`, Quote("abc"))
	assert.Equal(t, "abc", Unquote(`"abc"`))
	assert.Equal(t, "abc", Unquote("abc"))
	assert.Equal(t, Digest([]byte("x")), Unquote(FromData([]byte("x"))))
}
