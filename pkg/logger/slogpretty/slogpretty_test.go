package slogpretty

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestPrettySQL(t *testing.T) {
	q := `
		SELECT data
		FROM   blobs
		WHERE  path = $1`
	assert.Equal(t, "SELECT data FROM blobs WHERE path = $1", PrettySQL(q))
}

func TestHandlerWritesAttrs(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	opts := PrettyHandlerOptions{SlogOpts: &slog.HandlerOptions{Level: slog.LevelDebug}}
	log := slog.New(opts.NewPrettyHandler(&buf)).With(slog.String("component", "test"))

	log.Debug("collection.Get", slog.String("href", "ev.ics"))

	out := buf.String()
	assert.Contains(t, out, "DEBUG:")
	assert.Contains(t, out, "collection.Get")
	assert.Contains(t, out, `"href": "ev.ics"`)
	assert.Contains(t, out, `"component": "test"`)
}
