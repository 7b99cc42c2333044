package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Errorf(KindConflict, "put", "parent %q missing", "a/b"))

	assert.Equal(t, KindConflict, KindOf(err))
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrBadRequest))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestErrorMessage(t *testing.T) {
	err := &Error{
		Kind:      KindConflict,
		Op:        "usecase.Put",
		Path:      "alice/cal",
		Href:      "ev.ics",
		Condition: "C:no-uid-conflict",
		Err:       errors.New("uid taken"),
	}
	assert.Equal(t, `usecase.Put: conflict (href "ev.ics" in "alice/cal") [C:no-uid-conflict]: uid taken`, err.Error())
}

func TestConditionOf(t *testing.T) {
	inner := &Error{Kind: KindConflict, Condition: "CR:no-uid-conflict"}
	outer := E(KindBadRequest, "outer", inner)

	assert.Equal(t, "CR:no-uid-conflict", ConditionOf(outer))
	assert.Empty(t, ConditionOf(errors.New("x")))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := E(KindBadRequest, "upload", cause)

	require.ErrorIs(t, err, cause)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindBadRequest, http.StatusBadRequest},
		{KindValidation, http.StatusBadRequest},
		{KindConflict, http.StatusConflict},
		{KindPreconditionFailed, http.StatusPreconditionFailed},
		{KindTimeout, http.StatusRequestTimeout},
		{KindTokenNotFound, http.StatusForbidden},
		{KindMalformedToken, http.StatusForbidden},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindStorageCorruption, http.StatusInternalServerError},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}
