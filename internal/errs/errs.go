// Package errs defines the error taxonomy shared by the storage engine and
// its front ends. Operations return *Error values and callers switch on
// KindOf instead of inspecting messages.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Kind uint8

const (
	KindInternal Kind = iota
	KindBadRequest
	KindConflict
	KindPreconditionFailed
	KindTimeout
	KindTokenNotFound
	KindMalformedToken
	KindStorageCorruption
	KindValidation
	KindSerialization
	KindForbidden
	KindNotFound
)

var kindNames = map[Kind]string{
	KindInternal:           "internal",
	KindBadRequest:         "bad request",
	KindConflict:           "conflict",
	KindPreconditionFailed: "precondition failed",
	KindTimeout:            "timeout",
	KindTokenNotFound:      "token not found",
	KindMalformedToken:     "malformed token",
	KindStorageCorruption:  "storage corruption",
	KindValidation:         "validation",
	KindSerialization:      "serialization",
	KindForbidden:          "forbidden",
	KindNotFound:           "not found",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error carries a Kind plus enough context to locate the failure.
// Condition names a protocol precondition such as "C:no-uid-conflict".
type Error struct {
	Kind      Kind
	Op        string
	Path      string
	Href      string
	Condition string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Href != "" || e.Path != "" {
		fmt.Fprintf(&b, " (href %q in %q)", e.Href, e.Path)
	}
	if e.Condition != "" {
		fmt.Fprintf(&b, " [%s]", e.Condition)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a bare sentinel of the same Kind, so that
// errors.Is(err, errs.ErrConflict) works on any conflict.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrBadRequest         = &Error{Kind: KindBadRequest}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrPreconditionFailed = &Error{Kind: KindPreconditionFailed}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrTokenNotFound      = &Error{Kind: KindTokenNotFound}
	ErrMalformedToken     = &Error{Kind: KindMalformedToken}
	ErrStorageCorruption  = &Error{Kind: KindStorageCorruption}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrSerialization      = &Error{Kind: KindSerialization}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrNotFound           = &Error{Kind: KindNotFound}
)

func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ConditionOf returns the first precondition name found in err's chain.
func ConditionOf(err error) string {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Condition != "" {
			return e.Condition
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// HTTPStatus maps a Kind to the response status a front end should send.
func HTTPStatus(k Kind) int {
	switch k {
	case KindBadRequest, KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindTokenNotFound, KindMalformedToken:
		return http.StatusForbidden
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
