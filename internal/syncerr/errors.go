// Package syncerr defines the closed error taxonomy shared by the local store,
// the remote document client and the retry executor.
//
// Errors are classified once, where they are first observed (a store backend
// or the remote client), and travel as *Error from then on. Callers branch on
// Kind or on the exported sentinels through errors.Is.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindStore
	KindTransient
	KindAuth
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindStore:
		return "store"
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	ErrStore     = errors.New("store error")
	ErrTransient = errors.New("transient remote error")
	ErrAuth      = errors.New("auth error")
	ErrFatal     = errors.New("fatal remote error")
)

// Store error codes.
const (
	CodeUnavailable   = "unavailable"
	CodeQuotaExceeded = "quota-exceeded"
	CodeCorrupt       = "corrupt"
	CodeClosed        = "closed"
)

type Error struct {
	Kind       Kind
	Op         string
	Code       string
	StatusCode int
	// RetryAfter is a server supplied back-off hint; zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(e.Code)
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrStore:
		return e.Kind == KindStore
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrFatal:
		return e.Kind == KindFatal
	}
	return false
}

func Store(op, code string, err error) error {
	return &Error{Kind: KindStore, Op: op, Code: code, Err: err}
}

func Transient(op, code string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Code: code, Err: err}
}

func Auth(op, code string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Code: code, Err: err}
}

func Fatal(op, code string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Code: code, Err: err}
}

// KindOf reports the taxonomy kind of err. Context cancellation is fatal so
// that neither retry contract spins on a caller that gave up; anything that
// never crossed a classification boundary is reported as KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// RetryAfterOf returns the back-off hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// CodeOf returns the machine readable code carried by err, if any.
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
