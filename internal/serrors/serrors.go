// Package serrors provides structured, chainable errors for the CMP client.
//
// Errors carry an optional wrapped cause and a list of key/value context
// pairs that get rendered as part of Error() and are also available for
// structured logging without re-parsing the message string.
package serrors

import (
	"errors"
	"fmt"
	"strings"
)

// basicError is the concrete error type returned by New and Wrap.
type basicError struct {
	msg   string
	cause error
	ctx   []interface{}
}

// New creates an error with context key/value pairs, e.g.
//
//	serrors.New("unexpected status", "status", status, "tx", txID)
func New(msg string, ctx ...interface{}) error {
	return &basicError{msg: msg, ctx: ctx}
}

// Wrap creates an error with a message, a wrapped cause, and context.
func Wrap(msg string, cause error, ctx ...interface{}) error {
	return &basicError{msg: msg, cause: cause, ctx: ctx}
}

// WrapStr is Wrap without extra context, kept for call sites that only need
// to attach a message to an underlying error.
func WrapStr(msg string, cause error) error {
	return &basicError{msg: msg, cause: cause}
}

// WithCtx returns a new error that augments err with additional context,
// without altering err's message or cause chain.
func WithCtx(err error, ctx ...interface{}) error {
	if err == nil {
		return nil
	}
	var be *basicError
	if errors.As(err, &be) {
		merged := make([]interface{}, 0, len(be.ctx)+len(ctx))
		merged = append(merged, be.ctx...)
		merged = append(merged, ctx...)
		return &basicError{msg: be.msg, cause: be.cause, ctx: merged}
	}
	return &basicError{msg: err.Error(), ctx: ctx}
}

func (e *basicError) Error() string {
	var b strings.Builder
	b.WriteString(e.msg)
	for i := 0; i+1 < len(e.ctx); i += 2 {
		fmt.Fprintf(&b, " %v=%v", e.ctx[i], e.ctx[i+1])
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *basicError) Unwrap() error {
	return e.cause
}

// Ctx returns the flat key/value context slice attached to err, if it is (or
// wraps) a *basicError.
func Ctx(err error) []interface{} {
	var be *basicError
	if errors.As(err, &be) {
		return be.ctx
	}
	return nil
}

// List aggregates multiple independent errors collected while validating
// several independent inputs (e.g. a batch of request parameters).
type List []error

// ToError returns nil if the list is empty, the sole error if it holds
// exactly one, or an aggregate error describing all of them.
func (l List) ToError() error {
	switch len(l) {
	case 0:
		return nil
	case 1:
		return l[0]
	default:
		msgs := make([]string, len(l))
		for i, e := range l {
			msgs[i] = e.Error()
		}
		return &basicError{msg: fmt.Sprintf("%d errors occurred: [%s]", len(l), strings.Join(msgs, "; "))}
	}
}

// temporary is implemented by errors that represent a condition the caller
// may retry (timeouts, transient transport failures).
type temporary interface {
	Temporary() bool
}

// IsTemporary reports whether err (or something it wraps) identifies itself
// as a temporary condition.
func IsTemporary(err error) bool {
	var t temporary
	return errors.As(err, &t) && t.Temporary()
}

// timeoutError marks an error as resulting from a deadline being exceeded.
type timeoutError struct {
	error
}

func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
func (t timeoutError) Unwrap() error { return t.error }

// Timeout wraps err so that errors.As(err, &interface{ Timeout() bool }(nil))
// style checks succeed; used by the transport and transaction packages to
// mark deadline-exceeded conditions uniformly.
func Timeout(err error) error {
	return timeoutError{error: err}
}

// IsTimeout reports whether err (or something it wraps) is a timeout.
func IsTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
