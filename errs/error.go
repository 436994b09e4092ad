// Package errs provides structured error handling for the broker and
// registry: every error returned across a package boundary is an *Error
// carrying a code, a message, and optional metadata for logging.
package errs

import (
	"fmt"
	"strings"
	"unsafe"

	jsoniter "github.com/json-iterator/go"

	"canisterbus/internal/stack"
)

var json = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            false,
	ValidateJsonRawMessage: true,
}.Froze()

// Error is an error that carries a Code alongside its message. Meta is
// diagnostic context for logging, readable through the Meta function; it is
// left out of the error's JSON encoding.
type Error struct {
	Code    ErrCode  `json:"code"`
	Message string   `json:"message"`
	Meta    Metadata `json:"-"`

	underlying error
	stack      stack.Stack
}

// Metadata is arbitrary key-value context attached to an error for logging.
type Metadata map[string]interface{}

// Wrap wraps err, attaching msg as additional context. If err is nil it
// returns nil. If err is already an *Error its code and metadata propagate.
func Wrap(err error, msg string, metaPairs ...interface{}) error {
	if err == nil {
		return nil
	}
	e := &Error{Code: Internal, Message: msg, underlying: err}
	if ee, ok := err.(*Error); ok {
		e.Code = ee.Code
		e.Meta = mergeMeta(ee.Meta, metaPairs)
		e.stack = ee.stack
	} else {
		e.Meta = mergeMeta(nil, metaPairs)
		e.stack = stack.Build(2)
	}
	return e
}

// WrapCode is like Wrap but also sets the error code.
func WrapCode(err error, code ErrCode, msg string, metaPairs ...interface{}) error {
	if err == nil {
		return nil
	}
	e := &Error{Code: code, Message: msg, underlying: err}
	if ee, ok := err.(*Error); ok {
		e.Meta = mergeMeta(ee.Meta, metaPairs)
		e.stack = ee.stack
	} else {
		e.Meta = mergeMeta(nil, metaPairs)
		e.stack = stack.Build(2)
	}
	return e
}

// Convert converts an arbitrary error into an *Error. If err is already an
// *Error it is returned unmodified; a nil err returns nil.
func Convert(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Code: Internal, Message: err.Error(), underlying: err, stack: stack.Build(2)}
}

// Code reports the error code of err. A nil err reports OK; a non-*Error
// reports Internal.
func Code(err error) ErrCode {
	if err == nil {
		return OK
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return Internal
}

// Meta reports the metadata attached to err, or nil.
func Meta(err error) Metadata {
	if e, ok := err.(*Error); ok {
		return e.Meta
	}
	return nil
}

// Error implements the error interface, rendering "code: message".
func (e *Error) Error() string {
	return e.Code.String() + ": " + e.ErrorMessage()
}

// ErrorMessage joins this error's message with any wrapped messages.
func (e *Error) ErrorMessage() string {
	if e.underlying == nil {
		return e.Message
	}
	var b strings.Builder
	b.WriteString(e.Message)
	next := e.underlying
	for next != nil {
		var msg string
		if ee, ok := next.(*Error); ok {
			msg = ee.Message
			next = ee.underlying
		} else {
			msg = next.Error()
			next = nil
		}
		if b.Len() > 0 && msg != "" {
			b.WriteString(": ")
		}
		b.WriteString(msg)
	}
	return b.String()
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	return e.underlying
}

// Stack returns the captured call stack, for diagnostic logging only.
func (e *Error) Stack() stack.Stack {
	return e.stack
}

func mergeMeta(md Metadata, pairs []interface{}) Metadata {
	n := len(pairs)
	if n%2 != 0 {
		panic(fmt.Sprintf("got uneven number (%d) of metadata key-values", n))
	}
	if md == nil && n > 0 {
		md = make(Metadata, n/2)
	}
	for i := 0; i < n; i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("metadata key-value pair #%d key is not a string (is %T)", i/2, pairs[i]))
		}
		md[key] = pairs[i+1]
	}
	return md
}

func init() {
	jsoniter.RegisterTypeEncoderFunc("errs.Error", func(ptr unsafe.Pointer, stream *jsoniter.Stream) {
		e := (*Error)(ptr)
		stream.WriteObjectStart()
		stream.WriteObjectField("code")
		stream.WriteString(e.Code.String())
		stream.WriteMore()
		stream.WriteObjectField("message")
		stream.WriteString(e.ErrorMessage())
		stream.WriteObjectEnd()
	}, nil)
}
