package errs

import (
	"fmt"

	"canisterbus/internal/stack"
)

// Builder allows gradual construction of an error. The zero value is ready
// for use. Call Err to construct the final *Error.
type Builder struct {
	code    ErrCode
	codeSet bool
	msg     string
	meta    []interface{}
	err     error
}

// B creates a new Builder.
func B() *Builder { return &Builder{} }

// Code sets the error code.
func (b *Builder) Code(c ErrCode) *Builder {
	b.code = c
	b.codeSet = true
	return b
}

// Msg sets the error message.
func (b *Builder) Msg(msg string) *Builder {
	b.msg = msg
	return b
}

// Msgf is like Msg but formats with fmt.Sprintf.
func (b *Builder) Msgf(format string, args ...interface{}) *Builder {
	b.msg = fmt.Sprintf(format, args...)
	return b
}

// Meta appends metadata key-value pairs.
func (b *Builder) Meta(metaPairs ...interface{}) *Builder {
	b.meta = append(b.meta, metaPairs...)
	return b
}

// Cause sets the underlying error. If cause is itself an *Error and no code
// has been set explicitly, its code is adopted.
func (b *Builder) Cause(err error) *Builder {
	b.err = err
	if e, ok := err.(*Error); ok && !b.codeSet {
		b.code = e.Code
		b.codeSet = true
	}
	return b
}

// Err constructs the error. It never returns nil. If Code was never set, or
// was set to OK, it defaults to Internal; if no message and no cause were
// set, it defaults to "unknown error".
func (b *Builder) Err() error {
	code := b.code
	if !b.codeSet || code == OK {
		code = Internal
	}

	msg := b.msg
	if msg == "" && b.err == nil {
		msg = "unknown error"
	}

	var errMeta Metadata
	var s stack.Stack
	if e, ok := b.err.(*Error); ok {
		errMeta = e.Meta
		s = e.stack
	} else {
		s = stack.Build(2)
	}

	return &Error{
		Code:       code,
		Message:    msg,
		Meta:       mergeMeta(errMeta, b.meta),
		underlying: b.err,
		stack:      s,
	}
}
