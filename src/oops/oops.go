package oops

import (
	"fmt"

	"github.com/go-stack/stack"
	"github.com/rs/zerolog"
)

/*
An error with a message and a captured call stack. Most errors that cross a
package boundary in this codebase should be one of these, created with New at
the point where a lower-level error (a query, a Redis call) is first observed.

The wrapped error is preserved, so errors.Is and errors.As still see sentinel
values like queuegate.ErrStaleTransition through any number of oops layers.
*/
type Error struct {
	Message string
	Wrapped error
	Stack   CallStack
}

func (e *Error) Error() string {
	if e.Wrapped == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

type CallStack []StackFrame

func (s CallStack) MarshalZerologArray(a *zerolog.Array) {
	for _, frame := range s {
		a.Object(frame)
	}
}

type StackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

func (f StackFrame) MarshalZerologObject(e *zerolog.Event) {
	e.
		Str("file", f.File).
		Int("line", f.Line).
		Str("function", f.Function)
}

// Installed as zerolog.ErrorStackMarshaler by the logging package.
var ZerologStackMarshaler = func(err error) interface{} {
	if asOops, ok := err.(*Error); ok {
		return asOops.Stack
	}
	return nil
}

func New(wrapped error, format string, args ...interface{}) error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Wrapped: wrapped,
		Stack:   trace(1),
	}
}

// Captures the stack of the caller. Used when logging panics that did not
// come with an oops.Error attached.
func Trace() CallStack {
	return trace(1)
}

func trace(skip int) CallStack {
	calls := stack.Trace().TrimRuntime()
	if len(calls) > skip+1 {
		calls = calls[skip+1:]
	}

	frames := make(CallStack, len(calls))
	for i, call := range calls {
		callFrame := call.Frame()
		frames[i] = StackFrame{
			File:     callFrame.File,
			Line:     callFrame.Line,
			Function: callFrame.Function,
		}
	}
	return frames
}
