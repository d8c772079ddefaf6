package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind identifies a canonical error category shared by every persistor.
type Kind string

const (
	KindNotFound       Kind = "NotFoundError"
	KindRead           Kind = "ReadError"
	KindWrite          Kind = "WriteError"
	KindSettings       Kind = "SettingsError"
	KindNotImplemented Kind = "NotImplementedError"
	KindAlreadyWritten Kind = "AlreadyWrittenError"
	KindNoKEKMatched   Kind = "NoKEKMatchedError"
)

// Info carries structured context about a failed call.
type Info map[string]any

// Error is the only error type that leaves a persistor. Backend native
// errors are kept as the Cause.
type Error struct {
	Kind    Kind
	Message string
	Info    Info
	Cause   error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if len(e.Info) > 0 {
		keys := make([]string, 0, len(e.Info))
		for k := range e.Info {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Info[k])
		}
		sb.WriteString(")")
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, msg string, info Info, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Info: info, Cause: cause}
}

func NewNotFoundError(msg string, info Info, cause error) *Error {
	return newError(KindNotFound, msg, info, cause)
}

func NewReadError(msg string, info Info, cause error) *Error {
	return newError(KindRead, msg, info, cause)
}

func NewWriteError(msg string, info Info, cause error) *Error {
	return newError(KindWrite, msg, info, cause)
}

func NewSettingsError(msg string, info Info, cause error) *Error {
	return newError(KindSettings, msg, info, cause)
}

func NewNotImplementedError(msg string, info Info, cause error) *Error {
	return newError(KindNotImplemented, msg, info, cause)
}

func NewAlreadyWrittenError(msg string, info Info, cause error) *Error {
	return newError(KindAlreadyWritten, msg, info, cause)
}

func NewNoKEKMatchedError(msg string, info Info, cause error) *Error {
	return newError(KindNoKEKMatched, msg, info, cause)
}

// NewError builds an error of an arbitrary kind.
func NewError(kind Kind, msg string, info Info, cause error) *Error {
	return newError(kind, msg, info, cause)
}

// KindOf returns the kind of the outermost *Error in err's chain, or ""
// when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsNotFound(err error) bool       { return KindOf(err) == KindNotFound }
func IsRead(err error) bool           { return KindOf(err) == KindRead }
func IsWrite(err error) bool          { return KindOf(err) == KindWrite }
func IsSettings(err error) bool       { return KindOf(err) == KindSettings }
func IsNotImplemented(err error) bool { return KindOf(err) == KindNotImplemented }
func IsAlreadyWritten(err error) bool { return KindOf(err) == KindAlreadyWritten }
func IsNoKEKMatched(err error) bool   { return KindOf(err) == KindNoKEKMatched }
