package llm

import "errors"

// Kind is the closed set of error categories from spec.md §7.
type Kind string

const (
	KindNetwork          Kind = "NetworkError"
	KindChecksumMismatch Kind = "ChecksumMismatch"
	KindInterrupted      Kind = "Interrupted"
	KindLibraryLoad      Kind = "LibraryLoadError"
	KindContextOverflow  Kind = "ContextOverflow"
	KindTemplate         Kind = "TemplateError"
	KindToolInvocation   Kind = "ToolInvocationError"
	KindProvider         Kind = "ProviderError"
	KindCancelled        Kind = "Cancelled"
	// KindNoSuchModel is named by spec.md §4.A's resolve() contract but not
	// carried in the closed set of §7; it is a cache-specific failure mode.
	KindNoSuchModel Kind = "NoSuchModel"
)

// Error wraps an underlying cause with one of the closed error Kinds so
// callers can branch on failure category without string-matching messages.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error of the given Kind around err. Returns nil if err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// New builds an *Error of the given Kind with a plain message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Is reports whether err carries the given Kind, unwrapping nested errors.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		err = errors.Unwrap(err)
	}
	return e != nil && e.Kind == kind
}
