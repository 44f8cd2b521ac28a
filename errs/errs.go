// Package errs holds the index's closed error taxonomy.
//
// The registry mirrors how the C implementation kept a module-level table
// of small integer error codes: here it is an explicit, session-owned set
// of Kind values attached to a wrapped cause, so callers can both test
// for a specific Kind with errors.Is/As and still see the underlying
// cause in logs.
package errs

import "fmt"

// Kind is a taxonomy entry.
type Kind int

const (
	// Unknown is the zero value; never returned deliberately.
	Unknown Kind = iota

	// CorruptComponent marks a structural failure in a single loaded
	// component (a save-slot sub-region, a config record, ...).
	CorruptComponent
	// CorruptData marks a structural failure found while decoding a page.
	CorruptData
	// CorruptFile marks a structural failure at the whole-file level.
	CorruptFile

	// NotSavedCleanly means no valid save slot was found; the caller may
	// choose to rebuild.
	NotSavedCleanly

	// ShortRead, EndOfFile and OutOfRange are IO shortfalls.
	ShortRead
	EndOfFile
	OutOfRange

	// Overflow means a delta list has no room for another entry. The
	// affected write is dropped, not fatal.
	Overflow
	// DuplicateName means a replay or load inserted the same name twice.
	DuplicateName
	// BadState means an internal invariant was violated.
	BadState
	// InvalidArgument means the caller passed a nonsensical parameter.
	InvalidArgument

	// Queued is not an error: it signals a request suspended on a page
	// cache miss and will be redelivered when the page is resident.
	Queued

	// Disabled, NoIndex and Busy are session lifecycle errors.
	Disabled
	NoIndex
	Busy
)

func (k Kind) String() string {
	switch k {
	case CorruptComponent:
		return "corrupt component"
	case CorruptData:
		return "corrupt data"
	case CorruptFile:
		return "corrupt file"
	case NotSavedCleanly:
		return "not saved cleanly"
	case ShortRead:
		return "short read"
	case EndOfFile:
		return "end of file"
	case OutOfRange:
		return "out of range"
	case Overflow:
		return "overflow"
	case DuplicateName:
		return "duplicate name"
	case BadState:
		return "bad state"
	case InvalidArgument:
		return "invalid argument"
	case Queued:
		return "queued"
	case Disabled:
		return "disabled"
	case NoIndex:
		return "no index"
	case Busy:
		return "busy"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with an optional wrapped cause and context message.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errs.Overflow-as-sentinel) style checks by
// comparing Kind, since Kind is not itself an error.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind && other.Cause == nil && other.Msg == ""
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error around an existing cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Sentinel returns a bare *Error of the given Kind, suitable for use as an
// errors.Is target, e.g. errors.Is(err, errs.Sentinel(errs.Overflow)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ee, ok := err.(*Error); ok {
			e = ee
			if e.Kind == kind {
				return true
			}
			err = e.Cause
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
