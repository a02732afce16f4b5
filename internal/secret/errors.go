package secret

import (
	"errors"
	"fmt"
)

// Kind classifies a failure reported by the vault.
type Kind int

const (
	// ConnectionError: the vault service could not be reached or initialised.
	ConnectionError Kind = iota + 1
	// SessionError: negotiating a transfer session failed.
	SessionError
	// CollectionLookupError: alias resolution or collection creation failed.
	CollectionLookupError
	// LoadError: fetching collections, items or properties failed.
	LoadError
	// CollectionError: modifying or deleting a collection failed.
	CollectionError
	// ItemError: reading or writing an item or its secret failed.
	ItemError
	// LockError: locking or unlocking objects failed.
	LockError
)

func (k Kind) String() string {
	switch k {
	case ConnectionError:
		return "connection"
	case SessionError:
		return "session"
	case CollectionLookupError:
		return "collection lookup"
	case LoadError:
		return "load"
	case CollectionError:
		return "collection"
	case ItemError:
		return "item"
	case LockError:
		return "lock"
	default:
		return "unknown"
	}
}

var (
	// ErrAliasNotFound is wrapped by CollectionForAlias when no collection
	// is bound to the alias.
	ErrAliasNotFound = errors.New("no collection bound to alias")
	// ErrPromptDismissed is returned when the user dismisses a vault prompt.
	ErrPromptDismissed = errors.New("prompt dismissed")
	// ErrNoSession is returned when a secret transfer is attempted before
	// a session exists.
	ErrNoSession = errors.New("no session established")
	// ErrClosed is returned by operations on a handle that has been closed.
	ErrClosed = errors.New("service handle closed")
	// ErrUnsupportedAlgorithm is returned for unknown session algorithms.
	ErrUnsupportedAlgorithm = errors.New("unsupported session algorithm")
	// ErrLocked is returned when a secret is requested from a locked item.
	ErrLocked = errors.New("item is locked")
	// ErrNotFound is returned when an object no longer exists in the vault.
	ErrNotFound = errors.New("object not found")
)

// Error is the single failure type surfaced by round-trip operations.
// The message of the underlying transport error is preserved.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("secret %s: %s failed", e.Op, e.Kind)
	}
	return fmt.Sprintf("secret %s: %s", e.Op, e.Err.Error())
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) && se.Kind == kind && se.Op == op {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
