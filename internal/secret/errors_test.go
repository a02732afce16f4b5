package secret

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorPreservesMessage(t *testing.T) {
	cause := errors.New("org.freedesktop.DBus.Error.ServiceUnknown: not provided")
	err := wrapErr(ConnectionError, "connect", cause)

	assert.Equal(t, "secret connect: org.freedesktop.DBus.Error.ServiceUnknown: not provided", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsKind(err, ConnectionError))
	assert.False(t, IsKind(err, SessionError))
	assert.False(t, IsKind(cause, ConnectionError))
}

func TestWrapErr(t *testing.T) {
	assert.NoError(t, wrapErr(ItemError, "x", nil))

	inner := wrapErr(LoadError, "load items", ErrNotFound)
	assert.Same(t, inner, wrapErr(LoadError, "load items", inner))

	outer := wrapErr(CollectionLookupError, "for alias", inner)
	assert.True(t, IsKind(outer, CollectionLookupError))
	assert.ErrorIs(t, outer, ErrNotFound)

	var se *Error
	assert.True(t, errors.As(fmt.Errorf("cli: %w", outer), &se))
	assert.Equal(t, CollectionLookupError, se.Kind)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "connection", ConnectionError.String())
	assert.Equal(t, "collection lookup", CollectionLookupError.String())
	assert.Equal(t, "lock", LockError.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
