package secret

import (
	"context"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T, m *MemoryTransport, opts Options) *Service {
	t.Helper()
	svc, err := Open(context.Background(), m, opts)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

// useDefaultTransport points Get at dial for the duration of the test.
func useDefaultTransport(t *testing.T, dial func(context.Context) (Transport, error)) {
	t.Helper()
	prev := dialDefault
	dialDefault = dial
	t.Cleanup(func() {
		defaultHold.Lock()
		if defaultHold.svc != nil {
			defaultHold.svc.Close()
			defaultHold.svc = nil
		}
		defaultHold.Unlock()
		dialDefault = prev
	})
}

// plainOnly is a vault that refuses encrypted sessions.
type plainOnly struct {
	*MemoryTransport
}

func (p plainOnly) OpenSession(ctx context.Context, algorithm string, input dbus.Variant) (dbus.Variant, dbus.ObjectPath, error) {
	if algorithm != AlgorithmPlain {
		return dbus.Variant{}, "", ErrUnsupportedAlgorithm
	}
	return p.MemoryTransport.OpenSession(ctx, algorithm, input)
}

func TestOpenLoadsEveryCollection(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
	}{
		{"empty vault", nil},
		{"one collection", []string{"Login"}},
		{"several collections", []string{"Login", "Work", "Session"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemoryTransport()
			for _, l := range tt.labels {
				m.AddCollection(l, "", false)
			}
			svc := openMemory(t, m, Options{Flags: ServiceOpenSession | ServiceLoadCollections})

			assert.True(t, svc.IsSessionEstablished())
			assert.True(t, svc.AreCollectionsLoaded())
			cols, ok := svc.Collections()
			require.True(t, ok)
			require.NotNil(t, cols)
			require.Len(t, cols, len(tt.labels))
			for i, c := range cols {
				assert.Equal(t, tt.labels[i], c.Label())
			}
		})
	}
}

func TestCollectionsNotLoadedUntilRequested(t *testing.T) {
	m := NewMemoryTransport()
	m.AddCollection("Login", DefaultAlias, false)
	svc := openMemory(t, m, Options{})

	assert.False(t, svc.AreCollectionsLoaded())
	cols, ok := svc.Collections()
	assert.False(t, ok)
	assert.Nil(t, cols)
	assert.Equal(t, 0, m.Calls("Collections"))

	require.NoError(t, svc.LoadCollections(context.Background()))
	assert.True(t, svc.AreCollectionsLoaded())
	cols, ok = svc.Collections()
	assert.True(t, ok)
	assert.Len(t, cols, 1)
}

func TestLoadCollectionsFailureLeavesFlagUnset(t *testing.T) {
	m := NewMemoryTransport()
	m.Fail("Collections", errors.New("bus exploded"))
	svc := openMemory(t, m, Options{})

	err := svc.LoadCollections(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, LoadError))
	assert.Contains(t, err.Error(), "bus exploded")

	assert.False(t, svc.AreCollectionsLoaded())
	_, ok := svc.Collections()
	assert.False(t, ok)
}

func TestLoadCollectionsKeepsHandles(t *testing.T) {
	m := NewMemoryTransport()
	m.AddCollection("Login", "", false)
	m.AddCollection("Work", "", false)
	svc := openMemory(t, m, Options{Flags: ServiceLoadCollections})

	first, _ := svc.Collections()
	require.NoError(t, svc.LoadCollections(context.Background()))
	second, _ := svc.Collections()

	require.Len(t, second, 2)
	assert.Same(t, first[0], second[0])
	assert.Same(t, first[1], second[1])
	assert.Equal(t, 2, m.Calls("CollectionProperties"))
}

func TestEnsureSessionIsIdempotent(t *testing.T) {
	m := NewMemoryTransport()
	svc := openMemory(t, m, Options{})
	ctx := context.Background()

	assert.False(t, svc.IsSessionEstablished())
	_, ok := svc.SessionAlgorithms()
	assert.False(t, ok)

	require.NoError(t, svc.EnsureSession(ctx))
	assert.True(t, svc.IsSessionEstablished())
	require.NoError(t, svc.EnsureSession(ctx))
	assert.True(t, svc.IsSessionEstablished())

	assert.Equal(t, 1, m.Calls("OpenSession"))
	algs, ok := svc.SessionAlgorithms()
	assert.True(t, ok)
	assert.Equal(t, AlgorithmDH, algs)
}

func TestPlainSession(t *testing.T) {
	m := NewMemoryTransport()
	svc := openMemory(t, m, Options{Flags: ServiceOpenSession, Algorithm: AlgorithmPlain})

	algs, ok := svc.SessionAlgorithms()
	require.True(t, ok)
	assert.Equal(t, "plain", algs)
}

func TestSessionFallsBackToPlain(t *testing.T) {
	m := NewMemoryTransport()
	svc, err := Open(context.Background(), plainOnly{m}, Options{Flags: ServiceOpenSession})
	require.NoError(t, err)
	defer svc.Close()

	algs, _ := svc.SessionAlgorithms()
	assert.Equal(t, AlgorithmPlain, algs)
}

func TestEnsureSessionFailure(t *testing.T) {
	m := NewMemoryTransport()
	m.Fail("OpenSession", errors.New("negotiation refused"))
	svc := openMemory(t, m, Options{})

	err := svc.EnsureSession(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, SessionError))
	assert.Contains(t, err.Error(), "negotiation refused")
	assert.False(t, svc.IsSessionEstablished())
}

func TestOpenFailureClosesTransport(t *testing.T) {
	m := NewMemoryTransport()
	m.Fail("OpenSession", errors.New("nope"))

	_, err := Open(context.Background(), m, Options{Flags: ServiceOpenSession})
	require.Error(t, err)
	assert.Equal(t, 1, m.Calls("Close"))
}

func TestUnknownAlgorithm(t *testing.T) {
	m := NewMemoryTransport()
	_, err := Open(context.Background(), m, Options{Flags: ServiceOpenSession, Algorithm: "rot13"})
	require.Error(t, err)
	assert.True(t, IsKind(err, SessionError))
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestCloneSharesConnection(t *testing.T) {
	m := NewMemoryTransport()
	svc, err := Open(context.Background(), m, Options{Flags: ServiceOpenSession})
	require.NoError(t, err)

	clone := svc.Clone()
	assert.Equal(t, 1, m.Calls("OpenSession"))
	assert.True(t, clone.IsSessionEstablished())

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
	assert.Equal(t, 0, m.Calls("Close"))
	require.NoError(t, clone.LoadCollections(context.Background()))

	require.NoError(t, clone.Close())
	assert.Equal(t, 1, m.Calls("Close"))
	assert.Equal(t, 1, m.Calls("CloseSession"))

	err = clone.LoadCollections(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	dead := clone.Clone()
	assert.ErrorIs(t, dead.EnsureSession(context.Background()), ErrClosed)
}

func TestGetSharesOneConnection(t *testing.T) {
	dials := 0
	m := NewMemoryTransport()
	m.AddCollection("Login", DefaultAlias, false)
	useDefaultTransport(t, func(context.Context) (Transport, error) {
		dials++
		return m, nil
	})
	ctx := context.Background()

	a, err := Get(ctx)
	require.NoError(t, err)
	b, err := Get(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, dials)
	assert.Same(t, a.proxy, b.proxy)
	assert.Equal(t, 1, m.Calls("OpenSession"))
	cols, ok := b.Collections()
	require.True(t, ok)
	assert.Len(t, cols, 1)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 1, m.Calls("Close"))

	fresh := NewMemoryTransport()
	useDefaultTransport(t, func(context.Context) (Transport, error) { return fresh, nil })
	c, err := GetWithFlags(ctx, ServiceNone)
	require.NoError(t, err)
	defer c.Close()
	assert.NotSame(t, a.proxy, c.proxy)
	assert.False(t, c.IsSessionEstablished())
}

func TestGetConnectionError(t *testing.T) {
	useDefaultTransport(t, func(context.Context) (Transport, error) {
		return nil, errors.New("no session bus")
	})

	svc, err := Get(context.Background())
	require.Error(t, err)
	assert.Nil(t, svc)
	assert.True(t, IsKind(err, ConnectionError))
	assert.Contains(t, err.Error(), "no session bus")
}

func TestSearch(t *testing.T) {
	m := NewMemoryTransport()
	open := m.AddCollection("Login", DefaultAlias, false)
	closed := m.AddCollection("Vault", "", true)
	m.AddItem(open, "a", map[string]string{"app": "x", "n": "1"}, []byte("one"), ContentTypeText)
	m.AddItem(closed, "b", map[string]string{"app": "x", "n": "2"}, []byte("two"), ContentTypeText)
	m.AddItem(open, "c", map[string]string{"app": "y"}, []byte("three"), ContentTypeText)
	ctx := context.Background()

	t.Run("first match only", func(t *testing.T) {
		svc := openMemory(t, m, Options{})
		items, err := svc.Search(ctx, map[string]string{"app": "x"}, SearchNone)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "a", items[0].Label())
		assert.False(t, items[0].IsSecretLoaded())
	})

	t.Run("all unlock and load", func(t *testing.T) {
		svc := openMemory(t, m, Options{})
		items, err := svc.Search(ctx, map[string]string{"app": "x"}, SearchAll|SearchUnlock|SearchLoadSecrets)
		require.NoError(t, err)
		require.Len(t, items, 2)
		for _, it := range items {
			assert.False(t, it.Locked())
			v, ok := it.Secret()
			require.True(t, ok)
			assert.NotEmpty(t, v.Bytes())
		}
		assert.Equal(t, "Vault", items[1].Collection().Label())
	})
}

func TestStoreLookupClear(t *testing.T) {
	m := NewMemoryTransport()
	svc := openMemory(t, m, Options{Flags: ServiceLoadCollections})
	ctx := context.Background()
	attrs := map[string]string{"service": "gsecret", "key": "db/password"}

	it, err := svc.Store(ctx, "", "db password", attrs, NewTextValue("hunter2"))
	require.NoError(t, err)
	assert.Equal(t, "db password", it.Label())
	assert.Equal(t, 1, m.Calls("CreateCollection"))

	cols, _ := svc.Collections()
	require.Len(t, cols, 1)
	assert.Equal(t, "Default keyring", cols[0].Label())

	_, err = svc.Store(ctx, DefaultAlias, "db password", attrs, NewTextValue("correct horse"))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Calls("CreateCollection"))

	v, err := svc.Lookup(ctx, attrs)
	require.NoError(t, err)
	text, ok := v.Text()
	require.True(t, ok)
	assert.Equal(t, "correct horse", text)

	n, err := svc.Clear(ctx, attrs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.Lookup(ctx, attrs)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsKind(err, ItemError))
}

func TestLockAndUnlockUpdateCache(t *testing.T) {
	m := NewMemoryTransport()
	path := m.AddCollection("Login", DefaultAlias, false)
	m.AddItem(path, "a", nil, []byte("x"), "")
	svc := openMemory(t, m, Options{})
	ctx := context.Background()

	c, err := CollectionForAlias(ctx, svc, DefaultAlias)
	require.NoError(t, err)
	items, _ := c.Items()
	require.NoError(t, items[0].LoadSecret(ctx))

	locked, err := svc.Lock(ctx, c.Path())
	require.NoError(t, err)
	assert.Contains(t, locked, c.Path())
	assert.True(t, c.Locked())
	assert.True(t, items[0].Locked())
	assert.False(t, items[0].IsSecretLoaded())

	m.DismissPrompts(true)
	_, err = svc.Unlock(ctx, c.Path())
	assert.ErrorIs(t, err, ErrPromptDismissed)
	assert.True(t, IsKind(err, LockError))
	assert.True(t, c.Locked())

	m.DismissPrompts(false)
	_, err = svc.Unlock(ctx, c.Path())
	require.NoError(t, err)
	assert.False(t, c.Locked())
	assert.False(t, items[0].Locked())
}

func TestSetAlias(t *testing.T) {
	m := NewMemoryTransport()
	m.AddCollection("Work", "", false)
	svc := openMemory(t, m, Options{Flags: ServiceLoadCollections})
	ctx := context.Background()

	cols, _ := svc.Collections()
	require.NoError(t, svc.SetAlias(ctx, "work", cols[0]))

	c, err := CollectionForAlias(ctx, svc, "work")
	require.NoError(t, err)
	assert.Same(t, cols[0], c)

	require.NoError(t, svc.SetAlias(ctx, "work", nil))
	_, err = CollectionForAlias(ctx, svc, "work")
	assert.ErrorIs(t, err, ErrAliasNotFound)
}

func TestSearchFollowsVaultLockState(t *testing.T) {
	attrs := map[string]string{"app": "login"}
	ctx := context.Background()

	t.Run("unlocked elsewhere", func(t *testing.T) {
		m := NewMemoryTransport()
		col := m.AddCollection("Login", DefaultAlias, true)
		m.AddItem(col, "a", attrs, []byte("pam"), ContentTypeText)
		svc := openMemory(t, m, Options{})

		items, err := svc.Search(ctx, attrs, SearchNone)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.True(t, items[0].Locked())

		_, err = m.Unlock(ctx, []dbus.ObjectPath{col})
		require.NoError(t, err)
		unlocks := m.Calls("Unlock")

		v, err := svc.Lookup(ctx, attrs)
		require.NoError(t, err)
		assert.Equal(t, []byte("pam"), v.Bytes())
		assert.False(t, items[0].Locked())
		assert.Equal(t, unlocks, m.Calls("Unlock"))
	})

	t.Run("locked elsewhere", func(t *testing.T) {
		m := NewMemoryTransport()
		col := m.AddCollection("Login", DefaultAlias, false)
		m.AddItem(col, "a", attrs, []byte("x"), ContentTypeText)
		svc := openMemory(t, m, Options{})

		items, err := svc.Search(ctx, attrs, SearchLoadSecrets)
		require.NoError(t, err)
		require.Len(t, items, 1)
		require.True(t, items[0].IsSecretLoaded())
		v, _ := items[0].Secret()

		_, err = m.Lock(ctx, []dbus.ObjectPath{col})
		require.NoError(t, err)

		items, err = svc.Search(ctx, attrs, SearchAll|SearchLoadSecrets)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.True(t, items[0].Locked())
		assert.False(t, items[0].IsSecretLoaded())
		assert.Nil(t, v.Bytes())
	})
}

func TestStoreUnlocksCollectionLockedElsewhere(t *testing.T) {
	m := NewMemoryTransport()
	col := m.AddCollection("Login", DefaultAlias, false)
	svc := openMemory(t, m, Options{})
	ctx := context.Background()

	c, err := CollectionForAlias(ctx, svc, DefaultAlias)
	require.NoError(t, err)
	require.False(t, c.Locked())

	_, err = m.Lock(ctx, []dbus.ObjectPath{col})
	require.NoError(t, err)

	it, err := svc.Store(ctx, DefaultAlias, "db", map[string]string{"k": "db"}, NewTextValue("s3cret"))
	require.NoError(t, err)
	assert.Equal(t, "db", it.Label())
	assert.Equal(t, 1, m.Calls("Unlock"))
	assert.False(t, c.Locked())
}
