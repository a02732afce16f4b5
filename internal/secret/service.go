// Package secret is a client for the freedesktop Secret Service, the
// D-Bus credential vault behind GNOME Keyring, KWallet and KeePassXC.
//
// The vault is reached through three handle types:
//   - Service: the connection, optionally holding a transfer session and
//     the loaded list of collections
//   - Collection: a named group of secrets, optionally holding its items
//   - Item: one stored secret with a label and lookup attributes
//
// Each handle records which expensive fetches it has performed as a set of
// flags. Accessors such as Collections or Items only report what has been
// loaded; the matching Load or Ensure call performs the round trip.
package secret

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

// DefaultAlias names the collection used when no alias is given.
const DefaultAlias = "default"

var (
	defaultMu    sync.Mutex
	defaultProxy *serviceProxy

	// dialDefault connects the process-wide shared service.
	dialDefault = func(ctx context.Context) (Transport, error) {
		t, err := DialSessionBus(ctx)
		if err != nil {
			return nil, err
		}
		return t, nil
	}

	// defaultHold keeps the shared service alive for collections resolved
	// without an explicit Service.
	defaultHold struct {
		sync.Mutex
		svc *Service
	}
)

// Options configure a privately owned Service created by Open.
type Options struct {
	// Flags are ensured before Open returns.
	Flags ServiceFlags
	// Algorithm is the preferred session algorithm. AlgorithmDH when empty;
	// a vault that does not support it is retried with AlgorithmPlain.
	Algorithm string
	Logger    *slog.Logger
}

// serviceProxy is the state shared by every Service handle of one
// connection. It is released when the last handle is closed.
type serviceProxy struct {
	transport Transport
	algorithm string
	logger    *slog.Logger
	shared    bool

	refs   atomic.Int32
	closed atomic.Bool

	mu          sync.Mutex
	flags       ServiceFlags
	session     *session
	known       map[dbus.ObjectPath]*Collection
	collections []dbus.ObjectPath
}

func newServiceProxy(t Transport, algorithm string, logger *slog.Logger) *serviceProxy {
	if algorithm == "" {
		algorithm = AlgorithmDH
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &serviceProxy{
		transport: t,
		algorithm: algorithm,
		logger:    logger.With("component", "secret"),
		known:     make(map[dbus.ObjectPath]*Collection),
	}
}

func (p *serviceProxy) live() (Transport, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	return p.transport, nil
}

func (p *serviceProxy) acquire() bool {
	for {
		n := p.refs.Load()
		if n <= 0 {
			return false
		}
		if p.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (p *serviceProxy) release() error {
	if p.shared {
		defaultMu.Lock()
		defer defaultMu.Unlock()
	}
	if p.refs.Add(-1) > 0 {
		return nil
	}
	p.closed.Store(true)
	if p.shared && defaultProxy == p {
		defaultProxy = nil
	}

	p.mu.Lock()
	sess := p.session
	p.session = nil
	p.mu.Unlock()

	if sess != nil {
		if err := p.transport.CloseSession(context.Background(), sess.path); err != nil {
			p.logger.Debug("closing session", "path", sess.path, "error", err)
		}
		clear(sess.key)
	}
	p.logger.Debug("service released")
	return p.transport.Close()
}

// Service is a handle to the vault service. Handles are reference counted:
// Clone adds a reference, Close drops one, and the connection is closed with
// the last reference.
type Service struct {
	proxy    *serviceProxy
	released atomic.Bool
}

// Get returns a handle to the shared service with a session established and
// collections loaded. All handles returned by Get share one connection.
func Get(ctx context.Context) (*Service, error) {
	return GetWithFlags(ctx, ServiceOpenSession|ServiceLoadCollections)
}

// GetWithFlags is Get requesting only the given flags.
func GetWithFlags(ctx context.Context, flags ServiceFlags) (*Service, error) {
	defaultMu.Lock()
	if defaultProxy == nil {
		t, err := dialDefault(ctx)
		if err != nil {
			defaultMu.Unlock()
			return nil, wrapErr(ConnectionError, "get", err)
		}
		defaultProxy = newServiceProxy(t, "", nil)
		defaultProxy.shared = true
	}
	defaultProxy.refs.Add(1)
	svc := &Service{proxy: defaultProxy}
	defaultMu.Unlock()

	if err := svc.ensure(ctx, flags); err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

// Open creates a service over t that is not shared with Get. Open takes
// ownership of t: it is closed with the last handle, or right away if Open
// fails.
func Open(ctx context.Context, t Transport, opts Options) (*Service, error) {
	p := newServiceProxy(t, opts.Algorithm, opts.Logger)
	p.refs.Store(1)
	svc := &Service{proxy: p}
	if err := svc.ensure(ctx, opts.Flags); err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

func (s *Service) ensure(ctx context.Context, flags ServiceFlags) error {
	if flags.Has(ServiceOpenSession) {
		if err := s.EnsureSession(ctx); err != nil {
			return err
		}
	}
	if flags.Has(ServiceLoadCollections) {
		if err := s.LoadCollections(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) transport() (Transport, error) {
	if s.released.Load() {
		return nil, ErrClosed
	}
	return s.proxy.live()
}

// Clone returns a new handle to the same connection without a round trip.
// Cloning a closed handle yields a closed handle.
func (s *Service) Clone() *Service {
	c := &Service{proxy: s.proxy}
	if s.released.Load() || !s.proxy.acquire() {
		c.released.Store(true)
	}
	return c
}

// Close drops this handle. Closing a handle twice is a no-op.
func (s *Service) Close() error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	return s.proxy.release()
}

// Flags reports the operations already performed on this service.
func (s *Service) Flags() ServiceFlags {
	s.proxy.mu.Lock()
	defer s.proxy.mu.Unlock()
	return s.proxy.flags
}

func (s *Service) IsSessionEstablished() bool {
	return s.Flags().Has(ServiceOpenSession)
}

func (s *Service) AreCollectionsLoaded() bool {
	return s.Flags().Has(ServiceLoadCollections)
}

// SessionAlgorithms returns the algorithm name of the transfer session, or
// false when no session has been established.
func (s *Service) SessionAlgorithms() (string, bool) {
	s.proxy.mu.Lock()
	defer s.proxy.mu.Unlock()
	if s.proxy.session == nil {
		return "", false
	}
	return s.proxy.session.algorithm, true
}

// Collections returns the loaded collections in vault order. The boolean is
// false, and the list nil, until LoadCollections has succeeded.
func (s *Service) Collections() ([]*Collection, bool) {
	p := s.proxy
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.flags.Has(ServiceLoadCollections) {
		return nil, false
	}
	list := make([]*Collection, 0, len(p.collections))
	for _, path := range p.collections {
		list = append(list, p.known[path])
	}
	return list, true
}

// EnsureSession negotiates a transfer session unless one exists.
func (s *Service) EnsureSession(ctx context.Context) error {
	if s.released.Load() {
		return wrapErr(SessionError, "ensure session", ErrClosed)
	}
	_, err := s.proxy.ensureSession(ctx)
	return err
}

func (p *serviceProxy) ensureSession(ctx context.Context) (*session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil {
		return p.session, nil
	}
	t, err := p.live()
	if err != nil {
		return nil, wrapErr(SessionError, "ensure session", err)
	}

	sess, err := negotiate(ctx, t, p.algorithm)
	if err != nil && p.algorithm == AlgorithmDH && errors.Is(err, ErrUnsupportedAlgorithm) {
		p.logger.Debug("falling back to plain session", "algorithm", p.algorithm)
		sess, err = negotiate(ctx, t, AlgorithmPlain)
	}
	if err != nil {
		return nil, wrapErr(SessionError, "ensure session", err)
	}
	p.session = sess
	p.flags |= ServiceOpenSession
	p.logger.Debug("session established", "algorithm", sess.algorithm, "path", sess.path)
	return sess, nil
}

func negotiate(ctx context.Context, t Transport, algorithm string) (*session, error) {
	switch algorithm {
	case AlgorithmPlain:
		_, path, err := t.OpenSession(ctx, AlgorithmPlain, dbus.MakeVariant(""))
		if err != nil {
			return nil, err
		}
		return &session{path: path, algorithm: AlgorithmPlain}, nil

	case AlgorithmDH:
		kp, err := newDHKeyPair(rand.Reader)
		if err != nil {
			return nil, err
		}
		out, path, err := t.OpenSession(ctx, AlgorithmDH, dbus.MakeVariant(kp.publicBytes()))
		if err != nil {
			return nil, err
		}
		peer, ok := out.Value().([]byte)
		if !ok {
			_ = t.CloseSession(ctx, path)
			return nil, fmt.Errorf("unexpected session output of type %s", out.Signature())
		}
		key, err := kp.sharedKey(peer)
		if err != nil {
			_ = t.CloseSession(ctx, path)
			return nil, err
		}
		return &session{path: path, algorithm: AlgorithmDH, key: key}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

// LoadCollections fetches the list of collections and sets
// ServiceLoadCollections. Collections already known keep their handles.
func (s *Service) LoadCollections(ctx context.Context) error {
	t, err := s.transport()
	if err != nil {
		return wrapErr(LoadError, "load collections", err)
	}
	p := s.proxy
	p.mu.Lock()
	defer p.mu.Unlock()

	paths, err := t.Collections(ctx)
	if err != nil {
		return wrapErr(LoadError, "load collections", err)
	}
	for _, path := range paths {
		if _, err := p.collectionLocked(ctx, t, path); err != nil {
			return wrapErr(LoadError, "load collections", err)
		}
	}
	p.collections = slices.Clone(paths)
	if p.collections == nil {
		p.collections = []dbus.ObjectPath{}
	}
	p.flags |= ServiceLoadCollections
	p.logger.Debug("collections loaded", "count", len(paths))
	return nil
}

func (p *serviceProxy) collectionLocked(ctx context.Context, t Transport, path dbus.ObjectPath) (*Collection, error) {
	if c, ok := p.known[path]; ok {
		return c, nil
	}
	props, err := t.CollectionProperties(ctx, path)
	if err != nil {
		return nil, err
	}
	c := newCollection(p, path, props)
	p.known[path] = c
	return c, nil
}

func (p *serviceProxy) collectionFor(ctx context.Context, path dbus.ObjectPath) (*Collection, error) {
	t, err := p.live()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collectionLocked(ctx, t, path)
}

// addCollection records a collection created through this service in the
// loaded list.
func (p *serviceProxy) addCollection(path dbus.ObjectPath) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flags.Has(ServiceLoadCollections) && !slices.Contains(p.collections, path) {
		p.collections = append(p.collections, path)
	}
}

func (p *serviceProxy) forgetCollection(path dbus.ObjectPath) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.known, path)
	p.collections = slices.DeleteFunc(p.collections, func(c dbus.ObjectPath) bool { return c == path })
}

// markLocked updates the cached lock state of known collections and items.
// The service lock is released before collection locks are taken.
func (p *serviceProxy) markLocked(paths []dbus.ObjectPath, locked bool) {
	if len(paths) == 0 {
		return
	}
	p.mu.Lock()
	cols := slices.Collect(maps.Values(p.known))
	p.mu.Unlock()

	for _, c := range cols {
		c.mu.Lock()
		if slices.Contains(paths, c.path) {
			c.props.Locked = locked
		}
		for path, it := range c.known {
			if slices.Contains(paths, path) {
				it.setLocked(locked)
			}
		}
		c.mu.Unlock()
	}
}

func (p *serviceProxy) itemFor(ctx context.Context, path dbus.ObjectPath) (*Item, error) {
	c, err := p.collectionFor(ctx, parentPath(path))
	if err != nil {
		return nil, err
	}
	return c.itemFor(ctx, path)
}

// SetAlias binds alias to c. A nil collection removes the alias.
func (s *Service) SetAlias(ctx context.Context, alias string, c *Collection) error {
	t, err := s.transport()
	if err != nil {
		return wrapErr(CollectionError, "set alias", err)
	}
	path := NoPath
	if c != nil {
		path = c.path
	}
	if err := t.SetAlias(ctx, alias, path); err != nil {
		return wrapErr(CollectionError, "set alias", err)
	}
	s.proxy.logger.Debug("alias set", "alias", alias, "path", path)
	return nil
}

// Unlock unlocks the given collections or items, prompting if the vault
// asks to. It returns the objects that are now unlocked.
func (s *Service) Unlock(ctx context.Context, objects ...dbus.ObjectPath) ([]dbus.ObjectPath, error) {
	t, err := s.transport()
	if err != nil {
		return nil, wrapErr(LockError, "unlock", err)
	}
	unlocked, err := t.Unlock(ctx, objects)
	if err != nil {
		return nil, wrapErr(LockError, "unlock", err)
	}
	s.proxy.markLocked(unlocked, false)
	return unlocked, nil
}

// Lock locks the given collections or items and returns those now locked.
func (s *Service) Lock(ctx context.Context, objects ...dbus.ObjectPath) ([]dbus.ObjectPath, error) {
	t, err := s.transport()
	if err != nil {
		return nil, wrapErr(LockError, "lock", err)
	}
	locked, err := t.Lock(ctx, objects)
	if err != nil {
		return nil, wrapErr(LockError, "lock", err)
	}
	s.proxy.markLocked(locked, true)
	return locked, nil
}

// Search finds items whose attributes match attrs in every collection.
// Without SearchAll only the first match is returned, unlocked matches
// first. SearchUnlock unlocks locked matches and SearchLoadSecrets loads the
// secret of every unlocked match.
func (s *Service) Search(ctx context.Context, attrs map[string]string, flags SearchFlags) ([]*Item, error) {
	t, err := s.transport()
	if err != nil {
		return nil, wrapErr(LoadError, "search", err)
	}
	unlocked, locked, err := t.SearchItems(ctx, attrs)
	if err != nil {
		return nil, wrapErr(LoadError, "search", err)
	}
	if !flags.Has(SearchAll) {
		switch {
		case len(unlocked) > 0:
			unlocked, locked = unlocked[:1], nil
		case len(locked) > 0:
			locked = locked[:1]
		}
	}
	if flags.Has(SearchUnlock) && len(locked) > 0 {
		opened, err := s.Unlock(ctx, locked...)
		if err != nil {
			return nil, err
		}
		var still []dbus.ObjectPath
		for _, path := range locked {
			if slices.Contains(opened, path) {
				unlocked = append(unlocked, path)
			} else {
				still = append(still, path)
			}
		}
		locked = still
	}

	items := make([]*Item, 0, len(unlocked)+len(locked))
	for _, path := range slices.Concat(unlocked, locked) {
		it, err := s.proxy.itemFor(ctx, path)
		if err != nil {
			return nil, wrapErr(LoadError, "search", err)
		}
		items = append(items, it)
	}
	// The vault's split is authoritative over cached handle state.
	s.proxy.markLocked(unlocked, false)
	s.proxy.markLocked(locked, true)
	if flags.Has(SearchLoadSecrets) {
		for _, it := range items[:len(unlocked)] {
			if err := it.LoadSecret(ctx); err != nil {
				return nil, err
			}
		}
	}
	return items, nil
}

// Store saves value as an item of the collection bound to alias, replacing
// an item with identical attributes. The collection is created when the
// alias is unbound.
func (s *Service) Store(ctx context.Context, alias, label string, attrs map[string]string, value *Value) (*Item, error) {
	if alias == "" {
		alias = DefaultAlias
	}
	c, err := collectionForAlias(ctx, s, alias, CollectionNone)
	if errors.Is(err, ErrAliasNotFound) {
		c, err = CreateCollection(ctx, s, aliasLabel(alias), alias)
	}
	if err != nil {
		return nil, err
	}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	if c.Locked() {
		if _, err := s.Unlock(ctx, c.Path()); err != nil {
			return nil, err
		}
	}
	return c.CreateItem(ctx, label, attrs, value, true)
}

// Lookup returns the secret of the first item matching attrs, unlocking it
// if needed. A missing item is an ItemError wrapping ErrNotFound.
func (s *Service) Lookup(ctx context.Context, attrs map[string]string) (*Value, error) {
	items, err := s.Search(ctx, attrs, SearchUnlock|SearchLoadSecrets)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, wrapErr(ItemError, "lookup", ErrNotFound)
	}
	v, ok := items[0].Secret()
	if !ok {
		return nil, wrapErr(ItemError, "lookup", ErrLocked)
	}
	return v, nil
}

// Clear deletes every item matching attrs and reports how many were removed.
func (s *Service) Clear(ctx context.Context, attrs map[string]string) (int, error) {
	items, err := s.Search(ctx, attrs, SearchAll|SearchUnlock)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if err := it.Delete(ctx); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func aliasLabel(alias string) string {
	if alias == DefaultAlias {
		return "Default keyring"
	}
	return alias
}

func parentPath(path dbus.ObjectPath) dbus.ObjectPath {
	s := string(path)
	for i := len(s) - 1; i > 0; i-- {
		if s[i] == '/' {
			return dbus.ObjectPath(s[:i])
		}
	}
	return NoPath
}
