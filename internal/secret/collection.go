package secret

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Collection is a handle to a named group of secrets. It refers to its
// service for lookups but holds no reference on it: once every Service
// handle is closed, round trips through the collection fail with ErrClosed.
type Collection struct {
	svc  *serviceProxy
	path dbus.ObjectPath

	mu    sync.Mutex
	props CollectionProperties
	flags CollectionFlags
	known map[dbus.ObjectPath]*Item
	items []dbus.ObjectPath
}

func newCollection(p *serviceProxy, path dbus.ObjectPath, props CollectionProperties) *Collection {
	props.Items = nil
	return &Collection{
		svc:   p,
		path:  path,
		props: props,
		known: make(map[dbus.ObjectPath]*Item),
	}
}

// sharedService returns svc, or the process-wide service when svc is nil.
// The shared service then stays connected for the life of the process.
func sharedService(ctx context.Context, svc *Service) (*Service, error) {
	if svc != nil {
		return svc, nil
	}
	defaultHold.Lock()
	defer defaultHold.Unlock()
	if defaultHold.svc != nil {
		if _, err := defaultHold.svc.transport(); err == nil {
			return defaultHold.svc, nil
		}
	}
	s, err := GetWithFlags(ctx, ServiceNone)
	if err != nil {
		return nil, err
	}
	defaultHold.svc = s
	return s, nil
}

// CollectionForAlias returns the collection bound to alias, such as
// DefaultAlias, with its items loaded. A nil svc uses the shared service.
// An unbound alias is a CollectionLookupError wrapping ErrAliasNotFound.
func CollectionForAlias(ctx context.Context, svc *Service, alias string) (*Collection, error) {
	return collectionForAlias(ctx, svc, alias, CollectionLoadItems)
}

func collectionForAlias(ctx context.Context, svc *Service, alias string, flags CollectionFlags) (*Collection, error) {
	svc, err := sharedService(ctx, svc)
	if err != nil {
		return nil, wrapErr(CollectionLookupError, "for alias", err)
	}
	t, err := svc.transport()
	if err != nil {
		return nil, wrapErr(CollectionLookupError, "for alias", err)
	}
	path, err := t.ReadAlias(ctx, alias)
	if err != nil {
		return nil, wrapErr(CollectionLookupError, "for alias", err)
	}
	if path == NoPath || path == "" {
		return nil, wrapErr(CollectionLookupError, "for alias", fmt.Errorf("%w: %q", ErrAliasNotFound, alias))
	}
	c, err := svc.proxy.collectionFor(ctx, path)
	if err != nil {
		return nil, wrapErr(CollectionLookupError, "for alias", err)
	}
	if flags.Has(CollectionLoadItems) {
		if err := c.LoadItems(ctx); err != nil {
			return nil, wrapErr(CollectionLookupError, "for alias", err)
		}
	}
	return c, nil
}

// CreateCollection creates a collection labelled label. When alias is not
// empty and already bound, the bound collection is returned and nothing is
// created. A nil svc uses the shared service.
func CreateCollection(ctx context.Context, svc *Service, label, alias string) (*Collection, error) {
	svc, err := sharedService(ctx, svc)
	if err != nil {
		return nil, wrapErr(CollectionLookupError, "create collection", err)
	}
	t, err := svc.transport()
	if err != nil {
		return nil, wrapErr(CollectionLookupError, "create collection", err)
	}
	p := svc.proxy

	if alias != "" {
		existing, err := t.ReadAlias(ctx, alias)
		if err != nil {
			return nil, wrapErr(CollectionLookupError, "create collection", err)
		}
		if existing != NoPath && existing != "" {
			p.logger.Debug("alias already bound", "alias", alias, "path", existing)
			c, err := p.collectionFor(ctx, existing)
			if err != nil {
				return nil, wrapErr(CollectionLookupError, "create collection", err)
			}
			return c, nil
		}
	}

	path, err := t.CreateCollection(ctx, label, alias)
	if err != nil {
		return nil, wrapErr(CollectionLookupError, "create collection", err)
	}
	c, err := p.collectionFor(ctx, path)
	if err != nil {
		return nil, wrapErr(CollectionLookupError, "create collection", err)
	}
	p.addCollection(path)
	p.logger.Debug("collection created", "label", label, "alias", alias, "path", path)
	return c, nil
}

func (c *Collection) Path() dbus.ObjectPath { return c.path }

// Service returns a new handle to the owning service. The handle is closed
// already if every other handle to the service has been closed.
func (c *Collection) Service() *Service {
	s := &Service{proxy: c.svc}
	if !c.svc.acquire() {
		s.released.Store(true)
	}
	return s
}

func (c *Collection) Label() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props.Label
}

func (c *Collection) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props.Locked
}

// Created is the creation time in seconds since the Unix epoch.
func (c *Collection) Created() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props.Created
}

// Modified is the last modification time in seconds since the Unix epoch.
func (c *Collection) Modified() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props.Modified
}

func (c *Collection) Flags() CollectionFlags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

func (c *Collection) AreItemsLoaded() bool {
	return c.Flags().Has(CollectionLoadItems)
}

// Items returns the loaded items in vault order. The boolean is false, and
// the list nil, until LoadItems has succeeded.
func (c *Collection) Items() ([]*Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.flags.Has(CollectionLoadItems) {
		return nil, false
	}
	list := make([]*Item, 0, len(c.items))
	for _, path := range c.items {
		list = append(list, c.known[path])
	}
	return list, true
}

// LoadItems refreshes the collection's properties and fetches its items,
// setting CollectionLoadItems. Items already known keep their handles.
func (c *Collection) LoadItems(ctx context.Context) error {
	t, err := c.svc.live()
	if err != nil {
		return wrapErr(LoadError, "load items", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	props, err := t.CollectionProperties(ctx, c.path)
	if err != nil {
		return wrapErr(LoadError, "load items", err)
	}
	for _, path := range props.Items {
		if _, err := c.itemLocked(ctx, t, path); err != nil {
			return wrapErr(LoadError, "load items", err)
		}
	}
	c.items = slices.Clone(props.Items)
	if c.items == nil {
		c.items = []dbus.ObjectPath{}
	}
	props.Items = nil
	c.props = props
	c.flags |= CollectionLoadItems
	c.svc.logger.Debug("items loaded", "path", c.path, "count", len(c.items))
	return nil
}

func (c *Collection) itemLocked(ctx context.Context, t Transport, path dbus.ObjectPath) (*Item, error) {
	if it, ok := c.known[path]; ok {
		return it, nil
	}
	props, err := t.ItemProperties(ctx, path)
	if err != nil {
		return nil, err
	}
	it := newItem(c, path, props)
	c.known[path] = it
	return it, nil
}

func (c *Collection) itemFor(ctx context.Context, path dbus.ObjectPath) (*Item, error) {
	t, err := c.svc.live()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.itemLocked(ctx, t, path)
}

func (c *Collection) forgetItem(path dbus.ObjectPath) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.known, path)
	c.items = slices.DeleteFunc(c.items, func(p dbus.ObjectPath) bool { return p == path })
}

// Refresh re-reads the label, lock state and timestamps. The item list is
// left alone.
func (c *Collection) Refresh(ctx context.Context) error {
	t, err := c.svc.live()
	if err != nil {
		return wrapErr(LoadError, "refresh collection", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	props, err := t.CollectionProperties(ctx, c.path)
	if err != nil {
		return wrapErr(LoadError, "refresh collection", err)
	}
	props.Items = nil
	c.props = props
	return nil
}

func (c *Collection) SetLabel(ctx context.Context, label string) error {
	t, err := c.svc.live()
	if err != nil {
		return wrapErr(CollectionError, "set label", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := t.SetCollectionLabel(ctx, c.path, label); err != nil {
		return wrapErr(CollectionError, "set label", err)
	}
	c.props.Label = label
	return nil
}

// CreateItem stores value in the collection. With replace set, an item with
// identical attributes is overwritten instead of duplicated.
func (c *Collection) CreateItem(ctx context.Context, label string, attrs map[string]string, value *Value, replace bool) (*Item, error) {
	sess, err := c.svc.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	t, err := c.svc.live()
	if err != nil {
		return nil, wrapErr(ItemError, "create item", err)
	}
	sec, err := sess.encode(value)
	if err != nil {
		return nil, wrapErr(ItemError, "create item", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	path, err := t.CreateItem(ctx, c.path, label, attrs, sec, replace)
	if err != nil {
		return nil, wrapErr(ItemError, "create item", err)
	}
	props, err := t.ItemProperties(ctx, path)
	if err != nil {
		return nil, wrapErr(ItemError, "create item", err)
	}

	it, ok := c.known[path]
	if ok {
		it.reset(props)
	} else {
		it = newItem(c, path, props)
		c.known[path] = it
	}
	if c.flags.Has(CollectionLoadItems) && !slices.Contains(c.items, path) {
		c.items = append(c.items, path)
	}
	c.svc.logger.Debug("item created", "collection", c.path, "path", path, "replace", replace)
	return it, nil
}

// Delete removes the collection and every item in it.
func (c *Collection) Delete(ctx context.Context) error {
	t, err := c.svc.live()
	if err != nil {
		return wrapErr(CollectionError, "delete collection", err)
	}
	if err := t.DeleteCollection(ctx, c.path); err != nil {
		return wrapErr(CollectionError, "delete collection", err)
	}
	c.svc.forgetCollection(c.path)

	c.mu.Lock()
	for _, it := range c.known {
		it.reset(ItemProperties{})
	}
	c.known = make(map[dbus.ObjectPath]*Item)
	c.items = nil
	c.flags = CollectionNone
	c.mu.Unlock()

	c.svc.logger.Debug("collection deleted", "path", c.path)
	return nil
}
