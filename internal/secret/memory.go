package secret

import (
	"context"
	"crypto/rand"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// MemoryTransport is an in-memory vault. It follows the Secret Service
// semantics (aliases, locking, replace-by-attributes, session encryption)
// without prompts, counts calls per method and can be told to fail.
type MemoryTransport struct {
	mu          sync.Mutex
	collections map[dbus.ObjectPath]*memCollection
	order       []dbus.ObjectPath
	items       map[dbus.ObjectPath]*memItem
	aliases     map[string]dbus.ObjectPath
	sessions    map[dbus.ObjectPath][]byte
	nextID      int
	calls       map[string]int
	failures    map[string]error
	dismiss     bool
	closed      bool
	now         func() uint64
}

type memCollection struct {
	label    string
	locked   bool
	created  uint64
	modified uint64
	items    []dbus.ObjectPath
}

type memItem struct {
	collection  dbus.ObjectPath
	label       string
	attrs       map[string]string
	created     uint64
	modified    uint64
	value       []byte
	contentType string
}

// NewMemoryTransport returns an empty vault.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		collections: make(map[dbus.ObjectPath]*memCollection),
		items:       make(map[dbus.ObjectPath]*memItem),
		aliases:     make(map[string]dbus.ObjectPath),
		sessions:    make(map[dbus.ObjectPath][]byte),
		calls:       make(map[string]int),
		failures:    make(map[string]error),
		now:         func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetClock replaces the source of timestamps.
func (m *MemoryTransport) SetClock(now func() uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Fail makes every later call of method return err. A nil err clears it.
func (m *MemoryTransport) Fail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// DismissPrompts makes operations that would prompt fail with
// ErrPromptDismissed: creating collections and unlocking.
func (m *MemoryTransport) DismissPrompts(dismiss bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dismiss = dismiss
}

// Calls reports how many times method has been called.
func (m *MemoryTransport) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// AddCollection seeds a collection, binding alias if it is not empty.
func (m *MemoryTransport) AddCollection(label, alias string, locked bool) dbus.ObjectPath {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := m.newCollectionLocked(label)
	m.collections[path].locked = locked
	if alias != "" {
		m.aliases[alias] = path
	}
	return path
}

// AddItem seeds an item holding value in collection.
func (m *MemoryTransport) AddItem(collection dbus.ObjectPath, label string, attrs map[string]string, value []byte, contentType string) dbus.ObjectPath {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newItemLocked(m.collections[collection], collection, label, attrs, value, contentType)
}

// Touch advances a collection's modified time to the clock.
func (m *MemoryTransport) Touch(collection dbus.ObjectPath) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[collection]; ok {
		c.modified = max(c.modified, m.now())
	}
}

func (m *MemoryTransport) begin(method string) error {
	m.calls[method]++
	if m.closed {
		return ErrClosed
	}
	return m.failures[method]
}

func (m *MemoryTransport) newCollectionLocked(label string) dbus.ObjectPath {
	m.nextID++
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, strings.ToLower(label))
	path := dbus.ObjectPath(fmt.Sprintf("%s/collection/%s_%d", servicePath, name, m.nextID))
	now := m.now()
	m.collections[path] = &memCollection{label: label, created: now, modified: now}
	m.order = append(m.order, path)
	return path
}

func (m *MemoryTransport) newItemLocked(c *memCollection, collection dbus.ObjectPath, label string, attrs map[string]string, value []byte, contentType string) dbus.ObjectPath {
	m.nextID++
	path := dbus.ObjectPath(fmt.Sprintf("%s/%d", collection, m.nextID))
	now := m.now()
	m.items[path] = &memItem{
		collection:  collection,
		label:       label,
		attrs:       maps.Clone(attrs),
		created:     now,
		modified:    now,
		value:       slices.Clone(value),
		contentType: contentType,
	}
	c.items = append(c.items, path)
	c.modified = max(c.modified, now)
	return path
}

func (m *MemoryTransport) OpenSession(ctx context.Context, algorithm string, input dbus.Variant) (dbus.Variant, dbus.ObjectPath, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("OpenSession"); err != nil {
		return dbus.Variant{}, "", err
	}
	m.nextID++
	path := dbus.ObjectPath(fmt.Sprintf("%s/session/s%d", servicePath, m.nextID))

	switch algorithm {
	case AlgorithmPlain:
		m.sessions[path] = nil
		return dbus.MakeVariant(""), path, nil
	case AlgorithmDH:
		peer, ok := input.Value().([]byte)
		if !ok {
			return dbus.Variant{}, "", fmt.Errorf("session input must be a byte array")
		}
		kp, err := newDHKeyPair(rand.Reader)
		if err != nil {
			return dbus.Variant{}, "", err
		}
		key, err := kp.sharedKey(peer)
		if err != nil {
			return dbus.Variant{}, "", err
		}
		m.sessions[path] = key
		return dbus.MakeVariant(kp.publicBytes()), path, nil
	default:
		return dbus.Variant{}, "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

func (m *MemoryTransport) CloseSession(ctx context.Context, session dbus.ObjectPath) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CloseSession"); err != nil {
		return err
	}
	delete(m.sessions, session)
	return nil
}

func (m *MemoryTransport) Collections(ctx context.Context) ([]dbus.ObjectPath, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("Collections"); err != nil {
		return nil, err
	}
	return slices.Clone(m.order), nil
}

func (m *MemoryTransport) ReadAlias(ctx context.Context, alias string) (dbus.ObjectPath, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("ReadAlias"); err != nil {
		return "", err
	}
	if path, ok := m.aliases[alias]; ok {
		return path, nil
	}
	return NoPath, nil
}

func (m *MemoryTransport) SetAlias(ctx context.Context, alias string, collection dbus.ObjectPath) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("SetAlias"); err != nil {
		return err
	}
	if collection == NoPath {
		delete(m.aliases, alias)
		return nil
	}
	if _, ok := m.collections[collection]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, collection)
	}
	m.aliases[alias] = collection
	return nil
}

func (m *MemoryTransport) CreateCollection(ctx context.Context, label, alias string) (dbus.ObjectPath, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CreateCollection"); err != nil {
		return "", err
	}
	if alias != "" {
		if path, ok := m.aliases[alias]; ok {
			return path, nil
		}
	}
	if m.dismiss {
		return "", ErrPromptDismissed
	}
	path := m.newCollectionLocked(label)
	if alias != "" {
		m.aliases[alias] = path
	}
	return path, nil
}

func (m *MemoryTransport) DeleteCollection(ctx context.Context, collection dbus.ObjectPath) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("DeleteCollection"); err != nil {
		return err
	}
	c, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, collection)
	}
	for _, it := range c.items {
		delete(m.items, it)
	}
	delete(m.collections, collection)
	m.order = slices.DeleteFunc(m.order, func(p dbus.ObjectPath) bool { return p == collection })
	maps.DeleteFunc(m.aliases, func(_ string, p dbus.ObjectPath) bool { return p == collection })
	return nil
}

func (m *MemoryTransport) CollectionProperties(ctx context.Context, collection dbus.ObjectPath) (CollectionProperties, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CollectionProperties"); err != nil {
		return CollectionProperties{}, err
	}
	c, ok := m.collections[collection]
	if !ok {
		return CollectionProperties{}, fmt.Errorf("%w: %s", ErrNotFound, collection)
	}
	return CollectionProperties{
		Label:    c.label,
		Locked:   c.locked,
		Created:  c.created,
		Modified: c.modified,
		Items:    slices.Clone(c.items),
	}, nil
}

func (m *MemoryTransport) SetCollectionLabel(ctx context.Context, collection dbus.ObjectPath, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("SetCollectionLabel"); err != nil {
		return err
	}
	c, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, collection)
	}
	c.label = label
	c.modified = max(c.modified, m.now())
	return nil
}

func (m *MemoryTransport) decodeLocked(sec Secret) ([]byte, error) {
	key, ok := m.sessions[sec.Session]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, sec.Session)
	}
	if key == nil {
		return slices.Clone(sec.Value), nil
	}
	return decryptCBC(key, sec.Parameters, sec.Value)
}

func (m *MemoryTransport) CreateItem(ctx context.Context, collection dbus.ObjectPath, label string, attrs map[string]string, secret Secret, replace bool) (dbus.ObjectPath, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CreateItem"); err != nil {
		return "", err
	}
	c, ok := m.collections[collection]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, collection)
	}
	if c.locked {
		return "", fmt.Errorf("%w: %s", ErrLocked, collection)
	}
	value, err := m.decodeLocked(secret)
	if err != nil {
		return "", err
	}
	if replace {
		for _, path := range c.items {
			it := m.items[path]
			if maps.Equal(it.attrs, attrs) {
				it.label = label
				it.value = value
				it.contentType = secret.ContentType
				it.modified = max(it.modified, m.now())
				c.modified = max(c.modified, it.modified)
				return path, nil
			}
		}
	}
	return m.newItemLocked(c, collection, label, attrs, value, secret.ContentType), nil
}

func (m *MemoryTransport) DeleteItem(ctx context.Context, item dbus.ObjectPath) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("DeleteItem"); err != nil {
		return err
	}
	it, ok := m.items[item]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, item)
	}
	c := m.collections[it.collection]
	c.items = slices.DeleteFunc(c.items, func(p dbus.ObjectPath) bool { return p == item })
	c.modified = max(c.modified, m.now())
	clear(it.value)
	delete(m.items, item)
	return nil
}

func (m *MemoryTransport) ItemProperties(ctx context.Context, item dbus.ObjectPath) (ItemProperties, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("ItemProperties"); err != nil {
		return ItemProperties{}, err
	}
	it, ok := m.items[item]
	if !ok {
		return ItemProperties{}, fmt.Errorf("%w: %s", ErrNotFound, item)
	}
	return ItemProperties{
		Label:      it.label,
		Attributes: maps.Clone(it.attrs),
		Locked:     m.collections[it.collection].locked,
		Created:    it.created,
		Modified:   it.modified,
	}, nil
}

func (m *MemoryTransport) updateItem(method string, item dbus.ObjectPath, update func(*memItem) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(method); err != nil {
		return err
	}
	it, ok := m.items[item]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, item)
	}
	if m.collections[it.collection].locked {
		return fmt.Errorf("%w: %s", ErrLocked, item)
	}
	if err := update(it); err != nil {
		return err
	}
	it.modified = max(it.modified, m.now())
	return nil
}

func (m *MemoryTransport) SetItemLabel(ctx context.Context, item dbus.ObjectPath, label string) error {
	return m.updateItem("SetItemLabel", item, func(it *memItem) error {
		it.label = label
		return nil
	})
}

func (m *MemoryTransport) SetItemAttributes(ctx context.Context, item dbus.ObjectPath, attrs map[string]string) error {
	return m.updateItem("SetItemAttributes", item, func(it *memItem) error {
		it.attrs = maps.Clone(attrs)
		return nil
	})
}

func (m *MemoryTransport) SetSecret(ctx context.Context, item dbus.ObjectPath, secret Secret) error {
	return m.updateItem("SetSecret", item, func(it *memItem) error {
		value, err := m.decodeLocked(secret)
		if err != nil {
			return err
		}
		clear(it.value)
		it.value = value
		it.contentType = secret.ContentType
		return nil
	})
}

func (m *MemoryTransport) GetSecret(ctx context.Context, item, session dbus.ObjectPath) (Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("GetSecret"); err != nil {
		return Secret{}, err
	}
	it, ok := m.items[item]
	if !ok {
		return Secret{}, fmt.Errorf("%w: %s", ErrNotFound, item)
	}
	if m.collections[it.collection].locked {
		return Secret{}, fmt.Errorf("%w: %s", ErrLocked, item)
	}
	key, ok := m.sessions[session]
	if !ok {
		return Secret{}, fmt.Errorf("%w: %s", ErrNoSession, session)
	}
	sec := Secret{Session: session, Parameters: []byte{}, ContentType: it.contentType}
	if key == nil {
		sec.Value = slices.Clone(it.value)
		return sec, nil
	}
	iv, ct, err := encryptCBC(key, it.value)
	if err != nil {
		return Secret{}, err
	}
	sec.Parameters, sec.Value = iv, ct
	return sec, nil
}

func (m *MemoryTransport) SearchItems(ctx context.Context, attrs map[string]string) ([]dbus.ObjectPath, []dbus.ObjectPath, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("SearchItems"); err != nil {
		return nil, nil, err
	}
	var unlocked, locked []dbus.ObjectPath
	for _, cpath := range m.order {
		c := m.collections[cpath]
		for _, path := range c.items {
			if !matches(m.items[path].attrs, attrs) {
				continue
			}
			if c.locked {
				locked = append(locked, path)
			} else {
				unlocked = append(unlocked, path)
			}
		}
	}
	return unlocked, locked, nil
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (m *MemoryTransport) Unlock(ctx context.Context, objects []dbus.ObjectPath) ([]dbus.ObjectPath, error) {
	return m.setLocked("Unlock", objects, false)
}

func (m *MemoryTransport) Lock(ctx context.Context, objects []dbus.ObjectPath) ([]dbus.ObjectPath, error) {
	return m.setLocked("Lock", objects, true)
}

// setLocked locks or unlocks whole collections; naming an item affects the
// collection holding it.
func (m *MemoryTransport) setLocked(method string, objects []dbus.ObjectPath, locked bool) ([]dbus.ObjectPath, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(method); err != nil {
		return nil, err
	}
	if !locked && m.dismiss {
		return nil, ErrPromptDismissed
	}
	var done []dbus.ObjectPath
	for _, obj := range objects {
		cpath := obj
		if it, ok := m.items[obj]; ok {
			cpath = it.collection
		}
		c, ok := m.collections[cpath]
		if !ok {
			continue
		}
		c.locked = locked
		if !slices.Contains(done, cpath) {
			done = append(done, cpath)
			done = append(done, c.items...)
		}
	}
	return done, nil
}

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Close"]++
	m.closed = true
	for path, key := range m.sessions {
		clear(key)
		delete(m.sessions, path)
	}
	return nil
}
