package secret

import (
	"context"
	"maps"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Item is a handle to one stored secret.
type Item struct {
	collection *Collection
	path       dbus.ObjectPath

	mu    sync.Mutex
	props ItemProperties
	flags ItemFlags
	value *Value
}

func newItem(c *Collection, path dbus.ObjectPath, props ItemProperties) *Item {
	return &Item{collection: c, path: path, props: props}
}

func (i *Item) Path() dbus.ObjectPath { return i.path }

// Collection returns the collection holding the item.
func (i *Item) Collection() *Collection { return i.collection }

func (i *Item) Label() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.props.Label
}

// Attributes returns a copy of the item's lookup attributes.
func (i *Item) Attributes() map[string]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return maps.Clone(i.props.Attributes)
}

func (i *Item) Locked() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.props.Locked
}

func (i *Item) Created() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.props.Created
}

func (i *Item) Modified() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.props.Modified
}

func (i *Item) Flags() ItemFlags {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.flags
}

func (i *Item) IsSecretLoaded() bool {
	return i.Flags().Has(ItemLoadSecret)
}

// Secret returns the loaded secret value, or false if LoadSecret has not
// succeeded since the item was last locked or changed. The returned Value
// is wiped when the item is locked, replaced or deleted.
func (i *Item) Secret() (*Value, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.flags.Has(ItemLoadSecret) {
		return nil, false
	}
	return i.value, true
}

// LoadSecret fetches the secret value through the service's session,
// establishing the session first if needed.
func (i *Item) LoadSecret(ctx context.Context) error {
	p := i.collection.svc
	sess, err := p.ensureSession(ctx)
	if err != nil {
		return err
	}
	t, err := p.live()
	if err != nil {
		return wrapErr(ItemError, "load secret", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	sec, err := t.GetSecret(ctx, i.path, sess.path)
	if err != nil {
		return wrapErr(ItemError, "load secret", err)
	}
	v, err := sess.decode(sec)
	clear(sec.Value)
	if err != nil {
		return wrapErr(ItemError, "load secret", err)
	}
	if i.value != nil {
		i.value.Wipe()
	}
	i.value = v
	i.flags |= ItemLoadSecret
	return nil
}

// SetSecret replaces the stored value.
func (i *Item) SetSecret(ctx context.Context, v *Value) error {
	p := i.collection.svc
	sess, err := p.ensureSession(ctx)
	if err != nil {
		return err
	}
	t, err := p.live()
	if err != nil {
		return wrapErr(ItemError, "set secret", err)
	}
	sec, err := sess.encode(v)
	if err != nil {
		return wrapErr(ItemError, "set secret", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if err := t.SetSecret(ctx, i.path, sec); err != nil {
		return wrapErr(ItemError, "set secret", err)
	}
	if i.value != nil {
		i.value.Wipe()
	}
	i.value = NewValue(v.Bytes(), v.ContentType())
	i.flags |= ItemLoadSecret
	return nil
}

func (i *Item) SetLabel(ctx context.Context, label string) error {
	t, err := i.collection.svc.live()
	if err != nil {
		return wrapErr(ItemError, "set label", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := t.SetItemLabel(ctx, i.path, label); err != nil {
		return wrapErr(ItemError, "set label", err)
	}
	i.props.Label = label
	return nil
}

func (i *Item) SetAttributes(ctx context.Context, attrs map[string]string) error {
	t, err := i.collection.svc.live()
	if err != nil {
		return wrapErr(ItemError, "set attributes", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := t.SetItemAttributes(ctx, i.path, attrs); err != nil {
		return wrapErr(ItemError, "set attributes", err)
	}
	i.props.Attributes = maps.Clone(attrs)
	return nil
}

// Refresh re-reads the item's label, attributes, lock state and timestamps.
func (i *Item) Refresh(ctx context.Context) error {
	t, err := i.collection.svc.live()
	if err != nil {
		return wrapErr(LoadError, "refresh item", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	props, err := t.ItemProperties(ctx, i.path)
	if err != nil {
		return wrapErr(LoadError, "refresh item", err)
	}
	if props.Locked && !i.props.Locked {
		i.dropSecretLocked()
	}
	i.props = props
	return nil
}

// Delete removes the item from the vault.
func (i *Item) Delete(ctx context.Context) error {
	t, err := i.collection.svc.live()
	if err != nil {
		return wrapErr(ItemError, "delete item", err)
	}
	if err := t.DeleteItem(ctx, i.path); err != nil {
		return wrapErr(ItemError, "delete item", err)
	}
	i.collection.forgetItem(i.path)
	i.mu.Lock()
	i.dropSecretLocked()
	i.mu.Unlock()
	i.collection.svc.logger.Debug("item deleted", "path", i.path)
	return nil
}

func (i *Item) reset(props ItemProperties) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.props = props
	i.dropSecretLocked()
}

func (i *Item) setLocked(locked bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.props.Locked = locked
	if locked {
		i.dropSecretLocked()
	}
}

func (i *Item) dropSecretLocked() {
	if i.value != nil {
		i.value.Wipe()
		i.value = nil
	}
	i.flags &^= ItemLoadSecret
}
