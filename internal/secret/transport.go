package secret

import (
	"context"

	"github.com/godbus/dbus/v5"
)

// NoPath is the null object path the vault uses for "no object".
const NoPath = dbus.ObjectPath("/")

// Secret is the wire form of a secret value: the D-Bus (oayays) struct.
type Secret struct {
	Session     dbus.ObjectPath
	Parameters  []byte
	Value       []byte
	ContentType string
}

// CollectionProperties is a snapshot of a collection's remote properties.
type CollectionProperties struct {
	Label    string
	Locked   bool
	Created  uint64
	Modified uint64
	Items    []dbus.ObjectPath
}

// ItemProperties is a snapshot of an item's remote properties.
type ItemProperties struct {
	Label      string
	Attributes map[string]string
	Locked     bool
	Created    uint64
	Modified   uint64
}

// Transport is the synchronous call surface of a vault. Each method is one
// round trip. Implementations run any prompt the vault asks for before
// returning, and report unbound aliases as NoPath rather than an error.
type Transport interface {
	OpenSession(ctx context.Context, algorithm string, input dbus.Variant) (dbus.Variant, dbus.ObjectPath, error)
	CloseSession(ctx context.Context, session dbus.ObjectPath) error

	Collections(ctx context.Context) ([]dbus.ObjectPath, error)
	ReadAlias(ctx context.Context, alias string) (dbus.ObjectPath, error)
	SetAlias(ctx context.Context, alias string, collection dbus.ObjectPath) error
	CreateCollection(ctx context.Context, label, alias string) (dbus.ObjectPath, error)
	DeleteCollection(ctx context.Context, collection dbus.ObjectPath) error
	CollectionProperties(ctx context.Context, collection dbus.ObjectPath) (CollectionProperties, error)
	SetCollectionLabel(ctx context.Context, collection dbus.ObjectPath, label string) error

	CreateItem(ctx context.Context, collection dbus.ObjectPath, label string, attrs map[string]string, secret Secret, replace bool) (dbus.ObjectPath, error)
	DeleteItem(ctx context.Context, item dbus.ObjectPath) error
	ItemProperties(ctx context.Context, item dbus.ObjectPath) (ItemProperties, error)
	SetItemLabel(ctx context.Context, item dbus.ObjectPath, label string) error
	SetItemAttributes(ctx context.Context, item dbus.ObjectPath, attrs map[string]string) error
	GetSecret(ctx context.Context, item, session dbus.ObjectPath) (Secret, error)
	SetSecret(ctx context.Context, item dbus.ObjectPath, secret Secret) error

	SearchItems(ctx context.Context, attrs map[string]string) (unlocked, locked []dbus.ObjectPath, err error)
	Unlock(ctx context.Context, objects []dbus.ObjectPath) ([]dbus.ObjectPath, error)
	Lock(ctx context.Context, objects []dbus.ObjectPath) ([]dbus.ObjectPath, error)

	Close() error
}
