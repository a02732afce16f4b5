package secret

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	busName     = "org.freedesktop.secrets"
	servicePath = dbus.ObjectPath("/org/freedesktop/secrets")

	ifacePrefix     = "org.freedesktop.Secret."
	serviceIface    = ifacePrefix + "Service"
	collectionIface = ifacePrefix + "Collection"
	itemIface       = ifacePrefix + "Item"
	sessionIface    = ifacePrefix + "Session"
	promptIface     = ifacePrefix + "Prompt"

	propertiesIface = "org.freedesktop.DBus.Properties"
	peerIface       = "org.freedesktop.DBus.Peer"
)

// D-Bus error names the vault reports.
const (
	errNameNoSuchObject = "org.freedesktop.Secret.Error.NoSuchObject"
	errNameIsLocked     = "org.freedesktop.Secret.Error.IsLocked"
	errNameNoSession    = "org.freedesktop.Secret.Error.NoSession"
	errNameNotSupported = "org.freedesktop.DBus.Error.NotSupported"
)

// DBusTransport speaks the Secret Service API over a D-Bus connection.
type DBusTransport struct {
	conn   *dbus.Conn
	logger *slog.Logger
}

// DialSessionBus opens a private connection to the session bus and checks
// that the vault answers.
func DialSessionBus(ctx context.Context) (*DBusTransport, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connecting to session bus: %w", err)
	}
	return newTransport(ctx, conn)
}

// Dial opens a private connection to the bus at address, e.g.
// "unix:path=/run/user/1000/bus".
func Dial(ctx context.Context, address string) (*DBusTransport, error) {
	conn, err := dbus.Connect(address, dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}
	return newTransport(ctx, conn)
}

func newTransport(ctx context.Context, conn *dbus.Conn) (*DBusTransport, error) {
	t := &DBusTransport{conn: conn, logger: slog.With("component", "dbus")}
	if err := t.ping(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *DBusTransport) ping(ctx context.Context) error {
	call := t.conn.Object(busName, servicePath).CallWithContext(ctx, peerIface+".Ping", 0)
	if call.Err != nil {
		return fmt.Errorf("secret service unavailable: %w", mapDBusError(call.Err))
	}
	return nil
}

func (t *DBusTransport) object(path dbus.ObjectPath) dbus.BusObject {
	return t.conn.Object(busName, path)
}

func (t *DBusTransport) call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) *dbus.Call {
	return t.object(path).CallWithContext(ctx, method, 0, args...)
}

func (t *DBusTransport) getAll(ctx context.Context, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	if err := t.call(ctx, path, propertiesIface+".GetAll", iface).Store(&props); err != nil {
		return nil, mapDBusError(err)
	}
	return props, nil
}

func (t *DBusTransport) setProperty(ctx context.Context, path dbus.ObjectPath, iface, name string, value any) error {
	if err := t.call(ctx, path, propertiesIface+".Set", iface, name, dbus.MakeVariant(value)).Err; err != nil {
		return mapDBusError(err)
	}
	return nil
}

func (t *DBusTransport) OpenSession(ctx context.Context, algorithm string, input dbus.Variant) (dbus.Variant, dbus.ObjectPath, error) {
	var (
		output dbus.Variant
		path   dbus.ObjectPath
	)
	if err := t.call(ctx, servicePath, serviceIface+".OpenSession", algorithm, input).Store(&output, &path); err != nil {
		return dbus.Variant{}, "", mapDBusError(err)
	}
	return output, path, nil
}

func (t *DBusTransport) CloseSession(ctx context.Context, session dbus.ObjectPath) error {
	if err := t.call(ctx, session, sessionIface+".Close").Err; err != nil {
		return mapDBusError(err)
	}
	return nil
}

func (t *DBusTransport) Collections(ctx context.Context) ([]dbus.ObjectPath, error) {
	var v dbus.Variant
	if err := t.call(ctx, servicePath, propertiesIface+".Get", serviceIface, "Collections").Store(&v); err != nil {
		return nil, mapDBusError(err)
	}
	paths, ok := v.Value().([]dbus.ObjectPath)
	if !ok {
		return nil, fmt.Errorf("unexpected Collections type %s", v.Signature())
	}
	return paths, nil
}

func (t *DBusTransport) ReadAlias(ctx context.Context, alias string) (dbus.ObjectPath, error) {
	var path dbus.ObjectPath
	if err := t.call(ctx, servicePath, serviceIface+".ReadAlias", alias).Store(&path); err != nil {
		return "", mapDBusError(err)
	}
	return path, nil
}

func (t *DBusTransport) SetAlias(ctx context.Context, alias string, collection dbus.ObjectPath) error {
	if err := t.call(ctx, servicePath, serviceIface+".SetAlias", alias, collection).Err; err != nil {
		return mapDBusError(err)
	}
	return nil
}

func (t *DBusTransport) CreateCollection(ctx context.Context, label, alias string) (dbus.ObjectPath, error) {
	props := map[string]dbus.Variant{
		collectionIface + ".Label": dbus.MakeVariant(label),
	}
	var collection, prompt dbus.ObjectPath
	if err := t.call(ctx, servicePath, serviceIface+".CreateCollection", props, alias).Store(&collection, &prompt); err != nil {
		return "", mapDBusError(err)
	}
	if collection != NoPath {
		return collection, nil
	}
	result, err := t.prompt(ctx, prompt)
	if err != nil {
		return "", err
	}
	path, ok := result.Value().(dbus.ObjectPath)
	if !ok {
		return "", fmt.Errorf("unexpected prompt result type %s", result.Signature())
	}
	return path, nil
}

func (t *DBusTransport) DeleteCollection(ctx context.Context, collection dbus.ObjectPath) error {
	return t.deleteObject(ctx, collection, collectionIface)
}

func (t *DBusTransport) deleteObject(ctx context.Context, path dbus.ObjectPath, iface string) error {
	var prompt dbus.ObjectPath
	if err := t.call(ctx, path, iface+".Delete").Store(&prompt); err != nil {
		return mapDBusError(err)
	}
	if prompt == NoPath {
		return nil
	}
	_, err := t.prompt(ctx, prompt)
	return err
}

func (t *DBusTransport) CollectionProperties(ctx context.Context, collection dbus.ObjectPath) (CollectionProperties, error) {
	raw, err := t.getAll(ctx, collection, collectionIface)
	if err != nil {
		return CollectionProperties{}, err
	}
	var props CollectionProperties
	err = errors.Join(
		storeProp(raw, "Label", &props.Label),
		storeProp(raw, "Locked", &props.Locked),
		storeProp(raw, "Created", &props.Created),
		storeProp(raw, "Modified", &props.Modified),
		storeProp(raw, "Items", &props.Items),
	)
	if err != nil {
		return CollectionProperties{}, fmt.Errorf("collection %s: %w", collection, err)
	}
	return props, nil
}

func (t *DBusTransport) SetCollectionLabel(ctx context.Context, collection dbus.ObjectPath, label string) error {
	return t.setProperty(ctx, collection, collectionIface, "Label", label)
}

func (t *DBusTransport) CreateItem(ctx context.Context, collection dbus.ObjectPath, label string, attrs map[string]string, secret Secret, replace bool) (dbus.ObjectPath, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	props := map[string]dbus.Variant{
		itemIface + ".Label":      dbus.MakeVariant(label),
		itemIface + ".Attributes": dbus.MakeVariant(attrs),
	}
	var item, prompt dbus.ObjectPath
	if err := t.call(ctx, collection, collectionIface+".CreateItem", props, secret, replace).Store(&item, &prompt); err != nil {
		return "", mapDBusError(err)
	}
	if item != NoPath {
		return item, nil
	}
	result, err := t.prompt(ctx, prompt)
	if err != nil {
		return "", err
	}
	path, ok := result.Value().(dbus.ObjectPath)
	if !ok {
		return "", fmt.Errorf("unexpected prompt result type %s", result.Signature())
	}
	return path, nil
}

func (t *DBusTransport) DeleteItem(ctx context.Context, item dbus.ObjectPath) error {
	return t.deleteObject(ctx, item, itemIface)
}

func (t *DBusTransport) ItemProperties(ctx context.Context, item dbus.ObjectPath) (ItemProperties, error) {
	raw, err := t.getAll(ctx, item, itemIface)
	if err != nil {
		return ItemProperties{}, err
	}
	var props ItemProperties
	err = errors.Join(
		storeProp(raw, "Label", &props.Label),
		storeProp(raw, "Attributes", &props.Attributes),
		storeProp(raw, "Locked", &props.Locked),
		storeProp(raw, "Created", &props.Created),
		storeProp(raw, "Modified", &props.Modified),
	)
	if err != nil {
		return ItemProperties{}, fmt.Errorf("item %s: %w", item, err)
	}
	return props, nil
}

func (t *DBusTransport) SetItemLabel(ctx context.Context, item dbus.ObjectPath, label string) error {
	return t.setProperty(ctx, item, itemIface, "Label", label)
}

func (t *DBusTransport) SetItemAttributes(ctx context.Context, item dbus.ObjectPath, attrs map[string]string) error {
	return t.setProperty(ctx, item, itemIface, "Attributes", attrs)
}

func (t *DBusTransport) GetSecret(ctx context.Context, item, session dbus.ObjectPath) (Secret, error) {
	var sec Secret
	if err := t.call(ctx, item, itemIface+".GetSecret", session).Store(&sec); err != nil {
		return Secret{}, mapDBusError(err)
	}
	return sec, nil
}

func (t *DBusTransport) SetSecret(ctx context.Context, item dbus.ObjectPath, secret Secret) error {
	if err := t.call(ctx, item, itemIface+".SetSecret", secret).Err; err != nil {
		return mapDBusError(err)
	}
	return nil
}

func (t *DBusTransport) SearchItems(ctx context.Context, attrs map[string]string) ([]dbus.ObjectPath, []dbus.ObjectPath, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	var unlocked, locked []dbus.ObjectPath
	if err := t.call(ctx, servicePath, serviceIface+".SearchItems", attrs).Store(&unlocked, &locked); err != nil {
		return nil, nil, mapDBusError(err)
	}
	return unlocked, locked, nil
}

func (t *DBusTransport) Unlock(ctx context.Context, objects []dbus.ObjectPath) ([]dbus.ObjectPath, error) {
	return t.lockOrUnlock(ctx, "Unlock", objects)
}

func (t *DBusTransport) Lock(ctx context.Context, objects []dbus.ObjectPath) ([]dbus.ObjectPath, error) {
	return t.lockOrUnlock(ctx, "Lock", objects)
}

func (t *DBusTransport) lockOrUnlock(ctx context.Context, method string, objects []dbus.ObjectPath) ([]dbus.ObjectPath, error) {
	var (
		done   []dbus.ObjectPath
		prompt dbus.ObjectPath
	)
	if err := t.call(ctx, servicePath, serviceIface+"."+method, objects).Store(&done, &prompt); err != nil {
		return nil, mapDBusError(err)
	}
	if prompt == NoPath {
		return done, nil
	}
	result, err := t.prompt(ctx, prompt)
	if err != nil {
		return nil, err
	}
	more, ok := result.Value().([]dbus.ObjectPath)
	if !ok {
		return nil, fmt.Errorf("unexpected prompt result type %s", result.Signature())
	}
	return append(done, more...), nil
}

// prompt runs a vault prompt and waits for its Completed signal. If ctx
// ends first the prompt is dismissed.
func (t *DBusTransport) prompt(ctx context.Context, path dbus.ObjectPath) (dbus.Variant, error) {
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(promptIface),
		dbus.WithMatchMember("Completed"),
	}
	if err := t.conn.AddMatchSignal(match...); err != nil {
		return dbus.Variant{}, fmt.Errorf("watching prompt %s: %w", path, err)
	}
	defer t.conn.RemoveMatchSignal(match...)

	signals := make(chan *dbus.Signal, 4)
	t.conn.Signal(signals)
	defer t.conn.RemoveSignal(signals)

	t.logger.Debug("running prompt", "path", path)
	if err := t.call(ctx, path, promptIface+".Prompt", "").Err; err != nil {
		return dbus.Variant{}, mapDBusError(err)
	}

	for {
		select {
		case <-ctx.Done():
			if err := t.object(path).Call(promptIface+".Dismiss", 0).Err; err != nil {
				t.logger.Debug("dismissing prompt", "path", path, "error", err)
			}
			return dbus.Variant{}, ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return dbus.Variant{}, fmt.Errorf("connection closed while waiting for prompt %s", path)
			}
			if sig.Path != path || sig.Name != promptIface+".Completed" || len(sig.Body) != 2 {
				continue
			}
			if dismissed, _ := sig.Body[0].(bool); dismissed {
				return dbus.Variant{}, ErrPromptDismissed
			}
			result, _ := sig.Body[1].(dbus.Variant)
			return result, nil
		}
	}
}

func (t *DBusTransport) Close() error {
	return t.conn.Close()
}

// storeProp copies the named property into dst. Missing properties leave
// dst untouched.
func storeProp[T any](props map[string]dbus.Variant, name string, dst *T) error {
	v, ok := props[name]
	if !ok {
		return nil
	}
	val, ok := v.Value().(T)
	if !ok {
		return fmt.Errorf("property %s has type %s", name, v.Signature())
	}
	*dst = val
	return nil
}

// mapDBusError attaches the package sentinel matching a vault error name
// while keeping the original dbus.Error reachable.
func mapDBusError(err error) error {
	var name string
	var de dbus.Error
	var dep *dbus.Error
	switch {
	case errors.As(err, &de):
		name = de.Name
	case errors.As(err, &dep):
		name = dep.Name
	default:
		return err
	}
	switch name {
	case errNameNoSuchObject:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errNameIsLocked:
		return fmt.Errorf("%w: %w", ErrLocked, err)
	case errNameNoSession:
		return fmt.Errorf("%w: %w", ErrNoSession, err)
	case errNameNotSupported:
		return fmt.Errorf("%w: %w", ErrUnsupportedAlgorithm, err)
	}
	return err
}
