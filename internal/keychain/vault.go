package keychain

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/benaskins/gsecret/internal/secret"
)

// VaultStore keeps secrets as items of the collection bound to an alias.
// Writes go to that collection; reads search every collection for the
// service and key attributes, unlocking matches when needed.
type VaultStore struct {
	svc     *secret.Service
	alias   string
	service string
}

// NewVaultStore returns a store writing to the collection bound to alias,
// created if the alias is unbound, and scoping keys by service.
func NewVaultStore(svc *secret.Service, alias, service string) *VaultStore {
	if alias == "" {
		alias = secret.DefaultAlias
	}
	return &VaultStore{svc: svc, alias: alias, service: service}
}

func (s *VaultStore) attrs(key string) map[string]string {
	return map[string]string{"service": s.service, "key": key}
}

// Set stores value under key, replacing any existing value.
func (s *VaultStore) Set(ctx context.Context, key, value string) error {
	v := secret.NewTextValue(value)
	defer v.Wipe()
	label := fmt.Sprintf("%s: %s", s.service, key)
	if _, err := s.svc.Store(ctx, s.alias, label, s.attrs(key), v); err != nil {
		return fmt.Errorf("vault set %q: %w", key, err)
	}
	return nil
}

func (s *VaultStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.svc.Lookup(ctx, s.attrs(key))
	if err != nil {
		if errors.Is(err, secret.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("vault get %q: %w", key, err)
	}
	if v.Len() == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return string(v.Bytes()), nil
}

// List returns the keys stored under the service, sorted.
func (s *VaultStore) List(ctx context.Context) ([]string, error) {
	items, err := s.svc.Search(ctx, map[string]string{"service": s.service}, secret.SearchAll)
	if err != nil {
		return nil, fmt.Errorf("vault list: %w", err)
	}
	keys := make([]string, 0, len(items))
	for _, it := range items {
		if k, ok := it.Attributes()["key"]; ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

// Delete removes key. A missing key is not an error.
func (s *VaultStore) Delete(ctx context.Context, key string) error {
	if _, err := s.svc.Clear(ctx, s.attrs(key)); err != nil {
		return fmt.Errorf("vault delete %q: %w", key, err)
	}
	return nil
}

// GetMultiple returns the values of the keys that exist.
func (s *VaultStore) GetMultiple(ctx context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		val, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result[key] = val
	}
	return result, nil
}
