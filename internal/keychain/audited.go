package keychain

import (
	"context"
	"fmt"

	"github.com/benaskins/gsecret/internal/audit"
)

// AuditedStore wraps a Store and records each access in the audit log.
type AuditedStore struct {
	inner      Store
	audit      *audit.Logger
	collection string
	actor      string
}

// NewAuditedStore wraps inner. collection names where inner keeps its
// secrets and is copied into every entry.
func NewAuditedStore(inner Store, auditLog *audit.Logger, collection, actor string) *AuditedStore {
	return &AuditedStore{
		inner:      inner,
		audit:      auditLog,
		collection: collection,
		actor:      actor,
	}
}

// record is best-effort: a failure to log does not fail the operation.
func (s *AuditedStore) record(action audit.Action, key string, err error) {
	e := audit.Entry{
		Action:     action,
		Key:        key,
		Collection: s.collection,
		Actor:      s.actor,
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.audit.Log(e)
}

func (s *AuditedStore) Set(ctx context.Context, key, value string) error {
	err := s.inner.Set(ctx, key, value)
	s.record(audit.ActionSecretWrite, key, err)
	if err != nil {
		return fmt.Errorf("audited store set: %w", err)
	}
	return nil
}

func (s *AuditedStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.inner.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("audited store get: %w", err)
	}
	s.record(audit.ActionSecretRead, key, nil)
	return val, nil
}

func (s *AuditedStore) List(ctx context.Context) ([]string, error) {
	return s.inner.List(ctx)
}

func (s *AuditedStore) Delete(ctx context.Context, key string) error {
	err := s.inner.Delete(ctx, key)
	s.record(audit.ActionSecretDelete, key, err)
	if err != nil {
		return fmt.Errorf("audited store delete: %w", err)
	}
	return nil
}

func (s *AuditedStore) GetMultiple(ctx context.Context, keys []string) (map[string]string, error) {
	result, err := s.inner.GetMultiple(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("audited store get multiple: %w", err)
	}
	for key := range result {
		s.record(audit.ActionSecretRead, key, nil)
	}
	return result, nil
}
