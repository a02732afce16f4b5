package keychain

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/benaskins/gsecret/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAuditedStore(t *testing.T) (*AuditedStore, string) {
	t.Helper()
	auditPath := filepath.Join(t.TempDir(), "audit.log")

	auditLog, err := audit.NewLogger(auditPath)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	return NewAuditedStore(testStore(t), auditLog, "default", "cli"), auditPath
}

func readAuditEntries(t *testing.T, path string) []audit.Entry {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	entries := make([]audit.Entry, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		var e audit.Entry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestAuditedStoreSetLogsWrite(t *testing.T) {
	store, auditPath := setupAuditedStore(t)

	require.NoError(t, store.Set(context.Background(), "test/key", "value"))

	entries := readAuditEntries(t, auditPath)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, audit.ActionSecretWrite, e.Action)
	assert.Equal(t, "test/key", e.Key)
	assert.Equal(t, "cli", e.Actor)
	assert.Equal(t, "default", e.Collection)

	data, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "value")
}

func TestAuditedStoreGetLogsRead(t *testing.T) {
	store, auditPath := setupAuditedStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "test/get", "val"))
	_, err := store.Get(ctx, "test/get")
	require.NoError(t, err)

	entries := readAuditEntries(t, auditPath)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ActionSecretRead, entries[1].Action)
}

func TestAuditedStoreGetMissingNotLogged(t *testing.T) {
	store, auditPath := setupAuditedStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "test/present", "val"))
	_, err := store.Get(ctx, "test/absent")
	require.ErrorIs(t, err, ErrNotFound)

	assert.Len(t, readAuditEntries(t, auditPath), 1)
}

func TestAuditedStoreDeleteLogsDelete(t *testing.T) {
	store, auditPath := setupAuditedStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "test/del", "val"))
	require.NoError(t, store.Delete(ctx, "test/del"))

	entries := readAuditEntries(t, auditPath)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ActionSecretDelete, entries[1].Action)
}

func TestAuditedStoreGetMultipleLogsEachRead(t *testing.T) {
	store, auditPath := setupAuditedStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", "1"))
	require.NoError(t, store.Set(ctx, "b", "2"))
	result, err := store.GetMultiple(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, result, 2)

	reads := filterEntries(readAuditEntries(t, auditPath), audit.ActionSecretRead)
	assert.Len(t, reads, 2)
}

func TestAuditedStoreListNotLogged(t *testing.T) {
	store, auditPath := setupAuditedStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", "1"))
	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.Len(t, readAuditEntries(t, auditPath), 1)
}

func filterEntries(entries []audit.Entry, action audit.Action) []audit.Entry {
	var result []audit.Entry
	for _, e := range entries {
		if e.Action == action {
			result = append(result, e)
		}
	}
	return result
}
