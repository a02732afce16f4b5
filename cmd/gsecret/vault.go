package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/benaskins/gsecret/internal/audit"
	"github.com/benaskins/gsecret/internal/config"
	"github.com/benaskins/gsecret/internal/secret"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// vault bundles what a command needs: the service handle and the audit log.
type vault struct {
	svc   *secret.Service
	audit *audit.Logger
}

// persistentMemory keeps the --memory vault alive across commands run in
// one process.
type persistentMemory struct {
	*secret.MemoryTransport
}

func (persistentMemory) Close() error { return nil }

var (
	memoryOnce sync.Once
	memory     *secret.MemoryTransport
)

func memoryVault() secret.Transport {
	memoryOnce.Do(func() { memory = secret.NewMemoryTransport() })
	return persistentMemory{memory}
}

func dial(ctx context.Context) (secret.Transport, error) {
	if useMemory {
		return memoryVault(), nil
	}
	if cfg.BusAddress != "" {
		return secret.Dial(ctx, cfg.BusAddress)
	}
	return secret.DialSessionBus(ctx)
}

func sessionAlgorithm() string {
	if cfg.Algorithm == config.AlgorithmPlain {
		return secret.AlgorithmPlain
	}
	return secret.AlgorithmDH
}

// withVault opens the service with flags, runs fn under the configured call
// timeout and releases everything afterwards.
func withVault(cmd *cobra.Command, flags secret.ServiceFlags, fn func(ctx context.Context, v *vault) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.CallTimeout)
	defer cancel()

	t, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("connecting to secret service: %w", err)
	}
	svc, err := secret.Open(ctx, t, secret.Options{
		Flags:     flags,
		Algorithm: sessionAlgorithm(),
		Logger:    slog.Default(),
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	logPath, err := auditLogPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return fmt.Errorf("creating audit dir: %w", err)
	}
	auditLog, err := audit.NewLogger(logPath)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	return fn(ctx, &vault{svc: svc, audit: auditLog})
}

// record appends an audit entry; failures are logged, not returned.
func (v *vault) record(e audit.Entry) {
	e.Actor = "cli"
	if err := v.audit.Log(e); err != nil {
		slog.Warn("audit log write failed", "action", e.Action, "error", err)
	}
}

// parseAttrs turns key=value arguments into an attribute map.
func parseAttrs(args []string) (map[string]string, error) {
	attrs := make(map[string]string, len(args))
	for _, arg := range args {
		k, val, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("attribute %q: want key=value", arg)
		}
		attrs[k] = val
	}
	return attrs, nil
}

// readSecret prompts for a value on a terminal, or reads stdin when piped.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return strings.TrimRight(string(b), "\n"), nil
}
