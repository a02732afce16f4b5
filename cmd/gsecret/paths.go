package main

import (
	"os"
	"path/filepath"
)

// gsecretHome returns the path to the gsecret home directory (~/.gsecret).
func gsecretHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".gsecret"), nil
}

// auditLogPath returns the configured audit log, or ~/.gsecret/audit.log.
func auditLogPath() (string, error) {
	if cfg != nil && cfg.AuditLog != "" {
		return cfg.AuditLog, nil
	}
	home, err := gsecretHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "audit.log"), nil
}
