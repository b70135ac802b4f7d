// Package testutil provides shared test helpers for verso tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// TempFile writes content to name inside dir and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}
