// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) string
		want  map[string]string
	}{
		{
			name: "reads known keys and trims whitespace",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, ClassifierAPIKey, "  ck_abc123  \n")
				writeFile(t, dir, ContactEmail, "user@example.com\n")
				return dir
			},
			want: map[string]string{
				ClassifierAPIKey: "ck_abc123",
				ContactEmail:     "user@example.com",
			},
		},
		{
			name: "returns empty map for nonexistent directory",
			setup: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "does-not-exist")
			},
			want: map[string]string{},
		},
		{
			name: "skips empty files",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, ClassifierAPIKey, "valid-key")
				writeFile(t, dir, ContactEmail, "   \n\t  ")
				return dir
			},
			want: map[string]string{
				ClassifierAPIKey: "valid-key",
			},
		},
		{
			name: "ignores files outside the known key set",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, ClassifierAPIKey, "ck_real")
				writeFile(t, dir, "operator-notes", "rotate quarterly")
				writeFile(t, dir, ".gitkeep", "")
				return dir
			},
			want: map[string]string{
				ClassifierAPIKey: "ck_real",
			},
		},
		{
			name: "returns empty map for empty directory",
			setup: func(t *testing.T) string {
				return t.TempDir()
			},
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := tt.setup(t)
			assert.Equal(t, tt.want, Load(dir))
		})
	}
}

func TestLoadUnreadableFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ContactEmail, "user@example.com")

	// Create a key file then remove read permission.
	badPath := filepath.Join(dir, ClassifierAPIKey)
	require.NoError(t, os.WriteFile(badPath, []byte("secret"), 0o000))
	t.Cleanup(func() { os.Chmod(badPath, 0o644) })

	got := Load(dir)
	// The readable key should still be returned; the bad file is skipped
	// with a warning.
	assert.Equal(t, "user@example.com", got[ContactEmail])
	_, hasBad := got[ClassifierAPIKey]
	assert.False(t, hasBad, "unreadable file should not appear in result")
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}
