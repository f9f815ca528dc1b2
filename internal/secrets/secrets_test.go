package secrets

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreReadsTrimmedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "api-key")
	if err := os.WriteFile(path, []byte("sk-test-123\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	r := NewResolver()
	r.Register("file", &FileStore{})

	got, err := r.Resolve("file://" + path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "sk-test-123" {
		t.Fatalf("want sk-test-123, got %q", got)
	}
}

func TestFileStoreMissingPathIsNotFound(t *testing.T) {
	r := NewResolver()
	r.Register("file", &FileStore{})

	_, err := r.Resolve("file:///does/not/exist")
	if err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestEnvVaultStoreResolvesUppercasedKey(t *testing.T) {
	t.Setenv("SYMBIONT_API_TOKEN", "secret-value")

	r := NewResolver()
	r.Register("vault", &EnvVaultStore{})

	got, err := r.Resolve("vault://symbiont/api-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "secret-value" {
		t.Fatalf("want secret-value, got %q", got)
	}
}

func TestResolveUnknownSchemeErrors(t *testing.T) {
	r := NewResolver()
	if _, err := r.Resolve("s3://bucket/key"); err == nil {
		t.Fatalf("expected error for unregistered scheme")
	}
}

func TestResolveRejectsUnscoped(t *testing.T) {
	r := NewResolver()
	if _, err := r.Resolve("plain-value"); err == nil {
		t.Fatalf("expected error for non-scheme-prefixed reference")
	}
}
