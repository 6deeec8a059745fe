package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFilePersister_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "token")
	p := NewFilePersister(path)

	if got, err := p.Load(ctx); err != nil || got != "" {
		t.Fatalf("Load() on missing file = %q, %v", got, err)
	}
	if err := p.Save(ctx, "secret"); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm = %o, want 600", perm)
	}
	if got, err := p.Load(ctx); err != nil || got != "secret" {
		t.Fatalf("Load() = %q, %v", got, err)
	}
	if err := p.Delete(ctx); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := p.Delete(ctx); err != nil {
		t.Fatalf("second Delete() error: %v", err)
	}
}

func TestMemoryPersister_Closed(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPersister()
	_ = p.Save(ctx, "x")
	_ = p.Close()

	if _, err := p.Load(ctx); !errors.Is(err, ErrPersisterClosed) {
		t.Fatalf("Load() after Close err = %v", err)
	}
	if err := p.Save(ctx, "y"); !errors.Is(err, ErrPersisterClosed) {
		t.Fatalf("Save() after Close err = %v", err)
	}
}
