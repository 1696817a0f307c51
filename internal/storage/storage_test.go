package storage

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/db"
	"github.com/lalithlochan/tandem/internal/mongostore"
)

func TestOpen_Memory(t *testing.T) {
	h, err := Open(context.Background(), "memory", db.Config{}, mongostore.Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if h.Backend != "memory" {
		t.Errorf("unexpected backend %q", h.Backend)
	}
	if err := h.Health(context.Background()); err != nil {
		t.Errorf("memory health: %v", err)
	}
	if _, err := h.Store.Get(context.Background(), "missing"); err == nil {
		t.Error("expected not found from empty store")
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), "sqlite", db.Config{}, mongostore.Config{}, zap.NewNop()); err == nil {
		t.Error("expected error for unknown backend")
	}
}
