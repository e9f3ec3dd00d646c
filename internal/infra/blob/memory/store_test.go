package memory

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"envgraph/internal/infra/blob/core"
)

func TestStore_MissingHeadGet(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.Head(ctx, "missing-item/meta.json"); err == nil {
		t.Fatalf("expected head error")
	}
	if _, _, err := store.Get(ctx, "missing-item/meta.json"); err == nil {
		t.Fatalf("expected get error")
	}
}

func TestStore_AllBranches(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, _, err := store.Get(ctx, "missing"); err == nil {
		t.Fatalf("expected missing get error")
	}
	if _, err := store.Head(ctx, "missing"); err == nil {
		t.Fatalf("expected missing head error")
	}
	if ok, err := store.Delete(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected delete false")
	}
	if _, err := store.Put(ctx, "frame-01/meta.json", bytes.NewReader([]byte("{}")), core.PutOptions{Metadata: map[string]string{"kind": "frame"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "frame-01/meta.json", bytes.NewReader([]byte("{}")), core.PutOptions{}); err == nil {
		t.Fatalf("expected duplicate put error")
	}
	if list, err := store.List(ctx, ""); err != nil || len(list) != 1 {
		t.Fatalf("list all: %v %d", err, len(list))
	}
	if list, err := store.List(ctx, "frame-01"); err != nil || len(list) != 1 {
		t.Fatalf("list prefix: %v %d", err, len(list))
	}
	if _, err := store.PresignURL(ctx, "frame-01/meta.json", core.SignedURLOptions{}); err == nil {
		t.Fatalf("expected unsupported presign")
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, fmt.Errorf("read failed") }

func TestStore_PutReadErrorAndDriver(t *testing.T) {
	store := New()
	if store.Driver() != core.DriverMemory {
		t.Fatalf("expected memory driver")
	}
	if _, err := store.Put(context.Background(), "bad", brokenReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected read error")
	}
}
