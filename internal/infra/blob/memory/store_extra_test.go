package memory

import (
	"bytes"
	"context"
	"testing"

	"envgraph/internal/infra/blob/core"
)

func TestMemoryStoreCRUDAndPresign(t *testing.T) {
	st := New()
	if st.Driver() != core.DriverMemory {
		t.Fatalf("driver mismatch")
	}
	info, err := st.Put(context.Background(), "layer-07/meta.json", bytes.NewReader([]byte("data")), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"class": "layer"}})
	if err != nil || info.Key != "layer-07/meta.json" {
		t.Fatalf("put failed: %+v %v", info, err)
	}
	if _, err := st.Put(context.Background(), "layer-07/meta.json", bytes.NewReader([]byte("d2")), core.PutOptions{}); err == nil {
		t.Fatalf("expected duplicate put error")
	}
	h, err := st.Head(context.Background(), "layer-07/meta.json")
	if err != nil || h.Size != 4 {
		t.Fatalf("head failed: %+v %v", h, err)
	}
	gInfo, r, err := st.Get(context.Background(), "layer-07/meta.json")
	if err != nil || gInfo.Size != 4 {
		t.Fatalf("get failed: %+v %v", gInfo, err)
	}
	_ = r.Close()
	items, err := st.List(context.Background(), "layer-07")
	if err != nil || len(items) != 1 {
		t.Fatalf("list failed: %v %v", items, err)
	}
	ok, err := st.Delete(context.Background(), "layer-07/meta.json")
	if err != nil || !ok {
		t.Fatalf("delete failed: %v %v", ok, err)
	}
	items, _ = st.List(context.Background(), "layer-07")
	if len(items) != 0 {
		t.Fatalf("expected empty after delete")
	}
	if _, err := st.PresignURL(context.Background(), "layer-07/meta.json", core.SignedURLOptions{}); err == nil {
		t.Fatalf("expected unsupported presign")
	}
}
