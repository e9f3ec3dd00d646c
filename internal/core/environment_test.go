package core

import (
	"errors"
	"testing"
)

func TestNewEnvironmentHasSingleRoot(t *testing.T) {
	env := NewEnvironment()
	root := env.RootFrame()
	if root == "" {
		t.Fatalf("expected a non-empty root id")
	}
	f, err := env.GetFrame(root)
	if err != nil {
		t.Fatalf("GetFrame(root): %v", err)
	}
	if f.Label != "root" {
		t.Fatalf("expected root label %q, got %q", "root", f.Label)
	}
	if _, ok := env.FrameParent(root); ok {
		t.Fatalf("expected root to have no parent")
	}
}

func TestAttachFrameMintsSuffixedID(t *testing.T) {
	env := NewEnvironment(WithPrefix("/world/"))
	id1, err := env.AttachFrame(FrameNode{})
	if err != nil {
		t.Fatalf("AttachFrame: %v", err)
	}
	id2, err := env.AttachFrame(FrameNode{})
	if err != nil {
		t.Fatalf("AttachFrame: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct minted ids, got %q twice", id1)
	}
	f1, err := env.GetFrame(id1)
	if err != nil {
		t.Fatalf("GetFrame: %v", err)
	}
	if f1.ClassName != "FrameNode" {
		t.Fatalf("expected default class name FrameNode, got %q", f1.ClassName)
	}
}

func TestAttachExplicitIDRejectsCollision(t *testing.T) {
	env := NewEnvironment()
	if _, err := env.AttachFrame(FrameNode{Base: Base{ID: "/fixed"}}); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	_, err := env.AttachFrame(FrameNode{Base: Base{ID: "/fixed"}})
	if !errors.Is(err, &Error{Kind: ErrIdCollision}) {
		t.Fatalf("expected id collision, got %v", err)
	}
}

func TestAttachLayerDefaultsMetadataAndClass(t *testing.T) {
	env := NewEnvironment()
	id, err := env.AttachLayer(Layer{})
	if err != nil {
		t.Fatalf("AttachLayer: %v", err)
	}
	l, err := env.GetLayer(id)
	if err != nil {
		t.Fatalf("GetLayer: %v", err)
	}
	if l.ClassName != "Layer" {
		t.Fatalf("expected default class Layer, got %q", l.ClassName)
	}
	if l.Metadata == nil {
		t.Fatalf("expected a metadata holder to be created")
	}
}

func TestAttachCartesianMapBindsRootByDefault(t *testing.T) {
	env := NewEnvironment()
	id, err := env.AttachCartesianMap(CartesianMap{Dimension: 2}, "")
	if err != nil {
		t.Fatalf("AttachCartesianMap: %v", err)
	}
	frame, ok := env.MapFrame(id)
	if !ok || frame != env.RootFrame() {
		t.Fatalf("expected map bound to root, got %q ok=%v", frame, ok)
	}
	m, err := env.GetCartesianMap(id)
	if err != nil {
		t.Fatalf("GetCartesianMap: %v", err)
	}
	if m.Dimension != 2 {
		t.Fatalf("expected dimension 2, got %d", m.Dimension)
	}
}

func TestGetCartesianMapRejectsPlainLayer(t *testing.T) {
	env := NewEnvironment()
	id, err := env.AttachLayer(Layer{})
	if err != nil {
		t.Fatalf("AttachLayer: %v", err)
	}
	_, err = env.GetCartesianMap(id)
	if !errors.Is(err, &Error{Kind: ErrTypeMismatch}) {
		t.Fatalf("expected type mismatch, got %v", err)
	}
}

func TestUniqueFrameByClassAmbiguousAndNotFound(t *testing.T) {
	env := NewEnvironment()
	if _, err := env.UniqueFrameByClass("sensor"); !errors.Is(err, &Error{Kind: ErrNotFound}) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.AttachFrame(FrameNode{Base: Base{ClassName: "sensor"}}); err != nil {
		t.Fatalf("attach 1: %v", err)
	}
	if _, err := env.AttachFrame(FrameNode{Base: Base{ClassName: "sensor"}}); err != nil {
		t.Fatalf("attach 2: %v", err)
	}
	if _, err := env.UniqueFrameByClass("sensor"); !errors.Is(err, &Error{Kind: ErrAmbiguous}) {
		t.Fatalf("expected ambiguous, got %v", err)
	}
}

func TestUniqueLayerByClassAmbiguousAndNotFound(t *testing.T) {
	env := NewEnvironment()
	if _, err := env.UniqueLayerByClass("grid"); !errors.Is(err, &Error{Kind: ErrNotFound}) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.AttachLayer(Layer{Base: Base{ClassName: "grid"}}); err != nil {
		t.Fatalf("attach 1: %v", err)
	}
	id, err := env.UniqueLayerByClass("grid")
	if err != nil {
		t.Fatalf("expected unique match, got %v", err)
	}
	if id.ClassName != "grid" {
		t.Fatalf("expected class grid, got %q", id.ClassName)
	}
	if _, err := env.AttachLayer(Layer{Base: Base{ClassName: "grid"}}); err != nil {
		t.Fatalf("attach 2: %v", err)
	}
	if _, err := env.UniqueLayerByClass("grid"); !errors.Is(err, &Error{Kind: ErrAmbiguous}) {
		t.Fatalf("expected ambiguous, got %v", err)
	}
}

func TestUniqueOperatorByClassAmbiguousAndNotFound(t *testing.T) {
	env := NewEnvironment()
	if _, err := env.UniqueOperatorByClass("projector"); !errors.Is(err, &Error{Kind: ErrNotFound}) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.AttachOperator(Operator{Base: Base{ClassName: "projector"}}); err != nil {
		t.Fatalf("attach 1: %v", err)
	}
	if _, err := env.UniqueOperatorByClass("projector"); err != nil {
		t.Fatalf("expected unique match, got %v", err)
	}
	if _, err := env.AttachOperator(Operator{Base: Base{ClassName: "projector"}}); err != nil {
		t.Fatalf("attach 2: %v", err)
	}
	if _, err := env.UniqueOperatorByClass("projector"); !errors.Is(err, &Error{Kind: ErrAmbiguous}) {
		t.Fatalf("expected ambiguous, got %v", err)
	}
}

func TestUniqueCartesianMapByClassAmbiguousAndNotFound(t *testing.T) {
	env := NewEnvironment()
	if _, err := env.UniqueCartesianMapByClass("occupancy"); !errors.Is(err, &Error{Kind: ErrNotFound}) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.AttachLayer(Layer{Base: Base{ClassName: "occupancy"}}); err != nil {
		t.Fatalf("attach plain layer: %v", err)
	}
	if _, err := env.UniqueCartesianMapByClass("occupancy"); !errors.Is(err, &Error{Kind: ErrNotFound}) {
		t.Fatalf("expected a plain layer to be excluded, got %v", err)
	}
	if _, err := env.AttachCartesianMap(CartesianMap{Layer: Layer{Base: Base{ClassName: "occupancy"}}, Dimension: 2}, ""); err != nil {
		t.Fatalf("attach map 1: %v", err)
	}
	m, err := env.UniqueCartesianMapByClass("occupancy")
	if err != nil {
		t.Fatalf("expected unique match, got %v", err)
	}
	if m.Dimension != 2 {
		t.Fatalf("expected dimension 2, got %d", m.Dimension)
	}
	if _, err := env.AttachCartesianMap(CartesianMap{Layer: Layer{Base: Base{ClassName: "occupancy"}}, Dimension: 2}, ""); err != nil {
		t.Fatalf("attach map 2: %v", err)
	}
	if _, err := env.UniqueCartesianMapByClass("occupancy"); !errors.Is(err, &Error{Kind: ErrAmbiguous}) {
		t.Fatalf("expected ambiguous, got %v", err)
	}
}

func TestAuditLogRespectsCapAndIsACopy(t *testing.T) {
	env := NewEnvironment(WithAuditCap(2))
	if _, err := env.AttachFrame(FrameNode{}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := env.AttachFrame(FrameNode{}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := env.AttachFrame(FrameNode{}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	log := env.AuditLog()
	if len(log) != 2 {
		t.Fatalf("expected audit log capped at 2 entries, got %d", len(log))
	}
	log[0].Action = "tampered"
	if env.AuditLog()[0].Action == "tampered" {
		t.Fatalf("expected AuditLog to return a copy")
	}
}

func TestDetachItemUnknownIsNotAttached(t *testing.T) {
	env := NewEnvironment()
	err := env.DetachItem("/missing", false)
	if !errors.Is(err, &Error{Kind: ErrNotAttached}) {
		t.Fatalf("expected not attached, got %v", err)
	}
}
