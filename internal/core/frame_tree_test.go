package core

import (
	"errors"
	"math"
	"testing"

	"envgraph/pkg/domain"
)

func mustAttachFrame(t *testing.T, env *Environment, label string) ItemID {
	t.Helper()
	id, err := env.AttachFrame(FrameNode{Base: Base{Label: label}})
	if err != nil {
		t.Fatalf("AttachFrame(%s): %v", label, err)
	}
	return id
}

func translation(x, y, z float64) TransformUnc {
	tr := domain.Identity()
	tr.Translation = [3]float64{x, y, z}
	return domain.Certain(tr)
}

func TestFrameTreeRejectsCycle(t *testing.T) {
	env := NewEnvironment()
	a := mustAttachFrame(t, env, "a")
	b := mustAttachFrame(t, env, "b")
	c := mustAttachFrame(t, env, "c")
	if err := env.AddChildFrame(a, b); err != nil {
		t.Fatalf("AddChildFrame(a, b): %v", err)
	}
	if err := env.AddChildFrame(b, c); err != nil {
		t.Fatalf("AddChildFrame(b, c): %v", err)
	}
	if err := env.AddChildFrame(c, a); !errors.Is(err, &Error{Kind: ErrGraphCycle}) {
		t.Fatalf("expected graph cycle, got %v", err)
	}
}

func TestFrameTreeRejectsSecondParent(t *testing.T) {
	env := NewEnvironment()
	a := mustAttachFrame(t, env, "a")
	b := mustAttachFrame(t, env, "b")
	if err := env.AddChildFrame(env.RootFrame(), a); err != nil {
		t.Fatalf("AddChildFrame: %v", err)
	}
	if err := env.AddChildFrame(b, a); !errors.Is(err, &Error{Kind: ErrAlreadyAttached}) {
		t.Fatalf("expected already attached, got %v", err)
	}
}

func TestDetachFrameShallowBlocksOnChildren(t *testing.T) {
	env := NewEnvironment()
	a := mustAttachFrame(t, env, "a")
	b := mustAttachFrame(t, env, "b")
	if err := env.AddChildFrame(env.RootFrame(), a); err != nil {
		t.Fatalf("AddChildFrame: %v", err)
	}
	if err := env.AddChildFrame(a, b); err != nil {
		t.Fatalf("AddChildFrame: %v", err)
	}
	if err := env.DetachItem(a, false); !errors.Is(err, &Error{Kind: ErrAlreadyAttached}) {
		t.Fatalf("expected shallow detach to be blocked, got %v", err)
	}
	if err := env.DetachItem(a, true); err != nil {
		t.Fatalf("deep detach: %v", err)
	}
	if _, err := env.GetFrame(a); !errors.Is(err, &Error{Kind: ErrNotFound}) {
		t.Fatalf("expected a to be gone, got %v", err)
	}
	if _, err := env.GetFrame(b); !errors.Is(err, &Error{Kind: ErrNotFound}) {
		t.Fatalf("expected b to be gone after cascade, got %v", err)
	}
}

func TestRelativeTransformComposesThroughLCA(t *testing.T) {
	env := NewEnvironment()
	a := mustAttachFrame(t, env, "a")
	b := mustAttachFrame(t, env, "b")
	if err := env.AddChildFrame(env.RootFrame(), a); err != nil {
		t.Fatalf("AddChildFrame(root, a): %v", err)
	}
	if err := env.AddChildFrame(env.RootFrame(), b); err != nil {
		t.Fatalf("AddChildFrame(root, b): %v", err)
	}
	if err := env.SetTransform(a, translation(1, 0, 0)); err != nil {
		t.Fatalf("SetTransform(a): %v", err)
	}
	if err := env.SetTransform(b, translation(0, 2, 0)); err != nil {
		t.Fatalf("SetTransform(b): %v", err)
	}

	result, err := env.RelativeTransform(a, b)
	if err != nil {
		t.Fatalf("RelativeTransform: %v", err)
	}
	want := [3]float64{1, -2, 0}
	got := result.Transform.Translation
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("expected translation %v, got %v", want, got)
		}
	}
}

func TestRelativeTransformSameFrameIsIdentity(t *testing.T) {
	env := NewEnvironment()
	a := mustAttachFrame(t, env, "a")
	result, err := env.RelativeTransform(a, a)
	if err != nil {
		t.Fatalf("RelativeTransform: %v", err)
	}
	if result.HasUncertainty() {
		t.Fatalf("expected certain identity transform")
	}
}

func TestSetTransformRecordsDecodableAuditPayload(t *testing.T) {
	env := NewEnvironment()
	a := mustAttachFrame(t, env, "a")
	want := translation(3, 4, 5)
	if err := env.SetTransform(a, want); err != nil {
		t.Fatalf("SetTransform: %v", err)
	}
	log := env.AuditLog()
	got, ok := DecodeTransformChange(log[len(log)-1])
	if !ok {
		t.Fatalf("expected the last audit entry to decode as a transform change")
	}
	if got.Transform.Translation != want.Transform.Translation {
		t.Fatalf("expected translation %v, got %v", want.Transform.Translation, got.Transform.Translation)
	}
}
