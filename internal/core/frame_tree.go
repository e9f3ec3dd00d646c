package core

import (
	"sort"

	"envgraph/pkg/domain"
)

// AddChildFrame wires child under parent in the frame tree. Both must
// already be attached and child must currently be root (no existing
// parent) — the frame tree is a single-root acyclic tree, never a forest.
func (e *Environment) AddChildFrame(parent, child ItemID) error {
	if _, ok := e.frames[parent]; !ok {
		return &Error{Kind: ErrNotAttached, Entity: "frame_node", ID: string(parent), Message: "parent not attached"}
	}
	if _, ok := e.frames[child]; !ok {
		return &Error{Kind: ErrNotAttached, Entity: "frame_node", ID: string(child), Message: "child not attached"}
	}
	if _, hasParent := e.frameParent[child]; hasParent || child == e.root {
		return &Error{Kind: ErrAlreadyAttached, Entity: "frame_node", ID: string(child), Message: "child already has a parent"}
	}
	if e.wouldCycleFrame(parent, child) {
		return &Error{Kind: ErrGraphCycle, Entity: "frame_node", ID: string(child), Message: "would create a cycle in the frame tree"}
	}
	e.frameParent[child] = parent
	e.recordChange(KindFrameNode, child, ActionEdgeAdded)
	e.bus.publish(Event{Kind: EventFrameTreeEdgeAdded, ItemID: child, ParentID: parent, ItemKind: KindFrameNode})
	return nil
}

func (e *Environment) wouldCycleFrame(parent, child ItemID) bool {
	cursor := parent
	for {
		if cursor == child {
			return true
		}
		next, ok := e.frameParent[cursor]
		if !ok {
			return false
		}
		cursor = next
	}
}

// RemoveChildFrame removes the parent/child edge, leaving child rootless.
func (e *Environment) RemoveChildFrame(parent, child ItemID) error {
	current, ok := e.frameParent[child]
	if !ok || current != parent {
		return &Error{Kind: ErrNotFound, Entity: "frame_node", ID: string(child), Message: "no such frame tree edge"}
	}
	delete(e.frameParent, child)
	e.recordChange(KindFrameNode, child, ActionEdgeRemoved)
	e.bus.publish(Event{Kind: EventFrameTreeEdgeRemoved, ItemID: child, ParentID: parent, ItemKind: KindFrameNode})
	return nil
}

// FrameParent returns the parent of a frame node, or ok=false for the root.
func (e *Environment) FrameParent(id ItemID) (ItemID, bool) {
	p, ok := e.frameParent[id]
	return p, ok
}

// FrameChildren returns the direct children of a frame node, sorted for
// determinism.
func (e *Environment) FrameChildren(parent ItemID) []ItemID {
	var out []ItemID
	for child, p := range e.frameParent {
		if p == parent {
			out = append(out, child)
		}
	}
	sortIDs(out)
	return out
}

// detachFrame removes a frame node. With deep=false it fails if the frame
// still has children or attached maps; with deep=true it recursively
// detaches both first (the resolved Open Question: deep detach cascades to
// attached maps).
func (e *Environment) detachFrame(id ItemID, deep bool) error {
	children := e.FrameChildren(id)
	maps := e.mapsAttachedTo(id)
	if !deep && (len(children) > 0 || len(maps) > 0) {
		return &Error{Kind: ErrAlreadyAttached, Entity: "frame_node", ID: string(id), Message: "frame has children or attached maps; use deep detach"}
	}
	if deep {
		for _, child := range children {
			if err := e.detachFrame(child, true); err != nil {
				return err
			}
		}
		for _, m := range maps {
			if err := e.detachLayer(m, true); err != nil {
				return err
			}
		}
	}
	if parent, ok := e.frameParent[id]; ok {
		delete(e.frameParent, id)
		e.recordChange(KindFrameNode, id, ActionEdgeRemoved)
		e.bus.publish(Event{Kind: EventFrameTreeEdgeRemoved, ItemID: id, ParentID: parent, ItemKind: KindFrameNode})
	}
	e.removeFromIndex(id, KindFrameNode)
	e.recordChange(KindFrameNode, id, ActionDetach)
	e.bus.publish(Event{Kind: EventItemRemoved, ItemID: id, ItemKind: KindFrameNode})
	return nil
}

func (e *Environment) mapsAttachedTo(frame ItemID) []ItemID {
	var out []ItemID
	for m, f := range e.mapFrame {
		if f == frame {
			out = append(out, m)
		}
	}
	sortIDs(out)
	return out
}

// SetTransform replaces the stored transform on a frame node and marks every
// layer reachable downstream through operator edges as dirty.
func (e *Environment) SetTransform(id ItemID, t TransformUnc) error {
	f, ok := e.frames[id]
	if !ok {
		return &Error{Kind: ErrNotAttached, Entity: "frame_node", ID: string(id), Message: "not attached"}
	}
	f.Transform = t
	f.UpdatedAt = e.nowFn()
	e.frames[id] = f
	if payload, err := domain.NewChangePayloadFromValue(t); err == nil {
		e.recordChangeWithPayload(KindFrameNode, id, ActionFrameChanged, payload)
	} else {
		e.recordChange(KindFrameNode, id, ActionFrameChanged)
	}
	e.bus.publish(Event{Kind: EventTransformChanged, ItemID: id, ItemKind: KindFrameNode, Transform: &t})
	for _, m := range e.mapsAttachedTo(id) {
		if err := e.itemModified(m); err != nil {
			return err
		}
	}
	return nil
}

// pathToRoot returns id and every ancestor up to (and including) the root.
func (e *Environment) pathToRoot(id ItemID) []ItemID {
	path := []ItemID{id}
	cursor := id
	for {
		parent, ok := e.frameParent[cursor]
		if !ok {
			return path
		}
		path = append(path, parent)
		cursor = parent
	}
}

// lowestCommonAncestor walks both paths to root and returns the LCA along
// with the from/to prefixes up to (excluding) it. If either node appears on
// the other's own path, that node is treated as the LCA directly, avoiding
// double application of its own transform.
func (e *Environment) lowestCommonAncestor(from, to ItemID) (lca ItemID, fromChain, toChain []ItemID) {
	fromPath := e.pathToRoot(from)
	toPath := e.pathToRoot(to)

	toIndex := make(map[ItemID]int, len(toPath))
	for i, id := range toPath {
		toIndex[id] = i
	}
	for i, id := range fromPath {
		if j, ok := toIndex[id]; ok {
			return id, fromPath[:i], toPath[:j]
		}
	}
	// frame tree invariant guarantees a single root shared by both paths.
	root := fromPath[len(fromPath)-1]
	return root, fromPath[:len(fromPath)-1], toPath[:len(toPath)-1]
}

// RelativeTransform computes the transform mapping coordinates in `from` to
// coordinates in `to`: compose child-to-parent transforms up from `from` to
// the LCA, then inverse-compose down to `to`.
func (e *Environment) RelativeTransform(from, to ItemID) (TransformUnc, error) {
	if from == to {
		return Certain(), nil
	}
	if _, ok := e.frames[from]; !ok {
		return TransformUnc{}, &Error{Kind: ErrNotAttached, Entity: "frame_node", ID: string(from), Message: "not attached"}
	}
	if _, ok := e.frames[to]; !ok {
		return TransformUnc{}, &Error{Kind: ErrNotAttached, Entity: "frame_node", ID: string(to), Message: "not attached"}
	}

	_, fromChain, toChain := e.lowestCommonAncestor(from, to)

	result := Certain()
	for _, id := range fromChain {
		result = result.Compose(e.frames[id].Transform)
	}

	downward := Certain()
	for _, id := range toChain {
		downward = downward.Compose(e.frames[id].Transform)
	}
	result = result.Compose(downward.Inverse())
	return result, nil
}

// RelativeTransformMaps is the map-to-map convenience overload: it resolves
// each map's attached frame and delegates to RelativeTransform.
func (e *Environment) RelativeTransformMaps(fromMap, toMap ItemID) (TransformUnc, error) {
	fromFrame, ok := e.mapFrame[fromMap]
	if !ok {
		return TransformUnc{}, &Error{Kind: ErrNotAttached, Entity: "cartesian_map", ID: string(fromMap), Message: "not attached to a frame"}
	}
	toFrame, ok := e.mapFrame[toMap]
	if !ok {
		return TransformUnc{}, &Error{Kind: ErrNotAttached, Entity: "cartesian_map", ID: string(toMap), Message: "not attached to a frame"}
	}
	return e.RelativeTransform(fromFrame, toFrame)
}

func sortIDs(ids []ItemID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
