// Package invariant holds the pluggable graph well-formedness checks that
// back Environment.Validate: a Check interface evaluated over a read-only
// Snapshot rather than a transactional view, run on demand rather than
// after every mutation.
package invariant

import "envgraph/pkg/domain"

// Snapshot is the read-only view of graph structure a Check evaluates. The
// core package builds one from Environment state; invariant never imports
// core, avoiding the cycle a direct *Environment reference would create.
type Snapshot struct {
	Prefix       string
	RootFrame    domain.ItemID
	KindOf       map[domain.ItemID]domain.ItemKind
	FrameParent  map[domain.ItemID]domain.ItemID
	LayerParents map[domain.ItemID][]domain.ItemID
	MapFrame     map[domain.ItemID]domain.ItemID
	Generator    map[domain.ItemID]domain.ItemID
	Immutable    map[domain.ItemID]bool
}

// Check is one named well-formedness rule.
type Check interface {
	Name() string
	Evaluate(snap Snapshot) []domain.Violation
}

// Engine runs every registered Check and aggregates the violations.
type Engine struct {
	checks []Check
}

// NewEngine builds an engine with the built-in structural checks already
// registered.
func NewEngine() *Engine {
	e := &Engine{}
	e.Register(FrameTreeCheck{})
	e.Register(LayerDAGCheck{})
	e.Register(MapFrameCheck{})
	e.Register(UniqueGeneratorCheck{})
	e.Register(IDPrefixCheck{})
	return e
}

// Register adds a check to the engine. A nil check is ignored.
func (e *Engine) Register(c Check) {
	if c == nil {
		return
	}
	e.checks = append(e.checks, c)
}

// Evaluate runs every registered check and merges their violations.
func (e *Engine) Evaluate(snap Snapshot) domain.Result {
	var result domain.Result
	for _, c := range e.checks {
		result.Violations = append(result.Violations, c.Evaluate(snap)...)
	}
	return result
}

// FrameTreeCheck verifies the frame-parent map is acyclic and every frame
// reaches the declared root.
type FrameTreeCheck struct{}

func (FrameTreeCheck) Name() string { return "frame_tree_acyclic_single_root" }

func (c FrameTreeCheck) Evaluate(snap Snapshot) []domain.Violation {
	var violations []domain.Violation
	for id, kind := range snap.KindOf {
		if kind != domain.KindFrameNode || id == snap.RootFrame {
			continue
		}
		visited := map[domain.ItemID]bool{id: true}
		cursor := id
		reachedRoot := false
		for {
			parent, ok := snap.FrameParent[cursor]
			if !ok {
				break
			}
			if parent == snap.RootFrame {
				reachedRoot = true
				break
			}
			if visited[parent] {
				violations = append(violations, domain.Violation{
					Check: c.Name(), Kind: domain.ErrGraphCycle, Entity: domain.KindFrameNode, ID: id,
					Message: "frame tree cycle detected",
				})
				reachedRoot = true
				break
			}
			visited[parent] = true
			cursor = parent
		}
		if !reachedRoot && snap.FrameParent[id] == "" {
			violations = append(violations, domain.Violation{
				Check: c.Name(), Kind: domain.ErrNotAttached, Entity: domain.KindFrameNode, ID: id,
				Message: "frame node is disconnected from the root",
			})
		}
	}
	return violations
}

// LayerDAGCheck verifies the layer-parent graph is acyclic.
type LayerDAGCheck struct{}

func (LayerDAGCheck) Name() string { return "layer_dag_acyclic" }

func (c LayerDAGCheck) Evaluate(snap Snapshot) []domain.Violation {
	var violations []domain.Violation
	state := map[domain.ItemID]int{} // 0 unvisited, 1 visiting, 2 done
	var visit func(id domain.ItemID) bool
	visit = func(id domain.ItemID) bool {
		switch state[id] {
		case 1:
			return true
		case 2:
			return false
		}
		state[id] = 1
		for _, parent := range snap.LayerParents[id] {
			if visit(parent) {
				return true
			}
		}
		state[id] = 2
		return false
	}
	for id, kind := range snap.KindOf {
		if kind != domain.KindLayer {
			continue
		}
		if state[id] == 0 && visit(id) {
			violations = append(violations, domain.Violation{
				Check: c.Name(), Kind: domain.ErrGraphCycle, Entity: domain.KindLayer, ID: id,
				Message: "layer graph cycle detected",
			})
		}
	}
	return violations
}

// MapFrameCheck verifies every cartesian map id present in MapFrame still
// resolves to a live frame.
type MapFrameCheck struct{}

func (MapFrameCheck) Name() string { return "map_has_exactly_one_frame" }

func (c MapFrameCheck) Evaluate(snap Snapshot) []domain.Violation {
	var violations []domain.Violation
	for mapID, frame := range snap.MapFrame {
		if _, ok := snap.KindOf[frame]; !ok {
			violations = append(violations, domain.Violation{
				Check: c.Name(), Kind: domain.ErrNotAttached, Entity: domain.KindLayer, ID: mapID,
				Message: "map is attached to a frame that no longer exists",
			})
		}
	}
	return violations
}

// UniqueGeneratorCheck covers the generator table. A layer having at most
// one generating operator is structural (the Generator map is
// single-valued), so it is not checked; what this check flags is an
// immutable layer that has a generator, as ImmutableViolation.
type UniqueGeneratorCheck struct{}

func (UniqueGeneratorCheck) Name() string { return "unique_generator_per_layer" }

func (c UniqueGeneratorCheck) Evaluate(snap Snapshot) []domain.Violation {
	var violations []domain.Violation
	for layer, op := range snap.Generator {
		if snap.Immutable[layer] {
			violations = append(violations, domain.Violation{
				Check: c.Name(), Kind: domain.ErrImmutableViolation, Entity: domain.KindLayer, ID: layer,
				Message: "immutable layer has a generator " + string(op),
			})
		}
	}
	return violations
}

// IDPrefixCheck verifies every attached id begins with the environment's id
// prefix. Uniqueness itself is structural: an id is a Go map key, so it
// cannot be violated at runtime.
type IDPrefixCheck struct{}

func (IDPrefixCheck) Name() string { return "id_prefix" }

func (c IDPrefixCheck) Evaluate(snap Snapshot) []domain.Violation {
	var violations []domain.Violation
	for id := range snap.KindOf {
		if !domain.HasPrefix(id, snap.Prefix) {
			violations = append(violations, domain.Violation{
				Check: c.Name(), Kind: domain.ErrIdCollision, Entity: "item", ID: id,
				Message: "id does not begin with the environment prefix",
			})
		}
	}
	return violations
}
