package core

import "envgraph/internal/core/invariant"

// RegisterInvariantCheck installs an additional well-formedness check,
// letting an item-type plugin extend validation beyond the built-ins (e.g.
// an MLS plugin enforcing grid alignment) without modifying this package.
func (e *Environment) RegisterInvariantCheck(c invariant.Check) {
	e.invariants.Register(c)
}

// snapshot builds the read-only invariant.Snapshot from current state.
func (e *Environment) snapshot() invariant.Snapshot {
	immutable := make(map[ItemID]bool, len(e.layers))
	for id, l := range e.layers {
		if l.Immutable {
			immutable[id] = true
		}
	}
	return invariant.Snapshot{
		Prefix:       e.prefix,
		RootFrame:    e.root,
		KindOf:       e.kindOf,
		FrameParent:  e.frameParent,
		LayerParents: e.layerParents,
		MapFrame:     e.mapFrame,
		Generator:    e.generator,
		Immutable:    immutable,
	}
}

// Validate runs the invariant engine over the current graph and returns the
// aggregated result. A blocking violation (non-empty ErrorKind) indicates
// the graph has left a well-formed state despite every individual mutation
// having been accepted — e.g. via a bug in a plugin-contributed check.
func (e *Environment) Validate() Result {
	return e.invariants.Evaluate(e.snapshot())
}
