package core

import "sort"

// AddInput wires layer as an input of op, enforcing declared input arity
// (0 = unlimited).
func (e *Environment) AddInput(op, layer ItemID) error {
	if _, ok := e.operators[op]; !ok {
		return &Error{Kind: ErrNotAttached, Entity: "operator", ID: string(op), Message: "not attached"}
	}
	if _, ok := e.layers[layer]; !ok {
		return &Error{Kind: ErrNotAttached, Entity: "layer", ID: string(layer), Message: "not attached"}
	}
	arity := e.operators[op].InputArity
	if arity > 0 && len(e.opInputs[op]) >= arity {
		return &Error{Kind: ErrArityExceeded, Entity: "operator", ID: string(op), Message: "input arity exceeded"}
	}
	e.opInputs[op] = append(e.opInputs[op], layer)
	e.recordChange(KindOperator, op, ActionEdgeAdded)
	e.bus.publish(Event{Kind: EventOperatorEdgeAdded, ItemID: layer, ParentID: op, ItemKind: KindOperator, Direction: "input"})
	return nil
}

// AddOutput wires layer as an output of op, enforcing declared output arity
// and the single-generator invariant. Attaching an immutable layer as an
// output fails with ImmutableViolation — an immutable layer can never be
// made dirty, so it can never be a generated layer.
func (e *Environment) AddOutput(op, layer ItemID) error {
	if _, ok := e.operators[op]; !ok {
		return &Error{Kind: ErrNotAttached, Entity: "operator", ID: string(op), Message: "not attached"}
	}
	l, ok := e.layers[layer]
	if !ok {
		return &Error{Kind: ErrNotAttached, Entity: "layer", ID: string(layer), Message: "not attached"}
	}
	if l.Immutable {
		return &Error{Kind: ErrImmutableViolation, Entity: "layer", ID: string(layer), Message: "immutable layers cannot be generated"}
	}
	if existing, generated := e.generator[layer]; generated && existing != op {
		return &Error{Kind: ErrAlreadyGenerated, Entity: "layer", ID: string(layer), Message: "layer already has a generator"}
	}
	arity := e.operators[op].OutputArity
	if arity > 0 && len(e.opOutputs[op]) >= arity {
		return &Error{Kind: ErrArityExceeded, Entity: "operator", ID: string(op), Message: "output arity exceeded"}
	}
	e.opOutputs[op] = append(e.opOutputs[op], layer)
	e.generator[layer] = op
	l.Dirty = true
	e.putLayer(l)
	e.recordChange(KindOperator, op, ActionEdgeAdded)
	e.bus.publish(Event{Kind: EventOperatorEdgeAdded, ItemID: layer, ParentID: op, ItemKind: KindOperator, Direction: "output"})
	return nil
}

// SetInput removes every existing input edge of op, then adds layer as the
// sole input.
func (e *Environment) SetInput(op, layer ItemID) error {
	if err := e.RemoveInputs(op); err != nil {
		return err
	}
	return e.AddInput(op, layer)
}

// SetOutput removes every existing output edge of op, then adds layer as the
// sole output.
func (e *Environment) SetOutput(op, layer ItemID) error {
	if err := e.RemoveOutputs(op); err != nil {
		return err
	}
	return e.AddOutput(op, layer)
}

// RemoveInput removes a single input edge.
func (e *Environment) RemoveInput(op, layer ItemID) error {
	inputs := e.opInputs[op]
	for i, id := range inputs {
		if id == layer {
			e.opInputs[op] = append(inputs[:i], inputs[i+1:]...)
			e.recordChange(KindOperator, op, ActionEdgeRemoved)
			e.bus.publish(Event{Kind: EventOperatorEdgeRemoved, ItemID: layer, ParentID: op, ItemKind: KindOperator, Direction: "input"})
			return nil
		}
	}
	return &Error{Kind: ErrNotFound, Entity: "operator", ID: string(op), Message: "no such input edge"}
}

// RemoveOutput removes a single output edge. If it was the last output edge,
// the layer is no longer generated.
func (e *Environment) RemoveOutput(op, layer ItemID) error {
	outputs := e.opOutputs[op]
	for i, id := range outputs {
		if id == layer {
			e.opOutputs[op] = append(outputs[:i], outputs[i+1:]...)
			delete(e.generator, layer)
			e.recordChange(KindOperator, op, ActionEdgeRemoved)
			e.bus.publish(Event{Kind: EventOperatorEdgeRemoved, ItemID: layer, ParentID: op, ItemKind: KindOperator, Direction: "output"})
			return nil
		}
	}
	return &Error{Kind: ErrNotFound, Entity: "operator", ID: string(op), Message: "no such output edge"}
}

// RemoveInputs removes every input edge of op.
func (e *Environment) RemoveInputs(op ItemID) error {
	for _, layer := range append([]ItemID(nil), e.opInputs[op]...) {
		if err := e.RemoveInput(op, layer); err != nil {
			return err
		}
	}
	return nil
}

// RemoveOutputs removes every output edge of op.
func (e *Environment) RemoveOutputs(op ItemID) error {
	for _, layer := range append([]ItemID(nil), e.opOutputs[op]...) {
		if err := e.RemoveOutput(op, layer); err != nil {
			return err
		}
	}
	return nil
}

// OperatorInputs returns the input layer ids of op, in attach order.
func (e *Environment) OperatorInputs(op ItemID) []ItemID {
	return append([]ItemID(nil), e.opInputs[op]...)
}

// OperatorOutputs returns the output layer ids of op, in attach order.
func (e *Environment) OperatorOutputs(op ItemID) []ItemID {
	return append([]ItemID(nil), e.opOutputs[op]...)
}

// GeneratorOf returns the operator that generates layer, if any.
func (e *Environment) GeneratorOf(layer ItemID) (ItemID, bool) {
	op, ok := e.generator[layer]
	return op, ok
}

// GeneratedFrom returns the layers generated from the operators that consume
// input as one of their inputs — i.e. the outputs one hop downstream of
// input through the operator graph.
func (e *Environment) GeneratedFrom(input ItemID) []ItemID {
	var out []ItemID
	for op, inputs := range e.opInputs {
		for _, in := range inputs {
			if in == input {
				out = append(out, e.opOutputs[op]...)
			}
		}
	}
	sortIDs(out)
	return out
}

// LayerLike constrains the typed operator-edge accessors to the two
// concrete shapes a Layer edge can resolve to, mirroring the original's
// template getInput<LayerT>()/getOutput<LayerT>() without runtime downcasts.
type LayerLike interface {
	Layer | CartesianMap
}

// OperatorInput returns the unique input of op matching className, replacing
// the original's dynamic_cast with a generic, class-name-tagged lookup.
func OperatorInput[T LayerLike](e *Environment, op ItemID, className string) (T, error) {
	return resolveUniqueLayer[T](e, e.opInputs[op], className)
}

// OperatorOutput returns the unique output of op matching className.
func OperatorOutput[T LayerLike](e *Environment, op ItemID, className string) (T, error) {
	return resolveUniqueLayer[T](e, e.opOutputs[op], className)
}

func resolveUniqueLayer[T LayerLike](e *Environment, candidates []ItemID, className string) (T, error) {
	var zero T
	var matchID ItemID
	count := 0
	for _, id := range candidates {
		l, ok := e.layers[id]
		if !ok {
			continue
		}
		if className == "" || l.ClassName == className {
			matchID = id
			count++
		}
	}
	switch count {
	case 0:
		return zero, &Error{Kind: ErrNotFound, Entity: "layer", Message: "no edge of class " + className}
	default:
		if count > 1 {
			return zero, &Error{Kind: ErrAmbiguous, Entity: "layer", Message: "multiple edges of class " + className}
		}
	}
	switch any(zero).(type) {
	case Layer:
		l, err := e.GetLayer(matchID)
		if err != nil {
			return zero, err
		}
		return any(l).(T), nil
	case CartesianMap:
		m, err := e.GetCartesianMap(matchID)
		if err != nil {
			return zero, err
		}
		return any(m).(T), nil
	default:
		return zero, &Error{Kind: ErrTypeMismatch, Entity: "layer", ID: string(matchID), Message: "unsupported layer view type"}
	}
}

// itemModified walks forward across operator edges: every layer that has
// item (directly or transitively) in its set of input ancestors is marked
// dirty. Maps attached to a modified frame are not visited here;
// SetTransform marks those itself. Cycles through operators are forbidden
// and raise GraphCycle.
func (e *Environment) itemModified(item ItemID) error {
	e.recordChange(e.kindOf[item], item, ActionModify)
	e.bus.publish(Event{Kind: EventItemModified, ItemID: item, ItemKind: e.kindOf[item]})
	return e.propagateDirty(item, map[ItemID]bool{})
}

// ItemModified is the public entry point called when a layer's content
// changes directly (as opposed to through SetTransform).
func (e *Environment) ItemModified(item ItemID) error {
	if _, ok := e.kindOf[item]; !ok {
		return &Error{Kind: ErrNotAttached, Entity: "item", ID: string(item), Message: "not attached"}
	}
	return e.itemModified(item)
}

func (e *Environment) propagateDirty(item ItemID, visiting map[ItemID]bool) error {
	if visiting[item] {
		return &Error{Kind: ErrGraphCycle, Entity: "operator", ID: string(item), Message: "cycle detected during dirty propagation"}
	}
	visiting[item] = true
	for op, inputs := range e.opInputs {
		isInput := false
		for _, in := range inputs {
			if in == item {
				isInput = true
				break
			}
		}
		if !isInput {
			continue
		}
		for _, out := range e.opOutputs[op] {
			l, ok := e.layers[out]
			if !ok || l.Dirty {
				continue
			}
			l.Dirty = true
			e.putLayer(l)
			if err := e.propagateDirty(out, visiting); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateAll is the contract every operator implementation supplies: it
// reads its inputs, recomputes its outputs, and reports success or failure.
// The core never runs map algorithms itself — implementations are supplied
// by the caller and looked up by operator id.
type UpdateAll func(e *Environment, op ItemID) error

// UpdateOperators runs UpdateAll on every operator whose outputs contain at
// least one dirty layer, in topological order over the operator graph
// (ties broken by attach order). After a successful run the operator's
// outputs are cleared of their dirty flag; a failing operator keeps its
// outputs dirty and is added to the returned failure set, but the driver
// continues with unaffected operators.
func (e *Environment) UpdateOperators(impls map[ItemID]UpdateAll) ([]ItemID, error) {
	order, err := e.topologicalOperators()
	if err != nil {
		return nil, err
	}
	var failed []ItemID
	for _, op := range order {
		if !e.hasDirtyOutput(op) {
			continue
		}
		impl, ok := impls[op]
		if !ok {
			failed = append(failed, op)
			continue
		}
		start := e.nowFn()
		err := impl(e, op)
		e.metrics.OperatorRun(e.operators[op].ClassName, err == nil, e.nowFn().Sub(start).Seconds())
		if err != nil {
			e.logger.Warn("operator update failed", "operator", string(op), "error", err.Error())
			failed = append(failed, op)
			continue
		}
		for _, out := range e.opOutputs[op] {
			l := e.layers[out]
			l.Dirty = false
			e.putLayer(l)
		}
	}
	return failed, nil
}

func (e *Environment) hasDirtyOutput(op ItemID) bool {
	for _, out := range e.opOutputs[op] {
		if l, ok := e.layers[out]; ok && l.Dirty {
			return true
		}
	}
	return false
}

// topologicalOperators sorts operators so that an operator whose input was
// produced by another operator runs after its producer, with ties broken by
// attach order (== insertion order).
func (e *Environment) topologicalOperators() ([]ItemID, error) {
	ops := make([]ItemID, 0, len(e.operators))
	for id := range e.operators {
		ops = append(ops, id)
	}
	sort.Slice(ops, func(i, j int) bool { return e.attachIndex(ops[i]) < e.attachIndex(ops[j]) })

	inDegree := make(map[ItemID]int, len(ops))
	dependents := make(map[ItemID][]ItemID)
	for _, op := range ops {
		inDegree[op] = 0
	}
	for _, op := range ops {
		for _, in := range e.opInputs[op] {
			if producer, ok := e.generator[in]; ok {
				inDegree[op]++
				dependents[producer] = append(dependents[producer], op)
			}
		}
	}

	var ready []ItemID
	for _, op := range ops {
		if inDegree[op] == 0 {
			ready = append(ready, op)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return e.attachIndex(ready[i]) < e.attachIndex(ready[j]) })

	var order []ItemID
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		var freed []ItemID
		for _, dep := range dependents[next] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		sort.Slice(freed, func(i, j int) bool { return e.attachIndex(freed[i]) < e.attachIndex(freed[j]) })
		ready = append(ready, freed...)
	}
	if len(order) != len(ops) {
		return nil, &Error{Kind: ErrGraphCycle, Entity: "operator", Message: "operator graph has a cycle"}
	}
	return order, nil
}

func (e *Environment) attachIndex(id ItemID) int {
	for i, existing := range e.insertOrder {
		if existing == id {
			return i
		}
	}
	return len(e.insertOrder)
}

// detachOperator removes an operator, clearing its input/output edges. When
// deep, its generated outputs are detached too. A shallow detach of an
// operator that still has outputs fails with AlreadyAttached unless the
// operator reports SupportsDetach, in which case the outputs stay attached
// with no generator.
func (e *Environment) detachOperator(id ItemID, deep bool) error {
	outputs := append([]ItemID(nil), e.opOutputs[id]...)
	op := e.operators[id]
	if len(outputs) > 0 && !deep && !op.SupportsDetach {
		return &Error{Kind: ErrAlreadyAttached, Entity: "operator", ID: string(id), Message: "operator has outputs that do not support detachment"}
	}
	_ = e.RemoveInputs(id)
	_ = e.RemoveOutputs(id)
	if deep {
		for _, out := range outputs {
			if err := e.detachLayer(out, true); err != nil {
				return err
			}
		}
	}
	e.removeFromIndex(id, KindOperator)
	e.recordChange(KindOperator, id, ActionDetach)
	e.bus.publish(Event{Kind: EventItemRemoved, ItemID: id, ItemKind: KindOperator})
	return nil
}
