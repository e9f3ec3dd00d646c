package core

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"envgraph/internal/core/invariant"
	"envgraph/pkg/domain"
)

// Environment owns every attached item. It is the arena-with-stable-ids
// redesign of the original intrusive-refcounted graph: items live here by
// value, keyed by ItemID, and external handles are just ids that resolve
// back through the environment. It is intentionally not safe for concurrent
// mutation (spec non-goal) — there is no mutex, matching the single-threaded
// cooperative model.
type Environment struct {
	prefix     string
	nextSuffix uint64
	nowFn      func() time.Time
	logger     Logger
	metrics    Metrics

	frames    map[ItemID]FrameNode
	layers    map[ItemID]Layer
	operators map[ItemID]Operator
	kindOf    map[ItemID]ItemKind

	root ItemID

	frameParent  map[ItemID]ItemID   // child -> parent
	layerParents map[ItemID][]ItemID // child -> parents (DAG)
	mapFrame     map[ItemID]ItemID   // cartesian map id -> frame id
	mapDimension map[ItemID]int
	mapExtents   map[ItemID]Extents

	opInputs  map[ItemID][]ItemID // operator -> input layer ids
	opOutputs map[ItemID][]ItemID // operator -> output layer ids
	generator map[ItemID]ItemID   // layer -> generating operator

	auditLog    []Change
	auditCap    int
	insertOrder []ItemID

	bus        *eventBus
	factory    *SerializationFactory
	registry   *PluginRegistry
	invariants *invariant.Engine
}

// Option configures an Environment at construction time.
type Option func(*Environment)

// WithPrefix sets the environment's id prefix (default "/").
func WithPrefix(prefix string) Option {
	return func(e *Environment) { e.prefix = domain.NormalizePrefix(prefix) }
}

// WithLogger installs a structured logger; the default is a no-op logger.
func WithLogger(l Logger) Option {
	return func(e *Environment) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics installs an instrumentation sink; the default discards
// everything.
func WithMetrics(m Metrics) Option {
	return func(e *Environment) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithAuditCap bounds the in-memory audit log (default 1000, 0 disables).
func WithAuditCap(n int) Option {
	return func(e *Environment) { e.auditCap = n }
}

// NewEnvironment constructs an empty environment with a single root frame.
func NewEnvironment(opts ...Option) *Environment {
	e := &Environment{
		prefix:       domain.NormalizePrefix("/"),
		nowFn:        func() time.Time { return time.Now().UTC() },
		logger:       noopLogger{},
		metrics:      noopMetrics{},
		frames:       make(map[ItemID]FrameNode),
		layers:       make(map[ItemID]Layer),
		operators:    make(map[ItemID]Operator),
		kindOf:       make(map[ItemID]ItemKind),
		frameParent:  make(map[ItemID]ItemID),
		layerParents: make(map[ItemID][]ItemID),
		mapFrame:     make(map[ItemID]ItemID),
		mapDimension: make(map[ItemID]int),
		mapExtents:   make(map[ItemID]Extents),
		opInputs:     make(map[ItemID][]ItemID),
		opOutputs:    make(map[ItemID][]ItemID),
		generator:    make(map[ItemID]ItemID),
		auditCap:     1000,
		factory:      NewSerializationFactory(),
		registry:     NewPluginRegistry(),
		invariants:   invariant.NewEngine(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.bus = newEventBus(e)

	root := FrameNode{Base: domain.Base{ID: ItemID(e.prefix), ClassName: "FrameNode", Label: "root"}}
	e.attachFrame(root, true)
	e.root = root.ID
	return e
}

// RootFrame returns the id of the environment's single root frame.
func (e *Environment) RootFrame() ItemID { return e.root }

// Prefix returns the normalized id prefix for this environment.
func (e *Environment) Prefix() string { return e.prefix }

func (e *Environment) recordChange(entity ItemKind, id ItemID, action Action) {
	e.recordChangeWithPayload(entity, id, action, domain.UndefinedChangePayload())
}

// recordChangeWithPayload is recordChange plus a JSON snapshot of whatever
// new state the change carries, so a caller walking the audit log can
// recover it with DecodeTransformChange instead of re-reading the current
// (possibly since-overwritten) item state.
func (e *Environment) recordChangeWithPayload(entity ItemKind, id ItemID, action Action, payload ChangePayload) {
	if e.auditCap <= 0 {
		return
	}
	change := Change{Entity: entity, ID: id, Action: action, At: e.nowFn(), Payload: payload}
	e.auditLog = append(e.auditLog, change)
	if len(e.auditLog) > e.auditCap {
		e.auditLog = e.auditLog[len(e.auditLog)-e.auditCap:]
	}
}

// AuditLog returns a copy of the in-memory change audit log, purely for
// introspection and debugging. It is not persisted and is not the event bus.
func (e *Environment) AuditLog() []Change {
	out := make([]Change, len(e.auditLog))
	copy(out, e.auditLog)
	return out
}

// finalID computes the attach-time id per the <prefix><local>[<suffix>]
// shape: a trailing "/" gets a fresh monotonic numeric suffix; anything else
// is taken verbatim and must not already exist.
func (e *Environment) finalID(requested ItemID) (ItemID, error) {
	raw := string(requested)
	if raw == "" {
		raw = e.prefix
	}
	if !strings.HasPrefix(raw, e.prefix) {
		raw = e.prefix + strings.TrimPrefix(raw, "/")
	}
	if strings.HasSuffix(raw, "/") {
		for {
			e.nextSuffix++
			candidate := ItemID(raw + strconv.FormatUint(e.nextSuffix, 10))
			if !e.exists(candidate) {
				return candidate, nil
			}
		}
	}
	if e.exists(ItemID(raw)) {
		return "", &Error{Kind: ErrIdCollision, Entity: "item", ID: raw, Message: "id already attached"}
	}
	return ItemID(raw), nil
}

func (e *Environment) exists(id ItemID) bool {
	_, ok := e.kindOf[id]
	return ok
}

// attachFrame inserts a fresh frame node, minting its id unless skipMint
// (used only for the synthetic root at construction).
func (e *Environment) attachFrame(node FrameNode, skipMint bool) (ItemID, error) {
	id := node.ID
	if !skipMint {
		final, err := e.finalID(node.ID)
		if err != nil {
			return "", err
		}
		id = final
	}
	node.ID = id
	now := e.nowFn()
	node.CreatedAt, node.UpdatedAt = now, now
	e.frames[id] = node
	e.kindOf[id] = KindFrameNode
	e.insertOrder = append(e.insertOrder, id)
	e.recordChange(KindFrameNode, id, ActionAttach)
	if e.bus != nil {
		e.bus.publish(Event{Kind: EventItemAdded, ItemID: id, ItemKind: KindFrameNode, ClassName: node.ClassName})
	}
	return id, nil
}

// AttachFrame attaches a new, rootless frame node. Wire it into the tree
// with AddChildFrame afterward.
func (e *Environment) AttachFrame(node FrameNode) (ItemID, error) {
	if node.ClassName == "" {
		node.ClassName = "FrameNode"
	}
	return e.attachFrame(node, false)
}

// AttachLayer attaches a new layer with no parents and no frame attachment.
func (e *Environment) AttachLayer(layer Layer) (ItemID, error) {
	id, err := e.finalID(layer.ID)
	if err != nil {
		return "", err
	}
	layer.ID = id
	if layer.ClassName == "" {
		layer.ClassName = "Layer"
	}
	if layer.Metadata == nil {
		layer.Metadata = newMetadataHolder()
	}
	now := e.nowFn()
	layer.CreatedAt, layer.UpdatedAt = now, now
	e.layers[id] = layer
	e.kindOf[id] = KindLayer
	e.insertOrder = append(e.insertOrder, id)
	e.recordChange(KindLayer, id, ActionAttach)
	e.bus.publish(Event{Kind: EventItemAdded, ItemID: id, ItemKind: KindLayer, ClassName: layer.ClassName})
	return id, nil
}

// AttachCartesianMap attaches a new cartesian map and binds it to frame.
// Pass "" for frame to bind to the root frame instead.
func (e *Environment) AttachCartesianMap(m CartesianMap, frame ItemID) (ItemID, error) {
	id, err := e.AttachLayer(m.Layer)
	if err != nil {
		return "", err
	}
	e.mapDimension[id] = m.Dimension
	e.mapExtents[id] = m.Extents
	if frame == "" {
		frame = e.root
	}
	if err := e.SetFrameNode(id, frame); err != nil {
		return "", err
	}
	return id, nil
}

// AttachOperator attaches a new operator with no inputs or outputs wired.
func (e *Environment) AttachOperator(op Operator) (ItemID, error) {
	id, err := e.finalID(op.ID)
	if err != nil {
		return "", err
	}
	op.ID = id
	if op.ClassName == "" {
		op.ClassName = "Operator"
	}
	now := e.nowFn()
	op.CreatedAt, op.UpdatedAt = now, now
	e.operators[id] = op
	e.kindOf[id] = KindOperator
	e.insertOrder = append(e.insertOrder, id)
	e.recordChange(KindOperator, id, ActionAttach)
	e.bus.publish(Event{Kind: EventItemAdded, ItemID: id, ItemKind: KindOperator, ClassName: op.ClassName})
	return id, nil
}

// Kind reports the variant an id resolves to.
func (e *Environment) Kind(id ItemID) (ItemKind, bool) {
	k, ok := e.kindOf[id]
	return k, ok
}

// GetFrame returns a copy of the frame node for id.
func (e *Environment) GetFrame(id ItemID) (FrameNode, error) {
	f, ok := e.frames[id]
	if !ok {
		return FrameNode{}, &Error{Kind: ErrNotFound, Entity: "frame_node", ID: string(id), Message: "not attached"}
	}
	return f.Clone(), nil
}

// GetLayer returns a copy of the layer for id.
func (e *Environment) GetLayer(id ItemID) (Layer, error) {
	l, ok := e.layers[id]
	if !ok {
		return Layer{}, &Error{Kind: ErrNotFound, Entity: "layer", ID: string(id), Message: "not attached"}
	}
	return l.Clone(), nil
}

// GetCartesianMap returns a copy of the layer for id assembled back into a
// CartesianMap, failing with TypeMismatch if id is a plain layer with no
// recorded dimension/frame.
func (e *Environment) GetCartesianMap(id ItemID) (CartesianMap, error) {
	l, err := e.GetLayer(id)
	if err != nil {
		return CartesianMap{}, err
	}
	dim, ok := e.mapDimension[id]
	if !ok {
		return CartesianMap{}, &Error{Kind: ErrTypeMismatch, Entity: "layer", ID: string(id), Message: "not a cartesian map"}
	}
	return CartesianMap{Layer: l, Dimension: dim, Extents: e.mapExtents[id]}, nil
}

// GetOperator returns a copy of the operator for id.
func (e *Environment) GetOperator(id ItemID) (Operator, error) {
	op, ok := e.operators[id]
	if !ok {
		return Operator{}, &Error{Kind: ErrNotFound, Entity: "operator", ID: string(id), Message: "not attached"}
	}
	return op.Clone(), nil
}

// putLayer writes back a mutated layer copy, bumping UpdatedAt.
func (e *Environment) putLayer(l Layer) {
	l.UpdatedAt = e.nowFn()
	e.layers[l.ID] = l
}

// FrameNodesByClass returns all attached frame nodes whose ClassName matches,
// in insertion order. An empty class matches every frame node — this backs
// get_items<T>().
func (e *Environment) FrameNodesByClass(class string) []FrameNode {
	var out []FrameNode
	for _, id := range e.insertOrder {
		if e.kindOf[id] != KindFrameNode {
			continue
		}
		f := e.frames[id]
		if class == "" || f.ClassName == class {
			out = append(out, f.Clone())
		}
	}
	return out
}

// LayersByClass returns all attached layers whose ClassName matches, in
// insertion order.
func (e *Environment) LayersByClass(class string) []Layer {
	var out []Layer
	for _, id := range e.insertOrder {
		if e.kindOf[id] != KindLayer {
			continue
		}
		l := e.layers[id]
		if class == "" || l.ClassName == class {
			out = append(out, l.Clone())
		}
	}
	return out
}

// OperatorsByClass returns all attached operators whose ClassName matches,
// in insertion order.
func (e *Environment) OperatorsByClass(class string) []Operator {
	var out []Operator
	for _, id := range e.insertOrder {
		if e.kindOf[id] != KindOperator {
			continue
		}
		op := e.operators[id]
		if class == "" || op.ClassName == class {
			out = append(out, op.Clone())
		}
	}
	return out
}

// CartesianMapsByClass returns all attached cartesian maps whose ClassName
// matches, in insertion order. A layer attached without a recorded
// dimension is a plain layer, not a cartesian map, and is excluded.
func (e *Environment) CartesianMapsByClass(class string) []CartesianMap {
	var out []CartesianMap
	for _, id := range e.insertOrder {
		if e.kindOf[id] != KindLayer {
			continue
		}
		if _, ok := e.mapDimension[id]; !ok {
			continue
		}
		l := e.layers[id]
		if class != "" && l.ClassName != class {
			continue
		}
		out = append(out, CartesianMap{Layer: l.Clone(), Dimension: e.mapDimension[id], Extents: e.mapExtents[id]})
	}
	return out
}

// UniqueFrameByClass returns the single frame node of the given class,
// failing with Ambiguous if more than one matches and NotFound if none do.
// This is the Go-generics-free half of get<T>() — see operator_graph.go for
// the typed wrappers.
func (e *Environment) UniqueFrameByClass(class string) (FrameNode, error) {
	matches := e.FrameNodesByClass(class)
	switch len(matches) {
	case 0:
		return FrameNode{}, &Error{Kind: ErrNotFound, Entity: "frame_node", Message: fmt.Sprintf("no frame node of class %q", class)}
	case 1:
		return matches[0], nil
	default:
		return FrameNode{}, &Error{Kind: ErrAmbiguous, Entity: "frame_node", Message: fmt.Sprintf("%d frame nodes of class %q", len(matches), class)}
	}
}

// UniqueLayerByClass returns the single layer of the given class, failing
// with Ambiguous if more than one matches and NotFound if none do.
func (e *Environment) UniqueLayerByClass(class string) (Layer, error) {
	matches := e.LayersByClass(class)
	switch len(matches) {
	case 0:
		return Layer{}, &Error{Kind: ErrNotFound, Entity: "layer", Message: fmt.Sprintf("no layer of class %q", class)}
	case 1:
		return matches[0], nil
	default:
		return Layer{}, &Error{Kind: ErrAmbiguous, Entity: "layer", Message: fmt.Sprintf("%d layers of class %q", len(matches), class)}
	}
}

// UniqueCartesianMapByClass returns the single cartesian map of the given
// class, failing with Ambiguous if more than one matches and NotFound if
// none do.
func (e *Environment) UniqueCartesianMapByClass(class string) (CartesianMap, error) {
	matches := e.CartesianMapsByClass(class)
	switch len(matches) {
	case 0:
		return CartesianMap{}, &Error{Kind: ErrNotFound, Entity: "cartesian_map", Message: fmt.Sprintf("no cartesian map of class %q", class)}
	case 1:
		return matches[0], nil
	default:
		return CartesianMap{}, &Error{Kind: ErrAmbiguous, Entity: "cartesian_map", Message: fmt.Sprintf("%d cartesian maps of class %q", len(matches), class)}
	}
}

// UniqueOperatorByClass returns the single operator of the given class,
// failing with Ambiguous if more than one matches and NotFound if none do.
func (e *Environment) UniqueOperatorByClass(class string) (Operator, error) {
	matches := e.OperatorsByClass(class)
	switch len(matches) {
	case 0:
		return Operator{}, &Error{Kind: ErrNotFound, Entity: "operator", Message: fmt.Sprintf("no operator of class %q", class)}
	case 1:
		return matches[0], nil
	default:
		return Operator{}, &Error{Kind: ErrAmbiguous, Entity: "operator", Message: fmt.Sprintf("%d operators of class %q", len(matches), class)}
	}
}

// DetachItem removes id from every membership map it participates in. When
// deep is true it first recursively detaches frame children, attached maps,
// and generated outputs; when deep is false and id has live dependents,
// DetachItem fails rather than leaving the graph in a partially torn-down
// state.
func (e *Environment) DetachItem(id ItemID, deep bool) error {
	kind, ok := e.kindOf[id]
	if !ok {
		return &Error{Kind: ErrNotAttached, Entity: "item", ID: string(id), Message: "not attached"}
	}
	switch kind {
	case KindFrameNode:
		return e.detachFrame(id, deep)
	case KindLayer:
		return e.detachLayer(id, deep)
	case KindOperator:
		return e.detachOperator(id, deep)
	default:
		return &Error{Kind: ErrNotAttached, Entity: "item", ID: string(id), Message: "unknown kind"}
	}
}

func (e *Environment) removeFromIndex(id ItemID, kind ItemKind) {
	delete(e.kindOf, id)
	for i, existing := range e.insertOrder {
		if existing == id {
			e.insertOrder = append(e.insertOrder[:i], e.insertOrder[i+1:]...)
			break
		}
	}
	switch kind {
	case KindFrameNode:
		delete(e.frames, id)
	case KindLayer:
		delete(e.layers, id)
		delete(e.mapDimension, id)
		delete(e.mapExtents, id)
	case KindOperator:
		delete(e.operators, id)
	}
}

// sortedIDs is a small helper used by serialization and diagnostics to get a
// deterministic ordering independent of map iteration.
func sortedIDs(ids map[ItemID]ItemKind) []ItemID {
	out := make([]ItemID, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
