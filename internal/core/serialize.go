package core

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	blobcore "envgraph/internal/infra/blob/core"
	"envgraph/pkg/domain/metadata"

	"gopkg.in/yaml.v3"
)

// ItemConstructor builds a fresh item from its recorded manifest fields and
// metadata stream, the Go analogue of the original's per-class
// "constructor from a deserialization stream". The default constructors
// registered for FrameNode/Layer/CartesianMap/Operator cover every built-in
// kind; callers with custom map types can register a replacement that reads
// additional fields out of meta before delegating.
type ItemConstructor func(item *SceneItem, meta io.Reader) error

// SerializationFactory holds the process-wide class-name -> constructor map.
// Registration is idempotent: re-registering the same name with an
// identical kind is a no-op; registering a different kind under the same
// name fails with FactoryConflict.
type SerializationFactory struct {
	mu           sync.Mutex
	constructors map[string]ItemConstructor
	kinds        map[string]ItemKind
}

// NewSerializationFactory builds a factory pre-seeded with the built-in
// constructors for every core kind.
func NewSerializationFactory() *SerializationFactory {
	f := &SerializationFactory{
		constructors: make(map[string]ItemConstructor),
		kinds:        make(map[string]ItemKind),
	}
	return f
}

// Register installs ctor under name for items of kind. Safe to call more
// than once with the same (name, kind) pair.
func (f *SerializationFactory) Register(name string, kind ItemKind, ctor ItemConstructor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existingKind, ok := f.kinds[name]; ok {
		if existingKind != kind {
			return &Error{Kind: ErrFactoryConflict, Entity: "item_class", ID: name, Message: "constructor already registered under a different kind"}
		}
		return nil
	}
	f.kinds[name] = kind
	if ctor != nil {
		f.constructors[name] = ctor
	}
	return nil
}

func (f *SerializationFactory) lookup(name string) (ItemConstructor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctor, ok := f.constructors[name]
	return ctor, ok
}

// SceneItem is the manifest record for one attached item, and the argument
// an ItemConstructor fills in beyond what the manifest itself carries.
type SceneItem struct {
	ID             string  `yaml:"id"`
	Kind           string  `yaml:"kind"`
	ClassName      string  `yaml:"class_name"`
	Label          string  `yaml:"label,omitempty"`
	Immutable      bool    `yaml:"immutable,omitempty"`
	Dimension      int     `yaml:"dimension,omitempty"`
	ExtentsMin     [3]float64 `yaml:"extents_min,omitempty"`
	ExtentsMax     [3]float64 `yaml:"extents_max,omitempty"`
	InputArity     int     `yaml:"input_arity,omitempty"`
	OutputArity    int     `yaml:"output_arity,omitempty"`
	SupportsDetach bool    `yaml:"supports_detach,omitempty"`
}

type sceneEdge struct {
	Parent string `yaml:"parent"`
	Child  string `yaml:"child"`
}

type sceneMapFrame struct {
	Map   string `yaml:"map"`
	Frame string `yaml:"frame"`
}

type sceneManifest struct {
	Prefix          string          `yaml:"prefix"`
	NextSuffix      uint64          `yaml:"next_suffix"`
	Root            string          `yaml:"root"`
	Items           []SceneItem     `yaml:"items"`
	FrameEdges      []sceneEdge     `yaml:"frame_edges"`
	LayerEdges      []sceneEdge     `yaml:"layer_edges"`
	MapFrames       []sceneMapFrame `yaml:"map_frames"`
	OperatorInputs  []sceneEdge     `yaml:"operator_inputs"`
	OperatorOutputs []sceneEdge     `yaml:"operator_outputs"`
}

const manifestKey = "scene.yml"

func metadataKey(id ItemID) string {
	trimmed := strings.Trim(string(id), "/")
	if trimmed == "" {
		return "meta.json"
	}
	return trimmed + "/meta.json"
}

// Serialize writes the full environment state to dir as a directory
// snapshot: a scene.yml manifest plus one metadata blob per item, through
// the blob.Store abstraction (fs-rooted at dir by default).
func (e *Environment) Serialize(ctx context.Context, dir string) error {
	store, err := openSnapshotStore(dir)
	if err != nil {
		return &Error{Kind: ErrIoError, Entity: "environment", Message: "opening snapshot store: " + err.Error()}
	}
	return e.SerializeTo(ctx, store)
}

// SerializeTo writes the snapshot through an arbitrary blob.Store, so
// callers can target the s3 driver for large-payload offload instead of the
// local filesystem.
func (e *Environment) SerializeTo(ctx context.Context, store blobcore.Store) (err error) {
	start := e.nowFn()
	defer func() { e.metrics.SerializeOp("serialize", e.nowFn().Sub(start).Seconds(), err) }()

	manifest := sceneManifest{
		Prefix:     e.prefix,
		NextSuffix: e.nextSuffix,
		Root:       string(e.root),
	}
	for _, id := range e.insertOrder {
		item, metaBlob, err := e.buildSceneItem(id)
		if err != nil {
			return err
		}
		manifest.Items = append(manifest.Items, item)
		if len(metaBlob) > 0 {
			if err := putOverwrite(ctx, store, metadataKey(id), metaBlob, "application/json"); err != nil {
				return &Error{Kind: ErrIoError, Entity: "item", ID: string(id), Message: "writing metadata blob: " + err.Error()}
			}
		}
	}
	for child, parent := range e.frameParent {
		manifest.FrameEdges = append(manifest.FrameEdges, sceneEdge{Parent: string(parent), Child: string(child)})
	}
	for child, parents := range e.layerParents {
		for _, parent := range parents {
			manifest.LayerEdges = append(manifest.LayerEdges, sceneEdge{Parent: string(parent), Child: string(child)})
		}
	}
	for m, frame := range e.mapFrame {
		manifest.MapFrames = append(manifest.MapFrames, sceneMapFrame{Map: string(m), Frame: string(frame)})
	}
	for op, inputs := range e.opInputs {
		for _, in := range inputs {
			manifest.OperatorInputs = append(manifest.OperatorInputs, sceneEdge{Parent: string(op), Child: string(in)})
		}
	}
	for op, outputs := range e.opOutputs {
		for _, out := range outputs {
			manifest.OperatorOutputs = append(manifest.OperatorOutputs, sceneEdge{Parent: string(op), Child: string(out)})
		}
	}

	encoded, err := yaml.Marshal(manifest)
	if err != nil {
		return &Error{Kind: ErrIoError, Entity: "environment", Message: "encoding manifest: " + err.Error()}
	}
	if err := putOverwrite(ctx, store, manifestKey, encoded, "application/yaml"); err != nil {
		return &Error{Kind: ErrIoError, Entity: "environment", Message: "writing manifest: " + err.Error()}
	}
	return nil
}

// putOverwrite writes data to key, first deleting any prior blob under that
// key. Stores in this tree reject Put against an existing key (write-once
// object semantics), but a snapshot directory is re-serialized into
// repeatedly as the graph evolves, so the manifest and per-item metadata
// blobs need overwrite-on-reserialize behavior at this call site instead.
func putOverwrite(ctx context.Context, store blobcore.Store, key string, data []byte, contentType string) error {
	if _, err := store.Delete(ctx, key); err != nil {
		return err
	}
	_, err := store.Put(ctx, key, bytes.NewReader(data), blobcore.PutOptions{ContentType: contentType})
	return err
}

func (e *Environment) buildSceneItem(id ItemID) (SceneItem, []byte, error) {
	switch e.kindOf[id] {
	case KindFrameNode:
		f := e.frames[id]
		blob, err := marshalTransform(f.Transform)
		if err != nil {
			return SceneItem{}, nil, err
		}
		return SceneItem{ID: string(id), Kind: "frame_node", ClassName: f.ClassName, Label: f.Label}, blob, nil
	case KindLayer:
		l := e.layers[id]
		item := SceneItem{ID: string(id), Kind: "layer", ClassName: l.ClassName, Label: l.Label, Immutable: l.Immutable}
		if dim, ok := e.mapDimension[id]; ok {
			item.Kind = "cartesian_map"
			item.Dimension = dim
			item.ExtentsMin = e.mapExtents[id].Min
			item.ExtentsMax = e.mapExtents[id].Max
		}
		var blob []byte
		if l.Metadata != nil {
			encoded, err := l.Metadata.MarshalJSON()
			if err != nil {
				return SceneItem{}, nil, &Error{Kind: ErrIoError, Entity: "layer", ID: string(id), Message: "encoding metadata: " + err.Error()}
			}
			blob = encoded
		}
		return item, blob, nil
	case KindOperator:
		op := e.operators[id]
		return SceneItem{
			ID: string(id), Kind: "operator", ClassName: op.ClassName, Label: op.Label,
			InputArity: op.InputArity, OutputArity: op.OutputArity, SupportsDetach: op.SupportsDetach,
		}, nil, nil
	default:
		return SceneItem{}, nil, &Error{Kind: ErrTypeMismatch, Entity: "item", ID: string(id), Message: "unknown item kind"}
	}
}

// Unserialize reads a directory snapshot written by Serialize and replays it
// into e, preserving recorded ids. e should be freshly constructed (only
// its synthetic root attached); an id collision against existing state
// fails with IdCollision.
func (e *Environment) Unserialize(ctx context.Context, dir string) error {
	store, err := openSnapshotStore(dir)
	if err != nil {
		return &Error{Kind: ErrIoError, Entity: "environment", Message: "opening snapshot store: " + err.Error()}
	}
	return e.UnserializeFrom(ctx, store)
}

// UnserializeFrom reads a snapshot through an arbitrary blob.Store.
func (e *Environment) UnserializeFrom(ctx context.Context, store blobcore.Store) (err error) {
	start := e.nowFn()
	defer func() { e.metrics.SerializeOp("unserialize", e.nowFn().Sub(start).Seconds(), err) }()

	_, r, err := store.Get(ctx, manifestKey)
	if err != nil {
		return &Error{Kind: ErrIoError, Entity: "environment", Message: "reading manifest: " + err.Error()}
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return &Error{Kind: ErrIoError, Entity: "environment", Message: "reading manifest: " + err.Error()}
	}
	var manifest sceneManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return &Error{Kind: ErrIoError, Entity: "environment", Message: "decoding manifest: " + err.Error()}
	}

	for _, item := range manifest.Items {
		if err := e.unserializeItem(ctx, store, item); err != nil {
			return err
		}
	}
	for _, edge := range manifest.FrameEdges {
		if ItemID(edge.Child) == e.root {
			continue // the root has no parent by construction
		}
		if err := e.AddChildFrame(ItemID(edge.Parent), ItemID(edge.Child)); err != nil {
			return err
		}
	}
	for _, edge := range manifest.LayerEdges {
		if err := e.AddChildLayer(ItemID(edge.Parent), ItemID(edge.Child)); err != nil {
			return err
		}
	}
	for _, mf := range manifest.MapFrames {
		if err := e.SetFrameNode(ItemID(mf.Map), ItemID(mf.Frame)); err != nil {
			return err
		}
	}
	for _, edge := range manifest.OperatorInputs {
		if err := e.AddInput(ItemID(edge.Parent), ItemID(edge.Child)); err != nil {
			return err
		}
	}
	for _, edge := range manifest.OperatorOutputs {
		if err := e.AddOutput(ItemID(edge.Parent), ItemID(edge.Child)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Environment) unserializeItem(ctx context.Context, store blobcore.Store, item SceneItem) error {
	var metaBlob []byte
	if _, r, err := store.Get(ctx, metadataKey(ItemID(item.ID))); err == nil {
		defer r.Close()
		metaBlob, _ = io.ReadAll(r)
	}

	if ctor, ok := e.factory.lookup(item.ClassName); ok {
		if err := ctor(&item, bytes.NewReader(metaBlob)); err != nil {
			return &Error{Kind: ErrIoError, Entity: "item", ID: item.ID, Message: "custom constructor: " + err.Error()}
		}
	}

	switch item.Kind {
	case "frame_node":
		transform, err := unmarshalTransform(metaBlob)
		if err != nil {
			return err
		}
		if ItemID(item.ID) == e.root {
			return e.SetTransform(e.root, transform)
		}
		if _, err := e.AttachFrame(FrameNode{Base: Base{ID: ItemID(item.ID), ClassName: item.ClassName, Label: item.Label}, Transform: transform}); err != nil {
			return err
		}
	case "layer", "cartesian_map":
		if existing, ok := e.layers[ItemID(item.ID)]; ok && existing.Immutable {
			return &Error{Kind: ErrImmutableViolation, Entity: "layer", ID: item.ID, Message: "replay would overwrite an already-materialized immutable layer"}
		}
		holder := metadata.NewHolder()
		if len(metaBlob) > 0 {
			if err := holder.UnmarshalJSON(metaBlob); err != nil {
				return &Error{Kind: ErrIoError, Entity: "layer", ID: item.ID, Message: "decoding metadata: " + err.Error()}
			}
		}
		layer := Layer{
			Base:      Base{ID: ItemID(item.ID), ClassName: item.ClassName, Label: item.Label},
			Immutable: item.Immutable,
			Metadata:  holder,
		}
		if item.Kind == "cartesian_map" {
			_, err := e.AttachCartesianMap(CartesianMap{
				Layer:     layer,
				Dimension: item.Dimension,
				Extents:   Extents{Min: item.ExtentsMin, Max: item.ExtentsMax},
			}, "")
			return err
		}
		_, err := e.AttachLayer(layer)
		return err
	case "operator":
		_, err := e.AttachOperator(Operator{
			Base:           Base{ID: ItemID(item.ID), ClassName: item.ClassName, Label: item.Label},
			InputArity:     item.InputArity,
			OutputArity:    item.OutputArity,
			SupportsDetach: item.SupportsDetach,
		})
		return err
	default:
		return &Error{Kind: ErrTypeMismatch, Entity: "item", ID: item.ID, Message: "unknown manifest item kind " + item.Kind}
	}
	return nil
}

type transformWire struct {
	Rotation    [3][3]float64  `json:"rotation"`
	Translation [3]float64     `json:"translation"`
	Covariance  *[6][6]float64 `json:"covariance,omitempty"`
}

func marshalTransform(t TransformUnc) ([]byte, error) {
	return json.Marshal(transformWire{Rotation: t.Transform.Rotation, Translation: t.Transform.Translation, Covariance: t.Covariance})
}

func unmarshalTransform(data []byte) (TransformUnc, error) {
	if len(data) == 0 {
		return Certain(), nil
	}
	var w transformWire
	if err := json.Unmarshal(data, &w); err != nil {
		return TransformUnc{}, &Error{Kind: ErrIoError, Entity: "frame_node", Message: "decoding transform: " + err.Error()}
	}
	return TransformUnc{Transform: Transform{Rotation: w.Rotation, Translation: w.Translation}, Covariance: w.Covariance}, nil
}
