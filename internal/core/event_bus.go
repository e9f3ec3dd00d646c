package core

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
)

// EventKind tags the variant of an Event.
type EventKind byte

const (
	EventItemAdded EventKind = iota + 1
	EventItemRemoved
	EventItemModified
	EventFrameTreeEdgeAdded
	EventFrameTreeEdgeRemoved
	EventLayerEdgeAdded
	EventLayerEdgeRemoved
	EventOperatorEdgeAdded
	EventOperatorEdgeRemoved
	EventFrameAttachmentChanged
	EventTransformChanged
)

// Event is the unit the bus dispatches to every subscriber. Not every field
// is populated for every kind: ParentID carries the other end of an edge
// event, ClassName is set only on ItemAdded, Transform only on
// TransformChanged.
type Event struct {
	Kind      EventKind
	ItemID    ItemID
	ItemKind  ItemKind
	ParentID  ItemID
	ClassName string
	Transform *TransformUnc
	Direction string // "input" or "output", set only on operator edge events
}

// Handler receives events synchronously, in the order the mutating calls
// that produced them were made.
type Handler interface {
	OnEvent(Event)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(Event)

// OnEvent calls f(e).
func (f HandlerFunc) OnEvent(e Event) { f(e) }

// eventBus fans mutation events out to subscribers and supports subscribe
// -time replay so a handler attaching late still sees a complete, ordered
// picture of the graph as it exists right now.
type eventBus struct {
	env      *Environment
	handlers []Handler
}

func newEventBus(env *Environment) *eventBus {
	return &eventBus{env: env}
}

// publish dispatches e to every current subscriber, FIFO, synchronously.
func (b *eventBus) publish(e Event) {
	b.env.metrics.EventDispatched(e.Kind)
	for _, h := range b.handlers {
		h.OnEvent(e)
	}
}

// AddEventHandler subscribes h and immediately replays the current
// environment as a synthetic sequence of add events: items in insertion
// order, then edges. The ordering guarantee holds: a parent is delivered
// before its children, a frame before any map attached to it, and an input
// layer before any operator that references it — all three follow directly
// from replaying in insertion order, since an id can only be referenced by
// an edge once it exists.
func (e *Environment) AddEventHandler(h Handler) {
	e.bus.handlers = append(e.bus.handlers, h)
	for _, id := range e.insertOrder {
		kind := e.kindOf[id]
		className := ""
		switch kind {
		case KindFrameNode:
			className = e.frames[id].ClassName
		case KindLayer:
			className = e.layers[id].ClassName
		case KindOperator:
			className = e.operators[id].ClassName
		}
		h.OnEvent(Event{Kind: EventItemAdded, ItemID: id, ItemKind: kind, ClassName: className})
	}
	for child, parent := range e.frameParent {
		h.OnEvent(Event{Kind: EventFrameTreeEdgeAdded, ItemID: child, ParentID: parent, ItemKind: KindFrameNode})
	}
	for child, parents := range e.layerParents {
		for _, parent := range parents {
			h.OnEvent(Event{Kind: EventLayerEdgeAdded, ItemID: child, ParentID: parent, ItemKind: KindLayer})
		}
	}
	for m, frame := range e.mapFrame {
		h.OnEvent(Event{Kind: EventFrameAttachmentChanged, ItemID: m, ParentID: frame, ItemKind: KindLayer})
	}
	for op, inputs := range e.opInputs {
		for _, in := range inputs {
			h.OnEvent(Event{Kind: EventOperatorEdgeAdded, ItemID: in, ParentID: op, ItemKind: KindOperator, Direction: "input"})
		}
	}
	for op, outputs := range e.opOutputs {
		for _, out := range outputs {
			h.OnEvent(Event{Kind: EventOperatorEdgeAdded, ItemID: out, ParentID: op, ItemKind: KindOperator, Direction: "output"})
		}
	}
}

// RemoveEventHandler delivers the reverse synthetic sequence — edges first,
// then items in reverse insertion order — so the handler observes an empty
// environment, then unsubscribes it.
func (e *Environment) RemoveEventHandler(h Handler) {
	for op, outputs := range e.opOutputs {
		for _, out := range outputs {
			h.OnEvent(Event{Kind: EventOperatorEdgeRemoved, ItemID: out, ParentID: op, ItemKind: KindOperator, Direction: "output"})
		}
	}
	for op, inputs := range e.opInputs {
		for _, in := range inputs {
			h.OnEvent(Event{Kind: EventOperatorEdgeRemoved, ItemID: in, ParentID: op, ItemKind: KindOperator, Direction: "input"})
		}
	}
	for m, frame := range e.mapFrame {
		h.OnEvent(Event{Kind: EventFrameAttachmentChanged, ItemID: m, ParentID: frame, ItemKind: KindLayer})
	}
	for child, parents := range e.layerParents {
		for _, parent := range parents {
			h.OnEvent(Event{Kind: EventLayerEdgeRemoved, ItemID: child, ParentID: parent, ItemKind: KindLayer})
		}
	}
	for child, parent := range e.frameParent {
		h.OnEvent(Event{Kind: EventFrameTreeEdgeRemoved, ItemID: child, ParentID: parent, ItemKind: KindFrameNode})
	}
	for i := len(e.insertOrder) - 1; i >= 0; i-- {
		id := e.insertOrder[i]
		h.OnEvent(Event{Kind: EventItemRemoved, ItemID: id, ItemKind: e.kindOf[id]})
	}
	for i, existing := range e.bus.handlers {
		if existing == h {
			e.bus.handlers = append(e.bus.handlers[:i], e.bus.handlers[i+1:]...)
			break
		}
	}
}

// Handle dispatches event to all current subscribers synchronously, without
// it having originated from a mutating Environment call. Exposed for
// callers that drive replay from a separately recorded stream.
func (e *Environment) Handle(event Event) {
	e.bus.publish(event)
}

// --- binary event stream codec ---
//
// Each record has the same layout whatever its kind: a 1-byte kind tag,
// five length-prefixed UTF-8 strings (uint16 length: item id, item kind,
// parent id, class name, direction), then a 1-byte transform-present flag.
// When set, it is followed by 12 float64s (rotation row-major, then
// translation), a 1-byte uncertainty flag and, if that is set, 36 float64s
// of covariance.

func writeString(buf *bytes.Buffer, s string) {
	b := []byte(s)
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(b)))
	buf.Write(length[:])
	buf.Write(b)
}

func readString(r io.Reader) (string, error) {
	var length [2]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return "", err
	}
	b := make([]byte, binary.BigEndian.Uint16(length[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeTransform(buf *bytes.Buffer, t *TransformUnc) {
	if t == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	var f [8]byte
	put := func(v float64) {
		binary.BigEndian.PutUint64(f[:], math.Float64bits(v))
		buf.Write(f[:])
	}
	for _, row := range t.Transform.Rotation {
		for _, v := range row {
			put(v)
		}
	}
	for _, v := range t.Transform.Translation {
		put(v)
	}
	if t.Covariance == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	for _, row := range t.Covariance {
		for _, v := range row {
			put(v)
		}
	}
}

func readTransform(r io.Reader) (*TransformUnc, error) {
	var present [1]byte
	if _, err := io.ReadFull(r, present[:]); err != nil {
		return nil, err
	}
	if present[0] == 0 {
		return nil, nil
	}
	var f [8]byte
	get := func() (float64, error) {
		if _, err := io.ReadFull(r, f[:]); err != nil {
			return 0, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(f[:])), nil
	}
	var t TransformUnc
	for i := range t.Transform.Rotation {
		for j := range t.Transform.Rotation[i] {
			v, err := get()
			if err != nil {
				return nil, err
			}
			t.Transform.Rotation[i][j] = v
		}
	}
	for i := range t.Transform.Translation {
		v, err := get()
		if err != nil {
			return nil, err
		}
		t.Transform.Translation[i] = v
	}
	var hasCov [1]byte
	if _, err := io.ReadFull(r, hasCov[:]); err != nil {
		return nil, err
	}
	if hasCov[0] == 1 {
		var cov [6][6]float64
		for i := range cov {
			for j := range cov[i] {
				v, err := get()
				if err != nil {
					return nil, err
				}
				cov[i][j] = v
			}
		}
		t.Covariance = &cov
	}
	return &t, nil
}

// EncodeEvents serializes a sequence of events to the binary event stream
// format.
func EncodeEvents(events []Event) []byte {
	buf := &bytes.Buffer{}
	for _, e := range events {
		buf.WriteByte(byte(e.Kind))
		writeString(buf, string(e.ItemID))
		writeString(buf, string(e.ItemKind))
		writeString(buf, string(e.ParentID))
		writeString(buf, e.ClassName)
		writeString(buf, e.Direction)
		writeTransform(buf, e.Transform)
	}
	return buf.Bytes()
}

// DecodeEvents parses a binary event stream back into events.
func DecodeEvents(data []byte) ([]Event, error) {
	r := bytes.NewReader(data)
	var events []Event
	for r.Len() > 0 {
		var kindByte [1]byte
		if _, err := io.ReadFull(r, kindByte[:]); err != nil {
			return nil, err
		}
		itemID, err := readString(r)
		if err != nil {
			return nil, err
		}
		itemKind, err := readString(r)
		if err != nil {
			return nil, err
		}
		parentID, err := readString(r)
		if err != nil {
			return nil, err
		}
		className, err := readString(r)
		if err != nil {
			return nil, err
		}
		direction, err := readString(r)
		if err != nil {
			return nil, err
		}
		transform, err := readTransform(r)
		if err != nil {
			return nil, err
		}
		events = append(events, Event{
			Kind:      EventKind(kindByte[0]),
			ItemID:    ItemID(itemID),
			ItemKind:  ItemKind(itemKind),
			ParentID:  ItemID(parentID),
			ClassName: className,
			Direction: direction,
			Transform: transform,
		})
	}
	return events, nil
}

// ApplyEvents replays a recorded binary event sequence against e to
// reconstruct environment state. Ids are honored verbatim; an id collision
// or an edge referencing an unknown id fails with ReplayConflict.
func (e *Environment) ApplyEvents(data []byte) error {
	events, err := DecodeEvents(data)
	if err != nil {
		return &Error{Kind: ErrReplayConflict, Entity: "event_stream", Message: "malformed event stream: " + err.Error()}
	}
	for _, ev := range events {
		if err := e.applyEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

func (e *Environment) applyEvent(ev Event) error {
	conflict := func(msg string) error {
		return &Error{Kind: ErrReplayConflict, Entity: "event_stream", ID: string(ev.ItemID), Message: msg}
	}
	switch ev.Kind {
	case EventItemAdded:
		if ev.ItemID == e.root {
			// A fresh Environment already carries its own synthetic root frame
			// under this same id, so the root's own ItemAdded (always first in
			// a naturally produced stream, per AddEventHandler's replay order)
			// merges into the existing root rather than colliding with it.
			if ev.ItemKind != KindFrameNode {
				return conflict("root replayed with a non-frame item kind")
			}
			return nil
		}
		if e.exists(ev.ItemID) {
			return conflict("id already attached during replay")
		}
		switch ev.ItemKind {
		case KindFrameNode:
			if _, err := e.AttachFrame(FrameNode{Base: baseWithID(ev.ItemID, ev.ClassName)}); err != nil {
				return err
			}
		case KindLayer:
			if _, err := e.AttachLayer(Layer{Base: baseWithID(ev.ItemID, ev.ClassName)}); err != nil {
				return err
			}
		case KindOperator:
			if _, err := e.AttachOperator(Operator{Base: baseWithID(ev.ItemID, ev.ClassName)}); err != nil {
				return err
			}
		default:
			return conflict("unknown item kind in replay")
		}
	case EventItemRemoved:
		if !e.exists(ev.ItemID) {
			return conflict("remove of unattached id during replay")
		}
		if err := e.DetachItem(ev.ItemID, true); err != nil {
			return err
		}
	case EventFrameTreeEdgeAdded:
		if err := e.AddChildFrame(ev.ParentID, ev.ItemID); err != nil {
			return err
		}
	case EventFrameTreeEdgeRemoved:
		if err := e.RemoveChildFrame(ev.ParentID, ev.ItemID); err != nil {
			return err
		}
	case EventLayerEdgeAdded:
		if err := e.AddChildLayer(ev.ParentID, ev.ItemID); err != nil {
			return err
		}
	case EventLayerEdgeRemoved:
		if err := e.RemoveChildLayer(ev.ParentID, ev.ItemID); err != nil {
			return err
		}
	case EventOperatorEdgeAdded:
		var err error
		switch ev.Direction {
		case "output":
			err = e.AddOutput(ev.ParentID, ev.ItemID)
		default:
			err = e.AddInput(ev.ParentID, ev.ItemID)
		}
		if err != nil {
			return err
		}
	case EventOperatorEdgeRemoved:
		var err error
		switch ev.Direction {
		case "output":
			err = e.RemoveOutput(ev.ParentID, ev.ItemID)
		default:
			err = e.RemoveInput(ev.ParentID, ev.ItemID)
		}
		if err != nil {
			return err
		}
	case EventFrameAttachmentChanged:
		if err := e.SetFrameNode(ev.ItemID, ev.ParentID); err != nil {
			return err
		}
	case EventTransformChanged:
		if ev.Transform == nil {
			return conflict("transform changed event missing payload")
		}
		if err := e.SetTransform(ev.ItemID, *ev.Transform); err != nil {
			return err
		}
	}
	return nil
}

func baseWithID(id ItemID, className string) Base {
	return Base{ID: id, ClassName: className}
}
