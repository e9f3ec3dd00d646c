// Package metadata provides a heterogeneous, type-tagged value holder used by
// Layer to carry auxiliary data (bounding extents, generator hints, plugin
// annotations) without the core graph ever needing to know concrete payload
// types. It is adapted from the plugin-extension slot pattern: values are
// deep-cloned on the way in and out so callers can never observe aliased
// mutation through the holder.
package metadata

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
)

// ErrKeyNotFound indicates Get/Remove was called with a key the holder does
// not carry.
var ErrKeyNotFound = fmt.Errorf("metadata: key not found")

// entry pairs a stored value with the concrete Go type it was written with,
// so a mismatched Get can be rejected instead of silently type-asserting.
type entry struct {
	value any
	typ   reflect.Type
}

// Holder is a deep-copying map[string]any keyed store. The zero value is a
// valid, empty holder.
type Holder struct {
	values map[string]entry
}

// NewHolder constructs an empty holder.
func NewHolder() *Holder {
	return &Holder{values: make(map[string]entry)}
}

func (h *Holder) ensure() {
	if h.values == nil {
		h.values = make(map[string]entry)
	}
}

// Set stores value under key, overwriting any prior value regardless of its
// type. Use SetTyped when callers must not silently change a key's type.
func Set[T any](h *Holder, key string, value T) {
	h.ensure()
	h.values[key] = entry{value: cloneValue(value), typ: reflect.TypeOf(value)}
}

// Get retrieves the value stored under key, type-asserted to T. ok is false
// when the key is absent; mismatch is true when the key exists but was
// stored with a different concrete type than T.
func Get[T any](h *Holder, key string) (value T, ok bool, mismatch bool) {
	if h == nil || h.values == nil {
		return value, false, false
	}
	e, present := h.values[key]
	if !present {
		return value, false, false
	}
	cloned := cloneValue(e.value)
	typed, assignable := cloned.(T)
	if !assignable {
		return value, true, true
	}
	return typed, true, false
}

// Has reports whether key is present, regardless of its stored type.
func (h *Holder) Has(key string) bool {
	if h == nil || h.values == nil {
		return false
	}
	_, ok := h.values[key]
	return ok
}

// Remove deletes the value stored under key. It is a no-op if key is absent.
func (h *Holder) Remove(key string) {
	if h == nil || h.values == nil {
		return
	}
	delete(h.values, key)
}

// Keys returns the sorted set of keys currently stored in the holder.
func (h *Holder) Keys() []string {
	if h == nil || len(h.values) == 0 {
		return nil
	}
	keys := slices.Collect(maps.Keys(h.values))
	slices.Sort(keys)
	return keys
}

// Clone returns a deep copy of the holder; the returned holder shares no
// mutable state with the receiver.
func (h *Holder) Clone() *Holder {
	if h == nil {
		return NewHolder()
	}
	clone := NewHolder()
	for k, e := range h.values {
		clone.values[k] = entry{value: cloneValue(e.value), typ: e.typ}
	}
	return clone
}

type wireEntry struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON serialises the holder as a map of key to {type, value} so a
// round-tripped holder preserves enough information for Get[T] mismatches to
// still be detected after deserialisation-by-name, though the concrete Go
// type recorded is best-effort (string form of reflect.Type).
func (h *Holder) MarshalJSON() ([]byte, error) {
	if h == nil || len(h.values) == 0 {
		return []byte("{}"), nil
	}
	wire := make(map[string]wireEntry, len(h.values))
	for k, e := range h.values {
		raw, err := json.Marshal(e.value)
		if err != nil {
			return nil, fmt.Errorf("metadata: marshal key %q: %w", k, err)
		}
		typeName := ""
		if e.typ != nil {
			typeName = e.typ.String()
		}
		wire[k] = wireEntry{Type: typeName, Value: raw}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON restores a holder previously produced by MarshalJSON. Values
// are decoded as generic JSON (map[string]any, []any, float64, string, bool,
// nil); a typed Get[T] against a non-JSON-native T will report a mismatch
// after a round trip, matching the documented "no aliasing, no silent
// coercion" contract.
func (h *Holder) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		h.values = nil
		return nil
	}
	var wire map[string]wireEntry
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	h.values = make(map[string]entry, len(wire))
	for k, w := range wire {
		var value any
		if err := json.Unmarshal(w.Value, &value); err != nil {
			return fmt.Errorf("metadata: unmarshal key %q: %w", k, err)
		}
		h.values[k] = entry{value: value, typ: reflect.TypeOf(value)}
	}
	return nil
}

// cloneValue deep copies supported values to prevent shared references
// between the holder and its callers.
func cloneValue(value any) any {
	if value == nil {
		return nil
	}
	switch typed := value.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, uintptr,
		float32, float64,
		json.Number:
		return typed
	}

	source := reflect.ValueOf(value)
	switch source.Kind() {
	case reflect.Map:
		if source.IsNil() || source.Type().Key().Kind() != reflect.String {
			return value
		}
		clone := reflect.MakeMapWithSize(source.Type(), source.Len())
		iter := source.MapRange()
		for iter.Next() {
			clone.SetMapIndex(iter.Key(), cloneIntoType(iter.Value(), source.Type().Elem()))
		}
		return clone.Interface()
	case reflect.Slice:
		if source.IsNil() {
			return value
		}
		clone := reflect.MakeSlice(source.Type(), source.Len(), source.Len())
		for i := 0; i < source.Len(); i++ {
			clone.Index(i).Set(cloneIntoType(source.Index(i), source.Type().Elem()))
		}
		return clone.Interface()
	case reflect.Array:
		clone := reflect.New(source.Type()).Elem()
		for i := 0; i < source.Len(); i++ {
			clone.Index(i).Set(cloneIntoType(source.Index(i), source.Type().Elem()))
		}
		return clone.Interface()
	case reflect.Ptr:
		if source.IsNil() {
			return value
		}
		cloned := cloneValue(source.Elem().Interface())
		ptr := reflect.New(source.Elem().Type())
		ptr.Elem().Set(reflect.ValueOf(cloned))
		return ptr.Interface()
	default:
		return value
	}
}

func cloneIntoType(value reflect.Value, target reflect.Type) reflect.Value {
	if !value.IsValid() || (value.Kind() == reflect.Interface && value.IsNil()) {
		return reflect.Zero(target)
	}
	cloned := cloneValue(value.Interface())
	if cloned == nil {
		return reflect.Zero(target)
	}
	clonedValue := reflect.ValueOf(cloned)
	if !clonedValue.Type().AssignableTo(target) {
		if clonedValue.Type().ConvertibleTo(target) {
			clonedValue = clonedValue.Convert(target)
		} else {
			return value
		}
	}
	return clonedValue
}
