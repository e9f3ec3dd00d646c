package core

import "envgraph/pkg/domain/metadata"

func newMetadataHolder() *metadata.Holder { return metadata.NewHolder() }

// HasData reports whether layer carries a metadata value under key,
// regardless of its stored type.
func (e *Environment) HasData(layerID ItemID, key string) (bool, error) {
	l, err := e.GetLayer(layerID)
	if err != nil {
		return false, err
	}
	return l.Metadata.Has(key), nil
}

// GetData retrieves a typed metadata value, failing with NotFound on a miss.
// Use GetOrCreateData for the creates-default-on-miss variant.
func GetData[T any](e *Environment, layerID ItemID, key string) (T, error) {
	var zero T
	l, err := e.GetLayer(layerID)
	if err != nil {
		return zero, err
	}
	value, ok, mismatch := metadata.Get[T](l.Metadata, key)
	if mismatch {
		return zero, &Error{Kind: ErrTypeMismatch, Entity: "layer", ID: string(layerID), Message: "metadata key " + key + " holds a different type"}
	}
	if !ok {
		return zero, &Error{Kind: ErrNotFound, Entity: "layer", ID: string(layerID), Message: "metadata key " + key + " not set"}
	}
	return value, nil
}

// GetOrCreateData retrieves a typed metadata value, writing and returning
// defaultValue if the key is absent.
func GetOrCreateData[T any](e *Environment, layerID ItemID, key string, defaultValue T) (T, error) {
	value, err := GetData[T](e, layerID, key)
	if err == nil {
		return value, nil
	}
	var domainErr *Error
	if de, ok := err.(*Error); ok {
		domainErr = de
	}
	if domainErr == nil || domainErr.Kind != ErrNotFound {
		return value, err
	}
	if setErr := SetData(e, layerID, key, defaultValue); setErr != nil {
		return value, setErr
	}
	return defaultValue, nil
}

// SetData stores a typed metadata value on a layer.
func SetData[T any](e *Environment, layerID ItemID, key string, value T) error {
	l, err := e.GetLayer(layerID)
	if err != nil {
		return err
	}
	metadata.Set(l.Metadata, key, value)
	e.putLayer(l)
	return nil
}

// RemoveData deletes a metadata key from a layer, or every key when key=="".
func (e *Environment) RemoveData(layerID ItemID, key string) error {
	l, err := e.GetLayer(layerID)
	if err != nil {
		return err
	}
	if key == "" {
		l.Metadata = newMetadataHolder()
	} else {
		l.Metadata.Remove(key)
	}
	e.putLayer(l)
	return nil
}
