package store

import (
	"database/sql"
	"fmt"

	"github.com/roach88/quarry/internal/ir"
)

// marshalValue converts a value to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON so equal values store identical text.
func marshalValue(v ir.Value) (string, error) {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return string(data), nil
}

// marshalRecord is marshalValue for a nullable record column.
func marshalRecord(rec ir.Object) (any, error) {
	if rec == nil {
		return nil, nil
	}
	return marshalValue(rec)
}

// unmarshalValue parses canonical JSON TEXT. Integral numbers come back as
// ints, so large integers survive without float64 precision loss.
func unmarshalValue(data string) (ir.Value, error) {
	v, err := ir.ParseJSON([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}

// unmarshalRecord parses a nullable record column.
func unmarshalRecord(data sql.NullString) (ir.Object, error) {
	if !data.Valid {
		return nil, nil
	}
	v, err := unmarshalValue(data.String)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("unmarshal record: got %s", ir.KindOf(v))
	}
	return obj, nil
}
