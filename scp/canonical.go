package scp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON encodes v as canonical JSON: object keys sorted, no
// insignificant whitespace, numbers kept as their original literals. Two
// values with the same canonical encoding are protocol-equal; quote
// comparison at issue time and ticket/body digests are all defined over this
// encoding.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	// Preserve number literals exactly; a float64 round-trip would mangle
	// amounts above 2^53.
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonicalizing: %w", err)
	}
	// Encode without HTML escaping so `&`, `<`, `>` survive literally in
	// the signed bytes.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("canonicalizing: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// CanonicalEqual reports whether two values have identical canonical JSON
// encodings.
func CanonicalEqual(a, b any) (bool, error) {
	ca, err := CanonicalJSON(a)
	if err != nil {
		return false, err
	}
	cb, err := CanonicalJSON(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}
