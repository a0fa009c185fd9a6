package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AttrMap is a string-to-string map that preserves the insertion order
// of its keys. Endpoint and service attributes are operator metadata
// whose iteration order must match the order the declaration listed
// them, so a plain Go map is not enough.
type AttrMap struct {
	keys   []string
	values map[string]string
}

// NewAttrMap returns an empty attribute map
func NewAttrMap() *AttrMap {
	return &AttrMap{values: make(map[string]string)}
}

// Set inserts or replaces the value for key. A new key is appended to
// the iteration order; an existing key keeps its position.
func (m *AttrMap) Set(key, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value for key and whether it is present
func (m *AttrMap) Get(key string) (string, bool) {
	if m == nil || m.values == nil {
		return "", false
	}
	v, ok := m.values[key]
	return v, ok
}

// Len returns the number of entries
func (m *AttrMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order. The returned slice must not
// be modified.
func (m *AttrMap) Keys() []string {
	if m == nil {
		return nil
	}
	return m.keys
}

// Each calls fn for every entry in insertion order
func (m *AttrMap) Each(fn func(key, value string)) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		fn(k, m.values[k])
	}
}

// Copy returns a deep copy preserving order
func (m *AttrMap) Copy() *AttrMap {
	out := NewAttrMap()
	m.Each(out.Set)
	return out
}

// Equal reports whether two maps hold the same entries in the same order
func (m *AttrMap) Equal(o *AttrMap) bool {
	if m.Len() != o.Len() {
		return false
	}
	for i, k := range m.Keys() {
		if o.keys[i] != k {
			return false
		}
		if m.values[k] != o.values[k] {
			return false
		}
	}
	return true
}

// UnmarshalJSON decodes a JSON object preserving its key order
func (m *AttrMap) UnmarshalJSON(data []byte) error {
	*m = *NewAttrMap()
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("attributes: expected object, got %v", tok)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("attributes: expected string key, got %v", keyTok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("attributes: value for %q: %w", key, err)
		}
		m.Set(key, value)
	}
	_, err = dec.Token()
	return err
}

// MarshalJSON encodes the map as a JSON object in insertion order
func (m *AttrMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
