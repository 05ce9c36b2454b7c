// Package fhirdoc provides a dynamic representation of FHIR resources as
// parsed JSON documents, with dotted-path access used by transformation
// rules and adapters. Vendor payloads keep their raw bytes verbatim; this
// package is the parsed view over them.
package fhirdoc

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Document is one parsed FHIR resource. Keys follow the wire format
// (camelCase); nested objects are map[string]interface{} and arrays are
// []interface{}, exactly as encoding/json produces them.
type Document map[string]interface{}

// Parse decodes a single JSON resource.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse fhir document: %w", err)
	}
	return doc, nil
}

// Bytes re-encodes the document.
func (d Document) Bytes() ([]byte, error) {
	return json.Marshal(d)
}

// ID returns the resource id, or "".
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// ResourceType returns the resourceType field, or "".
func (d Document) ResourceType() string {
	rt, _ := d["resourceType"].(string)
	return rt
}

// LastUpdated returns meta.lastUpdated parsed as RFC3339, and whether it was
// present and valid.
func (d Document) LastUpdated() (time.Time, bool) {
	v, ok := d.GetPath("meta.lastUpdated")
	if !ok {
		return time.Time{}, false
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, inner := range val {
			m[k] = cloneValue(inner)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(val))
		for i, inner := range val {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return val
	}
}

// GetPath resolves a dotted path ("name.0.given.0", "meta.lastUpdated")
// against the document. Numeric segments index into arrays. The second
// return is false when any segment is absent or of the wrong shape.
func (d Document) GetPath(path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var cur interface{} = map[string]interface{}(d)
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// SetPath writes a value at a dotted path, creating intermediate maps and
// arrays as needed. A numeric segment writes into an existing array,
// extending it by exactly one slot when the index equals its length.
func (d Document) SetPath(path string, value interface{}) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if _, err := setIn(map[string]interface{}(d), strings.Split(path, "."), value); err != nil {
		return fmt.Errorf("set %q: %w", path, err)
	}
	return nil
}

// setIn writes value at segs under node and returns node, which is a new
// slice when an array was extended.
func setIn(node interface{}, segs []string, value interface{}) (interface{}, error) {
	seg := segs[0]
	last := len(segs) == 1

	switch n := node.(type) {
	case map[string]interface{}:
		if last {
			n[seg] = value
			return n, nil
		}
		child, ok := n[seg]
		if !ok || child == nil {
			child = emptyContainer(segs[1])
		}
		newChild, err := setIn(child, segs[1:], value)
		if err != nil {
			return nil, err
		}
		n[seg] = newChild
		return n, nil

	case []interface{}:
		idx, err := strconv.Atoi(seg)
		if err != nil {
			return nil, fmt.Errorf("segment %q indexes an array", seg)
		}
		if idx < 0 || idx > len(n) {
			return nil, fmt.Errorf("array index %d out of range", idx)
		}
		if idx == len(n) {
			n = append(n, nil)
		}
		if last {
			n[idx] = value
			return n, nil
		}
		child := n[idx]
		if child == nil {
			child = emptyContainer(segs[1])
		}
		newChild, err := setIn(child, segs[1:], value)
		if err != nil {
			return nil, err
		}
		n[idx] = newChild
		return n, nil

	default:
		return nil, fmt.Errorf("segment %q descends into a scalar", seg)
	}
}

func emptyContainer(nextSeg string) interface{} {
	if _, err := strconv.Atoi(nextSeg); err == nil {
		return make([]interface{}, 0)
	}
	return make(map[string]interface{})
}

// Flatten returns every leaf value keyed by its dotted path, in sorted path
// order. Used for field-level comparison between two documents.
func (d Document) Flatten() map[string]interface{} {
	out := make(map[string]interface{})
	flattenInto(out, "", map[string]interface{}(d))
	return out
}

func flattenInto(out map[string]interface{}, prefix string, v interface{}) {
	switch node := v.(type) {
	case map[string]interface{}:
		if len(node) == 0 && prefix != "" {
			out[prefix] = node
			return
		}
		for k, inner := range node {
			flattenInto(out, joinPath(prefix, k), inner)
		}
	case []interface{}:
		if len(node) == 0 && prefix != "" {
			out[prefix] = node
			return
		}
		for i, inner := range node {
			flattenInto(out, joinPath(prefix, strconv.Itoa(i)), inner)
		}
	default:
		out[prefix] = node
	}
}

func joinPath(prefix, seg string) string {
	if prefix == "" {
		return seg
	}
	return prefix + "." + seg
}

// SortedPaths returns the flattened paths of the document in sorted order.
func (d Document) SortedPaths() []string {
	flat := d.Flatten()
	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ValueEqual reports whether two leaf values are equal after JSON
// normalization (numbers compared as float64, objects by re-encoding).
func ValueEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
