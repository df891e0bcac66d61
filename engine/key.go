// ABOUTME: Structured node-state keys for parallel branch entries.
// ABOUTME: The "{base}_{index}" string form exists only at the store and wire boundary.
package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Key addresses one node-state entry in a run: either a static graph node
// (Index < 0) or one synthetic branch entry of a fanned-out node. Node
// identifiers cannot contain underscores, so the wire form parses back
// without ambiguity.
type Key struct {
	Base  string
	Index int
}

// NodeKey returns the key for a static graph node.
func NodeKey(id string) Key {
	return Key{Base: id, Index: -1}
}

// BranchKey returns the key for branch index i of a fanned-out node.
func BranchKey(id string, i int) Key {
	return Key{Base: id, Index: i}
}

// Synthetic reports whether the key addresses a branch entry rather than a
// static graph node.
func (k Key) Synthetic() bool {
	return k.Index >= 0
}

// String renders the wire/storage form: the bare node ID, or "{base}_{index}"
// for branch entries.
func (k Key) String() string {
	if k.Index < 0 {
		return k.Base
	}
	return k.Base + "_" + strconv.Itoa(k.Index)
}

// ParseKey parses the wire form back into a structured key.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return Key{}, fmt.Errorf("empty node key")
	}
	idx := strings.LastIndexByte(s, '_')
	if idx < 0 {
		return NodeKey(s), nil
	}
	base := s[:idx]
	n, err := strconv.Atoi(s[idx+1:])
	if err != nil || n < 0 || base == "" {
		return Key{}, fmt.Errorf("malformed branch key %q", s)
	}
	return BranchKey(base, n), nil
}
