// ABOUTME: Content fingerprinting for editable graphs so semantically-identical graphs dedupe.
// ABOUTME: Hashes a canonical form that ignores layout positions and node ordering.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// canonicalNode is the fingerprint-relevant subset of a node. Position and
// display name are excluded: moving or renaming a node does not change what
// the graph executes.
type canonicalNode struct {
	ID     string          `json:"id"`
	Kind   NodeKind        `json:"kind"`
	Config json.RawMessage `json:"config,omitempty"`
}

type canonicalEdge struct {
	ID     string   `json:"id"`
	Source string   `json:"source"`
	Target string   `json:"target"`
	Kind   EdgeKind `json:"kind"`
}

// Fingerprint returns a stable hex digest of the graph's executable content.
// Two graphs with equal fingerprints compile to the same execution graph, so
// the caller can reuse an existing version instead of minting a new one.
func Fingerprint(g *Graph) string {
	nodes := make([]canonicalNode, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, canonicalNode{ID: n.ID, Kind: n.Kind, Config: compactJSON(n.Config)})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	edges := make([]canonicalEdge, 0, len(g.Edges))
	for _, e := range g.Edges {
		kind := e.Kind
		if kind == "" {
			kind = EdgeJourney
		}
		edges = append(edges, canonicalEdge{ID: e.ID, Source: e.Source, Target: e.Target, Kind: kind})
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

	payload, _ := json.Marshal(struct {
		Nodes []canonicalNode `json:"nodes"`
		Edges []canonicalEdge `json:"edges"`
	}{nodes, edges})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// compactJSON normalizes a raw JSON blob so whitespace differences do not
// change the fingerprint. Invalid or empty JSON passes through untouched.
func compactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := marshalCanonical(v)
	if err != nil {
		return raw
	}
	return out
}

// marshalCanonical marshals with sorted object keys, which encoding/json
// already guarantees for map[string]any.
func marshalCanonical(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
