// ABOUTME: Editable flow graph model: nodes with kind-specific config blobs and journey/system edges.
// ABOUTME: This is the shape the editor produces; the compiler turns it into an ExecGraph.
package graph

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// NodeKind identifies the behavior class of a node.
type NodeKind string

const (
	KindWorker    NodeKind = "worker"
	KindGate      NodeKind = "gate"
	KindSplitter  NodeKind = "splitter"
	KindCollector NodeKind = "collector"
)

// EdgeKind distinguishes dependency-gating edges from side-effect-only ones.
type EdgeKind string

const (
	// EdgeJourney edges gate downstream firing. This is the default.
	EdgeJourney EdgeKind = "journey"
	// EdgeSystem edges trigger side effects but never participate in
	// dependency checks.
	EdgeSystem EdgeKind = "system"
)

// Position holds editor canvas coordinates. The engine never reads these;
// they exist so round-tripping a graph through the API preserves layout.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one unit of work in an editable graph. Config is kind-specific
// and stays opaque until a typed accessor decodes it.
type Node struct {
	ID       string          `json:"id"`
	Kind     NodeKind        `json:"kind"`
	Name     string          `json:"name,omitempty"`
	Position Position        `json:"position,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// Edge is a directed edge between two nodes. Kind defaults to journey.
type Edge struct {
	ID     string   `json:"id"`
	Source string   `json:"source"`
	Target string   `json:"target"`
	Kind   EdgeKind `json:"kind,omitempty"`
}

// Graph is the editable flow definition as stored on a Flow and edited by
// the user. It carries free-form layout data and is never executed directly.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// InputDecl declares one named input a node expects. Required inputs with no
// default must be supplied by an incoming journey edge.
type InputDecl struct {
	Name     string          `json:"name"`
	Required bool            `json:"required,omitempty"`
	Default  json.RawMessage `json:"default,omitempty"`
}

// WorkerConfig configures a worker node. Either Kind must resolve through the
// worker catalog or URL must be set explicitly.
type WorkerConfig struct {
	Kind   string      `json:"kind,omitempty"`
	URL    string      `json:"url,omitempty"`
	Inputs []InputDecl `json:"inputs,omitempty"`
}

// GateConfig configures a human-input gate node.
type GateConfig struct {
	Prompt string      `json:"prompt,omitempty"`
	Inputs []InputDecl `json:"inputs,omitempty"`
}

// SplitterConfig configures a splitter node. Path is a gjson expression
// selecting the array to fan out from the node's input.
type SplitterConfig struct {
	Path string `json:"path"`
}

// CollectorConfig configures a collector node. Source names the fanned-out
// node whose branch entries the collector waits on. When empty it defaults
// to the collector's single journey upstream.
type CollectorConfig struct {
	Source string `json:"source,omitempty"`
}

// FindNode returns the node with the given ID, or nil if not found.
func (g *Graph) FindNode(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// WorkerConfig decodes the node's config as a WorkerConfig.
func (n *Node) WorkerConfig() (WorkerConfig, error) {
	var c WorkerConfig
	if err := decodeConfig(n.Config, &c); err != nil {
		return c, fmt.Errorf("node %q: %w", n.ID, err)
	}
	return c, nil
}

// GateConfig decodes the node's config as a GateConfig.
func (n *Node) GateConfig() (GateConfig, error) {
	var c GateConfig
	if err := decodeConfig(n.Config, &c); err != nil {
		return c, fmt.Errorf("node %q: %w", n.ID, err)
	}
	return c, nil
}

// SplitterConfig decodes the node's config as a SplitterConfig.
func (n *Node) SplitterConfig() (SplitterConfig, error) {
	var c SplitterConfig
	if err := decodeConfig(n.Config, &c); err != nil {
		return c, fmt.Errorf("node %q: %w", n.ID, err)
	}
	return c, nil
}

// CollectorConfig decodes the node's config as a CollectorConfig.
func (n *Node) CollectorConfig() (CollectorConfig, error) {
	var c CollectorConfig
	if err := decodeConfig(n.Config, &c); err != nil {
		return c, fmt.Errorf("node %q: %w", n.ID, err)
	}
	return c, nil
}

// InputDecls returns the node's declared inputs regardless of kind.
// Nodes without declared inputs return nil.
func (n *Node) InputDecls() []InputDecl {
	var c struct {
		Inputs []InputDecl `json:"inputs"`
	}
	if decodeConfig(n.Config, &c) != nil {
		return nil
	}
	return c.Inputs
}

func decodeConfig(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// validID matches node and edge identifiers. The charset is restricted so
// identifiers can be embedded in JSON paths and branch keys without escaping.
var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.:-]*$`)

// ValidID reports whether s is usable as a node or edge identifier.
func ValidID(s string) bool {
	return validID.MatchString(s)
}
