// ABOUTME: Graph compiler: validates an editable graph and emits an immutable ExecGraph.
// ABOUTME: Compilation is a pure function; a single validation error fails the whole compile.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorType classifies a compile-time graph defect.
type ErrorType string

const (
	ErrCycle         ErrorType = "cycle"
	ErrMissingInput  ErrorType = "missing_input"
	ErrInvalidWorker ErrorType = "invalid_worker"
	ErrDisconnected  ErrorType = "disconnected"
)

// ValidationError describes one compile-time defect with the node and field
// it refers to.
type ValidationError struct {
	Type    ErrorType `json:"type"`
	NodeID  string    `json:"node_id,omitempty"`
	Field   string    `json:"field,omitempty"`
	Message string    `json:"message"`
}

func (e ValidationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %q: %s", e.Type, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ValidationErrors aggregates every defect found in one compile pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("graph validation failed with %d error(s): %s", len(e), strings.Join(msgs, "; "))
}

// KindSet answers whether a worker kind is known. The worker catalog
// implements this; tests use KindSetFunc.
type KindSet interface {
	Known(kind string) bool
}

// KindSetFunc adapts a function to the KindSet interface.
type KindSetFunc func(kind string) bool

// Known implements KindSet.
func (f KindSetFunc) Known(kind string) bool { return f(kind) }

// compileRule is one validation pass over an editable graph.
type compileRule interface {
	apply(g *Graph, eg *ExecGraph, kinds KindSet) []ValidationError
}

func compileRules() []compileRule {
	return []compileRule{
		identifierRule{},
		cycleRule{},
		missingInputRule{},
		workerKindRule{},
		fanOutRule{},
		disconnectedRule{},
	}
}

// Compile validates the editable graph and, when clean, returns its
// traversal-optimized form. kinds resolves worker kind names; pass
// KindSetFunc(func(string) bool { return true }) to skip catalog checks.
// On any validation error the ExecGraph is nil and the error is a
// ValidationErrors value; the caller must not persist a version.
func Compile(g *Graph, kinds KindSet) (*ExecGraph, error) {
	eg := buildExecGraph(g)

	var errs ValidationErrors
	for _, rule := range compileRules() {
		errs = append(errs, rule.apply(g, eg, kinds)...)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return eg, nil
}

// identifierRule rejects malformed or duplicate node/edge identifiers and
// edges whose endpoints do not exist. These are reported as disconnected
// defects since a dangling edge leaves part of the graph unreachable.
type identifierRule struct{}

func (identifierRule) apply(g *Graph, eg *ExecGraph, kinds KindSet) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool)
	for _, n := range g.Nodes {
		if !ValidID(n.ID) {
			errs = append(errs, ValidationError{
				Type: ErrDisconnected, NodeID: n.ID, Field: "id",
				Message: "node id must match [A-Za-z0-9][A-Za-z0-9.:-]*",
			})
			continue
		}
		if seen[n.ID] {
			errs = append(errs, ValidationError{
				Type: ErrDisconnected, NodeID: n.ID, Field: "id",
				Message: "duplicate node id",
			})
		}
		seen[n.ID] = true
	}
	for _, e := range g.Edges {
		if g.FindNode(e.Source) == nil {
			errs = append(errs, ValidationError{
				Type: ErrDisconnected, NodeID: e.Source, Field: "source",
				Message: fmt.Sprintf("edge %q references unknown source node", e.ID),
			})
		}
		if g.FindNode(e.Target) == nil {
			errs = append(errs, ValidationError{
				Type: ErrDisconnected, NodeID: e.Target, Field: "target",
				Message: fmt.Sprintf("edge %q references unknown target node", e.ID),
			})
		}
	}
	return errs
}

// cycleRule runs Kahn's algorithm over the journey subgraph; any nodes left
// with unmet in-degree form a cycle.
type cycleRule struct{}

func (cycleRule) apply(g *Graph, eg *ExecGraph, kinds KindSet) []ValidationError {
	indegree := make(map[string]int, len(eg.Nodes))
	for id := range eg.Nodes {
		indegree[id] = len(eg.InboundEdges[id])
	}

	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, target := range eg.Adjacency[id] {
			indegree[target]--
			if indegree[target] == 0 {
				queue = append(queue, target)
			}
		}
	}

	if visited == len(eg.Nodes) {
		return nil
	}

	var cyclic []string
	for id, d := range indegree {
		if d > 0 {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	return []ValidationError{{
		Type:    ErrCycle,
		Message: fmt.Sprintf("journey edges form a cycle through: %s", strings.Join(cyclic, ", ")),
	}}
}

// missingInputRule checks that every required input without a default is fed
// by at least one incoming journey edge, and that splitters and collectors
// carry the configuration their handlers need.
type missingInputRule struct{}

func (missingInputRule) apply(g *Graph, eg *ExecGraph, kinds KindSet) []ValidationError {
	var errs []ValidationError
	for _, n := range g.Nodes {
		for _, in := range n.InputDecls() {
			if !in.Required || len(in.Default) > 0 {
				continue
			}
			if len(eg.InboundEdges[n.ID]) == 0 {
				errs = append(errs, ValidationError{
					Type: ErrMissingInput, NodeID: n.ID, Field: in.Name,
					Message: fmt.Sprintf("required input %q has no default and no incoming journey edge", in.Name),
				})
			}
		}

		switch n.Kind {
		case KindSplitter:
			cfg, err := n.SplitterConfig()
			if err != nil || cfg.Path == "" {
				errs = append(errs, ValidationError{
					Type: ErrMissingInput, NodeID: n.ID, Field: "path",
					Message: "splitter requires a path expression selecting the array to split",
				})
			}
		case KindCollector:
			cfg, err := n.CollectorConfig()
			if err != nil {
				errs = append(errs, ValidationError{
					Type: ErrMissingInput, NodeID: n.ID, Field: "source",
					Message: "collector config is malformed",
				})
				continue
			}
			ups := eg.InboundEdges[n.ID]
			if cfg.Source == "" && len(ups) != 1 {
				errs = append(errs, ValidationError{
					Type: ErrMissingInput, NodeID: n.ID, Field: "source",
					Message: fmt.Sprintf("collector with %d upstreams must name its source node", len(ups)),
				})
			}
			if cfg.Source != "" && g.FindNode(cfg.Source) == nil {
				errs = append(errs, ValidationError{
					Type: ErrMissingInput, NodeID: n.ID, Field: "source",
					Message: fmt.Sprintf("collector source %q does not exist", cfg.Source),
				})
			}
		}
	}
	return errs
}

// workerKindRule checks that worker nodes resolve to a known worker kind or
// carry an explicit endpoint URL.
type workerKindRule struct{}

func (workerKindRule) apply(g *Graph, eg *ExecGraph, kinds KindSet) []ValidationError {
	var errs []ValidationError
	for _, n := range g.Nodes {
		switch n.Kind {
		case KindWorker:
			cfg, err := n.WorkerConfig()
			if err != nil {
				errs = append(errs, ValidationError{
					Type: ErrInvalidWorker, NodeID: n.ID, Field: "config",
					Message: "worker config is malformed",
				})
				continue
			}
			if cfg.URL != "" {
				continue
			}
			if cfg.Kind == "" {
				errs = append(errs, ValidationError{
					Type: ErrInvalidWorker, NodeID: n.ID, Field: "kind",
					Message: "worker declares neither a kind nor a url",
				})
				continue
			}
			if kinds == nil || !kinds.Known(cfg.Kind) {
				errs = append(errs, ValidationError{
					Type: ErrInvalidWorker, NodeID: n.ID, Field: "kind",
					Message: fmt.Sprintf("unknown worker kind %q", cfg.Kind),
				})
			}
		case KindGate, KindSplitter, KindCollector:
			// Other kinds carry no worker binding.
		default:
			errs = append(errs, ValidationError{
				Type: ErrInvalidWorker, NodeID: n.ID, Field: "kind",
				Message: fmt.Sprintf("unknown node kind %q", n.Kind),
			})
		}
	}
	return errs
}

// fanOutRule constrains the shape of a splitter's fan-out. A fanned-out node
// runs only as per-element branch entries; its base key stays pending for the
// whole run. Any journey edge from it to a non-collector would gate on that
// base key and stall forever, so only collectors may sit downstream. A
// splitter fanning out into another splitter is rejected for the same
// reason: the inner splitter's branches have nowhere distinct to land.
type fanOutRule struct{}

func (fanOutRule) apply(g *Graph, eg *ExecGraph, kinds KindSet) []ValidationError {
	var errs []ValidationError
	for _, n := range g.Nodes {
		if n.Kind != KindSplitter {
			continue
		}
		for _, fanned := range eg.Adjacency[n.ID] {
			fn := eg.Node(fanned)
			if fn == nil || fn.Kind == KindCollector {
				continue
			}
			if fn.Kind == KindSplitter {
				errs = append(errs, ValidationError{
					Type: ErrDisconnected, NodeID: fanned,
					Message: fmt.Sprintf("splitter %q cannot fan out into another splitter", n.ID),
				})
				continue
			}
			for _, next := range eg.Adjacency[fanned] {
				if t := eg.Node(next); t != nil && t.Kind != KindCollector {
					errs = append(errs, ValidationError{
						Type: ErrDisconnected, NodeID: next,
						Message: fmt.Sprintf("node gates on fanned-out node %q and can never fire; only collectors may follow a fan-out", fanned),
					})
				}
			}
		}
	}
	return errs
}

// disconnectedRule flags nodes with no edges at all in a multi-node graph.
// Islands that have internal edges start at their own roots and are legal.
type disconnectedRule struct{}

func (disconnectedRule) apply(g *Graph, eg *ExecGraph, kinds KindSet) []ValidationError {
	if len(g.Nodes) <= 1 {
		return nil
	}
	var errs []ValidationError
	for _, n := range g.Nodes {
		if len(eg.OutboundEdges[n.ID]) == 0 && !hasInbound(eg, n.ID) {
			errs = append(errs, ValidationError{
				Type: ErrDisconnected, NodeID: n.ID,
				Message: "node has no edges and can never fire",
			})
		}
	}
	return errs
}

func hasInbound(eg *ExecGraph, id string) bool {
	if len(eg.InboundEdges[id]) > 0 {
		return true
	}
	// System edges do not gate firing but do reach the node.
	for _, e := range eg.Edges {
		if e.Target == id {
			return true
		}
	}
	return false
}
