// ABOUTME: Traversal-optimized execution graph with precomputed forward and reverse adjacency.
// ABOUTME: Immutable once built; attached to a flow version and read by the edge-walking engine.
package graph

import "sort"

// ExecGraph is the compiled, immutable form of a Graph. Adjacency and
// InboundEdges cover journey edges only; OutboundEdges includes system edges
// so side-effect walks still see them. All lists are sorted by edge ID so
// traversal order, and therefore input-merge conflict resolution, is
// deterministic regardless of how the editor ordered the edges.
type ExecGraph struct {
	Nodes map[string]*Node `json:"nodes"`

	// Adjacency maps a node to its journey-edge targets.
	Adjacency map[string][]string `json:"adjacency"`

	// InboundEdges maps a node to its journey-edge upstream node IDs,
	// ordered by edge ID. The last entry wins input-merge conflicts.
	InboundEdges map[string][]string `json:"inbound_edges"`

	// OutboundEdges maps a node to the IDs of all its outgoing edges,
	// journey and system alike.
	OutboundEdges map[string][]string `json:"outbound_edges"`

	// Edges maps edge ID to edge metadata.
	Edges map[string]Edge `json:"edges"`
}

// buildExecGraph derives the adjacency structures from an editable graph.
// It assumes the graph already passed validation.
func buildExecGraph(g *Graph) *ExecGraph {
	eg := &ExecGraph{
		Nodes:         make(map[string]*Node, len(g.Nodes)),
		Adjacency:     make(map[string][]string),
		InboundEdges:  make(map[string][]string),
		OutboundEdges: make(map[string][]string),
		Edges:         make(map[string]Edge, len(g.Edges)),
	}

	for i := range g.Nodes {
		n := g.Nodes[i]
		eg.Nodes[n.ID] = &n
	}

	edges := make([]Edge, len(g.Edges))
	copy(edges, g.Edges)
	for i := range edges {
		if edges[i].Kind == "" {
			edges[i].Kind = EdgeJourney
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

	for _, e := range edges {
		eg.Edges[e.ID] = e
		eg.OutboundEdges[e.Source] = append(eg.OutboundEdges[e.Source], e.ID)
		if e.Kind == EdgeJourney {
			eg.Adjacency[e.Source] = append(eg.Adjacency[e.Source], e.Target)
			eg.InboundEdges[e.Target] = append(eg.InboundEdges[e.Target], e.Source)
		}
	}

	return eg
}

// Node returns the node with the given ID, or nil.
func (eg *ExecGraph) Node(id string) *Node {
	return eg.Nodes[id]
}

// Roots returns the IDs of nodes with no inbound edges of any kind, sorted.
// These fire immediately when a run starts. Nodes reached only through
// system edges are not roots; they fire when their source completes.
func (eg *ExecGraph) Roots() []string {
	targets := make(map[string]bool, len(eg.Edges))
	for _, e := range eg.Edges {
		targets[e.Target] = true
	}
	var roots []string
	for id := range eg.Nodes {
		if !targets[id] {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// NodeIDs returns all node IDs in sorted order for deterministic output.
func (eg *ExecGraph) NodeIDs() []string {
	ids := make([]string, 0, len(eg.Nodes))
	for id := range eg.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// JourneyUpstreams returns the upstream node IDs feeding the given node,
// in edge-ID order. The returned slice is shared; callers must not mutate it.
func (eg *ExecGraph) JourneyUpstreams(id string) []string {
	return eg.InboundEdges[id]
}

// IsFannedOut reports whether the node is an immediate journey target of a
// splitter. Such nodes only ever run as synthetic branch entries, never as
// their base identifier.
func (eg *ExecGraph) IsFannedOut(id string) bool {
	for _, up := range eg.InboundEdges[id] {
		if n := eg.Nodes[up]; n != nil && n.Kind == KindSplitter {
			return true
		}
	}
	return false
}

// SplitterUpstream returns the splitter feeding the given node, or nil.
func (eg *ExecGraph) SplitterUpstream(id string) *Node {
	for _, up := range eg.InboundEdges[id] {
		if n := eg.Nodes[up]; n != nil && n.Kind == KindSplitter {
			return n
		}
	}
	return nil
}
