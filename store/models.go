// ABOUTME: Persisted domain models: flows, immutable flow versions, runs, and per-node state.
// ABOUTME: NodeState terminal statuses are only ever left via an explicit retry.
package store

import (
	"time"

	"github.com/2389-research/loom/graph"
)

// Status is the lifecycle state of one node within a run.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusWaitingForInput Status = "waiting_for_input"
)

// Terminal reports whether the status is one the engine never leaves on its
// own; only an explicit retry resets a failed node.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// NodeState is the tracked state of one node (or one synthetic branch entry)
// within a run.
type NodeState struct {
	Status Status `json:"status"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Flow is a named, mutable container for an editable graph. It is never
// executed directly; runs always go through an immutable version.
type Flow struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	CurrentVersionID string       `json:"current_version_id,omitempty"`
	Graph            *graph.Graph `json:"graph,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// FlowVersion is an immutable snapshot of a flow's graph in both editable and
// compiled form. In-flight runs reference a version, so later edits to the
// flow never disturb them.
type FlowVersion struct {
	ID             string           `json:"id"`
	FlowID         string           `json:"flow_id"`
	VisualGraph    *graph.Graph     `json:"visual_graph"`
	ExecutionGraph *graph.ExecGraph `json:"execution_graph"`
	CommitMessage  string           `json:"commit_message,omitempty"`
	Fingerprint    string           `json:"fingerprint"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Run is one execution instance of a flow version. NodeStates is keyed by
// node ID or by the wire form of a synthetic branch key. TriggerInput is the
// caller-supplied input kept so root retries re-fire with the original
// values. Runs are retained for audit and replay; the engine never deletes
// them.
type Run struct {
	ID            string               `json:"id"`
	FlowID        string               `json:"flow_id"`
	FlowVersionID string               `json:"flow_version_id"`
	NodeStates    map[string]NodeState `json:"node_states"`
	TriggerInput  map[string]any       `json:"trigger_input,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// State returns the tracked state for a node-state key, defaulting to
// pending for keys the run has never seen.
func (r *Run) State(key string) NodeState {
	if s, ok := r.NodeStates[key]; ok {
		return s
	}
	return NodeState{Status: StatusPending}
}
