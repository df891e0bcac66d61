// ABOUTME: NodeHandler interface, registry, and the four kind handlers: worker, gate, splitter, collector.
// ABOUTME: Handlers compute state changes and branch firings; the engine applies them atomically.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/2389-research/loom/graph"
	"github.com/2389-research/loom/store"
)

// Firing is everything a handler needs to execute one node firing.
type Firing struct {
	Run   *store.Run
	Graph *graph.ExecGraph
	Node  *graph.Node
	Key   Key
	Input any
}

// BranchFiring instructs the engine to fire one synthetic branch entry.
type BranchFiring struct {
	Key   Key
	Input any
}

// FireOutcome is what a handler hands back to the engine. State, when
// non-nil, replaces the fired key's running status; Merge entries are
// written in the same atomic merge as State. Branches are fired after the
// merge lands.
type FireOutcome struct {
	State    *store.NodeState
	Merge    map[string]store.NodeState
	Branches []BranchFiring
}

// NodeHandler implements the behavior of one node kind. Fire is called after
// the engine has won the pending-to-running transition for the key.
type NodeHandler interface {
	Kind() graph.NodeKind
	Fire(ctx context.Context, f Firing) (*FireOutcome, error)
}

// HandlerRegistry maps node kinds to handler instances.
type HandlerRegistry struct {
	handlers map[graph.NodeKind]NodeHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[graph.NodeKind]NodeHandler)}
}

// Register adds a handler, replacing any previous handler for its kind.
func (r *HandlerRegistry) Register(h NodeHandler) {
	r.handlers[h.Kind()] = h
}

// For returns the handler for a kind, or nil.
func (r *HandlerRegistry) For(kind graph.NodeKind) NodeHandler {
	return r.handlers[kind]
}

// DefaultHandlerRegistry wires the four built-in handlers against the given
// dependencies.
func DefaultHandlerRegistry(client *http.Client, catalog *WorkerCatalog, callbackBase string, logger *slog.Logger) *HandlerRegistry {
	reg := NewHandlerRegistry()
	reg.Register(&WorkerHandler{Client: client, Catalog: catalog, CallbackBase: callbackBase, Logger: logger})
	reg.Register(&GateHandler{})
	reg.Register(&SplitterHandler{})
	reg.Register(&CollectorHandler{})
	return reg
}

// --- Worker ---

// DispatchPayload is the JSON body sent to an external worker service.
type DispatchPayload struct {
	RunID       string          `json:"runId"`
	NodeID      string          `json:"nodeId"`
	Config      json.RawMessage `json:"config,omitempty"`
	Input       any             `json:"input"`
	CallbackURL string          `json:"callbackUrl"`
}

// WorkerHandler delegates a node to an external HTTP service. The node stays
// running until the service posts its completion callback; a dispatch
// failure marks it failed immediately.
type WorkerHandler struct {
	Client       *http.Client
	Catalog      *WorkerCatalog
	CallbackBase string
	Logger       *slog.Logger
}

// Kind returns graph.KindWorker.
func (h *WorkerHandler) Kind() graph.NodeKind { return graph.KindWorker }

// Fire dispatches the firing to the worker's endpoint.
func (h *WorkerHandler) Fire(ctx context.Context, f Firing) (*FireOutcome, error) {
	cfg, err := f.Node.WorkerConfig()
	if err != nil {
		return failOutcome(err.Error()), nil
	}

	endpoint := cfg.URL
	if endpoint == "" {
		w, ok := h.Catalog.Resolve(cfg.Kind)
		if !ok {
			return failOutcome(fmt.Sprintf("worker kind %q is not in the catalog", cfg.Kind)), nil
		}
		endpoint = w.URL
	}

	payload := DispatchPayload{
		RunID:  f.Run.ID,
		NodeID: f.Key.String(),
		Config: f.Node.Config,
		Input:  f.Input,
		// The callback address is built from configuration only, never from
		// an inbound request's host.
		CallbackURL: strings.TrimSuffix(h.CallbackBase, "/") + "/callback/" + f.Run.ID + "/" + f.Key.String(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return failOutcome(fmt.Sprintf("encode dispatch payload: %v", err)), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return failOutcome(fmt.Sprintf("invalid worker endpoint %q: %v", endpoint, err)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		h.Logger.Warn("worker dispatch failed",
			"run_id", f.Run.ID, "node", f.Key.String(), "endpoint", endpoint, "error", err)
		return failOutcome(fmt.Sprintf("dispatch to %q failed: %v", endpoint, err)), nil
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failOutcome(fmt.Sprintf("worker at %q rejected dispatch with status %d", endpoint, resp.StatusCode)), nil
	}

	h.Logger.Debug("worker dispatched", "run_id", f.Run.ID, "node", f.Key.String(), "endpoint", endpoint)

	// Stay running; the completion callback finishes the node.
	return &FireOutcome{}, nil
}

// --- Gate ---

// GateHandler pauses a run for human input. Downstream nodes stay pending
// until the input arrives via the complete endpoint.
type GateHandler struct{}

// Kind returns graph.KindGate.
func (h *GateHandler) Kind() graph.NodeKind { return graph.KindGate }

// Fire parks the node in waiting_for_input.
func (h *GateHandler) Fire(ctx context.Context, f Firing) (*FireOutcome, error) {
	return &FireOutcome{State: &store.NodeState{Status: store.StatusWaitingForInput}}, nil
}

// --- Splitter ---

// SplitterHandler fans an array input into independent branch entries, one
// per element per immediate journey downstream. The splitter's own
// completion and every branch entry are written in one atomic merge so a
// collector can never observe branches without a completed splitter.
type SplitterHandler struct{}

// Kind returns graph.KindSplitter.
func (h *SplitterHandler) Kind() graph.NodeKind { return graph.KindSplitter }

// Fire evaluates the configured path against the input and spawns branches.
func (h *SplitterHandler) Fire(ctx context.Context, f Firing) (*FireOutcome, error) {
	cfg, err := f.Node.SplitterConfig()
	if err != nil || cfg.Path == "" {
		return failOutcome("splitter has no path expression"), nil
	}

	inputJSON, err := json.Marshal(f.Input)
	if err != nil {
		return failOutcome(fmt.Sprintf("encode splitter input: %v", err)), nil
	}

	result := gjson.GetBytes(inputJSON, cfg.Path)
	if !result.Exists() {
		return failOutcome(fmt.Sprintf("path %q matches nothing in the input", cfg.Path)), nil
	}
	if !result.IsArray() {
		return failOutcome(fmt.Sprintf("path %q selects a %s, not an array", cfg.Path, result.Type)), nil
	}

	elements, _ := result.Value().([]any)
	outcome := &FireOutcome{
		State: &store.NodeState{Status: store.StatusCompleted, Output: elements},
	}
	if len(elements) == 0 {
		// Nothing to fan out: complete with an empty array and let the walk
		// carry the emptiness to any collector downstream.
		return outcome, nil
	}

	outcome.Merge = make(map[string]store.NodeState)
	for _, target := range f.Graph.Adjacency[f.Node.ID] {
		if t := f.Graph.Node(target); t == nil || t.Kind == graph.KindCollector {
			continue
		}
		for i, element := range elements {
			key := BranchKey(target, i)
			outcome.Merge[key.String()] = store.NodeState{Status: store.StatusPending}
			outcome.Branches = append(outcome.Branches, BranchFiring{Key: key, Input: element})
		}
	}
	return outcome, nil
}

// --- Collector ---

// CollectorHandler completes a fan-in node. The engine only fires it once
// every matching branch entry is completed, so Fire just assembles the
// index-ordered output array it received as input.
type CollectorHandler struct{}

// Kind returns graph.KindCollector.
func (h *CollectorHandler) Kind() graph.NodeKind { return graph.KindCollector }

// Fire completes the collector with its pre-assembled input.
func (h *CollectorHandler) Fire(ctx context.Context, f Firing) (*FireOutcome, error) {
	return &FireOutcome{State: &store.NodeState{Status: store.StatusCompleted, Output: f.Input}}, nil
}

func failOutcome(msg string) *FireOutcome {
	return &FireOutcome{State: &store.NodeState{Status: store.StatusFailed, Error: msg}}
}
