// ABOUTME: The edge-walking engine: fires nodes, walks completions, and handles the callback boundary.
// ABOUTME: Holds no run state in memory; every invocation reloads the run and relies on store atomicity.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389-research/loom/graph"
	"github.com/2389-research/loom/store"
)

// ErrConflict is returned when an operation loses a state transition: the
// node-state key was not in the status the operation requires. Callers can
// treat it as "someone else got here first" and re-read the run.
var ErrConflict = errors.New("node state conflict")

// Config holds the engine's runtime settings.
type Config struct {
	// CallbackBaseURL is the externally reachable base of this service,
	// e.g. "http://loom.internal:8080". Worker callback URLs are built from
	// it, never from inbound request headers.
	CallbackBaseURL string

	// DispatchTimeout bounds each worker dispatch request.
	DispatchTimeout time.Duration
}

// Callback is a worker's completion report for one dispatched firing.
type Callback struct {
	Status store.Status `json:"status"`
	Output any          `json:"output,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Engine executes runs against a store. It is stateless: any number of
// engine instances may share one database, and every public method is safe
// to call concurrently.
type Engine struct {
	store    *store.Store
	catalog  *WorkerCatalog
	registry *HandlerRegistry
	logger   *slog.Logger
	metrics  *Metrics
}

// New creates an engine with the default handler registry.
func New(st *store.Store, catalog *WorkerCatalog, cfg Config, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return &Engine{
		store:    st,
		catalog:  catalog,
		registry: DefaultHandlerRegistry(client, catalog, cfg.CallbackBaseURL, logger),
		logger:   logger,
		metrics:  metrics,
	}
}

// Catalog returns the engine's worker catalog.
func (e *Engine) Catalog() *WorkerCatalog { return e.catalog }

// StartRun compiles the flow's draft graph, snapshots it as a version unless
// the current version already has the same fingerprint, creates a run, and
// fires the root nodes. Trigger input keys override root input defaults.
func (e *Engine) StartRun(ctx context.Context, flowID string, trigger map[string]any) (*store.Run, error) {
	flow, err := e.store.GetFlow(flowID)
	if err != nil {
		return nil, err
	}
	if flow.Graph == nil {
		return nil, graph.ValidationErrors{{
			Type:    graph.ErrDisconnected,
			Message: "flow has no graph to run",
		}}
	}

	eg, err := graph.Compile(flow.Graph, e.catalog)
	if err != nil {
		return nil, err
	}

	version, err := e.resolveVersion(flow, eg)
	if err != nil {
		return nil, err
	}

	run, err := e.store.CreateRun(version, trigger)
	if err != nil {
		return nil, err
	}
	e.metrics.runStarted()
	e.logger.Info("run started", "run_id", run.ID, "flow_id", flowID, "version_id", version.ID)

	var done []Key
	for _, rootID := range eg.Roots() {
		input := rootInput(eg.Node(rootID), trigger)
		completed, err := e.fireKey(ctx, run.ID, eg, NodeKey(rootID), input)
		if err != nil {
			return nil, err
		}
		done = append(done, completed...)
	}
	if err := e.walk(ctx, run.ID, eg, done); err != nil {
		return nil, err
	}

	return e.store.GetRun(run.ID)
}

// resolveVersion reuses the flow's current version when the draft graph is
// content-identical, otherwise snapshots a new one.
func (e *Engine) resolveVersion(flow *store.Flow, eg *graph.ExecGraph) (*store.FlowVersion, error) {
	fp := graph.Fingerprint(flow.Graph)
	if flow.CurrentVersionID != "" {
		current, err := e.store.GetVersion(flow.CurrentVersionID)
		if err == nil && current.Fingerprint == fp {
			return current, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return e.store.CreateVersion(flow.ID, flow.Graph, eg, "auto-snapshot on run start", fp)
}

// HandleCallback applies a worker's completion report. The node must
// currently be running; a lost transition returns ErrConflict so duplicate
// callbacks are rejected instead of double-applied.
func (e *Engine) HandleCallback(ctx context.Context, runID, rawKey string, cb Callback) (*store.Run, error) {
	if cb.Status != store.StatusCompleted && cb.Status != store.StatusFailed {
		return nil, fmt.Errorf("callback status must be completed or failed, got %q: %w", cb.Status, ErrConflict)
	}

	_, eg, key, err := e.resolveKey(runID, rawKey)
	if err != nil {
		return nil, err
	}
	node := eg.Node(key.Base)

	to := store.NodeState{Status: cb.Status, Output: cb.Output, Error: cb.Error}
	won, err := e.store.TransitionNodeState(runID, key.String(), []store.Status{store.StatusRunning}, to)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("node %q is not running: %w", key.String(), ErrConflict)
	}

	e.metrics.callback(string(cb.Status))
	e.logger.Info("callback applied",
		"run_id", runID, "node", key.String(), "status", string(cb.Status))

	if cb.Status == store.StatusFailed {
		e.metrics.nodeFailed(string(node.Kind))
		// A failed branch must still reach any collector watching it; the
		// collector fails as soon as one branch does.
		done, err := e.evalDownstreamCollectors(ctx, runID, eg, key.Base)
		if err != nil {
			return nil, err
		}
		if err := e.walk(ctx, runID, eg, done); err != nil {
			return nil, err
		}
	} else if err := e.walk(ctx, runID, eg, []Key{key}); err != nil {
		return nil, err
	}
	return e.store.GetRun(runID)
}

// CompleteGate supplies the human input a gate is waiting on and resumes the
// walk from it.
func (e *Engine) CompleteGate(ctx context.Context, runID, rawKey string, input map[string]any) (*store.Run, error) {
	_, eg, key, err := e.resolveKey(runID, rawKey)
	if err != nil {
		return nil, err
	}
	if node := eg.Node(key.Base); node.Kind != graph.KindGate {
		return nil, fmt.Errorf("node %q is a %s, not a gate: %w", key.Base, node.Kind, ErrConflict)
	}

	to := store.NodeState{Status: store.StatusCompleted, Output: input}
	won, err := e.store.TransitionNodeState(runID, key.String(), []store.Status{store.StatusWaitingForInput}, to)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("gate %q is not waiting for input: %w", key.String(), ErrConflict)
	}

	e.logger.Info("gate completed", "run_id", runID, "node", key.String())
	if err := e.walk(ctx, runID, eg, []Key{key}); err != nil {
		return nil, err
	}
	return e.store.GetRun(runID)
}

// Retry resets a failed node to pending and re-fires it if its dependencies
// still hold. Only failed nodes are retryable.
func (e *Engine) Retry(ctx context.Context, runID, rawKey string) (*store.Run, error) {
	run, eg, key, err := e.resolveKey(runID, rawKey)
	if err != nil {
		return nil, err
	}

	won, err := e.store.TransitionNodeState(runID, key.String(),
		[]store.Status{store.StatusFailed}, store.NodeState{Status: store.StatusPending})
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("node %q is not failed: %w", key.String(), ErrConflict)
	}
	e.logger.Info("node retried", "run_id", runID, "node", key.String())

	var done []Key
	switch {
	case key.Synthetic():
		// Branch entries re-fire with their original element input, read
		// back from the upstream splitter's output.
		input, err := e.branchInput(runID, eg, key)
		if err != nil {
			return nil, err
		}
		done, err = e.fireKey(ctx, runID, eg, key, input)
		if err != nil {
			return nil, err
		}
	case eg.Node(key.Base).Kind == graph.KindCollector:
		// A collector's readiness is judged against its branch entries, not
		// the fanned-out base node, which never leaves pending.
		done, err = e.evalCollector(ctx, runID, eg, key.Base)
		if err != nil {
			return nil, err
		}
	case len(eg.JourneyUpstreams(key.Base)) == 0:
		done, err = e.fireKey(ctx, runID, eg, key, rootInput(eg.Node(key.Base), run.TriggerInput))
		if err != nil {
			return nil, err
		}
	default:
		done, err = e.evaluateTarget(ctx, runID, eg, key.Base)
		if err != nil {
			return nil, err
		}
	}

	if err := e.walk(ctx, runID, eg, done); err != nil {
		return nil, err
	}
	return e.store.GetRun(runID)
}

// resolveKey loads the run's execution graph and validates that rawKey
// addresses a node the run actually tracks.
func (e *Engine) resolveKey(runID, rawKey string) (*store.Run, *graph.ExecGraph, Key, error) {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return nil, nil, Key{}, err
	}
	version, err := e.store.GetVersion(run.FlowVersionID)
	if err != nil {
		return nil, nil, Key{}, err
	}
	eg := version.ExecutionGraph

	key, err := ParseKey(rawKey)
	if err != nil {
		return nil, nil, Key{}, fmt.Errorf("node %q: %w", rawKey, store.ErrNotFound)
	}
	if eg.Node(key.Base) == nil {
		return nil, nil, Key{}, fmt.Errorf("node %q is not in the run's graph: %w", key.Base, store.ErrNotFound)
	}
	if key.Synthetic() {
		if _, ok := run.NodeStates[key.String()]; !ok {
			return nil, nil, Key{}, fmt.Errorf("branch %q does not exist in run %q: %w", key.String(), runID, store.ErrNotFound)
		}
	}
	return run, eg, key, nil
}

// branchInput recovers the original element input for a branch entry from
// the upstream splitter's recorded output.
func (e *Engine) branchInput(runID string, eg *graph.ExecGraph, key Key) (any, error) {
	splitter := eg.SplitterUpstream(key.Base)
	if splitter == nil {
		return nil, fmt.Errorf("node %q has no upstream splitter: %w", key.Base, store.ErrNotFound)
	}
	run, err := e.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	elements, ok := run.State(splitter.ID).Output.([]any)
	if !ok || key.Index >= len(elements) {
		return nil, fmt.Errorf("splitter %q has no element %d: %w", splitter.ID, key.Index, store.ErrNotFound)
	}
	return elements[key.Index], nil
}

// walk drains a queue of freshly completed keys, evaluating each one's
// downstream edges. Firing a node may complete it synchronously, which
// appends to the queue; the loop ends when nothing new completes.
func (e *Engine) walk(ctx context.Context, runID string, eg *graph.ExecGraph, queue []Key) error {
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]

		sourceNode := eg.Node(key.Base)
		run, err := e.store.GetRun(runID)
		if err != nil {
			return err
		}
		sourceOutput := run.State(key.String()).Output

		for _, edgeID := range eg.OutboundEdges[key.Base] {
			edge := eg.Edges[edgeID]
			target := eg.Node(edge.Target)
			if target == nil {
				continue
			}

			var done []Key
			switch {
			case edge.Kind == graph.EdgeSystem:
				// System edges trigger unconditionally and never gate.
				done, err = e.fireKey(ctx, runID, eg, NodeKey(edge.Target), sourceOutput)
			case target.Kind == graph.KindCollector:
				done, err = e.evalCollector(ctx, runID, eg, edge.Target)
			case sourceNode.Kind == graph.KindSplitter:
				// Fanned-out nodes run only as branch entries, fired by the
				// splitter handler. Their collectors still need a look here
				// so an empty fan-out propagates.
				done, err = e.evalDownstreamCollectors(ctx, runID, eg, edge.Target)
			default:
				done, err = e.evaluateTarget(ctx, runID, eg, edge.Target)
			}
			if err != nil {
				return err
			}
			queue = append(queue, done...)
		}
	}
	return nil
}

// evaluateTarget fires a node iff every journey upstream is completed.
func (e *Engine) evaluateTarget(ctx context.Context, runID string, eg *graph.ExecGraph, targetID string) ([]Key, error) {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	ups := eg.JourneyUpstreams(targetID)
	for _, up := range ups {
		if run.State(up).Status != store.StatusCompleted {
			return nil, nil
		}
	}
	input := mergeUpstreamOutputs(eg.Node(targetID), run, ups)
	return e.fireKey(ctx, runID, eg, NodeKey(targetID), input)
}

// evalDownstreamCollectors evaluates every collector fed by the given
// fanned-out node.
func (e *Engine) evalDownstreamCollectors(ctx context.Context, runID string, eg *graph.ExecGraph, fannedID string) ([]Key, error) {
	var done []Key
	for _, next := range eg.Adjacency[fannedID] {
		if n := eg.Node(next); n == nil || n.Kind != graph.KindCollector {
			continue
		}
		completed, err := e.evalCollector(ctx, runID, eg, next)
		if err != nil {
			return nil, err
		}
		done = append(done, completed...)
	}
	return done, nil
}

// evalCollector checks a collector's branch entries. It fails the collector
// as soon as any branch has failed, fires it once all branches are
// completed, and otherwise leaves it pending for a later walk.
func (e *Engine) evalCollector(ctx context.Context, runID string, eg *graph.ExecGraph, collectorID string) ([]Key, error) {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.State(collectorID).Status != store.StatusPending {
		return nil, nil
	}

	node := eg.Node(collectorID)
	source, err := collectorSource(eg, node)
	if err != nil {
		return nil, err
	}
	splitter := eg.SplitterUpstream(source)
	if splitter == nil {
		// Plain fan-in without a splitter upstream degenerates to an
		// ordinary dependency check.
		return e.evaluateTarget(ctx, runID, eg, collectorID)
	}

	splitterState := run.State(splitter.ID)
	if splitterState.Status != store.StatusCompleted {
		return nil, nil
	}
	elements, _ := splitterState.Output.([]any)

	outputs := make([]any, len(elements))
	for i := range elements {
		branch := run.State(BranchKey(source, i).String())
		switch branch.Status {
		case store.StatusFailed:
			msg := fmt.Sprintf("branch %s failed: %s", BranchKey(source, i).String(), branch.Error)
			won, err := e.store.TransitionNodeState(runID, collectorID,
				[]store.Status{store.StatusPending},
				store.NodeState{Status: store.StatusFailed, Error: msg})
			if err != nil {
				return nil, err
			}
			if won {
				e.metrics.nodeFailed(string(graph.KindCollector))
				e.logger.Warn("collector failed", "run_id", runID, "node", collectorID, "error", msg)
			}
			return nil, nil
		case store.StatusCompleted:
			outputs[i] = branch.Output
		default:
			return nil, nil
		}
	}

	// Output order follows branch index, not completion order.
	return e.fireKey(ctx, runID, eg, NodeKey(collectorID), outputs)
}

// collectorSource resolves which node's branch entries a collector waits on.
func collectorSource(eg *graph.ExecGraph, node *graph.Node) (string, error) {
	cfg, err := node.CollectorConfig()
	if err != nil {
		return "", err
	}
	if cfg.Source != "" {
		return cfg.Source, nil
	}
	ups := eg.JourneyUpstreams(node.ID)
	if len(ups) != 1 {
		return "", fmt.Errorf("collector %q needs an explicit source with %d upstreams", node.ID, len(ups))
	}
	return ups[0], nil
}

// fireKey attempts the pending-to-running transition for a key and, on
// winning it, dispatches the node's handler and applies the outcome in one
// atomic merge. Losing the transition is a silent no-op: some other engine
// invocation already fired this key. Returns the keys that reached
// completed, the fired key and any synchronously completed branches.
func (e *Engine) fireKey(ctx context.Context, runID string, eg *graph.ExecGraph, key Key, input any) ([]Key, error) {
	node := eg.Node(key.Base)
	if node == nil {
		return nil, fmt.Errorf("node %q is not in the graph: %w", key.Base, store.ErrNotFound)
	}

	won, err := e.store.TransitionNodeState(runID, key.String(),
		[]store.Status{store.StatusPending}, store.NodeState{Status: store.StatusRunning})
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, nil
	}
	e.metrics.nodeFired(string(node.Kind))
	e.logger.Debug("node fired", "run_id", runID, "node", key.String(), "kind", string(node.Kind))

	run, err := e.store.GetRun(runID)
	if err != nil {
		return nil, err
	}

	handler := e.registry.For(node.Kind)
	var outcome *FireOutcome
	if handler == nil {
		outcome = failOutcome(fmt.Sprintf("no handler for node kind %q", node.Kind))
	} else {
		outcome, err = handler.Fire(ctx, Firing{Run: run, Graph: eg, Node: node, Key: key, Input: input})
		if err != nil {
			// Handler errors become node failures, never engine crashes.
			outcome = failOutcome(err.Error())
		}
	}

	merge := make(map[string]store.NodeState, len(outcome.Merge)+1)
	for k, v := range outcome.Merge {
		merge[k] = v
	}
	if outcome.State != nil {
		merge[key.String()] = *outcome.State
	}
	if len(merge) > 0 {
		if _, err := e.store.MergeNodeStates(runID, merge); err != nil {
			return nil, err
		}
	}

	var done []Key
	if outcome.State != nil {
		switch outcome.State.Status {
		case store.StatusCompleted:
			done = append(done, key)
		case store.StatusFailed:
			e.metrics.nodeFailed(string(node.Kind))
			e.logger.Warn("node failed",
				"run_id", runID, "node", key.String(), "error", outcome.State.Error)
			if key.Synthetic() {
				// A branch that fails at dispatch still has to reach its
				// collector; no callback will ever arrive for it.
				completed, err := e.evalDownstreamCollectors(ctx, runID, eg, key.Base)
				if err != nil {
					return nil, err
				}
				done = append(done, completed...)
			}
		}
	}

	for _, branch := range outcome.Branches {
		completed, err := e.fireKey(ctx, runID, eg, branch.Key, branch.Input)
		if err != nil {
			return nil, err
		}
		done = append(done, completed...)
	}
	return done, nil
}

// rootInput builds a root node's input from its declared defaults overlaid
// with the run's trigger input.
func rootInput(node *graph.Node, trigger map[string]any) any {
	out := declaredDefaults(node)
	for k, v := range trigger {
		out[k] = v
	}
	if len(out) == 0 {
		return map[string]any{}
	}
	return out
}

// mergeUpstreamOutputs assembles a node's input from its upstream outputs.
// A single upstream with no declared defaults passes its output through
// unchanged. Otherwise object outputs merge key-wise in edge order, last
// writer winning, and non-object outputs land under the upstream's node ID.
func mergeUpstreamOutputs(node *graph.Node, run *store.Run, ups []string) any {
	defaults := declaredDefaults(node)
	if len(ups) == 1 && len(defaults) == 0 {
		return run.State(ups[0]).Output
	}

	out := defaults
	for _, up := range ups {
		output := run.State(up).Output
		if m, ok := output.(map[string]any); ok {
			for k, v := range m {
				out[k] = v
			}
			continue
		}
		if output != nil {
			out[up] = output
		}
	}
	return out
}

func declaredDefaults(node *graph.Node) map[string]any {
	out := map[string]any{}
	for _, decl := range node.InputDecls() {
		if len(decl.Default) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(decl.Default, &v); err == nil {
			out[decl.Name] = v
		}
	}
	return out
}
