// ABOUTME: Engine tests covering the walk, fan-out/fan-in, the callback boundary, and retries.
// ABOUTME: External workers are httptest servers that record every dispatch they receive.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/2389-research/loom/graph"
	"github.com/2389-research/loom/store"
)

const callbackBase = "http://loom.test"

// fakeWorker records every dispatch payload it receives and answers 200.
type fakeWorker struct {
	mu         sync.Mutex
	dispatches []DispatchPayload
	srv        *httptest.Server
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	w := &fakeWorker{}
	w.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var p DispatchPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		w.mu.Lock()
		w.dispatches = append(w.dispatches, p)
		w.mu.Unlock()
		rw.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(w.srv.Close)
	return w
}

func (w *fakeWorker) url() string { return w.srv.URL }

func (w *fakeWorker) all() []DispatchPayload {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]DispatchPayload, len(w.dispatches))
	copy(out, w.dispatches)
	return out
}

func (w *fakeWorker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dispatches)
}

func (w *fakeWorker) find(t *testing.T, nodeID string) DispatchPayload {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, d := range w.dispatches {
		if d.NodeID == nodeID {
			return d
		}
	}
	t.Fatalf("no dispatch recorded for node %q", nodeID)
	return DispatchPayload{}
}

func testEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := New(st, NewWorkerCatalog(), Config{CallbackBaseURL: callbackBase}, logger, nil)
	return eng, st
}

func startRun(t *testing.T, eng *Engine, st *store.Store, g *graph.Graph, trigger map[string]any) *store.Run {
	t.Helper()
	flow, err := st.CreateFlow("test flow", g)
	if err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}
	run, err := eng.StartRun(context.Background(), flow.ID, trigger)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	return run
}

func workerNode(id, url string) graph.Node {
	return graph.Node{ID: id, Kind: graph.KindWorker,
		Config: json.RawMessage(`{"url":"` + url + `"}`)}
}

func wantStatus(t *testing.T, run *store.Run, key string, want store.Status) {
	t.Helper()
	if got := run.State(key).Status; got != want {
		t.Errorf("node %q status = %q, want %q", key, got, want)
	}
}

func TestLinearRunDispatchesAndWalks(t *testing.T) {
	eng, st := testEngine(t)
	w := newFakeWorker(t)
	ctx := context.Background()

	g := &graph.Graph{
		Nodes: []graph.Node{workerNode("a", w.url()), workerNode("b", w.url())},
		Edges: []graph.Edge{{ID: "e1", Source: "a", Target: "b"}},
	}
	run := startRun(t, eng, st, g, map[string]any{"topic": "news"})

	wantStatus(t, run, "a", store.StatusRunning)
	wantStatus(t, run, "b", store.StatusPending)
	if w.count() != 1 {
		t.Fatalf("recorded %d dispatches after start, want 1", w.count())
	}

	d := w.find(t, "a")
	if d.RunID != run.ID {
		t.Errorf("dispatch runId = %q, want %q", d.RunID, run.ID)
	}
	wantURL := callbackBase + "/callback/" + run.ID + "/a"
	if d.CallbackURL != wantURL {
		t.Errorf("callbackUrl = %q, want %q", d.CallbackURL, wantURL)
	}
	input, ok := d.Input.(map[string]any)
	if !ok || input["topic"] != "news" {
		t.Errorf("dispatch input = %v, want trigger input", d.Input)
	}

	run, err := eng.HandleCallback(ctx, run.ID, "a",
		Callback{Status: store.StatusCompleted, Output: map[string]any{"article": "text"}})
	if err != nil {
		t.Fatalf("callback for a failed: %v", err)
	}
	wantStatus(t, run, "a", store.StatusCompleted)
	wantStatus(t, run, "b", store.StatusRunning)

	// b's input is a's output, passed through unchanged.
	bInput, ok := w.find(t, "b").Input.(map[string]any)
	if !ok || bInput["article"] != "text" {
		t.Errorf("b input = %v, want a's output", w.find(t, "b").Input)
	}

	run, err = eng.HandleCallback(ctx, run.ID, "b",
		Callback{Status: store.StatusCompleted, Output: "done"})
	if err != nil {
		t.Fatalf("callback for b failed: %v", err)
	}
	wantStatus(t, run, "b", store.StatusCompleted)
}

func TestDuplicateCallbackRejected(t *testing.T) {
	eng, st := testEngine(t)
	w := newFakeWorker(t)
	ctx := context.Background()

	g := &graph.Graph{
		Nodes: []graph.Node{workerNode("a", w.url()), workerNode("b", w.url())},
		Edges: []graph.Edge{{ID: "e1", Source: "a", Target: "b"}},
	}
	run := startRun(t, eng, st, g, nil)

	if _, err := eng.HandleCallback(ctx, run.ID, "a", Callback{Status: store.StatusCompleted}); err != nil {
		t.Fatalf("first callback failed: %v", err)
	}
	_, err := eng.HandleCallback(ctx, run.ID, "a", Callback{Status: store.StatusCompleted})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate callback error = %v, want ErrConflict", err)
	}
}

func TestCallbackValidation(t *testing.T) {
	eng, st := testEngine(t)
	w := newFakeWorker(t)
	ctx := context.Background()

	g := &graph.Graph{
		Nodes: []graph.Node{workerNode("a", w.url()), workerNode("b", w.url())},
		Edges: []graph.Edge{{ID: "e1", Source: "a", Target: "b"}},
	}
	run := startRun(t, eng, st, g, nil)

	if _, err := eng.HandleCallback(ctx, "no-such-run", "a", Callback{Status: store.StatusCompleted}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown run error = %v, want ErrNotFound", err)
	}
	if _, err := eng.HandleCallback(ctx, run.ID, "ghost", Callback{Status: store.StatusCompleted}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown node error = %v, want ErrNotFound", err)
	}
	if _, err := eng.HandleCallback(ctx, run.ID, "a", Callback{Status: store.StatusRunning}); !errors.Is(err, ErrConflict) {
		t.Errorf("bad status error = %v, want ErrConflict", err)
	}
}

func TestGateWaitsForHumanInput(t *testing.T) {
	eng, st := testEngine(t)
	w := newFakeWorker(t)
	ctx := context.Background()

	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "approve", Kind: graph.KindGate, Config: json.RawMessage(`{"prompt":"ship it?"}`)},
			workerNode("publish", w.url()),
		},
		Edges: []graph.Edge{{ID: "e1", Source: "approve", Target: "publish"}},
	}
	run := startRun(t, eng, st, g, nil)

	wantStatus(t, run, "approve", store.StatusWaitingForInput)
	wantStatus(t, run, "publish", store.StatusPending)
	if w.count() != 0 {
		t.Fatalf("worker dispatched before the gate completed")
	}

	run, err := eng.CompleteGate(ctx, run.ID, "approve", map[string]any{"answer": "yes"})
	if err != nil {
		t.Fatalf("CompleteGate failed: %v", err)
	}
	wantStatus(t, run, "approve", store.StatusCompleted)
	wantStatus(t, run, "publish", store.StatusRunning)

	input, ok := w.find(t, "publish").Input.(map[string]any)
	if !ok || input["answer"] != "yes" {
		t.Errorf("publish input = %v, want gate output", w.find(t, "publish").Input)
	}

	if _, err := eng.CompleteGate(ctx, run.ID, "approve", nil); !errors.Is(err, ErrConflict) {
		t.Errorf("second CompleteGate error = %v, want ErrConflict", err)
	}
	if _, err := eng.CompleteGate(ctx, run.ID, "publish", nil); !errors.Is(err, ErrConflict) {
		t.Errorf("CompleteGate on a worker error = %v, want ErrConflict", err)
	}
}

func TestUnreachableWorkerFailsImmediately(t *testing.T) {
	eng, st := testEngine(t)
	ctx := context.Background()

	// Grab a port nobody is listening on.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	live := newFakeWorker(t)
	g := &graph.Graph{
		Nodes: []graph.Node{workerNode("a", deadURL), workerNode("b", live.url())},
		Edges: []graph.Edge{{ID: "e1", Source: "a", Target: "b"}},
	}
	run := startRun(t, eng, st, g, nil)

	wantStatus(t, run, "a", store.StatusFailed)
	if run.State("a").Error == "" {
		t.Error("failed node has no error message")
	}
	wantStatus(t, run, "b", store.StatusPending)

	if _, err := eng.Retry(ctx, run.ID, "b"); !errors.Is(err, ErrConflict) {
		t.Errorf("retry of a pending node error = %v, want ErrConflict", err)
	}

	// Retry re-fires the node; it fails again against the dead endpoint but
	// goes through pending and running first.
	run, err := eng.Retry(ctx, run.ID, "a")
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	wantStatus(t, run, "a", store.StatusFailed)
}

func splitterGraph(workerURL string) *graph.Graph {
	return &graph.Graph{
		Nodes: []graph.Node{
			{ID: "split", Kind: graph.KindSplitter, Config: json.RawMessage(`{"path":"items"}`)},
			workerNode("work", workerURL),
			{ID: "collect", Kind: graph.KindCollector},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "split", Target: "work"},
			{ID: "e2", Source: "work", Target: "collect"},
		},
	}
}

func TestSplitterFansOutPerElement(t *testing.T) {
	eng, st := testEngine(t)
	w := newFakeWorker(t)
	ctx := context.Background()

	run := startRun(t, eng, st, splitterGraph(w.url()),
		map[string]any{"items": []any{"x", "y", "z"}})

	wantStatus(t, run, "split", store.StatusCompleted)
	wantStatus(t, run, "work_0", store.StatusRunning)
	wantStatus(t, run, "work_1", store.StatusRunning)
	wantStatus(t, run, "work_2", store.StatusRunning)
	wantStatus(t, run, "work", store.StatusPending)
	wantStatus(t, run, "collect", store.StatusPending)
	if w.count() != 3 {
		t.Fatalf("recorded %d dispatches, want 3", w.count())
	}
	if got := w.find(t, "work_1").Input; got != "y" {
		t.Errorf("work_1 input = %v, want y", got)
	}

	// Callbacks arrive out of order; the collector output is still ordered
	// by branch index.
	for _, branch := range []struct {
		key    string
		output string
	}{{"work_2", "oz"}, {"work_0", "ox"}, {"work_1", "oy"}} {
		var err error
		run, err = eng.HandleCallback(ctx, run.ID, branch.key,
			Callback{Status: store.StatusCompleted, Output: branch.output})
		if err != nil {
			t.Fatalf("callback for %s failed: %v", branch.key, err)
		}
	}

	wantStatus(t, run, "collect", store.StatusCompleted)
	out, ok := run.State("collect").Output.([]any)
	if !ok || len(out) != 3 {
		t.Fatalf("collect output = %v, want 3 elements", run.State("collect").Output)
	}
	for i, want := range []string{"ox", "oy", "oz"} {
		if out[i] != want {
			t.Errorf("collect output[%d] = %v, want %v", i, out[i], want)
		}
	}
}

func TestSplitterWithEmptyArrayCompletesCollector(t *testing.T) {
	eng, st := testEngine(t)
	w := newFakeWorker(t)

	run := startRun(t, eng, st, splitterGraph(w.url()),
		map[string]any{"items": []any{}})

	wantStatus(t, run, "split", store.StatusCompleted)
	wantStatus(t, run, "collect", store.StatusCompleted)
	out, ok := run.State("collect").Output.([]any)
	if !ok || len(out) != 0 {
		t.Errorf("collect output = %v, want an empty array", run.State("collect").Output)
	}
	if w.count() != 0 {
		t.Errorf("recorded %d dispatches for an empty fan-out, want 0", w.count())
	}
}

func TestSplitterRejectsNonArrayPath(t *testing.T) {
	eng, st := testEngine(t)
	w := newFakeWorker(t)

	run := startRun(t, eng, st, splitterGraph(w.url()),
		map[string]any{"items": "not an array"})

	wantStatus(t, run, "split", store.StatusFailed)
	if !strings.Contains(run.State("split").Error, "items") {
		t.Errorf("split error = %q, want a mention of the path", run.State("split").Error)
	}
	wantStatus(t, run, "collect", store.StatusPending)
}

func TestBranchFailurePropagatesToCollector(t *testing.T) {
	eng, st := testEngine(t)
	w := newFakeWorker(t)
	ctx := context.Background()

	// report sits downstream of the collector so the test can observe that a
	// failed collector fires no further edges.
	g := splitterGraph(w.url())
	g.Nodes = append(g.Nodes, workerNode("report", w.url()))
	g.Edges = append(g.Edges, graph.Edge{ID: "e3", Source: "collect", Target: "report"})

	run := startRun(t, eng, st, g,
		map[string]any{"items": []any{"x", "y", "z"}})

	var err error
	for _, key := range []string{"work_0", "work_2"} {
		run, err = eng.HandleCallback(ctx, run.ID, key,
			Callback{Status: store.StatusCompleted, Output: "ok"})
		if err != nil {
			t.Fatalf("callback for %s failed: %v", key, err)
		}
	}
	run, err = eng.HandleCallback(ctx, run.ID, "work_1",
		Callback{Status: store.StatusFailed, Error: "boom"})
	if err != nil {
		t.Fatalf("failure callback failed: %v", err)
	}

	wantStatus(t, run, "work_1", store.StatusFailed)
	wantStatus(t, run, "collect", store.StatusFailed)
	if !strings.Contains(run.State("collect").Error, "work_1") {
		t.Errorf("collect error = %q, want a mention of work_1", run.State("collect").Error)
	}
	// A failed collector fires no further edges.
	wantStatus(t, run, "report", store.StatusPending)

	// Retrying the branch re-dispatches its original element.
	run, err = eng.Retry(ctx, run.ID, "work_1")
	if err != nil {
		t.Fatalf("branch retry failed: %v", err)
	}
	wantStatus(t, run, "work_1", store.StatusRunning)
	dispatches := w.all()
	last := dispatches[len(dispatches)-1]
	if last.NodeID != "work_1" || last.Input != "y" {
		t.Errorf("retry dispatch = %+v, want work_1 with input y", last)
	}

	run, err = eng.HandleCallback(ctx, run.ID, "work_1",
		Callback{Status: store.StatusCompleted, Output: "ok"})
	if err != nil {
		t.Fatalf("retry callback failed: %v", err)
	}

	// The collector stays failed until it is retried itself, and its
	// downstream stays parked with it.
	wantStatus(t, run, "collect", store.StatusFailed)
	wantStatus(t, run, "report", store.StatusPending)

	run, err = eng.Retry(ctx, run.ID, "collect")
	if err != nil {
		t.Fatalf("collector retry failed: %v", err)
	}
	wantStatus(t, run, "collect", store.StatusCompleted)
	if out, ok := run.State("collect").Output.([]any); !ok || len(out) != 3 {
		t.Errorf("collect output = %v, want 3 elements", run.State("collect").Output)
	}
	// Completing the collector resumes the walk into its downstream.
	wantStatus(t, run, "report", store.StatusRunning)
	if got := w.find(t, "report").Input.([]any); len(got) != 3 {
		t.Errorf("report input = %v, want the collected array", got)
	}
}

func TestLaterEdgeWinsInputMerge(t *testing.T) {
	eng, st := testEngine(t)
	w := newFakeWorker(t)
	ctx := context.Background()

	g := &graph.Graph{
		Nodes: []graph.Node{
			workerNode("a", w.url()),
			workerNode("b", w.url()),
			workerNode("c", w.url()),
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "a", Target: "c"},
			{ID: "e2", Source: "b", Target: "c"},
		},
	}
	run := startRun(t, eng, st, g, nil)

	var err error
	run, err = eng.HandleCallback(ctx, run.ID, "a",
		Callback{Status: store.StatusCompleted, Output: map[string]any{"k": "fromA", "onlyA": 1}})
	if err != nil {
		t.Fatalf("callback for a failed: %v", err)
	}
	wantStatus(t, run, "c", store.StatusPending)

	run, err = eng.HandleCallback(ctx, run.ID, "b",
		Callback{Status: store.StatusCompleted, Output: map[string]any{"k": "fromB"}})
	if err != nil {
		t.Fatalf("callback for b failed: %v", err)
	}
	wantStatus(t, run, "c", store.StatusRunning)

	input, ok := w.find(t, "c").Input.(map[string]any)
	if !ok {
		t.Fatalf("c input = %v, want an object", w.find(t, "c").Input)
	}
	// The upstream reached via the lexically later edge ID wins conflicts.
	if input["k"] != "fromB" {
		t.Errorf(`input["k"] = %v, want fromB`, input["k"])
	}
	if input["onlyA"] != 1.0 {
		t.Errorf(`input["onlyA"] = %v, want 1`, input["onlyA"])
	}
}

func TestStartRunReusesVersionForIdenticalGraph(t *testing.T) {
	eng, st := testEngine(t)
	w := newFakeWorker(t)
	ctx := context.Background()

	g := &graph.Graph{
		Nodes: []graph.Node{workerNode("a", w.url()), workerNode("b", w.url())},
		Edges: []graph.Edge{{ID: "e1", Source: "a", Target: "b"}},
	}
	flow, err := st.CreateFlow("f", g)
	if err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}

	first, err := eng.StartRun(ctx, flow.ID, nil)
	if err != nil {
		t.Fatalf("first StartRun failed: %v", err)
	}
	second, err := eng.StartRun(ctx, flow.ID, nil)
	if err != nil {
		t.Fatalf("second StartRun failed: %v", err)
	}
	if first.FlowVersionID != second.FlowVersionID {
		t.Error("identical graph produced a second version")
	}

	// A semantic edit produces a new version.
	g.Nodes[0].Config = json.RawMessage(`{"url":"` + w.url() + `/v2"}`)
	if err := st.UpdateFlowGraph(flow.ID, g); err != nil {
		t.Fatalf("UpdateFlowGraph failed: %v", err)
	}
	third, err := eng.StartRun(ctx, flow.ID, nil)
	if err != nil {
		t.Fatalf("third StartRun failed: %v", err)
	}
	if third.FlowVersionID == first.FlowVersionID {
		t.Error("edited graph reused the old version")
	}
}

func TestStartRunRejectsInvalidGraph(t *testing.T) {
	eng, st := testEngine(t)
	ctx := context.Background()

	g := &graph.Graph{
		Nodes: []graph.Node{
			workerNode("a", "http://w"),
			workerNode("b", "http://w"),
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "a"},
		},
	}
	flow, err := st.CreateFlow("cyclic", g)
	if err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}

	_, err = eng.StartRun(ctx, flow.ID, nil)
	var verrs graph.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("StartRun error = %v, want ValidationErrors", err)
	}
	if flowAfter, _ := st.GetFlow(flow.ID); flowAfter.CurrentVersionID != "" {
		t.Error("a version was persisted for an invalid graph")
	}
}

func TestSystemEdgeFiresWithoutGating(t *testing.T) {
	eng, st := testEngine(t)
	w := newFakeWorker(t)
	ctx := context.Background()

	// audit hangs off a system edge: it fires when a completes but never
	// blocks or feeds c.
	g := &graph.Graph{
		Nodes: []graph.Node{
			workerNode("a", w.url()),
			workerNode("audit", w.url()),
			workerNode("c", w.url()),
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "a", Target: "c"},
			{ID: "e2", Source: "a", Target: "audit", Kind: graph.EdgeSystem},
		},
	}
	run := startRun(t, eng, st, g, nil)

	run, err := eng.HandleCallback(ctx, run.ID, "a",
		Callback{Status: store.StatusCompleted, Output: map[string]any{"v": 1.0}})
	if err != nil {
		t.Fatalf("callback for a failed: %v", err)
	}
	wantStatus(t, run, "audit", store.StatusRunning)
	wantStatus(t, run, "c", store.StatusRunning)

	input, ok := w.find(t, "audit").Input.(map[string]any)
	if !ok || input["v"] != 1.0 {
		t.Errorf("audit input = %v, want a's output", w.find(t, "audit").Input)
	}
}
