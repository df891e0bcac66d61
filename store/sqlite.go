// ABOUTME: SQLite-backed store for flows, versions, and runs with WAL mode and upsert statements.
// ABOUTME: MergeNodeStates and TransitionNodeState are single-statement atomic operations.
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/2389-research/loom/graph"
)

// ErrNotFound is returned when a flow, version, or run does not exist.
var ErrNotFound = errors.New("not found")

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Store persists flows, versions, and runs in a single SQLite database.
// Every mutation of run node state goes through MergeNodeStates or
// TransitionNodeState; their statements are the synchronization points that
// let any number of stateless processes share one database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and runs the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			current_version_id TEXT,
			graph TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS flow_versions (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			visual_graph TEXT NOT NULL,
			execution_graph TEXT NOT NULL,
			commit_message TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (flow_id) REFERENCES flows(id)
		);

		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			flow_version_id TEXT NOT NULL,
			node_states TEXT NOT NULL,
			trigger_input TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (flow_id) REFERENCES flows(id),
			FOREIGN KEY (flow_version_id) REFERENCES flow_versions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_versions_flow ON flow_versions(flow_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_runs_flow ON runs(flow_id, created_at);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewULID generates a ULID using crypto/rand entropy. Flows and versions use
// ULIDs so their IDs sort by creation time.
func NewULID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// --- Flows ---

// CreateFlow inserts a new flow with an optional draft graph.
func (s *Store) CreateFlow(name string, g *graph.Graph) (*Flow, error) {
	now := time.Now().UTC()
	f := &Flow{
		ID:        NewULID(),
		Name:      name,
		Graph:     g,
		CreatedAt: now,
		UpdatedAt: now,
	}

	graphJSON, err := marshalNullable(g)
	if err != nil {
		return nil, fmt.Errorf("marshal graph: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO flows (id, name, current_version_id, graph, created_at, updated_at)
		 VALUES (?, ?, NULL, ?, ?, ?)`,
		f.ID, f.Name, graphJSON, now.Format(timeFormat), now.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert flow: %w", err)
	}
	return f, nil
}

// GetFlow loads a flow by ID.
func (s *Store) GetFlow(id string) (*Flow, error) {
	row := s.db.QueryRow(
		"SELECT id, name, current_version_id, graph, created_at, updated_at FROM flows WHERE id = ?", id)

	var f Flow
	var currentVersion, graphJSON sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&f.ID, &f.Name, &currentVersion, &graphJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("flow %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("query flow: %w", err)
	}
	f.CurrentVersionID = currentVersion.String
	if graphJSON.Valid && graphJSON.String != "" {
		f.Graph = &graph.Graph{}
		if err := json.Unmarshal([]byte(graphJSON.String), f.Graph); err != nil {
			return nil, fmt.Errorf("decode flow graph: %w", err)
		}
	}
	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)
	return &f, nil
}

// UpdateFlowGraph replaces the flow's draft graph.
func (s *Store) UpdateFlowGraph(id string, g *graph.Graph) error {
	graphJSON, err := marshalNullable(g)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	res, err := s.db.Exec("UPDATE flows SET graph = ?, updated_at = ? WHERE id = ?",
		graphJSON, time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("update flow graph: %w", err)
	}
	return requireRow(res, "flow", id)
}

// SetCurrentVersion points the flow at a version.
func (s *Store) SetCurrentVersion(flowID, versionID string) error {
	res, err := s.db.Exec("UPDATE flows SET current_version_id = ?, updated_at = ? WHERE id = ?",
		versionID, time.Now().UTC().Format(timeFormat), flowID)
	if err != nil {
		return fmt.Errorf("set current version: %w", err)
	}
	return requireRow(res, "flow", flowID)
}

// --- Versions ---

// CreateVersion inserts an immutable flow version snapshot and points the
// flow's current_version_id at it.
func (s *Store) CreateVersion(flowID string, visual *graph.Graph, exec *graph.ExecGraph, message, fingerprint string) (*FlowVersion, error) {
	now := time.Now().UTC()
	v := &FlowVersion{
		ID:             NewULID(),
		FlowID:         flowID,
		VisualGraph:    visual,
		ExecutionGraph: exec,
		CommitMessage:  message,
		Fingerprint:    fingerprint,
		CreatedAt:      now,
	}

	visualJSON, err := json.Marshal(visual)
	if err != nil {
		return nil, fmt.Errorf("marshal visual graph: %w", err)
	}
	execJSON, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("marshal execution graph: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`INSERT INTO flow_versions (id, flow_id, visual_graph, execution_graph, commit_message, fingerprint, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, flowID, string(visualJSON), string(execJSON), message, fingerprint, now.Format(timeFormat)); err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}
	res, err := tx.Exec("UPDATE flows SET current_version_id = ?, updated_at = ? WHERE id = ?",
		v.ID, now.Format(timeFormat), flowID)
	if err != nil {
		return nil, fmt.Errorf("point flow at version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("flow %q: %w", flowID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return v, nil
}

// GetVersion loads a flow version by ID.
func (s *Store) GetVersion(id string) (*FlowVersion, error) {
	row := s.db.QueryRow(
		`SELECT id, flow_id, visual_graph, execution_graph, commit_message, fingerprint, created_at
		 FROM flow_versions WHERE id = ?`, id)
	return scanVersion(row, id)
}

func scanVersion(row *sql.Row, id string) (*FlowVersion, error) {
	var v FlowVersion
	var visualJSON, execJSON, createdAt string
	if err := row.Scan(&v.ID, &v.FlowID, &visualJSON, &execJSON, &v.CommitMessage, &v.Fingerprint, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("version %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("query version: %w", err)
	}
	v.VisualGraph = &graph.Graph{}
	if err := json.Unmarshal([]byte(visualJSON), v.VisualGraph); err != nil {
		return nil, fmt.Errorf("decode visual graph: %w", err)
	}
	v.ExecutionGraph = &graph.ExecGraph{}
	if err := json.Unmarshal([]byte(execJSON), v.ExecutionGraph); err != nil {
		return nil, fmt.Errorf("decode execution graph: %w", err)
	}
	v.CreatedAt = parseTime(createdAt)
	return &v, nil
}

// --- Runs ---

// CreateRun inserts a run for the given version with every execution-graph
// node initialized to pending.
func (s *Store) CreateRun(v *FlowVersion, trigger map[string]any) (*Run, error) {
	now := time.Now().UTC()
	states := make(map[string]NodeState, len(v.ExecutionGraph.Nodes))
	for _, id := range v.ExecutionGraph.NodeIDs() {
		states[id] = NodeState{Status: StatusPending}
	}
	if trigger == nil {
		trigger = map[string]any{}
	}

	r := &Run{
		ID:            uuid.New().String(),
		FlowID:        v.FlowID,
		FlowVersionID: v.ID,
		NodeStates:    states,
		TriggerInput:  trigger,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	statesJSON, err := json.Marshal(states)
	if err != nil {
		return nil, fmt.Errorf("marshal node states: %w", err)
	}
	triggerJSON, err := json.Marshal(trigger)
	if err != nil {
		return nil, fmt.Errorf("marshal trigger input: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO runs (id, flow_id, flow_version_id, node_states, trigger_input, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.FlowID, r.FlowVersionID, string(statesJSON), string(triggerJSON),
		now.Format(timeFormat), now.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return r, nil
}

// GetRun loads a run by ID.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(
		"SELECT id, flow_id, flow_version_id, node_states, trigger_input, created_at, updated_at FROM runs WHERE id = ?", id)

	var r Run
	var statesJSON, triggerJSON, createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.FlowID, &r.FlowVersionID, &statesJSON, &triggerJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("query run: %w", err)
	}
	if err := json.Unmarshal([]byte(statesJSON), &r.NodeStates); err != nil {
		return nil, fmt.Errorf("decode node states: %w", err)
	}
	if err := json.Unmarshal([]byte(triggerJSON), &r.TriggerInput); err != nil {
		return nil, fmt.Errorf("decode trigger input: %w", err)
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// MergeNodeStates merges the given partial mapping into the run's node
// states in one UPDATE built from json_set pairs, touching only the given
// keys. Concurrent merges of disjoint keys therefore never clobber each
// other. Returns the post-merge run.
func (s *Store) MergeNodeStates(runID string, partial map[string]NodeState) (*Run, error) {
	if len(partial) == 0 {
		return s.GetRun(runID)
	}

	keys := make([]string, 0, len(partial))
	for k := range partial {
		if err := checkStateKey(k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("UPDATE runs SET node_states = json_set(node_states")
	args := make([]any, 0, 2*len(keys)+2)
	for _, k := range keys {
		stateJSON, err := json.Marshal(partial[k])
		if err != nil {
			return nil, fmt.Errorf("marshal state for %q: %w", k, err)
		}
		sb.WriteString(", ?, json(?)")
		args = append(args, jsonPath(k), string(stateJSON))
	}
	sb.WriteString("), updated_at = ? WHERE id = ?")
	args = append(args, time.Now().UTC().Format(timeFormat), runID)

	res, err := s.db.Exec(sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("merge node states: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("run %q: %w", runID, ErrNotFound)
	}
	return s.GetRun(runID)
}

// TransitionNodeState sets one key's state only when its current status is
// in from, all inside a single UPDATE. It reports whether this caller won
// the transition; losing is a no-op, which is what makes concurrent
// dependency evaluations fire a node exactly once.
func (s *Store) TransitionNodeState(runID, key string, from []Status, to NodeState) (bool, error) {
	if err := checkStateKey(key); err != nil {
		return false, err
	}
	if len(from) == 0 {
		return false, errors.New("transition requires at least one admissible prior status")
	}

	stateJSON, err := json.Marshal(to)
	if err != nil {
		return false, fmt.Errorf("marshal state for %q: %w", key, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	query := fmt.Sprintf(
		`UPDATE runs SET node_states = json_set(node_states, ?, json(?)), updated_at = ?
		 WHERE id = ? AND json_extract(node_states, ?) IN (%s)`, placeholders)

	args := []any{
		jsonPath(key), string(stateJSON), time.Now().UTC().Format(timeFormat),
		runID, jsonPath(key) + ".status",
	}
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("transition node state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a lost transition from a missing run.
		if _, err := s.GetRun(runID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// jsonPath builds a JSON path addressing one node-state key. Keys are
// validated against quotes so the quoted form is always well formed.
func jsonPath(key string) string {
	return `$."` + key + `"`
}

func checkStateKey(key string) error {
	if key == "" || strings.ContainsAny(key, `"$[]`) {
		return fmt.Errorf("invalid node state key %q", key)
	}
	return nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	return nil
}

func marshalNullable(g *graph.Graph) (any, error) {
	if g == nil {
		return nil, nil
	}
	b, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
