package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	"repricer/pkg/proto"
)

// Request represents a journal operation request. This is the interface
// between the scheduler and the kernel's journal worker.
type Request struct {
	Data      any        `json:"data"`      // Operation-specific data payload
	Response  chan<- any `json:"-"`         // Response channel for queries (nil for fire-and-forget writes)
	Operation string     `json:"operation"` // Operation type
}

// Operation constants for Request.
const (
	// Write operations (fire-and-forget).
	OpInsertRun   = "insert_run"
	OpInsertCycle = "insert_cycle"
)

// List limits applied when a caller asks for everything.
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// ErrRunNotFound is returned when a run id has no journal row.
var ErrRunNotFound = errors.New("run not found")

// RunFilter represents criteria for querying run records.
type RunFilter struct {
	Graph   string `json:"graph,omitempty"`
	SKUID   int    `json:"sku_id,omitempty"`
	StoreID int    `json:"store_id,omitempty"`
	Cycle   int    `json:"cycle,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// Operations provides methods for journal reads and writes. Writes are
// called from the kernel's journal worker goroutine; reads may be called
// from any goroutine.
type Operations struct {
	db *sql.DB
}

// NewOperations creates an Operations instance over an initialized journal.
func NewOperations(db *sql.DB) *Operations {
	return &Operations{db: db}
}

// InsertRun writes one graph run record.
func (ops *Operations) InsertRun(rec *proto.RunRecord) error {
	query := `
		INSERT INTO runs (
			run_id, graph, cycle, sku_id, store_id, promotion_id,
			outcome, error, started_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			outcome = excluded.outcome,
			error = excluded.error,
			duration_ms = excluded.duration_ms
	`

	_, err := ops.db.Exec(query,
		rec.RunID, rec.Graph, rec.Cycle, rec.SKUID, rec.StoreID,
		rec.PromotionID, rec.Outcome, rec.Err, rec.StartedAt.UTC(), rec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", rec.RunID, err)
	}
	return nil
}

// InsertCycle writes one completed-cycle record.
func (ops *Operations) InsertCycle(rec *proto.CycleRecord) error {
	query := `
		INSERT INTO cycles (
			cycle, targets, promotions_checked, started_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := ops.db.Exec(query,
		rec.Cycle, rec.Targets, rec.Promotions,
		rec.StartedAt.UTC(), rec.CompletedAt.UTC(), rec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cycle %d: %w", rec.Cycle, err)
	}
	return nil
}

// GetRun returns a single run record by id.
func (ops *Operations) GetRun(runID string) (*proto.RunRecord, error) {
	row := ops.db.QueryRow(`
		SELECT run_id, graph, cycle, sku_id, store_id, promotion_id,
		       outcome, error, started_at, duration_ms
		FROM runs WHERE run_id = ?
	`, runID)

	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return rec, nil
}

// ListRuns returns run records matching the filter, most recent first.
func (ops *Operations) ListRuns(filter *RunFilter) ([]*proto.RunRecord, error) {
	query := `
		SELECT run_id, graph, cycle, sku_id, store_id, promotion_id,
		       outcome, error, started_at, duration_ms
		FROM runs WHERE 1=1`
	var args []any

	if filter.Graph != "" {
		query += " AND graph = ?"
		args = append(args, filter.Graph)
	}
	if filter.SKUID > 0 {
		query += " AND sku_id = ?"
		args = append(args, filter.SKUID)
	}
	if filter.StoreID > 0 {
		query += " AND store_id = ?"
		args = append(args, filter.StoreID)
	}
	if filter.Cycle > 0 {
		query += " AND cycle = ?"
		args = append(args, filter.Cycle)
	}
	query += " ORDER BY started_at DESC, run_id LIMIT ?"
	args = append(args, clampLimit(filter.Limit))

	rows, err := ops.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*proto.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run row iteration error: %w", err)
	}
	return records, nil
}

// ListCycles returns completed-cycle records, most recent first.
func (ops *Operations) ListCycles(limit int) ([]*proto.CycleRecord, error) {
	rows, err := ops.db.Query(`
		SELECT cycle, targets, promotions_checked, started_at, completed_at, duration_ms
		FROM cycles ORDER BY id DESC LIMIT ?
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*proto.CycleRecord
	for rows.Next() {
		rec := &proto.CycleRecord{}
		if err := rows.Scan(&rec.Cycle, &rec.Targets, &rec.Promotions,
			&rec.StartedAt, &rec.CompletedAt, &rec.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cycle row iteration error: %w", err)
	}
	return records, nil
}

// CountRuns returns the number of journaled runs per outcome for a graph.
func (ops *Operations) CountRuns(graphName string) (map[string]int, error) {
	rows, err := ops.db.Query(`
		SELECT outcome, COUNT(*) FROM runs WHERE graph = ? GROUP BY outcome
	`, graphName)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan run count: %w", err)
		}
		counts[outcome] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run count iteration error: %w", err)
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*proto.RunRecord, error) {
	rec := &proto.RunRecord{}
	err := row.Scan(&rec.RunID, &rec.Graph, &rec.Cycle, &rec.SKUID, &rec.StoreID,
		&rec.PromotionID, &rec.Outcome, &rec.Err, &rec.StartedAt, &rec.DurationMS)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
