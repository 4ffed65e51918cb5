package persistence

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"repricer/pkg/proto"
)

// Helper function to create a new journal database for each test.
func createTestDB(t *testing.T) *Operations {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "journal.db")
	db, err := InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return NewOperations(db)
}

func testRun(runID string, graphName string, skuID int, outcome string, started time.Time) *proto.RunRecord {
	return &proto.RunRecord{
		RunID:      runID,
		Graph:      graphName,
		Cycle:      1,
		SKUID:      skuID,
		StoreID:    1,
		Outcome:    outcome,
		StartedAt:  started,
		DurationMS: 250,
	}
}

func TestJournalOperations(t *testing.T) {
	t.Run("RunRoundTrip", func(t *testing.T) {
		ops := createTestDB(t)

		started := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
		rec := &proto.RunRecord{
			RunID:       "run-1",
			Graph:       proto.GraphPricing,
			Cycle:       3,
			SKUID:       7,
			StoreID:     2,
			PromotionID: 42,
			Outcome:     "executed",
			Err:         "",
			StartedAt:   started,
			DurationMS:  1800,
		}
		if err := ops.InsertRun(rec); err != nil {
			t.Fatalf("Failed to insert run: %v", err)
		}

		got, err := ops.GetRun("run-1")
		if err != nil {
			t.Fatalf("Failed to get run: %v", err)
		}
		if got.Graph != proto.GraphPricing || got.Cycle != 3 || got.SKUID != 7 || got.StoreID != 2 {
			t.Errorf("Run identity mismatch: %+v", got)
		}
		if got.PromotionID != 42 || got.Outcome != "executed" || got.DurationMS != 1800 {
			t.Errorf("Run payload mismatch: %+v", got)
		}
		if got.StartedAt.Unix() != started.Unix() {
			t.Errorf("Expected started_at %v, got %v", started, got.StartedAt)
		}
	})

	t.Run("RunUpsertOverwritesOutcome", func(t *testing.T) {
		ops := createTestDB(t)

		rec := testRun("run-1", proto.GraphPricing, 1, "error", time.Now().UTC())
		rec.Err = "tool unreachable"
		if err := ops.InsertRun(rec); err != nil {
			t.Fatalf("Failed to insert run: %v", err)
		}

		rec.Outcome = "executed"
		rec.Err = ""
		if err := ops.InsertRun(rec); err != nil {
			t.Fatalf("Failed to re-insert run: %v", err)
		}

		got, err := ops.GetRun("run-1")
		if err != nil {
			t.Fatalf("Failed to get run: %v", err)
		}
		if got.Outcome != "executed" || got.Err != "" {
			t.Errorf("Expected overwritten outcome, got %+v", got)
		}

		runs, err := ops.ListRuns(&RunFilter{})
		if err != nil {
			t.Fatalf("Failed to list runs: %v", err)
		}
		if len(runs) != 1 {
			t.Errorf("Expected 1 run after upsert, got %d", len(runs))
		}
	})

	t.Run("GetRunNotFound", func(t *testing.T) {
		ops := createTestDB(t)

		_, err := ops.GetRun("missing")
		if !errors.Is(err, ErrRunNotFound) {
			t.Errorf("Expected ErrRunNotFound, got %v", err)
		}
	})

	t.Run("ListRunsFilters", func(t *testing.T) {
		ops := createTestDB(t)

		base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
		seed := []*proto.RunRecord{
			testRun("run-1", proto.GraphPricing, 1, "executed", base),
			testRun("run-2", proto.GraphPricing, 2, "no_action", base.Add(1*time.Minute)),
			testRun("run-3", proto.GraphMonitoring, 1, "healthy", base.Add(2*time.Minute)),
		}
		for _, rec := range seed {
			if err := ops.InsertRun(rec); err != nil {
				t.Fatalf("Failed to insert run %s: %v", rec.RunID, err)
			}
		}

		all, err := ops.ListRuns(&RunFilter{})
		if err != nil {
			t.Fatalf("Failed to list runs: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("Expected 3 runs, got %d", len(all))
		}
		if all[0].RunID != "run-3" || all[2].RunID != "run-1" {
			t.Errorf("Expected most recent first, got %s .. %s", all[0].RunID, all[2].RunID)
		}

		pricing, err := ops.ListRuns(&RunFilter{Graph: proto.GraphPricing})
		if err != nil {
			t.Fatalf("Failed to list pricing runs: %v", err)
		}
		if len(pricing) != 2 {
			t.Errorf("Expected 2 pricing runs, got %d", len(pricing))
		}

		bySKU, err := ops.ListRuns(&RunFilter{SKUID: 1, Graph: proto.GraphPricing})
		if err != nil {
			t.Fatalf("Failed to list runs by SKU: %v", err)
		}
		if len(bySKU) != 1 || bySKU[0].RunID != "run-1" {
			t.Errorf("Expected only run-1 for sku 1, got %+v", bySKU)
		}

		limited, err := ops.ListRuns(&RunFilter{Limit: 1})
		if err != nil {
			t.Fatalf("Failed to list limited runs: %v", err)
		}
		if len(limited) != 1 || limited[0].RunID != "run-3" {
			t.Errorf("Expected the newest run only, got %+v", limited)
		}
	})

	t.Run("CycleRoundTrip", func(t *testing.T) {
		ops := createTestDB(t)

		start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
		for cycle := 1; cycle <= 2; cycle++ {
			rec := &proto.CycleRecord{
				Cycle:       cycle,
				Targets:     100,
				Promotions:  cycle * 2,
				StartedAt:   start,
				CompletedAt: start.Add(10 * time.Minute),
				DurationMS:  600000,
			}
			if err := ops.InsertCycle(rec); err != nil {
				t.Fatalf("Failed to insert cycle %d: %v", cycle, err)
			}
			start = start.Add(time.Hour)
		}

		cycles, err := ops.ListCycles(10)
		if err != nil {
			t.Fatalf("Failed to list cycles: %v", err)
		}
		if len(cycles) != 2 {
			t.Fatalf("Expected 2 cycles, got %d", len(cycles))
		}
		if cycles[0].Cycle != 2 || cycles[1].Cycle != 1 {
			t.Errorf("Expected most recent cycle first, got %d then %d", cycles[0].Cycle, cycles[1].Cycle)
		}
		if cycles[0].Targets != 100 || cycles[0].Promotions != 4 {
			t.Errorf("Cycle payload mismatch: %+v", cycles[0])
		}
	})

	t.Run("CountRuns", func(t *testing.T) {
		ops := createTestDB(t)

		now := time.Now().UTC()
		outcomes := []string{"executed", "executed", "no_action", "error"}
		for i, outcome := range outcomes {
			rec := testRun(fmt.Sprintf("run-%d", i), proto.GraphPricing, i+1, outcome, now)
			if err := ops.InsertRun(rec); err != nil {
				t.Fatalf("Failed to insert run: %v", err)
			}
		}

		counts, err := ops.CountRuns(proto.GraphPricing)
		if err != nil {
			t.Fatalf("Failed to count runs: %v", err)
		}
		if counts["executed"] != 2 || counts["no_action"] != 1 || counts["error"] != 1 {
			t.Errorf("Unexpected outcome counts: %v", counts)
		}
	})
}

func TestInitializeDatabaseIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	db, err := InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("First initialize failed: %v", err)
	}
	if err := NewOperations(db).InsertRun(testRun("run-1", proto.GraphPricing, 1, "executed", time.Now().UTC())); err != nil {
		t.Fatalf("Failed to insert run: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close database: %v", err)
	}

	// Reopening must keep the data and not touch the schema.
	db, err = InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Second initialize failed: %v", err)
	}
	defer func() { _ = db.Close() }()

	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatalf("Failed to get schema version: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("Expected schema version %d, got %d", CurrentSchemaVersion, version)
	}

	runs, err := NewOperations(db).ListRuns(&RunFilter{})
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("Expected the journal to survive a reopen, got %d runs", len(runs))
	}
}
