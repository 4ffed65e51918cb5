package tracker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAndSnapshot(t *testing.T) {
	tr := New()

	tr.Set("Market Analyzer Agent", 7, 3, 0)

	got := tr.Snapshot()
	assert.Equal(t, "Market Analyzer Agent", got.CurrentAgent)
	assert.Equal(t, 7, got.SKUID)
	assert.Equal(t, 3, got.StoreID)
	assert.Zero(t, got.PromotionID)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestClearResetsContext(t *testing.T) {
	tr := New()
	tr.Set("Promotion Executor Agent", 7, 3, 42)
	tr.Clear()

	got := tr.Snapshot()
	assert.Empty(t, got.CurrentAgent)
	assert.Zero(t, got.SKUID)
	assert.Zero(t, got.StoreID)
	assert.Zero(t, got.PromotionID)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := New()
	tr.Set("Data Collector Agent", 1, 1, 0)

	snap := tr.Snapshot()
	snap.CurrentAgent = "mutated"

	assert.Equal(t, "Data Collector Agent", tr.Snapshot().CurrentAgent)
}

func TestConcurrentAccess(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			tr.Set("agent", n, n, int64(n))
		}(i)
		go func() {
			defer wg.Done()
			_ = tr.Snapshot()
		}()
	}
	wg.Wait()

	got := tr.Snapshot()
	assert.Equal(t, "agent", got.CurrentAgent)
}
