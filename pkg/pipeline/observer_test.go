package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repricer/pkg/graph"
	"repricer/pkg/metrics"
	"repricer/pkg/tracker"
)

func TestAgentForNode(t *testing.T) {
	assert.Equal(t, AgentAnalyst, AgentForNode(NodeAnalyzeMarket))
	assert.Equal(t, AgentExecutor, AgentForNode(NodeExecute))
	assert.Equal(t, AgentRetraction, AgentForNode(NodeRetract))
	// Unknown nodes stay visible under their own name.
	assert.Equal(t, "mystery_node", AgentForNode("mystery_node"))
}

func TestRunObserverFeedsTracker(t *testing.T) {
	trk := tracker.New()
	obs := NewRunObserver("pricing", trk, nil)

	rc := graph.RunContext{SKUID: 4, StoreID: 2, PromotionID: 31}
	obs.NodeStarted(NodeDesignPricing, rc)

	snap := trk.Snapshot()
	assert.Equal(t, AgentPricing, snap.CurrentAgent)
	assert.Equal(t, 4, snap.SKUID)
	assert.Equal(t, 2, snap.StoreID)
	assert.Equal(t, int64(31), snap.PromotionID)
	assert.False(t, snap.UpdatedAt.IsZero())
}

func TestRunObserverRecordsStageDurations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewStageMetricsWith(reg)
	obs := NewRunObserver("pricing", nil, m)

	rc := graph.RunContext{SKUID: 4, StoreID: 2}
	obs.NodeFinished(NodeDesignPricing, rc, 25*time.Millisecond, nil)
	obs.NodeFinished(NodeExecute, rc, 10*time.Millisecond, errors.New("store down"))

	// One ok series and one error series.
	count, err := testutil.GatherAndCount(reg, "pipeline_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRunObserverToleratesNilSinks(t *testing.T) {
	obs := NewRunObserver("pricing", nil, nil)
	rc := graph.RunContext{}

	obs.NodeStarted(NodeCollectData, rc)
	obs.NodeFinished(NodeCollectData, rc, time.Millisecond, nil)
}
