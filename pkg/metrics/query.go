package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// StageUsage represents aggregated token and cost usage for one pipeline stage.
type StageUsage struct {
	Stage            string  `json:"stage"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService queries aggregated usage from a Prometheus server that
// scrapes this process. It is optional; the in-memory usage journal covers
// deployments without Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a usage query service against prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetStageUsage retrieves aggregated token and cost usage for one stage
// across all models.
func (q *QueryService) GetStageUsage(ctx context.Context, stage string) (*StageUsage, error) {
	usage := &StageUsage{Stage: stage}

	promptQuery := fmt.Sprintf(`sum(llm_tokens_total{stage=%q, type="prompt"})`, stage)
	usage.PromptTokens = q.scalarInt(ctx, promptQuery)

	completionQuery := fmt.Sprintf(`sum(llm_tokens_total{stage=%q, type="completion"})`, stage)
	usage.CompletionTokens = q.scalarInt(ctx, completionQuery)

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	costQuery := fmt.Sprintf(`sum(llm_costs_total{stage=%q})`, stage)
	cost, err := q.scalarFloat(ctx, costQuery)
	if err != nil {
		return nil, err
	}
	usage.TotalCost = cost

	return usage, nil
}

// GetUsageByStage retrieves usage broken down by every stage that has
// recorded at least one request.
func (q *QueryService) GetUsageByStage(ctx context.Context) (map[string]*StageUsage, error) {
	stagesQuery := `group by (stage) (llm_tokens_total)`
	stagesResult, _, err := q.queryAPI.Query(ctx, stagesQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query stages: %w", err)
	}

	var stages []string
	if vector, ok := stagesResult.(model.Vector); ok {
		for _, sample := range vector {
			if stage, ok := sample.Metric["stage"]; ok {
				stages = append(stages, string(stage))
			}
		}
	}

	result := make(map[string]*StageUsage)
	for _, stage := range stages {
		usage, err := q.GetStageUsage(ctx, stage)
		if err != nil {
			return nil, fmt.Errorf("failed to query usage for stage %s: %w", stage, err)
		}
		result[stage] = usage
	}

	return result, nil
}

// GetTotalCost retrieves the total estimated spend across all models and stages.
func (q *QueryService) GetTotalCost(ctx context.Context) (float64, error) {
	return q.scalarFloat(ctx, `sum(llm_costs_total)`)
}

func (q *QueryService) scalarInt(ctx context.Context, query string) int64 {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value)
	}
	return 0
}

func (q *QueryService) scalarFloat(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("prometheus query %q failed: %w", query, err)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
