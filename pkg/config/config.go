// Package config provides configuration loading, validation, and secret
// management for the repricing agent. It handles YAML config files,
// environment variable substitution, and per-setting env overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"repricer/pkg/proto"
)

// Target list defaults applied when no SKU/store filter is configured.
const (
	DefaultSKUCount   = 20
	DefaultStoreCount = 5
)

// Optimizer iteration budget bounds.
const (
	MinOptimizationIterations = 1
	MaxOptimizationIterations = 10
)

// AgentConfig controls the pricing loop behavior.
type AgentConfig struct {
	MonitoringIntervalMinutes int     `yaml:"monitoring_interval_minutes"`
	MinMarginPercent          float64 `yaml:"min_margin_percent"`
	MaxDiscountPercent        float64 `yaml:"max_discount_percent"`
	AutoRetractThreshold      float64 `yaml:"auto_retract_threshold"`
	RequireManualApproval     bool    `yaml:"require_manual_approval"`
	OptimizationMaxIterations int     `yaml:"optimization_max_iterations"`
	OptimizationObjective     string  `yaml:"optimization_objective"`
	AutoStart                 bool    `yaml:"auto_start"`
}

// MonitoringInterval returns the idle time between cycles.
func (a AgentConfig) MonitoringInterval() time.Duration {
	return time.Duration(a.MonitoringIntervalMinutes) * time.Minute
}

// LLMConfig selects the model used by the analysis and strategy stages.
// The provider is derived from the model name via the KnownModels registry.
type LLMConfig struct {
	Model             string  `yaml:"model"`
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
}

// ToolsConfig holds the HTTP endpoints of the tool services.
type ToolsConfig struct {
	PostgresURL    string `yaml:"postgres_url"`
	WeatherURL     string `yaml:"weather_url"`
	CompetitorURL  string `yaml:"competitor_url"`
	SocialURL      string `yaml:"social_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-call tool timeout.
func (t ToolsConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Endpoints returns the service name to base URL mapping.
func (t ToolsConfig) Endpoints() map[string]string {
	return map[string]string{
		"postgres":   t.PostgresURL,
		"weather":    t.WeatherURL,
		"competitor": t.CompetitorURL,
		"social":     t.SocialURL,
	}
}

// CriticConfig holds the arbitration score thresholds.
type CriticConfig struct {
	ReviseThreshold float64 `yaml:"revise_threshold"`
	RejectThreshold float64 `yaml:"reject_threshold"`
}

// PromotionConfig holds design defaults for generated promotions.
type PromotionConfig struct {
	FlashSaleDurationHours int     `yaml:"flash_sale_duration_hours"`
	CouponDurationHours    int     `yaml:"coupon_duration_hours"`
	DiscountDurationHours  int     `yaml:"discount_duration_hours"`
	TargetRadiusKM         float64 `yaml:"target_radius_km"`
}

// DurationFor returns the validity window for a promotion type.
func (p PromotionConfig) DurationFor(t proto.PromotionType) time.Duration {
	switch t {
	case proto.PromotionFlashSale:
		return time.Duration(p.FlashSaleDurationHours) * time.Hour
	case proto.PromotionCoupon:
		return time.Duration(p.CouponDurationHours) * time.Hour
	default:
		return time.Duration(p.DiscountDurationHours) * time.Hour
	}
}

// LearningConfig controls the decision-prior service. An empty RedisAddr
// disables the prior cache and every lookup goes through the store tools.
type LearningConfig struct {
	PriorMaxAgeHours int    `yaml:"prior_max_age_hours"`
	HistoryLimit     int    `yaml:"history_limit"`
	FeedbackDays     int    `yaml:"feedback_days"`
	FeedbackLimit    int    `yaml:"feedback_limit"`
	RedisAddr        string `yaml:"redis_addr"`
	RedisPassword    string `yaml:"redis_password"`
	RedisDB          int    `yaml:"redis_db"`
}

// PriorMaxAge returns how old a cached prior may be before regeneration.
func (l LearningConfig) PriorMaxAge() time.Duration {
	return time.Duration(l.PriorMaxAgeHours) * time.Hour
}

// TargetsConfig filters which SKU/store pairs the scheduler visits.
// Both values are comma-separated ID lists; empty means the default range.
type TargetsConfig struct {
	SKUs   string `yaml:"skus"`
	Stores string `yaml:"stores"`
}

// PersistenceConfig locates the local run journal.
type PersistenceConfig struct {
	DBPath string `yaml:"db_path"`
}

// WebConfig holds the HTTP API settings. An empty AuthToken leaves the
// control endpoints open; an empty PrometheusURL disables the cost report.
type WebConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	AuthToken     string `yaml:"auth_token"`
	PrometheusURL string `yaml:"prometheus_url"`
}

// PerformanceThresholds classify observed performance ratios.
type PerformanceThresholds struct {
	Excellent  float64 `yaml:"excellent"`
	Good       float64 `yaml:"good"`
	Acceptable float64 `yaml:"acceptable"`
	Poor       float64 `yaml:"poor"`
}

// Classify maps a performance ratio to a level name.
func (p PerformanceThresholds) Classify(ratio float64) string {
	switch {
	case ratio >= p.Excellent:
		return "excellent"
	case ratio >= p.Good:
		return "good"
	case ratio >= p.Acceptable:
		return "acceptable"
	case ratio >= p.Poor:
		return "poor"
	default:
		return "failing"
	}
}

// Config is the root configuration for the repricing agent.
type Config struct {
	Agent       AgentConfig           `yaml:"agent"`
	Features    proto.FeatureFlags    `yaml:"features"`
	LLM         LLMConfig             `yaml:"llm"`
	Tools       ToolsConfig           `yaml:"tools"`
	Critic      CriticConfig          `yaml:"critic"`
	Promotion   PromotionConfig       `yaml:"promotion"`
	Learning    LearningConfig        `yaml:"learning"`
	Targets     TargetsConfig         `yaml:"targets"`
	Persistence PersistenceConfig     `yaml:"persistence"`
	Web         WebConfig             `yaml:"web"`
	Performance PerformanceThresholds `yaml:"performance"`
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			MonitoringIntervalMinutes: 30,
			MinMarginPercent:          10,
			MaxDiscountPercent:        40,
			AutoRetractThreshold:      0.5,
			RequireManualApproval:     false,
			OptimizationMaxIterations: 3,
			OptimizationObjective:     "profit_maximization",
			AutoStart:                 false,
		},
		Features: proto.FeatureFlags{
			DecisionLearning: true,
			OptimizationLoop: true,
			MultiCritic:      true,
			ApprovalLearning: true,
			RAGSimilarity:    false,
		},
		LLM: LLMConfig{
			Model:             "gpt-5-mini",
			MaxTokens:         2000,
			Temperature:       0.3,
			RequestsPerMinute: 60,
		},
		Tools: ToolsConfig{
			PostgresURL:    "http://mcp-postgres:3000",
			WeatherURL:     "http://mcp-weather:3001",
			CompetitorURL:  "http://mcp-competitor:3002",
			SocialURL:      "http://mcp-social:3003",
			TimeoutSeconds: 30,
		},
		Critic: CriticConfig{
			ReviseThreshold: 65,
			RejectThreshold: 45,
		},
		Promotion: PromotionConfig{
			FlashSaleDurationHours: 2,
			CouponDurationHours:    4,
			DiscountDurationHours:  24,
			TargetRadiusKM:         5.0,
		},
		Learning: LearningConfig{
			PriorMaxAgeHours: 336,
			HistoryLimit:     25,
			FeedbackDays:     180,
			FeedbackLimit:    100,
		},
		Persistence: PersistenceConfig{
			DBPath: "repricer.db",
		},
		Web: WebConfig{
			ListenAddr: ":8000",
		},
		Performance: PerformanceThresholds{
			Excellent:  1.5,
			Good:       1.0,
			Acceptable: 0.7,
			Poor:       0.5,
		},
	}
}

// LoadConfig loads the configuration from a YAML file with environment
// variable substitution, applies env overrides, and validates the result.
// An empty path loads the defaults with env overrides only.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Replace environment variable placeholders.
		dataStr := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
			envVar := match[2 : len(match)-1] // Remove ${ and }
			if value := os.Getenv(envVar); value != "" {
				return value
			}
			return match // Return original if env var not found
		})

		if err := yaml.Unmarshal([]byte(dataStr), config); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// applyEnvOverrides honors the environment variables the deployment scripts
// have always used. Env values win over file values.
func applyEnvOverrides(config *Config) {
	envInt("AGENT_MONITORING_INTERVAL_MINUTES", &config.Agent.MonitoringIntervalMinutes)
	envFloat("AGENT_MIN_MARGIN_PERCENT", &config.Agent.MinMarginPercent)
	envFloat("AGENT_MAX_DISCOUNT_PERCENT", &config.Agent.MaxDiscountPercent)
	envFloat("AGENT_AUTO_RETRACT_THRESHOLD", &config.Agent.AutoRetractThreshold)
	envBool("AGENT_REQUIRE_MANUAL_APPROVAL", &config.Agent.RequireManualApproval)
	envInt("OPTIMIZATION_MAX_ITERATIONS", &config.Agent.OptimizationMaxIterations)
	envString("OPTIMIZATION_OBJECTIVE", &config.Agent.OptimizationObjective)
	envBool("AGENT_AUTO_START", &config.Agent.AutoStart)

	envBool("ENABLE_DECISION_LEARNING", &config.Features.DecisionLearning)
	envBool("ENABLE_OPTIMIZATION_LOOP", &config.Features.OptimizationLoop)
	envBool("ENABLE_MULTI_CRITIC", &config.Features.MultiCritic)
	envBool("ENABLE_APPROVAL_LEARNING", &config.Features.ApprovalLearning)
	envBool("ENABLE_RAG_SIMILARITY", &config.Features.RAGSimilarity)

	envString("LLM_MODEL", &config.LLM.Model)
	envString("OPENAI_MODEL", &config.LLM.Model)
	envInt("LLM_MAX_TOKENS", &config.LLM.MaxTokens)

	envString("MCP_POSTGRES_URL", &config.Tools.PostgresURL)
	envString("MCP_WEATHER_URL", &config.Tools.WeatherURL)
	envString("MCP_COMPETITOR_URL", &config.Tools.CompetitorURL)
	envString("MCP_SOCIAL_URL", &config.Tools.SocialURL)

	envFloat("CRITIC_REVISE_THRESHOLD", &config.Critic.ReviseThreshold)
	envFloat("CRITIC_REJECT_THRESHOLD", &config.Critic.RejectThreshold)

	envString("REDIS_ADDR", &config.Learning.RedisAddr)
	envString("REDIS_PASSWORD", &config.Learning.RedisPassword)
	envInt("REDIS_DB", &config.Learning.RedisDB)

	envString("REPRICER_SKUS", &config.Targets.SKUs)
	envString("REPRICER_STORES", &config.Targets.Stores)
	envString("REPRICER_DB_PATH", &config.Persistence.DBPath)
	envString("REPRICER_LISTEN_ADDR", &config.Web.ListenAddr)
	envString("REPRICER_AUTH_TOKEN", &config.Web.AuthToken)
	envString("PROMETHEUS_URL", &config.Web.PrometheusURL)
}

func envString(name string, dst *string) {
	if value := os.Getenv(name); value != "" {
		*dst = value
	}
}

func envInt(name string, dst *int) {
	if value := os.Getenv(name); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			*dst = parsed
		}
	}
}

func envFloat(name string, dst *float64) {
	if value := os.Getenv(name); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*dst = parsed
		}
	}
}

func envBool(name string, dst *bool) {
	if value := os.Getenv(name); value != "" {
		*dst = strings.EqualFold(value, "true") || value == "1"
	}
}

// Validate checks the configuration for values the agent cannot run with.
func (c *Config) Validate() error {
	if c.Agent.MonitoringIntervalMinutes <= 0 {
		return fmt.Errorf("agent.monitoring_interval_minutes must be positive, got %d", c.Agent.MonitoringIntervalMinutes)
	}
	if c.Agent.MinMarginPercent < 0 || c.Agent.MinMarginPercent >= 100 {
		return fmt.Errorf("agent.min_margin_percent must be in [0, 100), got %g", c.Agent.MinMarginPercent)
	}
	if c.Agent.MaxDiscountPercent <= 0 || c.Agent.MaxDiscountPercent > 100 {
		return fmt.Errorf("agent.max_discount_percent must be in (0, 100], got %g", c.Agent.MaxDiscountPercent)
	}
	if c.Agent.AutoRetractThreshold <= 0 {
		return fmt.Errorf("agent.auto_retract_threshold must be positive, got %g", c.Agent.AutoRetractThreshold)
	}
	if c.Agent.OptimizationMaxIterations < MinOptimizationIterations {
		return fmt.Errorf("agent.optimization_max_iterations must be at least %d, got %d", MinOptimizationIterations, c.Agent.OptimizationMaxIterations)
	}
	if c.Agent.OptimizationObjective == "" {
		return fmt.Errorf("agent.optimization_objective must not be empty")
	}
	if c.Critic.ReviseThreshold <= c.Critic.RejectThreshold {
		return fmt.Errorf("critic.revise_threshold (%g) must be greater than critic.reject_threshold (%g)", c.Critic.ReviseThreshold, c.Critic.RejectThreshold)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model must not be empty")
	}
	if _, err := GetModelProvider(c.LLM.Model); err != nil {
		return fmt.Errorf("llm.model: %w", err)
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive, got %d", c.LLM.MaxTokens)
	}
	if c.Tools.TimeoutSeconds <= 0 {
		return fmt.Errorf("tools.timeout_seconds must be positive, got %d", c.Tools.TimeoutSeconds)
	}
	if c.Persistence.DBPath == "" {
		return fmt.Errorf("persistence.db_path must not be empty")
	}
	if c.Web.ListenAddr == "" {
		return fmt.Errorf("web.listen_addr must not be empty")
	}
	return nil
}

// OptimizationBudget returns the configured iteration count clamped to the
// supported range.
func (c *Config) OptimizationBudget() int {
	budget := c.Agent.OptimizationMaxIterations
	if budget < MinOptimizationIterations {
		budget = MinOptimizationIterations
	}
	if budget > MaxOptimizationIterations {
		budget = MaxOptimizationIterations
	}
	return budget
}

// ParseIDList parses a comma-separated list of positive integer IDs.
// Invalid and non-positive entries are skipped, duplicates removed,
// order preserved.
func ParseIDList(raw string) []int {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	seen := make(map[int]bool)
	ids := make([]int, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id <= 0 {
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// rangeIDs returns [1..n].
func rangeIDs(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i + 1
	}
	return ids
}

// CycleTargets expands the configured SKU and store filters into the ordered
// target list the scheduler walks. Stores are the outer loop so a store's
// SKUs are processed together.
func (c *Config) CycleTargets() []proto.Target {
	skus := ParseIDList(c.Targets.SKUs)
	if len(skus) == 0 {
		skus = rangeIDs(DefaultSKUCount)
	}
	stores := ParseIDList(c.Targets.Stores)
	if len(stores) == 0 {
		stores = rangeIDs(DefaultStoreCount)
	}

	targets := make([]proto.Target, 0, len(skus)*len(stores))
	for _, store := range stores {
		for _, sku := range skus {
			targets = append(targets, proto.Target{SKUID: sku, StoreID: store})
		}
	}
	return targets
}
