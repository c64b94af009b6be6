// Package config loads and validates the orchestrator configuration:
// crewforge.yaml plus environment expansion. Sections map one-to-one onto
// the components they tune; defaults live in defaults.go and validation in
// validator.go.
package config

import "time"

// Config is the fully resolved runtime configuration.
type Config struct {
	Scheduler *SchedulerConfig           `yaml:"scheduler"`
	Gate      *GateConfig                `yaml:"validation_gate"`
	Blueprint *BlueprintWeights          `yaml:"blueprint_weights"`
	History   *HistoryConfig             `yaml:"history"`
	Healing   *HealingConfig             `yaml:"healing"`
	Scoring   *ScoringConfig             `yaml:"scoring"`
	Events    *EventsConfig              `yaml:"events"`
	Artifacts *ArtifactsConfig           `yaml:"artifacts"`
	Providers map[string]ProviderConfig  `yaml:"providers"`
	Routing   map[string]string          `yaml:"persona_routing"` // persona -> provider name
	Access    map[string][]string        `yaml:"access"`          // role -> allowed actions
	Scaling   map[string]PhasePlan       `yaml:"phase_scaling"`   // phase -> plan
}

// SchedulerConfig bounds DAG and stream concurrency and the retry envelope.
type SchedulerConfig struct {
	// MaxConcurrentNodesPerWorkflow caps one workflow's parallel group width.
	MaxConcurrentNodesPerWorkflow int `yaml:"max_concurrent_nodes_per_workflow"`

	// MaxConcurrentStreamsPerMVD caps streams running against one MVD.
	MaxConcurrentStreamsPerMVD int `yaml:"max_concurrent_streams_per_mvd"`

	// NodeDefaultTimeout applies to nodes that declare no max_duration.
	NodeDefaultTimeout time.Duration `yaml:"node_default_timeout"`

	// RetryBackoffBase and RetryBackoffCap bound the exponential backoff
	// used by the self-healing retry loop.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
	RetryBackoffCap  time.Duration `yaml:"retry_backoff_cap"`

	// HeartbeatInterval is how often a running node refreshes its heartbeat.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// OrphanThreshold is how long a running node may go without a heartbeat
	// before startup recovery resets it to pending.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`

	// GracefulShutdownTimeout is the drain budget on SIGTERM.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// IdempotencyWindow is how long a mutating call's result is replayed for
	// a repeated idempotency key.
	IdempotencyWindow time.Duration `yaml:"idempotency_window"`
}

// GateConfig tunes the trimodal validation gate.
type GateConfig struct {
	MinOverallScore           float64 `yaml:"min_overall_score"`
	MinBehavioralPassRate     float64 `yaml:"min_behavioral_pass_rate"`
	BlockOnBlockingViolations *bool   `yaml:"block_on_blocking_violations"`

	// Weights must sum to 1; off-by-epsilon sums are autonormalized with a
	// logged warning during validation.
	Weights ValidationWeights `yaml:"weights"`
}

// ValidationWeights are the trimodal aggregation weights.
type ValidationWeights struct {
	Structural float64 `yaml:"structural"`
	Behavioral float64 `yaml:"behavioral"`
	Quality    float64 `yaml:"quality"`
}

// BlueprintWeights are the four blueprint-scoring dimension weights. Must
// sum to 1; autonormalized with a warning otherwise.
type BlueprintWeights struct {
	Parallelizability   float64 `yaml:"parallelizability"`
	ExpertiseCoverage   float64 `yaml:"expertise_coverage"`
	ComplexityAlignment float64 `yaml:"complexity_alignment"`
	HistoricalSuccess   float64 `yaml:"historical_success"`
}

// HistoryConfig tunes the execution history logger.
type HistoryConfig struct {
	StoragePath     string        `yaml:"storage_path"`
	RetentionDays   int           `yaml:"retention_days"`
	EnableInsights  *bool         `yaml:"enable_insights"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// HealingConfig tunes error analysis and fix verification.
type HealingConfig struct {
	// MinPassRate is the fix-verification acceptance floor.
	MinPassRate float64 `yaml:"min_pass_rate"`

	// MaxParallelTests bounds concurrent test processes in the verifier.
	MaxParallelTests int `yaml:"max_parallel_tests"`

	// MaxRetries is the hard ceiling on retries regardless of what the
	// pattern registry recommends.
	MaxRetries int `yaml:"max_retries"`
}

// ScoringConfig tunes member scoring and team-health analysis.
type ScoringConfig struct {
	MemberWeights MemberWeights `yaml:"member_weights"`

	// BacklogScaleUpThreshold is the ready-task backlog size above which
	// scale_up is recommended.
	BacklogScaleUpThreshold int `yaml:"backlog_scale_up_threshold"`

	// UtilizationHigh / UtilizationLow bound the capacity utilization band
	// considered healthy.
	UtilizationHigh float64 `yaml:"utilization_high"`
	UtilizationLow  float64 `yaml:"utilization_low"`

	// UnderperformerScore is the member score below which a member counts
	// as underperforming.
	UnderperformerScore float64 `yaml:"underperformer_score"`
}

// MemberWeights are the member-scoring component weights. Must sum to 1.
type MemberWeights struct {
	Completion    float64 `yaml:"completion"`
	Speed         float64 `yaml:"speed"`
	Quality       float64 `yaml:"quality"`
	Collaboration float64 `yaml:"collaboration"`
}

// EventsConfig tunes the in-process bus and the optional NATS bridge.
type EventsConfig struct {
	QueueDepth int `yaml:"queue_depth"`

	// NATSURL enables the external bridge when set.
	NATSURL string `yaml:"nats_url"`

	// ExportPattern selects which topics the bridge exports.
	ExportPattern string `yaml:"export_pattern"`
}

// ArtifactsConfig tunes the on-disk artifact layout.
type ArtifactsConfig struct {
	RootDir string `yaml:"root_dir"`
}

// ProviderConfig describes one external agent provider endpoint.
type ProviderConfig struct {
	// Type is "http" or "scripted" (tests only).
	Type     string `yaml:"type"`
	BaseURL  string `yaml:"base_url"`
	TokenEnv string `yaml:"token_env"`
	// MaxTokens is the per-call generation cap sent to the provider.
	MaxTokens int `yaml:"max_tokens"`
}

// PhasePlan names the roles a delivery phase needs.
type PhasePlan struct {
	RequiredRoles []string `yaml:"required_roles"`
	OptionalRoles []string `yaml:"optional_roles"`
}
