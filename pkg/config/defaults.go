package config

import (
	"fmt"
	"time"

	"dario.cat/mergo"
)

// Built-in defaults. Loading merges user YAML over these; any section the
// file omits keeps its default wholesale.

func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		MaxConcurrentNodesPerWorkflow: 4,
		MaxConcurrentStreamsPerMVD:    4,
		NodeDefaultTimeout:            10 * time.Minute,
		RetryBackoffBase:              2 * time.Second,
		RetryBackoffCap:               2 * time.Minute,
		HeartbeatInterval:             30 * time.Second,
		OrphanThreshold:               5 * time.Minute,
		GracefulShutdownTimeout:       10 * time.Minute,
		IdempotencyWindow:             10 * time.Minute,
	}
}

func DefaultGateConfig() *GateConfig {
	block := true
	return &GateConfig{
		MinOverallScore:           0.60,
		MinBehavioralPassRate:     0.80,
		BlockOnBlockingViolations: &block,
		Weights: ValidationWeights{
			Structural: 0.33,
			Behavioral: 0.34,
			Quality:    0.33,
		},
	}
}

func DefaultBlueprintWeights() *BlueprintWeights {
	return &BlueprintWeights{
		Parallelizability:   0.30,
		ExpertiseCoverage:   0.30,
		ComplexityAlignment: 0.20,
		HistoricalSuccess:   0.20,
	}
}

func DefaultHistoryConfig() *HistoryConfig {
	insights := true
	return &HistoryConfig{
		StoragePath:     "./data/history",
		RetentionDays:   30,
		EnableInsights:  &insights,
		CleanupInterval: 1 * time.Hour,
	}
}

func DefaultHealingConfig() *HealingConfig {
	return &HealingConfig{
		MinPassRate:      0.95,
		MaxParallelTests: 4,
		MaxRetries:       5,
	}
}

func DefaultScoringConfig() *ScoringConfig {
	return &ScoringConfig{
		MemberWeights: MemberWeights{
			Completion:    0.4,
			Speed:         0.3,
			Quality:       0.2,
			Collaboration: 0.1,
		},
		BacklogScaleUpThreshold: 10,
		UtilizationHigh:         0.9,
		UtilizationLow:          0.3,
		UnderperformerScore:     0.5,
	}
}

func DefaultEventsConfig() *EventsConfig {
	return &EventsConfig{
		QueueDepth:    1024,
		ExportPattern: "team:*:events:*",
	}
}

func DefaultArtifactsConfig() *ArtifactsConfig {
	return &ArtifactsConfig{
		RootDir: "./data/artifacts",
	}
}

// DefaultAccessMatrix grants the standard role set its expected actions.
// Deployments override role-by-role in crewforge.yaml.
func DefaultAccessMatrix() map[string][]string {
	return map[string][]string{
		"system": {"*"},
		"product_owner": {
			"post_message", "share_knowledge", "create_task", "assign_task",
			"propose_decision", "escalate_approval",
		},
		"tech_lead": {"*"},
		"security_auditor": {
			"post_message", "share_knowledge", "create_task",
			"propose_decision", "escalate_approval",
		},
		"backend_dev": {
			"post_message", "share_knowledge", "create_task",
			"propose_decision", "evolve_contract",
		},
		"frontend_dev": {
			"post_message", "share_knowledge", "create_task",
			"propose_decision", "evolve_contract",
		},
		"qa_lead": {
			"post_message", "share_knowledge", "create_task", "assign_task",
			"propose_decision", "escalate_approval",
		},
		"devops_lead": {
			"post_message", "share_knowledge", "create_task",
			"propose_decision", "activate_contract", "evolve_contract",
		},
	}
}

// DefaultPhaseScaling maps delivery phases to the roles they need.
func DefaultPhaseScaling() map[string]PhasePlan {
	return map[string]PhasePlan{
		"design": {
			RequiredRoles: []string{"product_owner", "tech_lead"},
			OptionalRoles: []string{"security_auditor"},
		},
		"implementation": {
			RequiredRoles: []string{"tech_lead", "backend_dev", "frontend_dev"},
			OptionalRoles: []string{"devops_lead"},
		},
		"validation": {
			RequiredRoles: []string{"qa_lead", "tech_lead"},
			OptionalRoles: []string{"security_auditor"},
		},
		"deployment": {
			RequiredRoles: []string{"devops_lead", "tech_lead"},
			OptionalRoles: []string{"qa_lead"},
		},
	}
}

// applyDefaults merges defaults underneath a loaded config. Struct sections
// merge field by field, so a partially specified section keeps the remaining
// defaults; map sections (access, phase_scaling) override wholesale.
func applyDefaults(cfg *Config) error {
	base := &Config{
		Scheduler: DefaultSchedulerConfig(),
		Gate:      DefaultGateConfig(),
		Blueprint: DefaultBlueprintWeights(),
		History:   DefaultHistoryConfig(),
		Healing:   DefaultHealingConfig(),
		Scoring:   DefaultScoringConfig(),
		Events:    DefaultEventsConfig(),
		Artifacts: DefaultArtifactsConfig(),
	}
	if err := mergo.Merge(cfg, base); err != nil {
		return fmt.Errorf("merge config defaults: %w", err)
	}

	if len(cfg.Access) == 0 {
		cfg.Access = DefaultAccessMatrix()
	}
	if len(cfg.Scaling) == 0 {
		cfg.Scaling = DefaultPhaseScaling()
	}
	return nil
}
