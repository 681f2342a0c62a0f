// Package config provides the root configuration for famcore: defaults,
// an optional JSON file, and environment overrides. Fields are grouped by
// component and named after §6.4's recognized options, struct-of-structs
// with json+envconfig tags, the same shape the donor codebase uses for its
// own multi-subsystem configuration.
package config

import "time"

// Config is the root configuration struct. Top-level groups mirror the
// component list: Paths/Logging are ambient, the rest (PDP, WM, ATG, RP,
// Vector, CNS, PRS, SYN, BUS, Policy) each own one component's §6.4 knobs.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Logging   LoggingConfig   `json:"logging"`
	PDP       PDPConfig       `json:"pdp"`
	WM        WMConfig        `json:"wm"`
	ATG       ATGConfig       `json:"atg"`
	RP        RPConfig        `json:"rp"`
	Vector    VectorConfig    `json:"vector"`
	CNS       CNSConfig       `json:"cns"`
	PRS       PRSConfig       `json:"prs"`
	SYN       SYNConfig       `json:"syn"`
	BUS       BUSConfig       `json:"bus"`
	Policy    PolicyConfig    `json:"policy"`
	Retention RetentionConfig `json:"retention"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations (§6.3's per-space directory layout)
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings. DataDir is the parent of
// one subdirectory per space (each holding that space's sqlite stores, its
// audit receipts, and its SYN outbox); KeyStateDir is KGM's local-file
// fallback root when the OS keyring is unavailable.
type PathsConfig struct {
	DataDir     string `json:"dataDir" envconfig:"DATA_DIR"`
	KeyStateDir string `json:"keyStateDir" envconfig:"KEY_STATE_DIR"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig configures the zerolog level every component logs through.
type LoggingConfig struct {
	Level string `json:"level" envconfig:"LOG_LEVEL"`
}

// ---------------------------------------------------------------------------
// PDP – Policy Decision Point
// ---------------------------------------------------------------------------

// PDPConfig holds the decision-cache TTL (§6.4 pdp.cache_ttl_sec, clamped
// to <=300s by pdp.NewEngine itself).
type PDPConfig struct {
	CacheTTLSec int `json:"cacheTtlSec" envconfig:"CACHE_TTL_SEC"`
}

// ---------------------------------------------------------------------------
// WM – Working Memory
// ---------------------------------------------------------------------------

// WMConfig holds per-session buffer sizing (§6.4 wm.capacity,
// wm.idle_timeout_min).
type WMConfig struct {
	Capacity       int `json:"capacity" envconfig:"CAPACITY"`
	IdleTimeoutMin int `json:"idleTimeoutMin" envconfig:"IDLE_TIMEOUT_MIN"`
}

// ---------------------------------------------------------------------------
// ATG – Attention Gate
// ---------------------------------------------------------------------------

// ATGConfig holds the base admission threshold (§6.4 atg.threshold_base).
type ATGConfig struct {
	ThresholdBase float64 `json:"thresholdBase" envconfig:"THRESHOLD_BASE"`
}

// ---------------------------------------------------------------------------
// RP – Read Pipeline
// ---------------------------------------------------------------------------

// RPConfig holds fusion weights and recency decay (§6.4 rp.weights.*,
// rp.tau_recency_sec).
type RPConfig struct {
	WeightFTS         float64 `json:"weightFts" envconfig:"WEIGHT_FTS"`
	WeightVector      float64 `json:"weightVector" envconfig:"WEIGHT_VECTOR"`
	WeightKG          float64 `json:"weightKg" envconfig:"WEIGHT_KG"`
	WeightEpisodic    float64 `json:"weightEpisodic" envconfig:"WEIGHT_EPISODIC"`
	WeightHippocampus float64 `json:"weightHippocampus" envconfig:"WEIGHT_HIPPOCAMPUS"`
	TauRecencySec     int64   `json:"tauRecencySec" envconfig:"TAU_RECENCY_SEC"`
}

// ---------------------------------------------------------------------------
// Vector – embedding index
// ---------------------------------------------------------------------------

// VectorConfig holds the embedding dimension, immutable after a space's
// first open (§6.4 vector.dim, vector.metric — cosine is the only
// supported metric, matching vector.go's canonical implementation).
type VectorConfig struct {
	Dim    int    `json:"dim" envconfig:"DIM"`
	Metric string `json:"metric" envconfig:"METRIC"`
}

// ---------------------------------------------------------------------------
// CNS – Consolidation
// ---------------------------------------------------------------------------

// CNSConfig holds the consolidation pass's eligibility age, co-occurrence
// quorum, and model version stamp.
type CNSConfig struct {
	ConsolidateAfterHours int     `json:"consolidateAfterHours" envconfig:"CONSOLIDATE_AFTER_HOURS"`
	CoOccurrenceThreshold float64 `json:"coOccurrenceThreshold" envconfig:"CO_OCCURRENCE_THRESHOLD"`
	ModelVersion          string  `json:"modelVersion" envconfig:"MODEL_VERSION"`
}

// ---------------------------------------------------------------------------
// PRS – Prospective Scheduler
// ---------------------------------------------------------------------------

// PRSConfig holds the due-queue re-evaluation cadence and its jitter
// fraction.
type PRSConfig struct {
	ReEvalIntervalSec int     `json:"reEvalIntervalSec" envconfig:"RE_EVAL_INTERVAL_SEC"`
	JitterFrac        float64 `json:"jitterFrac" envconfig:"JITTER_FRAC"`
}

// ---------------------------------------------------------------------------
// SYN – CRDT Sync Engine
// ---------------------------------------------------------------------------

// SYNConfig holds outbox capacity/drain batching (§6.4 syn.outbox_max) and
// the AMBER undo window (§6.4 undo_window_sec).
type SYNConfig struct {
	OutboxMax     int `json:"outboxMax" envconfig:"OUTBOX_MAX"`
	DrainBatch    int `json:"drainBatch" envconfig:"DRAIN_BATCH"`
	UndoWindowSec int `json:"undoWindowSec" envconfig:"UNDO_WINDOW_SEC"`
}

// ---------------------------------------------------------------------------
// BUS – Event Bus
// ---------------------------------------------------------------------------

// BUSConfig holds retry-to-DLQ escalation tuning.
type BUSConfig struct {
	MaxRetries int `json:"maxRetries" envconfig:"MAX_RETRIES"`
}

// ---------------------------------------------------------------------------
// Policy – PDP model pinning
// ---------------------------------------------------------------------------

// PolicyConfig holds the pinned policy model identity stamped onto every
// decision (§6.4 policy.model_version).
type PolicyConfig struct {
	ModelVersion string `json:"modelVersion" envconfig:"MODEL_VERSION"`
}

// ---------------------------------------------------------------------------
// Retention – per-space default retention
// ---------------------------------------------------------------------------

// RetentionConfig maps a space id to its default retention window (§6.4
// retention.{space}). A space with no entry here retains records
// indefinitely unless an individual submit call sets its own retention.
type RetentionConfig map[string]time.Duration

// DefaultConfig returns a Config with the defaults named throughout §6.4.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir:     "~/.famcore/data",
			KeyStateDir: "~/.famcore/keys",
		},
		Logging: LoggingConfig{Level: "info"},
		PDP:     PDPConfig{CacheTTLSec: 60},
		WM: WMConfig{
			Capacity:       12,
			IdleTimeoutMin: 30,
		},
		ATG: ATGConfig{ThresholdBase: 0.55},
		RP: RPConfig{
			WeightFTS:         0.3,
			WeightVector:      0.3,
			WeightKG:          0.1,
			WeightEpisodic:    0.2,
			WeightHippocampus: 0.1,
			TauRecencySec:     int64((7 * 24 * time.Hour) / time.Second),
		},
		Vector: VectorConfig{Dim: 384, Metric: "cosine"},
		CNS: CNSConfig{
			ConsolidateAfterHours: 24,
			CoOccurrenceThreshold: 3,
			ModelVersion:          "cns-v1",
		},
		PRS: PRSConfig{
			ReEvalIntervalSec: 300,
			JitterFrac:        0.1,
		},
		SYN: SYNConfig{
			OutboxMax:     500,
			DrainBatch:    50,
			UndoWindowSec: 900,
		},
		BUS:       BUSConfig{MaxRetries: 5},
		Policy:    PolicyConfig{ModelVersion: "pdp-v1"},
		Retention: RetentionConfig{},
	}
}
