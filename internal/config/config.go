// Package config provides configuration loading for feedbackd.
//
// Configuration is loaded from an optional YAML file overridden by
// environment variables, with hardcoded defaults for everything. Tunable
// pipeline parameters (similarity thresholds, classification member minimum,
// retry bounds) live here rather than as constants so deployments can adjust
// them without a rebuild.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete feedbackd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	NATS      NATSConfig      `koanf:"nats"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	LLM       LLMConfig       `koanf:"llm"`
	Cluster   ClusterConfig   `koanf:"cluster"`
	Classify  ClassifyConfig  `koanf:"classify"`
	Tasks     TaskConfig      `koanf:"tasks"`
	FixMemory FixMemoryConfig `koanf:"fixmemory"`
	GitHub    GitHubConfig    `koanf:"github"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// NATSConfig holds the work-queue connection configuration.
type NATSConfig struct {
	URL           string        `koanf:"url"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// EmbeddingConfig holds the embedding gateway configuration.
type EmbeddingConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`

	// VectorSize must match the model's output dimension.
	VectorSize int `koanf:"vector_size"`

	// MaxRetries bounds retries on transient embedding failures.
	MaxRetries     int           `koanf:"max_retries"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	Timeout        time.Duration `koanf:"timeout"`

	// RatePerSecond throttles calls to the embedding model.
	RatePerSecond float64 `koanf:"rate_per_second"`
	RateBurst     int     `koanf:"rate_burst"`
}

// LLMConfig holds the classification/extraction LLM configuration.
type LLMConfig struct {
	BaseURL     string        `koanf:"base_url"`
	Model       string        `koanf:"model"`
	APIKey      string        `koanf:"api_key"`
	Timeout     time.Duration `koanf:"timeout"`
	Temperature float64       `koanf:"temperature"`
}

// ClusterConfig holds clustering engine thresholds.
type ClusterConfig struct {
	// AttachThreshold is the minimum cosine similarity to join a topic.
	AttachThreshold float64 `koanf:"attach_threshold"`

	// TriageThreshold parks mid-similarity signals for human confirmation
	// instead of attaching or creating. Matches in
	// [TriageThreshold, AttachThreshold) go to the triage queue.
	TriageThreshold float64 `koanf:"triage_threshold"`

	// TieEpsilon is the band within which candidate topics are considered
	// tied; ties prefer the topic with more members.
	TieEpsilon float64 `koanf:"tie_epsilon"`
}

// ClassifyConfig holds classification engine configuration.
type ClassifyConfig struct {
	// MinMembers is the topic member count that triggers classification.
	MinMembers int `koanf:"min_members"`

	// MaxSignalsInPrompt caps how many member texts go into the prompt.
	MaxSignalsInPrompt int `koanf:"max_signals_in_prompt"`
}

// TaskConfig holds orchestrator configuration.
type TaskConfig struct {
	// MaxRetries bounds needs-changes review cycles before a task fails.
	MaxRetries int `koanf:"max_retries"`

	// DispatchTimeout bounds a single agent dispatch call.
	DispatchTimeout time.Duration `koanf:"dispatch_timeout"`
}

// FixMemoryConfig holds fix memory configuration.
type FixMemoryConfig struct {
	// Path is the directory for the embedded vector index.
	Path string `koanf:"path"`

	// Collection is the vector collection holding merged fixes.
	Collection string `koanf:"collection"`

	// FewShotK is how many similar fixes to retrieve for dispatch context.
	FewShotK int `koanf:"few_shot_k"`

	// MinSimilarity filters retrieved fixes below this score.
	MinSimilarity float64 `koanf:"min_similarity"`

	// TopRules is how many ranked style rules to inject into dispatch context.
	TopRules int `koanf:"top_rules"`
}

// GitHubConfig holds tracker integration configuration.
type GitHubConfig struct {
	Token         string `koanf:"token"`
	Repo          string `koanf:"repo"` // owner/name
	WebhookSecret string `koanf:"webhook_secret"`
}

// LoggingConfig holds logger construction settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json or console
}

// Default returns the configuration defaults.
//
// Threshold defaults: attach at 0.82 cosine similarity, triage band down to
// 0.65, classification at three members, five review retries per task. All
// of these are tuning knobs, not known-correct constants.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9180,
			ShutdownTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: 5,
			ReconnectWait: time.Second,
		},
		Embedding: EmbeddingConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "text-embedding-3-small",
			VectorSize:     1536,
			MaxRetries:     3,
			RetryBaseDelay: 200 * time.Millisecond,
			Timeout:        15 * time.Second,
			RatePerSecond:  10,
			RateBurst:      20,
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Timeout:     60 * time.Second,
			Temperature: 0,
		},
		Cluster: ClusterConfig{
			AttachThreshold: 0.82,
			TriageThreshold: 0.65,
			TieEpsilon:      0.02,
		},
		Classify: ClassifyConfig{
			MinMembers:         3,
			MaxSignalsInPrompt: 10,
		},
		Tasks: TaskConfig{
			MaxRetries:      5,
			DispatchTimeout: 30 * time.Second,
		},
		FixMemory: FixMemoryConfig{
			Path:          "~/.local/share/feedbackd/fixmemory",
			Collection:    "merged_fixes",
			FewShotK:      3,
			MinSimilarity: 0.5,
			TopRules:      10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Embedding.VectorSize <= 0 {
		return fmt.Errorf("embedding vector size must be positive, got %d", c.Embedding.VectorSize)
	}
	if c.Embedding.MaxRetries < 1 {
		return fmt.Errorf("embedding max retries must be at least 1, got %d", c.Embedding.MaxRetries)
	}
	if c.Cluster.AttachThreshold <= 0 || c.Cluster.AttachThreshold > 1 {
		return fmt.Errorf("attach threshold must be in (0, 1], got %f", c.Cluster.AttachThreshold)
	}
	if c.Cluster.TriageThreshold < 0 || c.Cluster.TriageThreshold >= c.Cluster.AttachThreshold {
		return fmt.Errorf("triage threshold must be in [0, attach), got %f", c.Cluster.TriageThreshold)
	}
	if c.Cluster.TieEpsilon < 0 {
		return fmt.Errorf("tie epsilon cannot be negative, got %f", c.Cluster.TieEpsilon)
	}
	if c.Classify.MinMembers < 1 {
		return fmt.Errorf("classify min members must be at least 1, got %d", c.Classify.MinMembers)
	}
	if c.Tasks.MaxRetries < 0 {
		return fmt.Errorf("task max retries cannot be negative, got %d", c.Tasks.MaxRetries)
	}
	if c.FixMemory.FewShotK < 0 {
		return fmt.Errorf("few-shot k cannot be negative, got %d", c.FixMemory.FewShotK)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
