// Package config loads the typed configuration for the ingestion control
// plane: storage DSNs, provider selection, matcher thresholds, and pool
// sizing. Unknown keys are rejected so a typo in a config file fails fast
// rather than silently falling back to a zero value.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StorageConfig holds DSNs/endpoints for every backend adapter. A blank
// field means "use the in-memory fallback" for that backend.
type StorageConfig struct {
	PostgresDSN   string `yaml:"postgres_dsn"`
	Neo4jURI      string `yaml:"neo4j_uri"`
	Neo4jUser     string `yaml:"neo4j_user"`
	Neo4jPassword string `yaml:"neo4j_password"`
	QdrantAddr    string `yaml:"qdrant_addr"`
	RedisAddr     string `yaml:"redis_addr"`
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	S3Bucket      string `yaml:"s3_bucket"`
	S3Prefix      string `yaml:"s3_prefix"`
	S3Endpoint    string `yaml:"s3_endpoint,omitempty"`
}

// ProviderConfig selects and parameterizes the Extractor/Embedder backend.
type ProviderConfig struct {
	// Kind is one of "mock", "anthropic", "openai", "local".
	Kind            string `yaml:"kind"`
	Model           string `yaml:"model"`
	EmbeddingModel  string `yaml:"embedding_model"`
	EmbeddingDims   int    `yaml:"embedding_dims"`
	APIKey          string `yaml:"api_key,omitempty"`
	BaseURL         string `yaml:"base_url,omitempty"`
	MaxRetries      int    `yaml:"max_retries"`
	RequestTimeoutS int    `yaml:"request_timeout_seconds"`
}

func (p ProviderConfig) RequestTimeout() time.Duration {
	if p.RequestTimeoutS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.RequestTimeoutS) * time.Second
}

// MatcherConfig tunes the Vector Concept Matcher.
type MatcherConfig struct {
	TopK             int     `yaml:"top_k"`
	MergeThreshold   float64 `yaml:"merge_threshold"`
	SuggestThreshold float64 `yaml:"suggest_threshold"`
}

func (m MatcherConfig) WithDefaults() MatcherConfig {
	if m.TopK <= 0 {
		m.TopK = 20
	}
	if m.MergeThreshold <= 0 {
		m.MergeThreshold = 0.85
	}
	if m.SuggestThreshold <= 0 {
		m.SuggestThreshold = 0.60
	}
	return m
}

// ChunkingConfig tunes the ingestion chunker.
type ChunkingConfig struct {
	TargetWords    int `yaml:"target_words"`
	MinWords       int `yaml:"min_words"`
	MaxWords       int `yaml:"max_words"`
	OverlapWords   int `yaml:"overlap_words"`
	SentenceMaxLen int `yaml:"sentence_max_chars"`
}

func (c ChunkingConfig) WithDefaults() ChunkingConfig {
	if c.TargetWords <= 0 {
		c.TargetWords = 1000
	}
	if c.MinWords <= 0 {
		c.MinWords = 500
	}
	if c.MaxWords <= 0 {
		c.MaxWords = 2000
	}
	if c.OverlapWords <= 0 {
		c.OverlapWords = 200
	}
	if c.SentenceMaxLen <= 0 {
		c.SentenceMaxLen = 500
	}
	return c
}

// JobConfig tunes the job queue, scheduler, and retention policy. Durations
// are plain integers with a unit suffix in the key, as elsewhere in this
// config.
type JobConfig struct {
	WorkerCount              int      `yaml:"worker_count"`
	PollIntervalSeconds      int      `yaml:"poll_interval_seconds"`
	ApprovalTTLHours         int      `yaml:"approval_ttl_hours"`
	StalledAfterMinutes      int      `yaml:"stalled_after_minutes"`
	OrphanRetryBudget        int      `yaml:"orphan_retry_budget"`
	RetentionDays            int      `yaml:"retention_days"`
	SchedulerIntervalSeconds int      `yaml:"scheduler_interval_seconds"`
	KafkaWakeupTopic         string   `yaml:"kafka_wakeup_topic"`
	KafkaBrokers             []string `yaml:"kafka_brokers"`
	VocabularyAllowed        []string `yaml:"relationship_vocabulary"`
}

func (j JobConfig) PollInterval() time.Duration {
	if j.PollIntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(j.PollIntervalSeconds) * time.Second
}

func (j JobConfig) ApprovalTTL() time.Duration {
	if j.ApprovalTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(j.ApprovalTTLHours) * time.Hour
}

func (j JobConfig) StalledAfter() time.Duration {
	if j.StalledAfterMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(j.StalledAfterMinutes) * time.Minute
}

func (j JobConfig) RetentionWindow() time.Duration {
	if j.RetentionDays <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(j.RetentionDays) * 24 * time.Hour
}

func (j JobConfig) SchedulerInterval() time.Duration {
	if j.SchedulerIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(j.SchedulerIntervalSeconds) * time.Second
}

func (j JobConfig) WithDefaults() JobConfig {
	if j.WorkerCount <= 0 {
		j.WorkerCount = 4
	}
	if j.OrphanRetryBudget <= 0 {
		j.OrphanRetryBudget = 1
	}
	if len(j.VocabularyAllowed) == 0 {
		j.VocabularyAllowed = []string{
			"IMPLIES", "SUPPORTS", "CONTRADICTS", "ENABLES",
			"REQUIRES", "CAUSED_BY", "PART_OF", "RELATES_TO",
		}
	}
	return j
}

// Config is the root configuration record.
type Config struct {
	LogLevel  string         `yaml:"log_level"`
	LogPath   string         `yaml:"log_path,omitempty"`
	Storage   StorageConfig  `yaml:"storage"`
	Provider  ProviderConfig `yaml:"provider"`
	Matcher   MatcherConfig  `yaml:"matcher"`
	Chunking  ChunkingConfig `yaml:"chunking"`
	Jobs      JobConfig      `yaml:"jobs"`
}

// Load reads a YAML config file, rejecting unknown keys, then applies
// subsection defaults. The file path+".env" (e.g. veridian.yaml.env) is
// first loaded into the process environment; a missing one is tolerated.
func Load(path string) (Config, error) {
	_ = godotenv.Load(path + ".env")

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.Matcher = cfg.Matcher.WithDefaults()
	cfg.Chunking = cfg.Chunking.WithDefaults()
	cfg.Jobs = cfg.Jobs.WithDefaults()
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Provider.Kind == "" {
		cfg.Provider.Kind = "mock"
	}
	if cfg.Provider.EmbeddingDims <= 0 {
		cfg.Provider.EmbeddingDims = 256
	}
	return cfg, nil
}
