// Package config loads the service configuration from a YAML file with
// environment-variable overrides for the operational knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	ConnectionString string `yaml:"connection_string"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig drives the partitioned group queue.
type QueueConfig struct {
	KeyPrefix        string        `yaml:"key_prefix"`
	NumPartitions    int           `yaml:"num_partitions"`
	MaxTotal         int           `yaml:"max_total"`
	InactiveAfter    time.Duration `yaml:"inactive_after"`
	ScoreThresholdMS int64         `yaml:"score_threshold_ms"`
	Serialization    string        `yaml:"serialization"` // "json" or "bson"
}

// WorkerConfig drives the extraction worker.
type WorkerConfig struct {
	MaxPending      int           `yaml:"max_pending"`
	TaskDeadline    time.Duration `yaml:"task_deadline"`
	StatusRetain    time.Duration `yaml:"status_retain"`
	EnableProfiles  bool          `yaml:"enable_profiles"`
	EnableForesight bool          `yaml:"enable_foresight"`
}

// LLMConfig selects and configures the completion provider.
type LLMConfig struct {
	Provider      string        `yaml:"provider"` // "openai" or "anthropic"
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	BoundaryModel string        `yaml:"boundary_model"`
	MaxTokens     int           `yaml:"max_tokens"`
	Temperature   float64       `yaml:"temperature"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryBase     time.Duration `yaml:"retry_base"`
}

type EmbeddingsConfig struct {
	Host       string        `yaml:"host"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// BoundaryConfig tunes the cheap pre-filters of episode boundary detection.
type BoundaryConfig struct {
	MinMessages  int           `yaml:"min_messages"`
	MinElapsed   time.Duration `yaml:"min_elapsed"`
	HardGap      time.Duration `yaml:"hard_gap"`
	BufferMax    int           `yaml:"buffer_max"`
	HistoryLimit int           `yaml:"history_limit"`
}

type RetrievalConfig struct {
	RRFConstant   int `yaml:"rrf_constant"`
	OverFetchMult int `yaml:"over_fetch_mult"`
	MaxRefined    int `yaml:"max_refined"`
}

type ClusterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Threshold     float64       `yaml:"threshold"`
	MaxTimeGap    time.Duration `yaml:"max_time_gap"`
	SnapshotEvery time.Duration `yaml:"snapshot_every"`
}

// VectorConfig selects the vector index backend.
type VectorConfig struct {
	Backend    string `yaml:"backend"` // "pgvector" or "qdrant"
	QdrantHost string `yaml:"qdrant_host"`
	QdrantPort int    `yaml:"qdrant_port"`
}

// BusConfig configures the optional upstream Kafka feed.
type BusConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// ObjectStoreConfig selects where cluster snapshots are persisted.
type ObjectStoreConfig struct {
	Backend   string `yaml:"backend"` // "local" or "s3"
	LocalPath string `yaml:"local_path"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Queue       QueueConfig       `yaml:"queue"`
	Worker      WorkerConfig      `yaml:"worker"`
	LLM         LLMConfig         `yaml:"llm"`
	Embeddings  EmbeddingsConfig  `yaml:"embeddings"`
	Boundary    BoundaryConfig    `yaml:"boundary"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Vector      VectorConfig      `yaml:"vector"`
	Bus         BusConfig         `yaml:"bus"`
	ObjectStore ObjectStoreConfig `yaml:"objectstore"`
	OTel        TelemetryConfig   `yaml:"otel"`
}

// Load reads the YAML config file, applies defaults and environment overrides.
// A missing file is not an error; defaults plus environment apply.
func Load(filename string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("error unmarshaling config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8950
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Queue.KeyPrefix == "" {
		c.Queue.KeyPrefix = "memora:groupqueue"
	}
	if c.Queue.NumPartitions <= 0 {
		c.Queue.NumPartitions = 50
	}
	if c.Queue.MaxTotal <= 0 {
		c.Queue.MaxTotal = 1000
	}
	if c.Queue.InactiveAfter <= 0 {
		c.Queue.InactiveAfter = 5 * time.Minute
	}
	if c.Queue.Serialization == "" {
		c.Queue.Serialization = "json"
	}
	if c.Worker.MaxPending <= 0 {
		c.Worker.MaxPending = 256
	}
	if c.Worker.TaskDeadline <= 0 {
		c.Worker.TaskDeadline = 120 * time.Second
	}
	if c.Worker.StatusRetain <= 0 {
		c.Worker.StatusRetain = time.Hour
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.BoundaryModel == "" {
		c.LLM.BoundaryModel = c.LLM.Model
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 2048
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.LLM.MaxRetries <= 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.RetryBase <= 0 {
		c.LLM.RetryBase = 500 * time.Millisecond
	}
	if c.Embeddings.Dimensions <= 0 {
		c.Embeddings.Dimensions = 768
	}
	if c.Embeddings.Timeout <= 0 {
		c.Embeddings.Timeout = 60 * time.Second
	}
	if c.Boundary.MinMessages <= 0 {
		c.Boundary.MinMessages = 3
	}
	if c.Boundary.MinElapsed <= 0 {
		c.Boundary.MinElapsed = 5 * time.Minute
	}
	if c.Boundary.HardGap <= 0 {
		c.Boundary.HardGap = 4 * time.Hour
	}
	if c.Boundary.BufferMax <= 0 {
		c.Boundary.BufferMax = 1000
	}
	if c.Boundary.HistoryLimit <= 0 {
		c.Boundary.HistoryLimit = 1000
	}
	if c.Retrieval.RRFConstant <= 0 {
		c.Retrieval.RRFConstant = 60
	}
	if c.Retrieval.OverFetchMult <= 0 {
		c.Retrieval.OverFetchMult = 2
	}
	if c.Retrieval.MaxRefined <= 0 {
		c.Retrieval.MaxRefined = 3
	}
	if c.Cluster.Threshold == 0 {
		c.Cluster.Threshold = 0.65
	}
	if c.Cluster.MaxTimeGap <= 0 {
		c.Cluster.MaxTimeGap = 7 * 24 * time.Hour
	}
	if c.Cluster.SnapshotEvery <= 0 {
		c.Cluster.SnapshotEvery = 10 * time.Minute
	}
	if c.Vector.Backend == "" {
		c.Vector.Backend = "pgvector"
	}
	if c.Vector.QdrantPort == 0 {
		c.Vector.QdrantPort = 6334
	}
	if c.ObjectStore.Backend == "" {
		c.ObjectStore.Backend = "local"
	}
	if c.ObjectStore.LocalPath == "" {
		c.ObjectStore.LocalPath = "data/clusters"
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "memora"
	}
}

func (c *Config) applyEnv() {
	if v, ok := envInt("PGQ_NUM_PARTITIONS"); ok {
		c.Queue.NumPartitions = v
	}
	if v, ok := envInt("PGQ_MAX_TOTAL"); ok {
		c.Queue.MaxTotal = v
	}
	if v, ok := envInt("PGQ_INACTIVE_SEC"); ok {
		c.Queue.InactiveAfter = time.Duration(v) * time.Second
	}
	if v, ok := envInt("EW_MAX_PENDING"); ok {
		c.Worker.MaxPending = v
	}
	if v, ok := envInt("EW_TASK_DEADLINE_SEC"); ok {
		c.Worker.TaskDeadline = time.Duration(v) * time.Second
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		if c.LLM.BoundaryModel == c.LLM.Model {
			c.LLM.BoundaryModel = v
		}
		c.LLM.Model = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v, ok := envInt("EMBED_DIM"); ok {
		c.Embeddings.Dimensions = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.ConnectionString = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
