// Package config loads the process configuration with viper and sets up the
// global zap logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Project    ProjectConfig    `yaml:"project" mapstructure:"project"`
	Namespace  NamespaceConfig  `yaml:"namespace" mapstructure:"namespace"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Blob       BlobConfig       `yaml:"blob" mapstructure:"blob"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	Messaging  MessagingConfig  `yaml:"messaging" mapstructure:"messaging"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Tenant     TenantDefaults   `yaml:"tenant" mapstructure:"tenant"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// ProjectConfig identifies the cloud project.
type ProjectConfig struct {
	ID       string `yaml:"id" mapstructure:"id"`
	Location string `yaml:"location" mapstructure:"location"`
}

// NamespaceConfig prefixes collection, queue and topic names.
type NamespaceConfig struct {
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
	Env    string `yaml:"env" mapstructure:"env"`
}

// StoreConfig selects the document store: "firestore" or "memory".
type StoreConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"`
	DatabaseID string `yaml:"database_id" mapstructure:"database_id"`
}

// BlobConfig selects the object store: "gcs", "s3" or "memory".
type BlobConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"`
	Bucket     string `yaml:"bucket" mapstructure:"bucket"`
	S3Endpoint string `yaml:"s3_endpoint" mapstructure:"s3_endpoint"`
}

// DispatchConfig selects how stages are enqueued: "cloudtasks", "workflows" or "local".
type DispatchConfig struct {
	Driver       string        `yaml:"driver" mapstructure:"driver"`
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url"`
	AuthToken    string        `yaml:"auth_token" mapstructure:"auth_token"`
	WorkflowID   string        `yaml:"workflow_id" mapstructure:"workflow_id"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	LocalBackoff time.Duration `yaml:"local_backoff" mapstructure:"local_backoff"`
}

// MessagingConfig selects the broker: "pubsub", "kafka" or "memory".
type MessagingConfig struct {
	Driver        string   `yaml:"driver" mapstructure:"driver"`
	RecoveryTopic string   `yaml:"recovery_topic" mapstructure:"recovery_topic"`
	KafkaBrokers  []string `yaml:"kafka_brokers" mapstructure:"kafka_brokers"`
	KafkaGroupID  string   `yaml:"kafka_group_id" mapstructure:"kafka_group_id"`
}

// ExtractionConfig configures the Vertex AI extractor.
type ExtractionConfig struct {
	Region            string  `yaml:"region" mapstructure:"region"`
	Model             string  `yaml:"model" mapstructure:"model"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// RetryConfig bounds recovery attempts.
type RetryConfig struct {
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`
}

// TenantDefaults apply to apps/tenants without a stored TenantConfig.
type TenantDefaults struct {
	ExtractConditions    bool `yaml:"extract_conditions" mapstructure:"extract_conditions"`
	ExtractAllergies     bool `yaml:"extract_allergies" mapstructure:"extract_allergies"`
	ExtractImmunizations bool `yaml:"extract_immunizations" mapstructure:"extract_immunizations"`
	RetriesEnabled       bool `yaml:"retries_enabled" mapstructure:"retries_enabled"`
}

// IngestConfig configures upload ingestion.
type IngestConfig struct {
	AutoStart bool   `yaml:"auto_start" mapstructure:"auto_start"`
	Priority  string `yaml:"priority" mapstructure:"priority"`
}

// PipelineConfig configures the orchestration engine.
type PipelineConfig struct {
	OperationType     string `yaml:"operation_type" mapstructure:"operation_type"`
	UploadConcurrency int    `yaml:"upload_concurrency" mapstructure:"upload_concurrency"`
	DefinitionsFile   string `yaml:"definitions_file" mapstructure:"definitions_file"`
	TempDir           string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DOCFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Cloud Functions sets GOOGLE_CLOUD_PROJECT.
	if err := v.BindEnv("project.id", "DOCFLOW_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"); err != nil {
		return nil, eris.Wrap(err, "config: bind project env")
	}

	v.SetDefault("project.location", "us-central1")
	v.SetDefault("namespace.prefix", "docflow")
	v.SetDefault("namespace.env", "dev")
	v.SetDefault("store.driver", "firestore")
	v.SetDefault("blob.driver", "gcs")
	v.SetDefault("dispatch.driver", "cloudtasks")
	v.SetDefault("dispatch.workflow_id", "docflow-task-relay")
	v.SetDefault("dispatch.pool_size", 10)
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.local_backoff", time.Second)
	v.SetDefault("messaging.driver", "pubsub")
	v.SetDefault("messaging.recovery_topic", "recovery")
	v.SetDefault("messaging.kafka_group_id", "docflow-recovery")
	v.SetDefault("extraction.model", "gemini-1.5-pro")
	v.SetDefault("extraction.requests_per_second", 5)
	v.SetDefault("extraction.burst", 1)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("tenant.retries_enabled", true)
	v.SetDefault("ingest.auto_start", true)
	v.SetDefault("ingest.priority", "normal")
	v.SetDefault("pipeline.operation_type", "medication_extraction")
	v.SetDefault("pipeline.upload_concurrency", 10)
	v.SetDefault("pipeline.definitions_file", "config/definitions.yaml")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// AutomaticEnv only reaches keys viper knows, so register the rest with zero values.
	for _, key := range []string{
		"store.database_id",
		"blob.bucket",
		"blob.s3_endpoint",
		"dispatch.base_url",
		"dispatch.auth_token",
		"extraction.region",
		"pipeline.temp_dir",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("messaging.kafka_brokers", []string{})
	v.SetDefault("tenant.extract_conditions", false)
	v.SetDefault("tenant.extract_allergies", false)
	v.SetDefault("tenant.extract_immunizations", false)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if cfg.Extraction.Region == "" {
		cfg.Extraction.Region = cfg.Project.Location
	}
	return &cfg, nil
}

// Validate checks the settings the cloud adapters cannot run without.
func (c *Config) Validate() error {
	needsProject := c.Store.Driver == "firestore" || c.Dispatch.Driver != "local" || c.Messaging.Driver == "pubsub"
	if needsProject && c.Project.ID == "" {
		return eris.New("config: project.id must be set (DOCFLOW_PROJECT_ID)")
	}
	if c.Blob.Driver != "memory" && c.Blob.Bucket == "" {
		return eris.New("config: blob.bucket must be set (DOCFLOW_BLOB_BUCKET)")
	}
	if c.Dispatch.Driver != "local" && c.Dispatch.BaseURL == "" {
		return eris.New("config: dispatch.base_url must be set (DOCFLOW_DISPATCH_BASE_URL)")
	}
	if c.Messaging.Driver == "kafka" && len(c.Messaging.KafkaBrokers) == 0 {
		return eris.New("config: messaging.kafka_brokers must be set for the kafka driver")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
