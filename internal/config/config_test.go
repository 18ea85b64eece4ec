package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "firestore", cfg.Store.Driver)
	assert.Equal(t, "gcs", cfg.Blob.Driver)
	assert.Equal(t, "cloudtasks", cfg.Dispatch.Driver)
	assert.Equal(t, 10, cfg.Dispatch.PoolSize)
	assert.Equal(t, time.Second, cfg.Dispatch.LocalBackoff)
	assert.Equal(t, "pubsub", cfg.Messaging.Driver)
	assert.Equal(t, "recovery", cfg.Messaging.RecoveryTopic)
	assert.Equal(t, "gemini-1.5-pro", cfg.Extraction.Model)
	assert.InDelta(t, 5.0, cfg.Extraction.RequestsPerSecond, 0.001)
	assert.Equal(t, "us-central1", cfg.Extraction.Region)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.True(t, cfg.Tenant.RetriesEnabled)
	assert.False(t, cfg.Tenant.ExtractConditions)
	assert.True(t, cfg.Ingest.AutoStart)
	assert.Equal(t, "medication_extraction", cfg.Pipeline.OperationType)
	assert.Equal(t, "docflow", cfg.Namespace.Prefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("DOCFLOW_PROJECT_ID", "clinic-prod")
	t.Setenv("DOCFLOW_MESSAGING_DRIVER", "kafka")
	t.Setenv("DOCFLOW_RETRY_MAX_RETRIES", "5")
	t.Setenv("DOCFLOW_TENANT_EXTRACT_ALLERGIES", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "clinic-prod", cfg.Project.ID)
	assert.Equal(t, "kafka", cfg.Messaging.Driver)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.True(t, cfg.Tenant.ExtractAllergies)
}

func TestLoadEnvOnlyKeys(t *testing.T) {
	chdirTemp(t)
	t.Setenv("DOCFLOW_PROJECT_ID", "p")
	t.Setenv("DOCFLOW_BLOB_BUCKET", "my-bucket")
	t.Setenv("DOCFLOW_DISPATCH_BASE_URL", "https://fn.example")
	t.Setenv("DOCFLOW_DISPATCH_AUTH_TOKEN", "secret")
	t.Setenv("DOCFLOW_EXTRACTION_REGION", "europe-west4")
	t.Setenv("DOCFLOW_TENANT_EXTRACT_CONDITIONS", "true")
	t.Setenv("DOCFLOW_MESSAGING_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", cfg.Blob.Bucket)
	assert.Equal(t, "https://fn.example", cfg.Dispatch.BaseURL)
	assert.Equal(t, "secret", cfg.Dispatch.AuthToken)
	assert.Equal(t, "europe-west4", cfg.Extraction.Region)
	assert.True(t, cfg.Tenant.ExtractConditions)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Messaging.KafkaBrokers)
	assert.NoError(t, cfg.Validate())
}

func TestLoadProjectFromCloudFunctionsEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("GOOGLE_CLOUD_PROJECT", "from-runtime")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-runtime", cfg.Project.ID)
}

func TestLoadConfigFile(t *testing.T) {
	dir := chdirTemp(t)
	content := []byte(`
store:
  driver: memory
blob:
  driver: s3
  bucket: docs
  s3_endpoint: http://localhost:9000
messaging:
  kafka_brokers: ["k1:9092", "k2:9092"]
log:
  level: debug
  format: console
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "s3", cfg.Blob.Driver)
	assert.Equal(t, "http://localhost:9000", cfg.Blob.S3Endpoint)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Messaging.KafkaBrokers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	local := Config{
		Store:     StoreConfig{Driver: "memory"},
		Blob:      BlobConfig{Driver: "memory"},
		Dispatch:  DispatchConfig{Driver: "local"},
		Messaging: MessagingConfig{Driver: "memory"},
	}
	assert.NoError(t, local.Validate())

	cloud := local
	cloud.Store.Driver = "firestore"
	assert.ErrorContains(t, cloud.Validate(), "project.id")

	cloud.Project.ID = "p"
	cloud.Blob.Driver = "gcs"
	assert.ErrorContains(t, cloud.Validate(), "blob.bucket")

	cloud.Blob.Bucket = "b"
	cloud.Dispatch.Driver = "cloudtasks"
	assert.ErrorContains(t, cloud.Validate(), "dispatch.base_url")

	cloud.Dispatch.BaseURL = "https://fn.example"
	cloud.Messaging.Driver = "kafka"
	assert.ErrorContains(t, cloud.Validate(), "kafka_brokers")
}

func TestInitLogger(t *testing.T) {
	t.Cleanup(func() { zap.ReplaceGlobals(zap.NewNop()) })

	require.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "console"}))
	assert.False(t, zap.L().Core().Enabled(zap.InfoLevel))
	assert.True(t, zap.L().Core().Enabled(zap.WarnLevel))

	assert.Error(t, InitLogger(LogConfig{Level: "loud"}))
}
