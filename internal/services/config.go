package services

import (
	"fmt"
	"time"

	"github.com/Lllllllleong/flowdoc/internal/gcp"
)

type PipelineConfig struct {
	ProjectID      string
	UploadBucket   string
	CollectionName string
	VertexAIRegion string
	OCRModel       string
	// JobsBucket holds recognition job manifests and results. Defaults to
	// UploadBucket.
	JobsBucket string

	// EnableOCR is the global switch for starting recognition jobs.
	EnableOCR bool
	// TestingMode silences workflow notifications.
	TestingMode bool

	WebhookURL       string
	WebhookAPIKey    string
	WorkflowID       string
	WorkflowLocation string

	RedisAddr string
	RedisDB   int

	DocumentCacheTTL time.Duration
	ResultCacheTTL   time.Duration
	LeaseTTL         time.Duration
	PollInterval     time.Duration
	PageTimeout      time.Duration
	MaxPageRetries   int
	RetryBackoff     time.Duration
	NotifyTimeout    time.Duration
	MaxUploadBytes   int64
}

// DefaultPipelineConfig returns the tunables with their production defaults
// and no cloud resources configured.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		CollectionName:   "documents",
		VertexAIRegion:   "us-central1",
		EnableOCR:        true,
		WorkflowLocation: "us-central1",
		DocumentCacheTTL: 5 * time.Minute,
		ResultCacheTTL:   time.Hour,
		LeaseTTL:         30 * time.Minute,
		PollInterval:     2 * time.Second,
		PageTimeout:      30 * time.Second,
		MaxPageRetries:   4,
		RetryBackoff:     time.Second,
		NotifyTimeout:    5 * time.Second,
		MaxUploadBytes:   16 << 20,
	}
}

// LoadPipelineConfig reads the configuration from the environment.
func LoadPipelineConfig() (PipelineConfig, error) {
	d := DefaultPipelineConfig()
	config := PipelineConfig{
		ProjectID:        gcp.GetEnv("PROJECT_ID", ""),
		UploadBucket:     gcp.GetEnv("UPLOAD_BUCKET", ""),
		CollectionName:   gcp.GetEnv("FIRESTORE_COLLECTION", d.CollectionName),
		VertexAIRegion:   gcp.GetEnv("VERTEX_AI_REGION", d.VertexAIRegion),
		OCRModel:         gcp.GetEnv("OCR_MODEL", ""),
		JobsBucket:       gcp.GetEnv("OCR_JOBS_BUCKET", ""),
		EnableOCR:        gcp.GetEnvBool("FLOWDOC_ENABLE_OCR", d.EnableOCR),
		TestingMode:      gcp.GetEnv("FLOWDOC_ENV", "") == "testing",
		WebhookURL:       gcp.GetEnv("N8N_WEBHOOK_URL", ""),
		WebhookAPIKey:    gcp.GetEnv("N8N_API_KEY", ""),
		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", ""),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", d.WorkflowLocation),
		RedisAddr:        gcp.GetEnv("REDIS_ADDR", ""),
		RedisDB:          gcp.GetEnvInt("REDIS_DB", 0),
		DocumentCacheTTL: gcp.GetEnvDuration("DOCUMENT_CACHE_TTL", d.DocumentCacheTTL),
		ResultCacheTTL:   gcp.GetEnvDuration("RESULT_CACHE_TTL", d.ResultCacheTTL),
		LeaseTTL:         gcp.GetEnvDuration("OCR_LEASE_TTL", d.LeaseTTL),
		PollInterval:     gcp.GetEnvDuration("OCR_POLL_INTERVAL", d.PollInterval),
		PageTimeout:      gcp.GetEnvDuration("OCR_PAGE_TIMEOUT", d.PageTimeout),
		MaxPageRetries:   gcp.GetEnvInt("OCR_MAX_PAGE_RETRIES", d.MaxPageRetries),
		RetryBackoff:     gcp.GetEnvDuration("OCR_RETRY_BACKOFF", d.RetryBackoff),
		NotifyTimeout:    gcp.GetEnvDuration("NOTIFY_TIMEOUT", d.NotifyTimeout),
		MaxUploadBytes:   int64(gcp.GetEnvInt("MAX_UPLOAD_BYTES", int(d.MaxUploadBytes))),
	}
	if config.ProjectID == "" {
		return config, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	if config.UploadBucket == "" {
		return config, fmt.Errorf("UPLOAD_BUCKET environment variable must be set")
	}
	if config.JobsBucket == "" {
		config.JobsBucket = config.UploadBucket
	}
	if config.MaxUploadBytes <= 0 {
		return config, fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", config.MaxUploadBytes)
	}
	return config, nil
}
