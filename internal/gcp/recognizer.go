package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"github.com/google/uuid"

	"github.com/Lllllllleong/flowdoc/internal/models"
)

// contentGenerator is the slice of *genai.GenerativeModel the recognizer uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// ObjectStore is where job manifests and results are kept. Get reports
// missing objects with models.ErrObjectNotFound. Put must not overwrite an
// existing object.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// Object prefixes inside the jobs bucket. A manifest is written when a job is
// started and a result when it finishes; both are written once.
const (
	JobManifestPrefix = "ocr-jobs/"
	JobResultPrefix   = "ocr-results/"
)

func jobManifestKey(jobID string) string { return JobManifestPrefix + jobID + ".json" }
func jobResultKey(jobID string) string   { return JobResultPrefix + jobID + ".json" }

// JobIDFromManifest returns the job id of a manifest object name.
func JobIDFromManifest(name string) (string, bool) { return jobIDFrom(name, JobManifestPrefix) }

// JobIDFromResult returns the job id of a result object name.
func JobIDFromResult(name string) (string, bool) { return jobIDFrom(name, JobResultPrefix) }

func jobIDFrom(name, prefix string) (string, bool) {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

type RecognizerConfig struct {
	// Bucket holds job manifests and results.
	Bucket string
	// PageSize is the number of blocks returned per GetPage call.
	PageSize int
	// JobTimeout bounds a single model call.
	JobTimeout time.Duration
	// Retention is how long a loaded result stays in memory.
	Retention time.Duration
}

// VertexRecognizer runs text detection on Gemini behind an asynchronous,
// paginated job API. StartJob only records a manifest; Process does the
// recognition and writes the result. Both live in the object store, so any
// instance can start, run or read a job.
type VertexRecognizer struct {
	model   contentGenerator
	objects ObjectStore
	config  RecognizerConfig
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	finished map[string]*loadedResult
}

// jobManifest describes a job that has been started.
type jobManifest struct {
	JobID     string    `json:"jobId"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	MIMEType  string    `json:"mimeType"`
	CreatedAt time.Time `json:"createdAt"`
}

// jobResult is the terminal outcome of a job.
type jobResult struct {
	JobID      string           `json:"jobId"`
	Status     models.JobStatus `json:"status"`
	Blocks     []models.Block   `json:"blocks"`
	Error      string           `json:"error,omitempty"`
	FinishedAt time.Time        `json:"finishedAt"`
}

type loadedResult struct {
	result   *jobResult
	loadedAt time.Time
}

// recognizedLine is the JSON shape requested by RecognitionUserPrompt.
type recognizedLine struct {
	Text        string   `json:"text"`
	Page        int      `json:"page"`
	Confidence  *float64 `json:"confidence"`
	BoundingBox *struct {
		Left   float64 `json:"left"`
		Top    float64 `json:"top"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	} `json:"boundingBox"`
}

func NewVertexRecognizer(client *VertexClient, objects ObjectStore, config RecognizerConfig) *VertexRecognizer {
	return newVertexRecognizer(client.RecognitionModel, objects, config)
}

func newVertexRecognizer(model contentGenerator, objects ObjectStore, config RecognizerConfig) *VertexRecognizer {
	if config.PageSize <= 0 {
		config.PageSize = 100
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 5 * time.Minute
	}
	if config.Retention <= 0 {
		config.Retention = time.Hour
	}
	return &VertexRecognizer{
		model:    model,
		objects:  objects,
		config:   config,
		logger:   slog.Default().With("component", "vertex-recognizer"),
		now:      time.Now,
		finished: make(map[string]*loadedResult),
	}
}

// StartJob records a manifest for bucket/key and returns the new job id. The
// manifest write is what triggers Process.
func (r *VertexRecognizer) StartJob(ctx context.Context, bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", fmt.Errorf("bucket and key must be provided")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !models.IsSupportedFile(key) {
		return "", fmt.Errorf("unsupported document type for recognition: %s", key)
	}

	manifest := jobManifest{
		JobID:     uuid.NewString(),
		Bucket:    bucket,
		Key:       key,
		MIMEType:  models.ContentTypeFor(key),
		CreatedAt: r.now().UTC(),
	}
	if err := r.putJSON(ctx, jobManifestKey(manifest.JobID), manifest); err != nil {
		return "", fmt.Errorf("failed to record recognition job: %w", err)
	}
	r.logger.Info("Recognition job started.", "jobId", manifest.JobID, "gcsBucket", bucket, "gcsObject", key)
	return manifest.JobID, nil
}

// Process runs recognition for jobID and writes its result. A job that
// already has a result is left alone, so redelivered triggers are harmless.
// Model failures are recorded as a failed job; only storage errors are
// returned.
func (r *VertexRecognizer) Process(ctx context.Context, jobID string) error {
	logCtx := r.logger.With("jobId", jobID)

	if _, err := r.loadResult(ctx, jobID); err == nil {
		logCtx.Info("SKIPPING: Recognition job already has a result.")
		return nil
	} else if !errors.Is(err, models.ErrObjectNotFound) {
		return err
	}

	var manifest jobManifest
	if err := r.getJSON(ctx, jobManifestKey(jobID), &manifest); err != nil {
		if errors.Is(err, models.ErrObjectNotFound) {
			return fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
		}
		return fmt.Errorf("failed to read manifest of job %s: %w", jobID, err)
	}
	uri := GCSURI(manifest.Bucket, manifest.Key)
	logCtx = logCtx.With("gcsUri", uri)

	runCtx, cancel := context.WithTimeout(ctx, r.config.JobTimeout)
	blocks, err := r.recognize(runCtx, uri, manifest.MIMEType)
	cancel()

	result := jobResult{JobID: jobID, Status: models.JobSucceeded, Blocks: blocks}
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("recognition of job %s interrupted: %w", jobID, ctx.Err())
		}
		logCtx.Error("Recognition job failed.", "error", err)
		result = jobResult{JobID: jobID, Status: models.JobFailed, Error: err.Error()}
	}
	if result.Blocks == nil {
		result.Blocks = []models.Block{}
	}
	result.FinishedAt = r.now().UTC()

	if err := r.putJSON(ctx, jobResultKey(jobID), result); err != nil {
		return fmt.Errorf("failed to record result of job %s: %w", jobID, err)
	}
	logCtx.Info("Recognition job complete.", "status", result.Status, "blockCount", len(result.Blocks))
	return nil
}

// GetPage returns the blocks after cursor. An empty cursor starts at the top.
// A job with a manifest but no result is still in progress.
func (r *VertexRecognizer) GetPage(ctx context.Context, jobID, cursor string) (models.ResultPage, error) {
	if err := ctx.Err(); err != nil {
		return models.ResultPage{}, err
	}
	result, err := r.loadResult(ctx, jobID)
	if errors.Is(err, models.ErrObjectNotFound) {
		var manifest jobManifest
		if mErr := r.getJSON(ctx, jobManifestKey(jobID), &manifest); mErr != nil {
			if errors.Is(mErr, models.ErrObjectNotFound) {
				return models.ResultPage{}, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
			}
			return models.ResultPage{}, fmt.Errorf("failed to read manifest of job %s: %w", jobID, mErr)
		}
		return models.ResultPage{Status: models.JobInProgress}, nil
	}
	if err != nil {
		return models.ResultPage{}, err
	}
	if result.Status != models.JobSucceeded {
		return models.ResultPage{Status: result.Status}, nil
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(result.Blocks) {
			return models.ResultPage{}, fmt.Errorf("invalid cursor %q for job %s", cursor, jobID)
		}
		offset = n
	}
	end := min(offset+r.config.PageSize, len(result.Blocks))
	page := models.ResultPage{
		Blocks: append([]models.Block(nil), result.Blocks[offset:end]...),
		Status: models.JobSucceeded,
	}
	if end < len(result.Blocks) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// loadResult reads a finished job's result. Results never change once
// written, so they are kept in memory for the retention period.
func (r *VertexRecognizer) loadResult(ctx context.Context, jobID string) (*jobResult, error) {
	r.mu.Lock()
	now := r.now()
	r.sweepLocked(now)
	if loaded, ok := r.finished[jobID]; ok {
		r.mu.Unlock()
		return loaded.result, nil
	}
	r.mu.Unlock()

	var result jobResult
	if err := r.getJSON(ctx, jobResultKey(jobID), &result); err != nil {
		if errors.Is(err, models.ErrObjectNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read result of job %s: %w", jobID, err)
	}

	r.mu.Lock()
	r.finished[jobID] = &loadedResult{result: &result, loadedAt: now}
	r.mu.Unlock()
	return &result, nil
}

func (r *VertexRecognizer) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return r.objects.Put(ctx, r.config.Bucket, key, data, "application/json")
}

func (r *VertexRecognizer) getJSON(ctx context.Context, key string, v any) error {
	data, err := r.objects.Get(ctx, r.config.Bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (r *VertexRecognizer) recognize(ctx context.Context, uri, mimeType string) ([]models.Block, error) {
	resp, err := r.model.GenerateContent(ctx,
		genai.FileData{MIMEType: mimeType, FileURI: uri},
		genai.Text(RecognitionUserPrompt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content from gemini: %w", err)
	}
	raw := extractJSONContent(resp)
	if raw == "" {
		return nil, fmt.Errorf("gemini returned an empty response instead of JSON for %s", uri)
	}
	if isRefusal(raw) {
		return nil, fmt.Errorf("gemini response indicates refusal for %s", uri)
	}
	var lines []recognizedLine
	if err := json.Unmarshal([]byte(raw), &lines); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from model for %s: %w", uri, err)
	}

	blocks := make([]models.Block, 0, len(lines))
	for _, line := range lines {
		b := models.Block{
			Text:       line.Text,
			Type:       models.BlockLine,
			Page:       line.Page,
			Confidence: line.Confidence,
		}
		if line.BoundingBox != nil {
			b.Geometry = &models.Geometry{BoundingBox: models.BoundingBox{
				Left:   line.BoundingBox.Left,
				Top:    line.BoundingBox.Top,
				Width:  line.BoundingBox.Width,
				Height: line.BoundingBox.Height,
			}}
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func (r *VertexRecognizer) sweepLocked(now time.Time) {
	for id, loaded := range r.finished {
		if now.Sub(loaded.loadedAt) > r.config.Retention {
			delete(r.finished, id)
		}
	}
}

// extractJSONContent robustly gets the raw text content from the model response.
func extractJSONContent(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	// Clean potential markdown fences just in case
	cleanJSON := strings.TrimSpace(sb.String())
	cleanJSON = strings.TrimPrefix(cleanJSON, "```json")
	cleanJSON = strings.TrimPrefix(cleanJSON, "```")
	cleanJSON = strings.TrimSuffix(cleanJSON, "```")
	return strings.TrimSpace(cleanJSON)
}

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

// isRefusal reports whether the model answered with prose instead of
// transcribing. Transcribed text can contain these phrases, so only replies
// that are not a JSON array are checked.
func isRefusal(raw string) bool {
	if strings.HasPrefix(raw, "[") {
		return false
	}
	lower := strings.ToLower(raw)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
