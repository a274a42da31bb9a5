package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Lllllllleong/flowdoc/internal/cache"
	"github.com/Lllllllleong/flowdoc/internal/models"
)

type AggregatorConfig struct {
	// PollInterval is the wait between polls while the job is still running.
	PollInterval time.Duration
	// PageTimeout bounds each page fetch and the terminal bookkeeping writes.
	PageTimeout    time.Duration
	MaxPageRetries int
	RetryBackoff   time.Duration
	ResultCacheTTL time.Duration
	// CollectTimeout bounds a whole collection, polling included.
	CollectTimeout time.Duration
}

// CollectedResult is the merged output of one recognition job.
type CollectedResult struct {
	JobID      string           `json:"jobId"`
	DocumentID string           `json:"documentId"`
	Status     models.JobStatus `json:"status"`
	Blocks     []models.Block   `json:"blocks"`
	Confidence *float64         `json:"confidence,omitempty"`
}

// Succeeded reports whether the service finished the job successfully.
func (r *CollectedResult) Succeeded() bool { return r.Status == models.JobSucceeded }

// ResultAggregator pages a job's results to completion and drives the
// document into its terminal state.
type ResultAggregator struct {
	docs       DocumentStore
	recognizer RecognitionClient
	registry   *JobRegistry
	cache      *cache.Cache
	notifier   *Notifier
	config     AggregatorConfig
	logger     *slog.Logger
	group      singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the shared context of one collection loop. It is cancelled when
// the last caller waiting on it gives up.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	callers int
}

func NewResultAggregator(docs DocumentStore, recognizer RecognitionClient, registry *JobRegistry, c *cache.Cache, notifier *Notifier, config AggregatorConfig, logger *slog.Logger) *ResultAggregator {
	d := DefaultPipelineConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = d.PollInterval
	}
	if config.PageTimeout <= 0 {
		config.PageTimeout = d.PageTimeout
	}
	if config.MaxPageRetries <= 0 {
		config.MaxPageRetries = 1
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = d.RetryBackoff
	}
	if config.ResultCacheTTL <= 0 {
		config.ResultCacheTTL = d.ResultCacheTTL
	}
	if config.CollectTimeout <= 0 {
		config.CollectTimeout = d.LeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultAggregator{
		docs:       docs,
		recognizer: recognizer,
		registry:   registry,
		cache:      c,
		notifier:   notifier,
		config:     config,
		logger:     logger.With("component", "result-aggregator"),
		flights:    make(map[string]*flight),
	}
}

// CollectResults returns the merged blocks of jobID in the order the service
// returned them. Concurrent calls for the same job share one paging loop,
// which keeps running while any caller still waits on it and stops after
// CollectTimeout. Partial results are never returned: any failure before the
// last page marks the document failed and yields ErrRecognitionUnavailable or
// the context error.
func (a *ResultAggregator) CollectResults(ctx context.Context, jobID string) (*CollectedResult, error) {
	var cached CollectedResult
	if a.cache.Get(ctx, resultCacheKey(jobID), &cached) {
		return &cached, nil
	}

	fl := a.join(ctx, jobID)
	ch := a.group.DoChan(jobID, func() (any, error) {
		return a.collect(fl.ctx, jobID)
	})

	select {
	case res := <-ch:
		a.leave(jobID, fl)
		if res.Err != nil {
			return nil, res.Err
		}
		shared := res.Val.(*CollectedResult)
		out := *shared
		out.Blocks = slices.Clone(shared.Blocks)
		return &out, nil
	case <-ctx.Done():
		if a.leave(jobID, fl) {
			// The loop was abandoned. Wait for it to record the failure.
			<-ch
		}
		return nil, ctx.Err()
	}
}

func (a *ResultAggregator) join(ctx context.Context, jobID string) *flight {
	a.mu.Lock()
	defer a.mu.Unlock()

	fl, ok := a.flights[jobID]
	if !ok {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.CollectTimeout)
		fl = &flight{ctx: runCtx, cancel: cancel}
		a.flights[jobID] = fl
	}
	fl.callers++
	return fl
}

// leave reports whether the caller was the last one on fl, in which case the
// loop is cancelled.
func (a *ResultAggregator) leave(jobID string, fl *flight) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	fl.callers--
	if fl.callers > 0 {
		return false
	}
	fl.cancel()
	if a.flights[jobID] == fl {
		delete(a.flights, jobID)
		a.group.Forget(jobID)
	}
	return true
}

func (a *ResultAggregator) collect(ctx context.Context, jobID string) (*CollectedResult, error) {
	logCtx := a.logger.With("jobId", jobID)

	documentID, err := a.documentFor(ctx, jobID)
	if err != nil {
		return nil, err
	}
	logCtx = logCtx.With("documentId", documentID)
	logCtx.Info("Collecting recognition results.")

	blocks, status, err := a.pageThrough(ctx, logCtx, jobID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			err = fmt.Errorf("job %s did not finish within %s: %w", jobID, a.config.CollectTimeout, err)
		}
		return nil, a.fail(ctx, logCtx, documentID, jobID, err)
	}

	result := &CollectedResult{
		JobID:      jobID,
		DocumentID: documentID,
		Status:     status,
		Blocks:     blocks,
		Confidence: lineConfidence(blocks),
	}

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.PageTimeout)
	defer cancel()

	a.cache.Set(finishCtx, resultCacheKey(jobID), result, a.config.ResultCacheTTL)

	update := models.DocumentUpdate{
		Status:    models.Ptr(models.StatusProcessed),
		OCRStatus: models.Ptr(models.OCRComplete),
	}
	if !result.Succeeded() {
		details := fmt.Sprintf("recognition job %s finished with status %s", jobID, status)
		update = models.DocumentUpdate{
			Status:       models.Ptr(models.StatusFailed),
			OCRStatus:    models.Ptr(models.OCRFailed),
			ErrorDetails: &details,
		}
	}
	update.OCRConfidence = result.Confidence
	update.ClearOCRConfidence = result.Confidence == nil
	updateErr := a.docs.Update(finishCtx, documentID, update)
	if updateErr != nil {
		logCtx.Error("CRITICAL: Failed to record recognition outcome.", "updateError", updateErr)
	}

	a.registry.ReleaseJob(jobID)
	a.cache.Invalidate(finishCtx, documentCachePattern(documentID))
	a.notifier.Notify(finishCtx, EventOCRCompleted, map[string]any{
		"document_id": documentID,
		"job_id":      jobID,
		"success":     result.Succeeded() && updateErr == nil,
	})

	if updateErr != nil {
		return nil, fmt.Errorf("failed to record results of job %s: %w", jobID, updateErr)
	}
	logCtx.Info("Recognition results collected.", "status", status, "blockCount", len(blocks))
	return result, nil
}

func (a *ResultAggregator) documentFor(ctx context.Context, jobID string) (string, error) {
	if job, ok := a.registry.Job(jobID); ok {
		return job.DocumentID, nil
	}
	doc, err := a.docs.FindByOCRJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: no document for job %s", ErrDocumentNotFound, jobID)
		}
		return "", fmt.Errorf("failed to resolve document for job %s: %w", jobID, err)
	}
	return doc.ID, nil
}

// pageThrough reads pages until the cursor runs out. Cancellation is checked
// between pages only; a page fetch in flight runs to its own timeout.
func (a *ResultAggregator) pageThrough(ctx context.Context, logCtx *slog.Logger, jobID string) ([]models.Block, models.JobStatus, error) {
	var blocks []models.Block
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		page, err := a.fetchPage(ctx, logCtx, jobID, cursor)
		if err != nil {
			return nil, "", err
		}

		if page.Status == models.JobInProgress && page.NextCursor == "" {
			blocks, cursor = nil, ""
			a.registry.Track(jobID, "", models.JobInProgress)
			select {
			case <-time.After(a.config.PollInterval):
				continue
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
		}

		blocks = append(blocks, page.Blocks...)
		if page.NextCursor == "" {
			status := page.Status
			if status == "" {
				status = models.JobSucceeded
			}
			a.registry.Track(jobID, "", status)
			return blocks, status, nil
		}
		cursor = page.NextCursor
		a.registry.Track(jobID, cursor, page.Status)
	}
}

func (a *ResultAggregator) fetchPage(ctx context.Context, logCtx *slog.Logger, jobID, cursor string) (models.ResultPage, error) {
	backoff := a.config.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= a.config.MaxPageRetries; attempt++ {
		pageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.PageTimeout)
		page, err := a.recognizer.GetPage(pageCtx, jobID, cursor)
		cancel()
		if err == nil {
			return page, nil
		}
		if errors.Is(err, models.ErrJobNotFound) {
			return models.ResultPage{}, fmt.Errorf("%w: %w", ErrRecognitionUnavailable, err)
		}
		lastErr = err
		if attempt == a.config.MaxPageRetries {
			break
		}

		logCtx.Warn(
			"Page fetch failed, will retry.",
			"attempt", attempt,
			"maxRetries", a.config.MaxPageRetries,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			logCtx.Error("Context cancelled during backoff. Aborting retries.", "error", ctx.Err())
			return models.ResultPage{}, ctx.Err()
		}
	}
	return models.ResultPage{}, fmt.Errorf("%w: page fetch for job %s failed after %d attempts: %w",
		ErrRecognitionUnavailable, jobID, a.config.MaxPageRetries, lastErr)
}

// fail drives the document to failed after an aborted collection. The
// accumulated blocks are already gone by the time it runs.
func (a *ResultAggregator) fail(ctx context.Context, logCtx *slog.Logger, documentID, jobID string, cause error) error {
	logCtx.Error("Result collection failed.", "error", cause)

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.PageTimeout)
	defer cancel()

	details := cause.Error()
	update := models.DocumentUpdate{
		Status:       models.Ptr(models.StatusFailed),
		OCRStatus:    models.Ptr(models.OCRFailed),
		ErrorDetails: &details,
	}
	if err := a.docs.Update(finishCtx, documentID, update); err != nil {
		logCtx.Error("CRITICAL: Failed to update Firestore status to FAILED after a processing error.", "updateError", err)
	}
	a.registry.ReleaseJob(jobID)
	a.cache.Invalidate(finishCtx, documentCachePattern(documentID))
	a.notifier.Notify(finishCtx, EventOCRCompleted, map[string]any{
		"document_id": documentID,
		"job_id":      jobID,
		"success":     false,
	})
	return cause
}

// lineConfidence averages the confidence of LINE blocks that report one.
func lineConfidence(blocks []models.Block) *float64 {
	var sum float64
	n := 0
	for _, b := range blocks {
		if b.Type == models.BlockLine && b.Confidence != nil {
			sum += *b.Confidence
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}
