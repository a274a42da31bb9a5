package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/flowdoc/internal/cache"
	"github.com/Lllllllleong/flowdoc/internal/models"
)

// ProcessingResult is what StartProcessing reports back to the caller.
type ProcessingResult struct {
	DocumentID string                `json:"documentId"`
	Status     models.DocumentStatus `json:"status"`
	OCRStatus  models.OCRStatus      `json:"ocrStatus"`
	JobID      string                `json:"jobId,omitempty"`
}

// OCRJobManager decides whether a document goes through recognition and
// starts the job. It drives the uploaded to processing edge and the failure
// edge when a job cannot be started.
type OCRJobManager struct {
	docs       DocumentStore
	recognizer RecognitionClient
	registry   *JobRegistry
	cache      *cache.Cache
	enableOCR  bool
	leaseTTL   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewOCRJobManager(docs DocumentStore, recognizer RecognitionClient, registry *JobRegistry, c *cache.Cache, enableOCR bool, leaseTTL time.Duration, logger *slog.Logger) *OCRJobManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &OCRJobManager{
		docs:       docs,
		recognizer: recognizer,
		registry:   registry,
		cache:      c,
		enableOCR:  enableOCR,
		leaseTTL:   leaseTTL,
		logger:     logger.With("component", "ocr-job-manager"),
		now:        time.Now,
	}
}

// StartProcessing starts recognition for documentID. ownerID scopes the
// lookup; an empty ownerID is an internal caller and sees every document.
func (m *OCRJobManager) StartProcessing(ctx context.Context, documentID, ownerID string) (*ProcessingResult, error) {
	logCtx := m.logger.With("documentId", documentID, "ownerId", ownerID)

	doc, err := m.docs.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
		}
		return nil, fmt.Errorf("failed to load document %s: %w", documentID, err)
	}
	if ownerID != "" && doc.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}

	token, ok := m.registry.Acquire(documentID)
	if !ok {
		doc, token, ok = m.reclaim(ctx, documentID)
		if !ok {
			logCtx.Info("Rejecting start, a job is already in flight.")
			return nil, ErrProcessingAlreadyInProgress
		}
		logCtx.Info("Reclaimed lease of a job finished elsewhere.", "previousJobId", doc.OCRJobID)
	}
	// Another instance may own the job. Trust the record until it goes stale.
	if doc.OCRStatus == models.OCRProcessing && (m.leaseTTL <= 0 || m.now().Sub(doc.UpdatedAt) < m.leaseTTL) {
		m.registry.Release(documentID, token)
		logCtx.Info("Rejecting start, document record shows a job in flight.", "jobId", doc.OCRJobID)
		return nil, ErrProcessingAlreadyInProgress
	}

	if !m.enableOCR || !models.IsSupportedFile(doc.StorageKey) {
		defer m.registry.Release(documentID, token)
		if err := m.docs.Update(ctx, documentID, models.DocumentUpdate{OCRStatus: models.Ptr(models.OCRSkipped)}); err != nil {
			return nil, fmt.Errorf("failed to mark OCR skipped: %w", err)
		}
		m.cache.Invalidate(ctx, documentCachePattern(documentID))
		logCtx.Info("OCR skipped.", "enableOCR", m.enableOCR, "gcsObject", doc.StorageKey)
		return &ProcessingResult{DocumentID: documentID, Status: doc.Status, OCRStatus: models.OCRSkipped}, nil
	}

	jobID, err := m.recognizer.StartJob(ctx, doc.StorageBucket, doc.StorageKey)
	if err != nil {
		m.registry.Release(documentID, token)
		return nil, m.handleStartFailure(ctx, logCtx, documentID, err)
	}
	logCtx = logCtx.With("jobId", jobID)

	job := models.OCRJob{
		JobID:      jobID,
		DocumentID: documentID,
		Bucket:     doc.StorageBucket,
		Key:        doc.StorageKey,
		Status:     models.JobInProgress,
		StartedAt:  m.now().UTC(),
	}
	if err := m.registry.Attach(token, job); err != nil {
		logCtx.Warn("Lease expired before the job was attached.", "error", err)
	}

	update := models.DocumentUpdate{
		Status:    models.Ptr(models.StatusProcessing),
		OCRStatus: models.Ptr(models.OCRProcessing),
		OCRJobID:  models.Ptr(jobID),
	}
	if err := m.docs.Update(ctx, documentID, update); err != nil {
		m.registry.ReleaseJob(jobID)
		logCtx.Error("Failed to record started OCR job.", "error", err)
		return nil, fmt.Errorf("failed to record OCR job %s: %w", jobID, err)
	}
	m.cache.Invalidate(ctx, documentCachePattern(documentID))

	logCtx.Info("OCR job started.")
	return &ProcessingResult{
		DocumentID: documentID,
		Status:     models.StatusProcessing,
		OCRStatus:  models.OCRProcessing,
		JobID:      jobID,
	}, nil
}

// reclaim takes over a held lease when the record shows its job has already
// reached a terminal state, which happens when results were collected by
// another process.
func (m *OCRJobManager) reclaim(ctx context.Context, documentID string) (*models.Document, string, bool) {
	doc, err := m.docs.Get(ctx, documentID)
	if err != nil || doc.OCRJobID == "" || doc.OCRStatus == models.OCRProcessing {
		return nil, "", false
	}
	token, ok := m.registry.Reclaim(documentID, doc.OCRJobID)
	if !ok {
		return nil, "", false
	}
	return doc, token, true
}

func (m *OCRJobManager) handleStartFailure(ctx context.Context, logCtx *slog.Logger, documentID string, cause error) error {
	logCtx.Error("Failed to start OCR job.", "error", cause)
	details := fmt.Sprintf("%s: %v", ErrOCRStartFailed, cause)
	update := models.DocumentUpdate{
		Status:       models.Ptr(models.StatusFailed),
		OCRStatus:    models.Ptr(models.OCRFailed),
		ErrorDetails: &details,
	}
	if err := m.docs.Update(ctx, documentID, update); err != nil {
		logCtx.Error("CRITICAL: Failed to mark document FAILED after OCR start error.", "updateError", err)
	}
	m.cache.Invalidate(ctx, documentCachePattern(documentID))
	return fmt.Errorf("%w: %w", ErrOCRStartFailed, cause)
}
