package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/flowdoc/internal/cache"
	"github.com/Lllllllleong/flowdoc/internal/gcp"
	"github.com/Lllllllleong/flowdoc/internal/models"
)

// Dependencies are the external collaborators a Pipeline runs against.
type Dependencies struct {
	Documents  DocumentStore
	Blobs      BlobStore
	Recognizer RecognitionClient
	Cache      *cache.Cache
	Sinks      []Sink
	Logger     *slog.Logger
}

// Pipeline wires upload, OCR start, result collection and schema inference
// for documents.
type Pipeline struct {
	config     PipelineConfig
	docs       DocumentStore
	blobs      BlobStore
	recognizer RecognitionClient
	cache      *cache.Cache
	registry   *JobRegistry
	uploader   *Uploader
	jobs       *OCRJobManager
	aggregator *ResultAggregator
	logger     *slog.Logger
	closers    []func() error
}

func NewPipelineWith(config PipelineConfig, deps Dependencies) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := NewNotifier(config.NotifyTimeout, config.TestingMode, logger, deps.Sinks...)
	registry := NewJobRegistry(config.LeaseTTL)

	uploader := NewUploader(deps.Blobs, deps.Documents, deps.Cache, notifier, UploaderConfig{
		Bucket:           config.UploadBucket,
		MaxUploadBytes:   config.MaxUploadBytes,
		DocumentCacheTTL: config.DocumentCacheTTL,
	}, logger)
	jobs := NewOCRJobManager(deps.Documents, deps.Recognizer, registry, deps.Cache, config.EnableOCR, config.LeaseTTL, logger)
	aggregator := NewResultAggregator(deps.Documents, deps.Recognizer, registry, deps.Cache, notifier, AggregatorConfig{
		PollInterval:   config.PollInterval,
		PageTimeout:    config.PageTimeout,
		MaxPageRetries: config.MaxPageRetries,
		RetryBackoff:   config.RetryBackoff,
		ResultCacheTTL: config.ResultCacheTTL,
		CollectTimeout: config.LeaseTTL,
	}, logger)

	return &Pipeline{
		config:     config,
		docs:       deps.Documents,
		blobs:      deps.Blobs,
		recognizer: deps.Recognizer,
		cache:      deps.Cache,
		registry:   registry,
		uploader:   uploader,
		jobs:       jobs,
		aggregator: aggregator,
		logger:     logger.With("component", "pipeline"),
	}
}

// NewPipeline builds a Pipeline on Firestore, Cloud Storage and Vertex AI from
// the environment. Redis, the webhook and the workflow sink are optional.
func NewPipeline(ctx context.Context) (*Pipeline, error) {
	config, err := LoadPipelineConfig()
	if err != nil {
		return nil, err
	}
	var closers []func() error

	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	closers = append(closers, firestoreClient.Close)

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	closers = append(closers, storageClient.Close)

	vertexClient, err := gcp.NewVertexClient(ctx, config.ProjectID, config.VertexAIRegion, config.OCRModel)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}
	closers = append(closers, vertexClient.Close)

	var sinks []Sink
	if config.WebhookURL != "" {
		sinks = append(sinks, NewWebhookSink(config.WebhookURL, config.WebhookAPIKey, config.NotifyTimeout))
	}
	if config.WorkflowID != "" {
		executionsClient, err := executions.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
		}
		closers = append(closers, executionsClient.Close)
		sinks = append(sinks, gcp.NewExecutionSink(executionsClient, config.ProjectID, config.WorkflowLocation, config.WorkflowID))
	}

	var backend cache.Backend
	if config.RedisAddr != "" {
		rdb, err := cache.NewRedisClient(ctx, config.RedisAddr, config.RedisDB)
		if err != nil {
			slog.Warn("Cache unavailable, continuing without it.", "redisAddr", config.RedisAddr, "error", err)
		} else {
			closers = append(closers, rdb.Close)
			backend = cache.NewRedisBackend(rdb)
		}
	}

	blobs := gcp.NewGCSBlobStore(storageClient, 0)
	recognizer := gcp.NewVertexRecognizer(vertexClient, blobs, gcp.RecognizerConfig{Bucket: config.JobsBucket})

	p := NewPipelineWith(config, Dependencies{
		Documents:  gcp.NewFirestoreDocumentStore(firestoreClient, config.CollectionName),
		Blobs:      blobs,
		Recognizer: recognizer,
		Cache:      cache.New(backend, nil),
		Sinks:      sinks,
	})
	p.closers = closers
	slog.Info("Pipeline initialized.", "uploadBucket", config.UploadBucket, "jobsBucket", config.JobsBucket, "enableOCR", config.EnableOCR, "sinkCount", len(sinks), "cacheEnabled", backend != nil)
	return p, nil
}

// Config returns the configuration the pipeline was built with.
func (p *Pipeline) Config() PipelineConfig { return p.config }

// Close releases the clients opened by NewPipeline.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	return errors.Join(errs...)
}

// Ingest uploads a file for ownerID and creates its Document.
func (p *Pipeline) Ingest(ctx context.Context, r io.Reader, ownerID, filename string) (*models.Document, error) {
	return p.uploader.Upload(ctx, r, ownerID, filename)
}

// Start starts OCR processing for a document owned by ownerID.
func (p *Pipeline) Start(ctx context.Context, documentID, ownerID string) (*ProcessingResult, error) {
	return p.jobs.StartProcessing(ctx, documentID, ownerID)
}

// ProcessJob runs recognition for a started job. It is a no-op for
// recognizers that do their own processing.
func (p *Pipeline) ProcessJob(ctx context.Context, jobID string) error {
	processor, ok := p.recognizer.(JobProcessor)
	if !ok {
		return nil
	}
	return processor.Process(ctx, jobID)
}

// Complete collects the results of jobID, infers the form schema on success
// and returns the document in its terminal state. A job that is no longer the
// document's current one leaves the document as it is.
func (p *Pipeline) Complete(ctx context.Context, jobID string) (*models.Document, error) {
	result, err := p.aggregator.CollectResults(ctx, jobID)
	if err != nil {
		return nil, err
	}
	logCtx := p.logger.With("jobId", jobID, "documentId", result.DocumentID)

	doc, err := p.docs.Get(ctx, result.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload document %s: %w", result.DocumentID, err)
	}
	if doc.OCRJobID != jobID {
		logCtx.Warn("SKIPPING: Job has been superseded, document left unchanged.", "currentJobId", doc.OCRJobID)
		return doc, nil
	}
	if !result.Succeeded() {
		return doc, nil
	}

	schema := InferSchema(result.Blocks)
	if err := p.docs.Update(ctx, result.DocumentID, models.DocumentUpdate{FormSchema: &schema}); err != nil {
		return nil, fmt.Errorf("failed to save form schema: %w", err)
	}
	p.cache.Invalidate(ctx, documentCachePattern(result.DocumentID))
	p.cache.Set(ctx, schemaCacheKey(result.DocumentID), schema, p.config.DocumentCacheTTL)
	logCtx.Info("Form schema inferred.", "elementCount", len(schema.Elements))

	doc.FormSchema = &schema
	return doc, nil
}

// Run takes one file through the whole pipeline and returns the final
// Document. Documents whose OCR is skipped come back in their uploaded state.
func (p *Pipeline) Run(ctx context.Context, r io.Reader, ownerID, filename string) (*models.Document, error) {
	doc, err := p.Ingest(ctx, r, ownerID, filename)
	if err != nil {
		return nil, err
	}
	started, err := p.Start(ctx, doc.ID, ownerID)
	if err != nil {
		return nil, err
	}
	if started.JobID == "" {
		return p.GetDocument(ctx, doc.ID, ownerID)
	}
	if err := p.ProcessJob(ctx, started.JobID); err != nil {
		return nil, fmt.Errorf("failed to run recognition job %s: %w", started.JobID, err)
	}
	return p.Complete(ctx, started.JobID)
}

// GetDocument reads a document through the cache. Documents owned by someone
// other than ownerID are reported as not found.
func (p *Pipeline) GetDocument(ctx context.Context, documentID, ownerID string) (*models.Document, error) {
	var doc models.Document
	if !p.cache.Get(ctx, documentCacheKey(documentID), &doc) {
		stored, err := p.docs.Get(ctx, documentID)
		if err != nil {
			if errors.Is(err, models.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
			}
			return nil, fmt.Errorf("failed to load document %s: %w", documentID, err)
		}
		doc = *stored
		p.cache.Set(ctx, documentCacheKey(documentID), doc, p.config.DocumentCacheTTL)
	}
	if ownerID != "" && doc.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	return &doc, nil
}

// DownloadOriginal returns the stored bytes of a document.
func (p *Pipeline) DownloadOriginal(ctx context.Context, documentID, ownerID string) ([]byte, *models.Document, error) {
	doc, err := p.GetDocument(ctx, documentID, ownerID)
	if err != nil {
		return nil, nil, err
	}
	data, err := p.blobs.Get(ctx, doc.StorageBucket, doc.StorageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return data, doc, nil
}

// BatchItem is one file submitted to RunBatch.
type BatchItem struct {
	OwnerID  string
	Filename string
	Content  io.Reader
}

// BatchResult is the outcome of one BatchItem. Exactly one of Document and
// Err is set.
type BatchResult struct {
	Filename string
	Document *models.Document
	Err      error
}

// RunBatch runs independent files through the pipeline in parallel, at most
// limit at a time. One file failing does not stop the others; results are in
// input order.
func (p *Pipeline) RunBatch(ctx context.Context, items []BatchItem, limit int) []BatchResult {
	if limit <= 0 {
		limit = 4
	}
	results := make([]BatchResult, len(items))

	var eg errgroup.Group
	eg.SetLimit(limit)
	for i, item := range items {
		eg.Go(func() error {
			doc, err := p.Run(ctx, item.Content, item.OwnerID, item.Filename)
			results[i] = BatchResult{Filename: item.Filename, Document: doc, Err: err}
			return nil
		})
	}
	_ = eg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	p.logger.Info("Batch finished.", "itemCount", len(items), "failedCount", failed)
	return results
}
