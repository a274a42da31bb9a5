package services

import (
	"context"

	"github.com/Lllllllleong/flowdoc/internal/models"
)

// DocumentStore is the record store for Document metadata. Get and Update
// return models.ErrRecordNotFound for unknown ids.
type DocumentStore interface {
	Create(ctx context.Context, doc *models.Document) error
	Get(ctx context.Context, id string) (*models.Document, error)
	Update(ctx context.Context, id string, u models.DocumentUpdate) error
	FindByOCRJob(ctx context.Context, jobID string) (*models.Document, error)
}

// BlobStore holds the uploaded bytes.
type BlobStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// RecognitionClient is an asynchronous OCR service with paginated results.
// GetPage with an empty cursor reads from the first page.
type RecognitionClient interface {
	StartJob(ctx context.Context, bucket, key string) (string, error)
	GetPage(ctx context.Context, jobID, cursor string) (models.ResultPage, error)
}

// JobProcessor is implemented by recognition clients whose jobs are run by a
// separate trigger rather than by the service itself.
type JobProcessor interface {
	Process(ctx context.Context, jobID string) error
}

// Cache key layout. Everything cached about a document shares the doc:<id>
// prefix so one pattern invalidates all of it.
func documentCacheKey(id string) string     { return "doc:" + id }
func documentCachePattern(id string) string { return "doc:" + id + "*" }
func schemaCacheKey(id string) string       { return "doc:" + id + ":schema" }
func resultCacheKey(jobID string) string    { return "ocr:results:" + jobID }
