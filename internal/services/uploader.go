package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/Lllllllleong/flowdoc/internal/cache"
	"github.com/Lllllllleong/flowdoc/internal/models"
)

type UploaderConfig struct {
	Bucket           string
	MaxUploadBytes   int64
	DocumentCacheTTL time.Duration
}

// Uploader stores incoming files and creates their Document records.
type Uploader struct {
	blobs    BlobStore
	docs     DocumentStore
	cache    *cache.Cache
	notifier *Notifier
	config   UploaderConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewUploader(blobs BlobStore, docs DocumentStore, c *cache.Cache, notifier *Notifier, config UploaderConfig, logger *slog.Logger) *Uploader {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = DefaultPipelineConfig().MaxUploadBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		blobs:    blobs,
		docs:     docs,
		cache:    c,
		notifier: notifier,
		config:   config,
		logger:   logger.With("component", "uploader"),
		now:      time.Now,
	}
}

// Upload writes the file to blob storage and creates its Document with status
// uploaded. Either both happen or the caller gets an error and no Document.
func (u *Uploader) Upload(ctx context.Context, r io.Reader, ownerID, filename string) (*models.Document, error) {
	logCtx := u.logger.With("ownerId", ownerID, "filename", filename)

	if ownerID == "" {
		return nil, fmt.Errorf("owner id must be provided")
	}
	if !models.IsSupportedFile(filename) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFileType, filename)
	}
	data, err := io.ReadAll(io.LimitReader(r, u.config.MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > u.config.MaxUploadBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, u.config.MaxUploadBytes)
	}

	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	contentType := models.ContentTypeFor(name)
	key := fmt.Sprintf("uploads/%s/%s_%s", ownerID, uuid.NewString(), name)
	logCtx = logCtx.With("gcsObject", key)

	if err := u.blobs.Put(ctx, u.config.Bucket, key, data, contentType); err != nil {
		logCtx.Error("Failed to store upload.", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	pageCount := 0
	if models.Extension(name) == "pdf" {
		if pageCount, err = countPDFPages(data); err != nil {
			logCtx.Warn("Could not read PDF page count. Continuing.", "error", err)
			pageCount = 0
		}
	}

	now := u.now().UTC()
	doc := &models.Document{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		OriginalFilename: filename,
		ContentType:      contentType,
		StorageBucket:    u.config.Bucket,
		StorageKey:       key,
		PageCount:        pageCount,
		Status:           models.StatusUploaded,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := u.docs.Create(ctx, doc); err != nil {
		logCtx.Error("Failed to create document record. Stored object is orphaned.", "error", err)
		return nil, fmt.Errorf("failed to create document record: %w", err)
	}
	logCtx.Info("Document uploaded.", "documentId", doc.ID, "pageCount", pageCount)

	u.cache.Set(ctx, documentCacheKey(doc.ID), doc, u.config.DocumentCacheTTL)
	u.notifier.Notify(ctx, EventDocumentUploaded, map[string]any{
		"document_id": doc.ID,
		"user_id":     ownerID,
		"filename":    filename,
	})
	return doc, nil
}

var pdfcpuSetup sync.Once

func countPDFPages(data []byte) (n int, err error) {
	pdfcpuSetup.Do(api.DisableConfigDir)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdfcpu panicked: %v", r)
		}
	}()
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return api.PageCount(bytes.NewReader(data), cfg)
}
