package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/Lllllllleong/flowdoc/internal/models"
)

// GCSBlobStore keeps uploaded documents in Cloud Storage.
type GCSBlobStore struct {
	client       *storage.Client
	writeTimeout time.Duration
}

func NewGCSBlobStore(client *storage.Client, writeTimeout time.Duration) *GCSBlobStore {
	if writeTimeout <= 0 {
		writeTimeout = 50 * time.Second
	}
	return &GCSBlobStore{client: client, writeTimeout: writeTimeout}
}

// Put writes data to gs://bucket/key only if the object does not already
// exist. Keys carry a random token, so an existing object means a retried
// write of the same upload and is treated as success.
func (s *GCSBlobStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	writer := s.client.Bucket(bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(writeCtx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("SKIPPING: Object already exists.", "gcsBucket", bucket, "gcsObject", key)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("SKIPPING: Object already exists.", "gcsBucket", bucket, "gcsObject", key)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func (s *GCSBlobStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	reader, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: gs://%s/%s", models.ErrObjectNotFound, bucket, key)
		}
		return nil, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, key, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// GCSURI formats a bucket and object into a gs:// URI.
func GCSURI(bucket, key string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, key)
}
