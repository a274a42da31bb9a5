// Package handlers adapts the pipeline to the HTTP and CloudEvent signatures
// of the function entrypoints.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/flowdoc/internal/gcp"
	"github.com/Lllllllleong/flowdoc/internal/models"
	"github.com/Lllllllleong/flowdoc/internal/services"
)

// OwnerHeader carries the authenticated caller's id, set by the gateway in
// front of the functions.
const OwnerHeader = "X-Owner-ID"

// multipartOverhead is allowed on top of the file limit for form framing.
const multipartOverhead = 1 << 20

type Ingester interface {
	Ingest(ctx context.Context, r io.Reader, ownerID, filename string) (*models.Document, error)
}

type Starter interface {
	Start(ctx context.Context, documentID, ownerID string) (*services.ProcessingResult, error)
}

type Completer interface {
	Complete(ctx context.Context, jobID string) (*models.Document, error)
}

type Processor interface {
	ProcessJob(ctx context.Context, jobID string) error
}

// Upload accepts a multipart form with the document in the "file" field.
func Upload(p Ingester, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, models.ErrorResponse{Error: "method not allowed"})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)

		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, services.ErrFileTooLarge)
				return
			}
			writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "no file provided"})
			return
		}
		defer file.Close()

		ownerID := r.Header.Get(OwnerHeader)
		if ownerID == "" {
			ownerID = r.FormValue("ownerId")
		}
		if ownerID == "" {
			writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "owner id is required"})
			return
		}

		doc, err := p.Ingest(r.Context(), file, ownerID, header.Filename)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, models.UploadResponse{Status: "uploaded", Document: doc})
	}
}

// StartProcessing takes a JSON StartProcessingRequest. The owner header wins
// over the body.
func StartProcessing(p Starter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, models.ErrorResponse{Error: "method not allowed"})
			return
		}
		var req models.StartProcessingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "could not parse JSON"})
			return
		}
		if owner := r.Header.Get(OwnerHeader); owner != "" {
			req.OwnerID = owner
		}
		if req.DocumentID == "" {
			writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "documentId is required"})
			return
		}
		if req.OwnerID == "" {
			writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "owner id is required"})
			return
		}

		res, err := p.Start(r.Context(), req.DocumentID, req.OwnerID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, models.StartProcessingResponse{
			DocumentID: res.DocumentID,
			Status:     res.Status,
			OCRStatus:  res.OCRStatus,
			JobID:      res.JobID,
		})
	}
}

// RecognizeJob runs a recognition job when its manifest object is written.
// Other objects in the bucket are ignored.
func RecognizeJob(p Processor) func(context.Context, cloudevents.Event) error {
	return func(ctx context.Context, e cloudevents.Event) error {
		var gcsEvent models.GCSEvent
		if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
			slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
			return nil
		}
		jobID, ok := gcp.JobIDFromManifest(gcsEvent.Name)
		if !ok {
			slog.Debug("SKIPPING: Object is not a job manifest.", "gcsBucket", gcsEvent.Bucket, "gcsObject", gcsEvent.Name)
			return nil
		}
		logCtx := slog.With("jobId", jobID, "eventId", e.ID())

		if err := p.ProcessJob(ctx, jobID); err != nil {
			if errors.Is(err, models.ErrJobNotFound) {
				logCtx.Warn("Job manifest disappeared. Dropping event.", "error", err)
				return nil
			}
			logCtx.Error("Failed to run recognition job.", "error", err)
			return fmt.Errorf("process job %s: %w", jobID, err)
		}
		return nil
	}
}

// CollectResults handles a job completion event: either an explicit jobId or
// the finalize event of the job's result object. Returning an error makes the
// platform redeliver the event, so only transient failures are returned.
func CollectResults(p Completer) func(context.Context, cloudevents.Event) error {
	return func(ctx context.Context, e cloudevents.Event) error {
		var evt models.JobCompletionEvent
		if err := json.Unmarshal(e.Data(), &evt); err != nil {
			slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
			return nil
		}
		jobID := evt.JobID
		if jobID == "" && evt.Name != "" {
			id, ok := gcp.JobIDFromResult(evt.Name)
			if !ok {
				slog.Debug("SKIPPING: Object is not a job result.", "gcsBucket", evt.Bucket, "gcsObject", evt.Name)
				return nil
			}
			jobID = id
		}
		if jobID == "" {
			slog.Error("Job completion event carries no job id.", "eventId", e.ID())
			return nil
		}
		logCtx := slog.With("jobId", jobID, "eventId", e.ID())

		doc, err := p.Complete(ctx, jobID)
		if err != nil {
			if errors.Is(err, services.ErrDocumentNotFound) {
				logCtx.Warn("No document for completed job. Dropping event.", "error", err)
				return nil
			}
			logCtx.Error("Failed to complete job.", "error", err)
			return fmt.Errorf("complete job %s: %w", jobID, err)
		}
		logCtx.Info("Job completed.", "documentId", doc.ID, "status", doc.Status, "ocrStatus", doc.OCRStatus)
		return nil
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := services.HTTPStatusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed.", "status", status, "error", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
