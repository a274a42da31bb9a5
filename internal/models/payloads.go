package models

// These structs define the JSON payloads for HTTP requests and responses
// of the pipeline's Cloud Functions.

// UploadResponse is the output of the document-uploader function.
type UploadResponse struct {
	Status   string    `json:"status"`
	Document *Document `json:"document"`
}

// StartProcessingRequest is the input for the ocr-starter function.
type StartProcessingRequest struct {
	DocumentID string `json:"documentId"`
	OwnerID    string `json:"ownerId"`
}

// StartProcessingResponse is the output of the ocr-starter function.
type StartProcessingResponse struct {
	DocumentID string         `json:"documentId"`
	Status     DocumentStatus `json:"status"`
	OCRStatus  OCRStatus      `json:"ocrStatus"`
	JobID      string         `json:"jobId,omitempty"`
}

// JobCompletionEvent is the data of the CloudEvent that reports a finished
// recognition job. Jobs announce completion by writing their result object,
// so the storage finalize fields are accepted as well as an explicit jobId.
type JobCompletionEvent struct {
	JobID  string `json:"jobId,omitempty"`
	Status string `json:"status,omitempty"`
	Bucket string `json:"bucket,omitempty"`
	Name   string `json:"name,omitempty"`
}

// GCSEvent is the payload of a Cloud Storage object finalize event.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// ErrorResponse is written by the HTTP functions on failure.
type ErrorResponse struct {
	Error string `json:"error"`
}
