package services

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrUnsupportedFileType         = errors.New("unsupported file type")
	ErrFileTooLarge                = errors.New("file exceeds the maximum upload size")
	ErrStorageUnavailable          = errors.New("storage unavailable")
	ErrRecognitionUnavailable      = errors.New("recognition service unavailable")
	ErrDocumentNotFound            = errors.New("document not found")
	ErrProcessingAlreadyInProgress = errors.New("processing already in progress")
	ErrOCRStartFailed              = errors.New("failed to start OCR job")
)

// HTTPStatusFor maps pipeline errors onto the status code an HTTP entrypoint
// should answer with.
func HTTPStatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnsupportedFileType):
		return http.StatusBadRequest
	case errors.Is(err, ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrProcessingAlreadyInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrRecognitionUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrOCRStartFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
