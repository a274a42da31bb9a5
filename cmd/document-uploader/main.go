package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/flowdoc/internal/handlers"
	"github.com/Lllllllleong/flowdoc/internal/services"
)

var (
	pipeline *services.Pipeline
	once     sync.Once
	initErr  error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("UploadDocument", uploadDocument)
}

// main is required by the Go Functions Framework.
func main() {}

func uploadDocument(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		pipeline, initErr = services.NewPipeline(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	handlers.Upload(pipeline, pipeline.Config().MaxUploadBytes)(w, r)
}
