package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

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

	// Triggered by object finalize in the jobs bucket; acts on ocr-jobs/ manifests.
	functions.CloudEvent("RecognizeDocument", recognizeDocument)
}

// main is required by the Go Functions Framework.
func main() {}

func recognizeDocument(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		pipeline, initErr = services.NewPipeline(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}
	return handlers.RecognizeJob(pipeline)(ctx, e)
}
