package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Lllllllleong/flowdoc/internal/models"
)

const (
	EventDocumentUploaded = "document.uploaded"
	EventOCRCompleted     = "document.ocr.completed"
)

// Sink delivers one workflow event to a downstream consumer.
type Sink interface {
	Send(ctx context.Context, event models.WorkflowEvent) error
}

// Notifier fans workflow events out to its sinks. Delivery is best-effort:
// failures are logged and never returned, and each Notify call is bounded by
// the configured timeout whatever the caller's context says.
type Notifier struct {
	sinks       []Sink
	timeout     time.Duration
	testingMode bool
	logger      *slog.Logger
	now         func() time.Time
}

func NewNotifier(timeout time.Duration, testingMode bool, logger *slog.Logger, sinks ...Sink) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		timeout:     timeout,
		testingMode: testingMode,
		logger:      logger.With("component", "notifier"),
		now:         time.Now,
	}
	for _, s := range sinks {
		if s != nil {
			n.sinks = append(n.sinks, s)
		}
	}
	return n
}

// Enabled reports whether Notify will deliver anything.
func (n *Notifier) Enabled() bool {
	return n != nil && !n.testingMode && len(n.sinks) > 0
}

func (n *Notifier) Notify(ctx context.Context, eventType string, data map[string]any) {
	if !n.Enabled() {
		return
	}
	event := models.WorkflowEvent{
		Event:     eventType,
		Data:      data,
		Timestamp: n.now().UTC(),
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	for _, sink := range n.sinks {
		if err := sink.Send(sendCtx, event); err != nil {
			n.logger.Warn("Workflow notification failed.", "event", eventType, "sink", fmt.Sprintf("%T", sink), "error", err)
		}
	}
}

// WebhookSink posts events as JSON to an HTTP endpoint such as an n8n webhook.
type WebhookSink struct {
	url    string
	apiKey string
	client *http.Client
}

func NewWebhookSink(url, apiKey string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Send(ctx context.Context, event models.WorkflowEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-N8N-API-KEY", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
