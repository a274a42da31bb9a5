package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/flowdoc/internal/cache"
	"github.com/Lllllllleong/flowdoc/internal/models"
)

var errUnavailable = errors.New("connection refused")

type memDocs struct {
	mu        sync.Mutex
	docs      map[string]models.Document
	createErr error
	updateErr error
	updates   int
}

func newMemDocs() *memDocs { return &memDocs{docs: make(map[string]models.Document)} }

func (m *memDocs) Create(ctx context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.docs[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	m.docs[doc.ID] = *doc
	return nil
}

func (m *memDocs) Get(ctx context.Context, id string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	return &doc, nil
}

func (m *memDocs) Update(ctx context.Context, id string, u models.DocumentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	doc, ok := m.docs[id]
	if !ok {
		return models.ErrRecordNotFound
	}
	u.Apply(&doc)
	doc.UpdatedAt = time.Now()
	m.docs[id] = doc
	m.updates++
	return nil
}

func (m *memDocs) FindByOCRJob(ctx context.Context, jobID string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.docs {
		if doc.OCRJobID == jobID {
			return &doc, nil
		}
	}
	return nil, models.ErrRecordNotFound
}

func (m *memDocs) put(doc models.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
}

func (m *memDocs) get(t *testing.T, id string) models.Document {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		t.Fatalf("document %s not found", id)
	}
	return doc
}

func (m *memDocs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

type memBlobs struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	putErr error
}

func newMemBlobs() *memBlobs { return &memBlobs{blobs: make(map[string][]byte)} }

func (m *memBlobs) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.blobs[bucket+"/"+key] = append([]byte(nil), data...)
	return nil
}

func (m *memBlobs) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object gs://%s/%s does not exist", bucket, key)
	}
	return data, nil
}

func (m *memBlobs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

// fakeRecognizer serves a fixed page list. The cursor is the index of the
// next page.
type fakeRecognizer struct {
	mu       sync.Mutex
	jobID    string
	startErr error
	pages    []models.ResultPage
	final    models.JobStatus
	// pending is the number of in_progress replies before results are ready.
	pending int
	// getErrs are returned, in order, before any page is served.
	getErrs []error
	// onGet runs before each GetPage with the 1-based call number.
	onGet func(call int)

	starts   int
	getCalls int
	cursors  []string
}

func (f *fakeRecognizer) StartJob(ctx context.Context, bucket, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return "", f.startErr
	}
	if f.jobID == "" {
		return "job-" + strconv.Itoa(f.starts), nil
	}
	return f.jobID, nil
}

func (f *fakeRecognizer) GetPage(ctx context.Context, jobID, cursor string) (models.ResultPage, error) {
	f.mu.Lock()
	f.getCalls++
	call := f.getCalls
	hook := f.onGet
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		return models.ResultPage{}, err
	}
	if f.pending > 0 {
		f.pending--
		return models.ResultPage{Status: models.JobInProgress}, nil
	}

	idx := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return models.ResultPage{}, err
		}
		idx = n
	}
	final := f.final
	if final == "" {
		final = models.JobSucceeded
	}
	if len(f.pages) == 0 {
		return models.ResultPage{Status: final}, nil
	}
	page := f.pages[idx]
	page.Status = final
	if idx+1 < len(f.pages) {
		page.NextCursor = strconv.Itoa(idx + 1)
	}
	return page, nil
}

func (f *fakeRecognizer) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeRecognizer) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.WorkflowEvent
	err    error
}

func (s *recordingSink) Send(ctx context.Context, event models.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) snapshot() []models.WorkflowEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.WorkflowEvent(nil), s.events...)
}

// memBackend is a cache.Backend over a map.
type memBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBackend() *memBackend { return &memBackend{data: make(map[string][]byte)} }

func (b *memBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return v, nil
}

func (b *memBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = value
	return nil
}

func (b *memBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k := range b.data {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (b *memBackend) Delete(ctx context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.data, k)
	}
	return nil
}

func (b *memBackend) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[key]
	return ok
}

// brokenBackend fails every operation.
type brokenBackend struct{}

func (brokenBackend) Get(context.Context, string) ([]byte, error)              { return nil, errUnavailable }
func (brokenBackend) Set(context.Context, string, []byte, time.Duration) error { return errUnavailable }
func (brokenBackend) Keys(context.Context, string) ([]string, error)           { return nil, errUnavailable }
func (brokenBackend) Delete(context.Context, ...string) error                  { return errUnavailable }

func testConfig() PipelineConfig {
	config := DefaultPipelineConfig()
	config.ProjectID = "test-project"
	config.UploadBucket = "uploads-bucket"
	config.PollInterval = time.Millisecond
	config.RetryBackoff = time.Millisecond
	config.PageTimeout = time.Second
	config.NotifyTimeout = time.Second
	return config
}

func lineBlock(text string, confidence float64) models.Block {
	return models.Block{Text: text, Type: models.BlockLine, Page: 1, Confidence: models.Ptr(confidence)}
}

func seedDocument(docs *memDocs, id, owner, key string) models.Document {
	doc := models.Document{
		ID:               id,
		OwnerID:          owner,
		OriginalFilename: path.Base(key),
		ContentType:      models.ContentTypeFor(key),
		StorageBucket:    "uploads-bucket",
		StorageKey:       key,
		Status:           models.StatusUploaded,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	docs.put(doc)
	return doc
}
