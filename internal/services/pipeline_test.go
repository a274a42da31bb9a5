package services

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/flowdoc/internal/cache"
	"github.com/Lllllllleong/flowdoc/internal/models"
)

type pipelineFixture struct {
	docs    *memDocs
	blobs   *memBlobs
	rec     *fakeRecognizer
	backend cache.Backend
	sink    *recordingSink
	p       *Pipeline
}

func newPipelineFixture(rec *fakeRecognizer, backend cache.Backend) *pipelineFixture {
	f := &pipelineFixture{
		docs:    newMemDocs(),
		blobs:   newMemBlobs(),
		rec:     rec,
		backend: backend,
		sink:    &recordingSink{},
	}
	f.p = NewPipelineWith(testConfig(), Dependencies{
		Documents:  f.docs,
		Blobs:      f.blobs,
		Recognizer: rec,
		Cache:      cache.New(backend, nil),
		Sinks:      []Sink{f.sink},
	})
	return f
}

func formPages() []models.ResultPage {
	return []models.ResultPage{
		{Blocks: []models.Block{lineBlock("APPLICATION FORM", 0.99), lineBlock("Name: ________", 0.95)}},
		{Blocks: []models.Block{lineBlock("Date:", 0.9), lineBlock("Thank you", 0.8)}},
	}
}

func TestPipeline_EndToEnd(t *testing.T) {
	rec := &fakeRecognizer{jobID: "job-1", pages: formPages()}
	f := newPipelineFixture(rec, newMemBackend())
	ctx := context.Background()

	doc, err := f.p.Ingest(ctx, strings.NewReader("%PDF"), "42", "form.pdf")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploaded, doc.Status)

	started, err := f.p.Start(ctx, doc.ID, "42")
	require.NoError(t, err)
	assert.Equal(t, "job-1", started.JobID)

	_, err = f.p.Start(ctx, doc.ID, "42")
	assert.ErrorIs(t, err, ErrProcessingAlreadyInProgress)
	assert.Equal(t, 1, rec.startCount())

	final, err := f.p.Complete(ctx, "job-1")
	require.NoError(t, err)

	assert.Equal(t, models.StatusProcessed, final.Status)
	assert.Equal(t, models.OCRComplete, final.OCRStatus)
	require.NotNil(t, final.FormSchema)
	require.Len(t, final.FormSchema.Elements, 2)
	assert.Equal(t, "element_1", final.FormSchema.Elements[0].ID)
	assert.Equal(t, "Name", final.FormSchema.Elements[0].Label)
	assert.Equal(t, "element_2", final.FormSchema.Elements[1].ID)
	assert.Equal(t, "Date", final.FormSchema.Elements[1].Label)

	events := f.sink.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, EventDocumentUploaded, events[0].Event)
	assert.Equal(t, EventOCRCompleted, events[1].Event)

	mem := f.backend.(*memBackend)
	assert.True(t, mem.has("doc:"+doc.ID+":schema"))
	assert.False(t, mem.has("doc:"+doc.ID), "stale document entry is invalidated")

	_, err = f.p.Start(ctx, doc.ID, "42")
	assert.NoError(t, err, "a finished document may be processed again")
}

func TestPipeline_RunWithBrokenCache(t *testing.T) {
	for name, backend := range map[string]cache.Backend{
		"memory": newMemBackend(),
		"broken": brokenBackend{},
		"none":   nil,
	} {
		t.Run(name, func(t *testing.T) {
			f := newPipelineFixture(&fakeRecognizer{pages: formPages()}, backend)

			doc, err := f.p.Run(context.Background(), strings.NewReader("%PDF"), "42", "form.pdf")
			require.NoError(t, err)

			assert.Equal(t, models.StatusProcessed, doc.Status)
			assert.Equal(t, models.OCRComplete, doc.OCRStatus)
			require.NotNil(t, doc.FormSchema)
			assert.Len(t, doc.FormSchema.Elements, 2)

			got, err := f.p.GetDocument(context.Background(), doc.ID, "42")
			require.NoError(t, err)
			assert.Equal(t, doc.FormSchema, got.FormSchema)
		})
	}
}

func TestPipeline_RunSkipsOCRWhenDisabled(t *testing.T) {
	rec := &fakeRecognizer{}
	f := newPipelineFixture(rec, newMemBackend())
	f.p.jobs.enableOCR = false

	doc, err := f.p.Run(context.Background(), strings.NewReader("png"), "42", "scan.png")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploaded, doc.Status)
	assert.Equal(t, models.OCRSkipped, doc.OCRStatus)
	assert.Nil(t, doc.FormSchema)
	assert.Zero(t, rec.startCount())
}

func TestPipeline_RunSurfacesStartFailure(t *testing.T) {
	f := newPipelineFixture(&fakeRecognizer{startErr: errUnavailable}, nil)

	_, err := f.p.Run(context.Background(), strings.NewReader("x"), "42", "form.pdf")
	assert.ErrorIs(t, err, ErrOCRStartFailed)
}

func TestPipeline_FailedJobHasNoSchema(t *testing.T) {
	f := newPipelineFixture(&fakeRecognizer{final: models.JobFailed, pages: formPages()}, nil)

	doc, err := f.p.Run(context.Background(), strings.NewReader("x"), "42", "form.pdf")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Equal(t, models.OCRFailed, doc.OCRStatus)
	assert.Nil(t, doc.FormSchema)
}

func TestPipeline_GetDocumentIsOwnerScoped(t *testing.T) {
	f := newPipelineFixture(&fakeRecognizer{}, newMemBackend())
	ctx := context.Background()
	doc, err := f.p.Ingest(ctx, strings.NewReader("x"), "42", "scan.jpg")
	require.NoError(t, err)

	_, err = f.p.GetDocument(ctx, doc.ID, "7")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	_, err = f.p.GetDocument(ctx, "missing", "42")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	got, err := f.p.GetDocument(ctx, doc.ID, "42")
	require.NoError(t, err)
	assert.Equal(t, doc.StorageKey, got.StorageKey)
}

func TestPipeline_GetDocumentServesFromCache(t *testing.T) {
	f := newPipelineFixture(&fakeRecognizer{}, newMemBackend())
	ctx := context.Background()
	doc, err := f.p.Ingest(ctx, strings.NewReader("x"), "42", "scan.jpg")
	require.NoError(t, err)

	f.docs.mu.Lock()
	delete(f.docs.docs, doc.ID)
	f.docs.mu.Unlock()

	got, err := f.p.GetDocument(ctx, doc.ID, "42")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
}

func TestPipeline_DownloadOriginal(t *testing.T) {
	f := newPipelineFixture(&fakeRecognizer{}, nil)
	ctx := context.Background()
	doc, err := f.p.Ingest(ctx, bytes.NewReader([]byte("image-bytes")), "42", "scan.tiff")
	require.NoError(t, err)

	data, got, err := f.p.DownloadOriginal(ctx, doc.ID, "42")
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))
	assert.Equal(t, "image/tiff", got.ContentType)

	f.blobs.mu.Lock()
	f.blobs.blobs = map[string][]byte{}
	f.blobs.mu.Unlock()
	_, _, err = f.p.DownloadOriginal(ctx, doc.ID, "42")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestPipeline_RunBatch(t *testing.T) {
	f := newPipelineFixture(&fakeRecognizer{pages: formPages()}, newMemBackend())

	var items []BatchItem
	for i := range 5 {
		items = append(items, BatchItem{OwnerID: "42", Filename: fmt.Sprintf("form-%d.pdf", i), Content: strings.NewReader("x")})
	}
	items = append(items, BatchItem{OwnerID: "42", Filename: "notes.docx", Content: strings.NewReader("x")})

	results := f.p.RunBatch(context.Background(), items, 2)

	require.Len(t, results, len(items))
	for i, r := range results[:5] {
		require.NoError(t, r.Err, "item %d", i)
		assert.Equal(t, items[i].Filename, r.Filename)
		assert.Equal(t, models.StatusProcessed, r.Document.Status)
	}
	assert.ErrorIs(t, results[5].Err, ErrUnsupportedFileType)
	assert.Nil(t, results[5].Document)
	assert.Equal(t, 5, f.rec.startCount())
}

func TestPipeline_RestartAfterCompletionInAnotherInstance(t *testing.T) {
	docs := newMemDocs()
	rec := &fakeRecognizer{pages: formPages()}
	deps := Dependencies{Documents: docs, Blobs: newMemBlobs(), Recognizer: rec, Cache: cache.New(nil, nil)}
	starter := NewPipelineWith(testConfig(), deps)
	collector := NewPipelineWith(testConfig(), deps)
	seedDocument(docs, "doc-1", "42", "uploads/42/t_form.pdf")
	ctx := context.Background()

	first, err := starter.Start(ctx, "doc-1", "42")
	require.NoError(t, err)
	assert.Equal(t, "job-1", first.JobID)

	done, err := collector.Complete(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, done.Status)
	assert.Equal(t, models.OCRComplete, done.OCRStatus)

	second, err := starter.Start(ctx, "doc-1", "42")
	require.NoError(t, err)
	assert.Equal(t, "job-2", second.JobID)

	_, err = starter.Start(ctx, "doc-1", "42")
	assert.ErrorIs(t, err, ErrProcessingAlreadyInProgress)
	assert.Equal(t, 2, rec.startCount())
}

func TestPipeline_ReplayOfSupersededJobKeepsCurrentSchema(t *testing.T) {
	rec := &fakeRecognizer{pages: formPages()}
	f := newPipelineFixture(rec, newMemBackend())
	seedDocument(f.docs, "doc-1", "42", "uploads/42/t_form.pdf")
	ctx := context.Background()

	_, err := f.p.Start(ctx, "doc-1", "42")
	require.NoError(t, err)
	_, err = f.p.Complete(ctx, "job-1")
	require.NoError(t, err)

	_, err = f.p.Start(ctx, "doc-1", "42")
	require.NoError(t, err)
	rec.mu.Lock()
	rec.pages = []models.ResultPage{{Blocks: []models.Block{lineBlock("Total: ___", 0.9)}}}
	rec.mu.Unlock()
	_, err = f.p.Complete(ctx, "job-2")
	require.NoError(t, err)

	replayed, err := f.p.Complete(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-2", replayed.OCRJobID)

	stored := f.docs.get(t, "doc-1")
	assert.Equal(t, "job-2", stored.OCRJobID)
	require.NotNil(t, stored.FormSchema)
	require.Len(t, stored.FormSchema.Elements, 1)
	assert.Equal(t, "Total", stored.FormSchema.Elements[0].Label)
}

// processedRecognizer only has results for jobs that went through Process.
type processedRecognizer struct {
	*fakeRecognizer
	processed []string
}

func (r *processedRecognizer) Process(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed = append(r.processed, jobID)
	r.pending = 0
	return nil
}

func TestPipeline_RunProcessesJobBeforeCollecting(t *testing.T) {
	rec := &processedRecognizer{fakeRecognizer: &fakeRecognizer{jobID: "job-1", pages: formPages(), pending: math.MaxInt}}
	config := testConfig()
	config.LeaseTTL = 200 * time.Millisecond
	p := NewPipelineWith(config, Dependencies{
		Documents:  newMemDocs(),
		Blobs:      newMemBlobs(),
		Recognizer: rec,
		Cache:      cache.New(nil, nil),
	})

	doc, err := p.Run(context.Background(), strings.NewReader("%PDF"), "42", "form.pdf")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, doc.Status)
	assert.Equal(t, []string{"job-1"}, rec.processed)
	require.NotNil(t, doc.FormSchema)
	assert.Len(t, doc.FormSchema.Elements, 2)
}
