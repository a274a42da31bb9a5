package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/flowdoc/internal/models"
)

func newTestManager(docs *memDocs, rec *fakeRecognizer, enableOCR bool) *OCRJobManager {
	return NewOCRJobManager(docs, rec, NewJobRegistry(time.Hour), nil, enableOCR, time.Hour, nil)
}

func TestStartProcessing_StartsJob(t *testing.T) {
	docs := newMemDocs()
	seedDocument(docs, "doc-1", "42", "uploads/42/t_form.pdf")
	rec := &fakeRecognizer{jobID: "job-1"}
	m := newTestManager(docs, rec, true)

	res, err := m.StartProcessing(context.Background(), "doc-1", "42")
	require.NoError(t, err)

	assert.Equal(t, &ProcessingResult{DocumentID: "doc-1", Status: models.StatusProcessing, OCRStatus: models.OCRProcessing, JobID: "job-1"}, res)
	doc := docs.get(t, "doc-1")
	assert.Equal(t, models.StatusProcessing, doc.Status)
	assert.Equal(t, models.OCRProcessing, doc.OCRStatus)
	assert.Equal(t, "job-1", doc.OCRJobID)

	job, ok := m.registry.Job("job-1")
	require.True(t, ok)
	assert.Equal(t, "doc-1", job.DocumentID)
	assert.Equal(t, "uploads/42/t_form.pdf", job.Key)
}

func TestStartProcessing_SecondCallIsRejected(t *testing.T) {
	docs := newMemDocs()
	seedDocument(docs, "doc-1", "42", "uploads/42/t_form.pdf")
	rec := &fakeRecognizer{jobID: "job-1"}
	m := newTestManager(docs, rec, true)
	ctx := context.Background()

	_, err := m.StartProcessing(ctx, "doc-1", "42")
	require.NoError(t, err)
	_, err = m.StartProcessing(ctx, "doc-1", "42")

	assert.ErrorIs(t, err, ErrProcessingAlreadyInProgress)
	assert.Equal(t, 1, rec.startCount())
}

func TestStartProcessing_ConcurrentCallsStartOneJob(t *testing.T) {
	docs := newMemDocs()
	seedDocument(docs, "doc-1", "42", "uploads/42/t_form.pdf")
	rec := &fakeRecognizer{}
	m := newTestManager(docs, rec, true)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.StartProcessing(context.Background(), "doc-1", "42")
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrProcessingAlreadyInProgress)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rec.startCount())
}

func TestStartProcessing_PersistedJobBlocksOtherInstances(t *testing.T) {
	docs := newMemDocs()
	doc := seedDocument(docs, "doc-1", "42", "uploads/42/t_form.pdf")
	doc.OCRStatus = models.OCRProcessing
	doc.OCRJobID = "job-elsewhere"
	docs.put(doc)
	rec := &fakeRecognizer{}
	m := newTestManager(docs, rec, true)

	_, err := m.StartProcessing(context.Background(), "doc-1", "42")
	assert.ErrorIs(t, err, ErrProcessingAlreadyInProgress)
	assert.Zero(t, rec.startCount())
	assert.False(t, m.registry.Held("doc-1"))

	doc.UpdatedAt = time.Now().Add(-2 * time.Hour)
	docs.put(doc)
	_, err = m.StartProcessing(context.Background(), "doc-1", "42")
	assert.NoError(t, err, "a stale in-flight marker can be taken over")
	assert.Equal(t, 1, rec.startCount())
}

func TestStartProcessing_DocumentNotFound(t *testing.T) {
	docs := newMemDocs()
	seedDocument(docs, "doc-1", "42", "uploads/42/t_form.pdf")
	rec := &fakeRecognizer{}
	m := newTestManager(docs, rec, true)

	_, err := m.StartProcessing(context.Background(), "missing", "42")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = m.StartProcessing(context.Background(), "doc-1", "7")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.Zero(t, rec.startCount())
}

func TestStartProcessing_SkipsWhenDisabled(t *testing.T) {
	docs := newMemDocs()
	seedDocument(docs, "doc-1", "42", "uploads/42/t_form.pdf")
	rec := &fakeRecognizer{}
	m := newTestManager(docs, rec, false)

	res, err := m.StartProcessing(context.Background(), "doc-1", "42")
	require.NoError(t, err)

	assert.Equal(t, models.OCRSkipped, res.OCRStatus)
	assert.Equal(t, models.StatusUploaded, res.Status)
	assert.Empty(t, res.JobID)
	assert.Zero(t, rec.startCount())
	doc := docs.get(t, "doc-1")
	assert.Equal(t, models.OCRSkipped, doc.OCRStatus)
	assert.Equal(t, models.StatusUploaded, doc.Status)
	assert.False(t, m.registry.Held("doc-1"))
}

func TestStartProcessing_SkipsUnsupportedStoredKey(t *testing.T) {
	docs := newMemDocs()
	seedDocument(docs, "doc-1", "42", "uploads/42/t_notes.txt")
	rec := &fakeRecognizer{}
	m := newTestManager(docs, rec, true)

	res, err := m.StartProcessing(context.Background(), "doc-1", "42")
	require.NoError(t, err)
	assert.Equal(t, models.OCRSkipped, res.OCRStatus)
	assert.Zero(t, rec.startCount())
}

func TestStartProcessing_StartFailureMarksDocumentFailed(t *testing.T) {
	docs := newMemDocs()
	seedDocument(docs, "doc-1", "42", "uploads/42/t_form.pdf")
	rec := &fakeRecognizer{startErr: errors.New("throttled")}
	m := newTestManager(docs, rec, true)

	_, err := m.StartProcessing(context.Background(), "doc-1", "42")

	assert.ErrorIs(t, err, ErrOCRStartFailed)
	assert.ErrorContains(t, err, "throttled")
	doc := docs.get(t, "doc-1")
	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Equal(t, models.OCRFailed, doc.OCRStatus)
	assert.Contains(t, doc.ErrorDetails, "throttled")
	assert.False(t, m.registry.Held("doc-1"))

	rec.mu.Lock()
	rec.startErr = nil
	rec.mu.Unlock()
	_, err = m.StartProcessing(context.Background(), "doc-1", "42")
	assert.NoError(t, err, "the user may retry after a failed start")
}

func TestStartProcessing_RecordWriteFailureFreesLease(t *testing.T) {
	docs := newMemDocs()
	seedDocument(docs, "doc-1", "42", "uploads/42/t_form.pdf")
	docs.updateErr = errors.New("firestore down")
	rec := &fakeRecognizer{jobID: "job-1"}
	m := newTestManager(docs, rec, true)

	_, err := m.StartProcessing(context.Background(), "doc-1", "42")
	assert.Error(t, err)
	assert.False(t, m.registry.Held("doc-1"))
	_, ok := m.registry.Job("job-1")
	assert.False(t, ok)
}
