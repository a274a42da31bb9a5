package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/flowdoc/internal/models"
)

// JobRegistry is the in-process arena of per-document OCR leases and the live
// job attached to each. A lease is held from the moment processing starts
// until the job reaches a terminal state, or until it has been held for
// longer than the TTL.
type JobRegistry struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	leases map[string]*lease
	jobs   map[string]*models.OCRJob
}

type lease struct {
	token    string
	jobID    string
	acquired time.Time
}

func NewJobRegistry(ttl time.Duration) *JobRegistry {
	return &JobRegistry{
		ttl:    ttl,
		now:    time.Now,
		leases: make(map[string]*lease),
		jobs:   make(map[string]*models.OCRJob),
	}
}

// Acquire takes the lease for documentID. It reports false while another
// unexpired lease is held.
func (r *JobRegistry) Acquire(documentID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.leases[documentID]; ok {
		if !r.expiredLocked(l) {
			return "", false
		}
		delete(r.jobs, l.jobID)
	}
	token := uuid.NewString()
	r.leases[documentID] = &lease{token: token, acquired: r.now()}
	return token, true
}

// Reclaim replaces a lease whose attached job is finishedJobID. It is used
// when the job reached its terminal state in another process, which could not
// release this one. Leases with no job attached yet are never reclaimed.
func (r *JobRegistry) Reclaim(documentID, finishedJobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[documentID]
	if !ok || l.jobID == "" || l.jobID != finishedJobID {
		return "", false
	}
	delete(r.jobs, l.jobID)
	token := uuid.NewString()
	r.leases[documentID] = &lease{token: token, acquired: r.now()}
	return token, true
}

// Attach binds a started job to the lease identified by token.
func (r *JobRegistry) Attach(token string, job models.OCRJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[job.DocumentID]
	if !ok || l.token != token {
		return fmt.Errorf("lease for document %s is no longer held", job.DocumentID)
	}
	l.jobID = job.JobID
	r.jobs[job.JobID] = &job
	return nil
}

// Release drops the lease if token still owns it.
func (r *JobRegistry) Release(documentID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.leases[documentID]; ok && l.token == token {
		delete(r.jobs, l.jobID)
		delete(r.leases, documentID)
	}
}

// ReleaseJob discards jobID and frees its document's lease.
func (r *JobRegistry) ReleaseJob(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return
	}
	delete(r.jobs, jobID)
	if l, ok := r.leases[job.DocumentID]; ok && l.jobID == jobID {
		delete(r.leases, job.DocumentID)
	}
}

// Job returns a copy of the live job.
func (r *JobRegistry) Job(jobID string) (models.OCRJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return models.OCRJob{}, false
	}
	return *job, true
}

// Track records retrieval progress for a live job.
func (r *JobRegistry) Track(jobID, cursor string, status models.JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job, ok := r.jobs[jobID]; ok {
		job.Cursor = cursor
		job.Status = status
	}
}

// Held reports whether documentID currently has an unexpired lease.
func (r *JobRegistry) Held(documentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[documentID]
	return ok && !r.expiredLocked(l)
}

func (r *JobRegistry) expiredLocked(l *lease) bool {
	return r.ttl > 0 && r.now().Sub(l.acquired) >= r.ttl
}
