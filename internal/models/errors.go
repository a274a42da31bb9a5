package models

import "errors"

var (
	// ErrRecordNotFound is returned by document stores for unknown ids.
	ErrRecordNotFound = errors.New("record not found")
	// ErrJobNotFound is returned by recognition clients for unknown job ids.
	ErrJobNotFound = errors.New("recognition job not found")
	// ErrObjectNotFound is returned by blob stores for missing objects.
	ErrObjectNotFound = errors.New("object not found")
)

// ResultPage is one page of a recognition job's results. NextCursor is empty on
// the last page.
type ResultPage struct {
	Blocks     []Block
	NextCursor string
	Status     JobStatus
}
