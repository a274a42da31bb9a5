package models

import "time"

// BlockType is the classification the recognition service gives a block.
type BlockType string

const (
	BlockPage BlockType = "PAGE"
	BlockLine BlockType = "LINE"
	BlockWord BlockType = "WORD"
)

// BoundingBox is expressed as ratios of the page width and height.
type BoundingBox struct {
	Width  float64 `firestore:"width" json:"width"`
	Height float64 `firestore:"height" json:"height"`
	Left   float64 `firestore:"left" json:"left"`
	Top    float64 `firestore:"top" json:"top"`
}

type Point struct {
	X float64 `firestore:"x" json:"x"`
	Y float64 `firestore:"y" json:"y"`
}

// Geometry locates a block on its page.
type Geometry struct {
	BoundingBox BoundingBox `firestore:"boundingBox" json:"boundingBox"`
	Polygon     []Point     `firestore:"polygon,omitempty" json:"polygon,omitempty"`
}

// Block is one unit of recognized text. Order within a result is the order the
// recognition service returned it in.
type Block struct {
	Text       string    `json:"text"`
	Type       BlockType `json:"type,omitempty"`
	Page       int       `json:"page,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	Geometry   *Geometry `json:"geometry,omitempty"`
}

// JobStatus is the status reported by the recognition service for a job.
type JobStatus string

const (
	JobInProgress JobStatus = "in_progress"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
)

// OCRJob is the single live recognition job of a document.
type OCRJob struct {
	JobID      string    `json:"jobId"`
	DocumentID string    `json:"documentId"`
	Bucket     string    `json:"bucket"`
	Key        string    `json:"key"`
	Status     JobStatus `json:"status"`
	// Cursor is only set while results are being paged.
	Cursor    string    `json:"cursor,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// FormSchemaElement is one candidate fillable field.
type FormSchemaElement struct {
	ID       string    `firestore:"id" json:"id"`
	Type     string    `firestore:"type" json:"type"`
	Label    string    `firestore:"label" json:"label"`
	Geometry *Geometry `firestore:"geometry,omitempty" json:"geometry,omitempty"`
}

// FormSchema lists elements in detection order.
type FormSchema struct {
	Elements []FormSchemaElement `firestore:"elements" json:"elements"`
}

// WorkflowEvent is the wire message sent to workflow consumers. It is never
// persisted.
type WorkflowEvent struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}
