package models

import "time"

// DocumentStatus is the lifecycle state of an uploaded document.
type DocumentStatus string

const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusProcessing DocumentStatus = "processing"
	StatusProcessed  DocumentStatus = "processed"
	StatusFailed     DocumentStatus = "failed"
)

// OCRStatus tracks the recognition side of a document. It is empty until
// processing has been requested at least once.
type OCRStatus string

const (
	OCRSkipped    OCRStatus = "skipped"
	OCRProcessing OCRStatus = "processing"
	OCRComplete   OCRStatus = "complete"
	OCRFailed     OCRStatus = "failed"
)

// Document represents the main record for an uploaded file in Firestore.
// It tracks where the bytes live and how far recognition has progressed.
type Document struct {
	ID               string         `firestore:"-" json:"id"`
	OwnerID          string         `firestore:"ownerId" json:"ownerId"`
	OriginalFilename string         `firestore:"originalFilename" json:"originalFilename"`
	ContentType      string         `firestore:"contentType" json:"contentType"`
	StorageBucket    string         `firestore:"storageBucket" json:"storageBucket"`
	StorageKey       string         `firestore:"storageKey" json:"storageKey"`
	PageCount        int            `firestore:"pageCount,omitempty" json:"pageCount,omitempty"`
	Status           DocumentStatus `firestore:"status" json:"status"`
	OCRStatus        OCRStatus      `firestore:"ocrStatus,omitempty" json:"ocrStatus,omitempty"`
	OCRJobID         string         `firestore:"ocrJobId,omitempty" json:"ocrJobId,omitempty"`
	OCRConfidence    *float64       `firestore:"ocrConfidence,omitempty" json:"ocrConfidence,omitempty"`
	FormSchema       *FormSchema    `firestore:"formSchema,omitempty" json:"formSchema,omitempty"`
	ErrorDetails     string         `firestore:"errorDetails,omitempty" json:"errorDetails,omitempty"`
	CreatedAt        time.Time      `firestore:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time      `firestore:"updatedAt" json:"updatedAt"`
}

// DocumentUpdate is a partial write against a Document. Nil fields are left
// untouched by the store.
type DocumentUpdate struct {
	Status        *DocumentStatus
	OCRStatus     *OCRStatus
	OCRJobID      *string
	OCRConfidence *float64
	FormSchema    *FormSchema
	ErrorDetails  *string
	// ClearOCRConfidence removes a stored confidence. Ignored when
	// OCRConfidence is set.
	ClearOCRConfidence bool
}

// Apply copies the non-nil fields of u onto d.
func (u DocumentUpdate) Apply(d *Document) {
	if u.Status != nil {
		d.Status = *u.Status
	}
	if u.OCRStatus != nil {
		d.OCRStatus = *u.OCRStatus
	}
	if u.OCRJobID != nil {
		d.OCRJobID = *u.OCRJobID
	}
	if u.OCRConfidence != nil {
		c := *u.OCRConfidence
		d.OCRConfidence = &c
	} else if u.ClearOCRConfidence {
		d.OCRConfidence = nil
	}
	if u.FormSchema != nil {
		d.FormSchema = u.FormSchema
	}
	if u.ErrorDetails != nil {
		d.ErrorDetails = *u.ErrorDetails
	}
}

// Ptr returns a pointer to v. Handy for building a DocumentUpdate.
func Ptr[T any](v T) *T { return &v }
