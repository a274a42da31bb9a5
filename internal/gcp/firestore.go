package gcp

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/flowdoc/internal/models"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// FirestoreDocumentStore persists Document records in one collection keyed by
// document id.
type FirestoreDocumentStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreDocumentStore(client *firestore.Client, collection string) *FirestoreDocumentStore {
	return &FirestoreDocumentStore{client: client, collection: collection}
}

func (s *FirestoreDocumentStore) Create(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id must be set before create")
	}
	if _, err := s.client.Collection(s.collection).Doc(doc.ID).Create(ctx, doc); err != nil {
		return fmt.Errorf("failed to create document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *FirestoreDocumentStore) Get(ctx context.Context, id string) (*models.Document, error) {
	snap, err := s.client.Collection(s.collection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, models.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to read document %s: %w", id, err)
	}
	return decodeDocument(snap)
}

func (s *FirestoreDocumentStore) Update(ctx context.Context, id string, u models.DocumentUpdate) error {
	updates := []firestore.Update{
		{Path: "updatedAt", Value: firestore.ServerTimestamp},
	}
	if u.Status != nil {
		updates = append(updates, firestore.Update{Path: "status", Value: string(*u.Status)})
	}
	if u.OCRStatus != nil {
		updates = append(updates, firestore.Update{Path: "ocrStatus", Value: string(*u.OCRStatus)})
	}
	if u.OCRJobID != nil {
		updates = append(updates, firestore.Update{Path: "ocrJobId", Value: *u.OCRJobID})
	}
	if u.OCRConfidence != nil {
		updates = append(updates, firestore.Update{Path: "ocrConfidence", Value: *u.OCRConfidence})
	} else if u.ClearOCRConfidence {
		updates = append(updates, firestore.Update{Path: "ocrConfidence", Value: firestore.Delete})
	}
	if u.FormSchema != nil {
		updates = append(updates, firestore.Update{Path: "formSchema", Value: *u.FormSchema})
	}
	if u.ErrorDetails != nil {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: *u.ErrorDetails})
	}

	if _, err := s.client.Collection(s.collection).Doc(id).Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return models.ErrRecordNotFound
		}
		return fmt.Errorf("failed to update document %s: %w", id, err)
	}
	return nil
}

// FindByOCRJob returns the document whose current OCR job is jobID.
func (s *FirestoreDocumentStore) FindByOCRJob(ctx context.Context, jobID string) (*models.Document, error) {
	it := s.client.Collection(s.collection).Where("ocrJobId", "==", jobID).Limit(1).Documents(ctx)
	defer it.Stop()

	snap, err := it.Next()
	if errors.Is(err, iterator.Done) {
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query documents for job %s: %w", jobID, err)
	}
	return decodeDocument(snap)
}

func decodeDocument(snap *firestore.DocumentSnapshot) (*models.Document, error) {
	var doc models.Document
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", snap.Ref.ID, err)
	}
	doc.ID = snap.Ref.ID
	return &doc, nil
}
