package store

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreJobStore keeps jobs in a Firestore collection keyed by job id.
type FirestoreJobStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreJobStore(ctx context.Context, projectID, collection string) (*FirestoreJobStore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &FirestoreJobStore{
		client:     client,
		collection: collection,
	}, nil
}

func (s *FirestoreJobStore) SaveJob(ctx context.Context, job model.Job) error {
	_, err := s.client.Collection(s.collection).Doc(job.ID).Set(ctx, job)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *FirestoreJobStore) GetJob(ctx context.Context, jobID string) (model.Job, error) {
	doc, err := s.client.Collection(s.collection).Doc(jobID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return model.Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return model.Job{}, fmt.Errorf("get job: %w", err)
	}

	var job model.Job
	if err := doc.DataTo(&job); err != nil {
		return model.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func (s *FirestoreJobStore) ListJobs(ctx context.Context, jobStatus model.JobStatus) ([]model.Job, error) {
	query := s.client.Collection(s.collection).OrderBy("posted_at", firestore.Asc)
	if jobStatus != "" {
		query = s.client.Collection(s.collection).
			Where("status", "==", string(jobStatus)).
			OrderBy("posted_at", firestore.Asc)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	jobs := make([]model.Job, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate jobs: %w", err)
		}

		var job model.Job
		if err := doc.DataTo(&job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (s *FirestoreJobStore) Close() error {
	return s.client.Close()
}
