// Package jobs owns job records: creation, lookup and serialized
// read-modify-write updates.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/keylock"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/ledger"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/metrics"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/store"
	"github.com/parlakisik/agent-exchange/src/internal/events"
)

var (
	ErrValidation  = errors.New("invalid job")
	ErrJobNotFound = errors.New("job not found")
	// ErrUnchanged returned from a Mutate callback skips the write.
	ErrUnchanged = errors.New("job unchanged")

	MinBidWindow = 100 * time.Millisecond
	MaxBidWindow = 5 * time.Minute
)

// NewJob is a job submission.
type NewJob struct {
	Type         string         `json:"type"`
	Description  string         `json:"description"`
	Prompt       string         `json:"prompt,omitempty"`
	Requirements map[string]any `json:"requirements,omitempty"`
	BudgetMax    string         `json:"budget_max"`
	PostedBy     string         `json:"posted_by,omitempty"`
	BidWindowMs  int64          `json:"bid_window_ms,omitempty"`
}

// Wallets resolves the payer wallet a job is funded from.
type Wallets interface {
	Wallet(ctx context.Context, walletID string) (model.Wallet, error)
}

type Service struct {
	store         store.JobStore
	wallets       Wallets
	locks         *keylock.Locker
	events        *events.Publisher
	metrics       *metrics.Metrics
	bidWindow     time.Duration
	defaultPoster string
	now           func() time.Time
}

type Option func(*Service)

func WithEvents(p *events.Publisher) Option { return func(s *Service) { s.events = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithWallets makes Create reject jobs whose payer has no wallet.
func WithWallets(w Wallets) Option { return func(s *Service) { s.wallets = w } }

// WithDefaultPoster sets the payer wallet used when a job names none.
func WithDefaultPoster(walletID string) Option {
	return func(s *Service) { s.defaultPoster = walletID }
}

func New(st store.JobStore, bidWindow time.Duration, opts ...Option) *Service {
	s := &Service{
		store:         st,
		locks:         keylock.New(),
		bidWindow:     bidWindow,
		defaultPoster: "coordinator",
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock, shared with collaborators so window checks
// agree with the recorded timestamps.
func (s *Service) Now() time.Time {
	return s.now()
}

// Create validates and stores a new job with an open bidding window.
func (s *Service) Create(ctx context.Context, req NewJob) (model.Job, error) {
	if strings.TrimSpace(req.Description) == "" {
		req.Description = req.Prompt
	}
	if err := validate(req); err != nil {
		return model.Job{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	budget, _ := ledger.ParseAmount(req.BudgetMax)

	window := s.bidWindow
	if req.BidWindowMs > 0 {
		window = time.Duration(req.BidWindowMs) * time.Millisecond
		if window < MinBidWindow {
			window = MinBidWindow
		}
		if window > MaxBidWindow {
			window = MaxBidWindow
		}
	}

	postedBy := strings.TrimSpace(req.PostedBy)
	if postedBy == "" {
		postedBy = s.defaultPoster
	}
	if ledger.IsSystemWallet(postedBy) {
		return model.Job{}, fmt.Errorf("%w: posted_by %q is a system wallet", ErrValidation, postedBy)
	}
	if s.wallets != nil {
		if _, err := s.wallets.Wallet(ctx, postedBy); err != nil {
			return model.Job{}, fmt.Errorf("posted_by: %w", err)
		}
	}

	now := s.now()
	job := model.Job{
		ID:              "job_" + uuid.NewString(),
		Type:            strings.TrimSpace(req.Type),
		Description:     strings.TrimSpace(req.Description),
		Requirements:    req.Requirements,
		BudgetMax:       budget.StringFixed(2),
		Status:          model.JobStatusAcceptingBids,
		PostedBy:        postedBy,
		PostedAt:        now,
		BidWindowEndsAt: now.Add(window),
	}

	if err := s.store.SaveJob(ctx, job); err != nil {
		return model.Job{}, fmt.Errorf("save job: %w", err)
	}

	s.metrics.JobPosted()
	_ = s.events.Publish(ctx, events.EventJobPosted, map[string]any{
		"job_id":             job.ID,
		"type":               job.Type,
		"budget_max":         job.BudgetMax,
		"posted_by":          job.PostedBy,
		"bid_window_ends_at": job.BidWindowEndsAt.Format(time.RFC3339Nano),
	})

	slog.InfoContext(ctx, "job_posted",
		"job_id", job.ID,
		"type", job.Type,
		"budget_max", job.BudgetMax,
		"bid_window_ends_at", job.BidWindowEndsAt,
	)
	return job, nil
}

func (s *Service) Get(ctx context.Context, jobID string) (model.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListByStatus returns jobs in the given status ordered by posting time.
func (s *Service) ListByStatus(ctx context.Context, status model.JobStatus) ([]model.Job, error) {
	return s.store.ListJobs(ctx, status)
}

func (s *Service) List(ctx context.Context) ([]model.Job, error) {
	return s.store.ListJobs(ctx, "")
}

// Update replaces a stored job wholesale.
func (s *Service) Update(ctx context.Context, job model.Job) (model.Job, error) {
	return s.Mutate(ctx, job.ID, func(current *model.Job) error {
		*current = job
		return nil
	})
}

// Mutate runs fn on the current job under the job's lock and persists the
// result. An error from fn leaves the stored job untouched; ErrUnchanged
// skips the write and returns the current job.
func (s *Service) Mutate(ctx context.Context, jobID string, fn func(*model.Job) error) (model.Job, error) {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return model.Job{}, err
	}

	next := job
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return job, nil
		}
		return job, err
	}
	next.ID = jobID

	if err := s.store.SaveJob(ctx, next); err != nil {
		return job, fmt.Errorf("save job %s: %w", jobID, err)
	}
	return next, nil
}

// View runs fn on the current job under the job's lock without writing it,
// so no Mutate on the same job can interleave with fn.
func (s *Service) View(ctx context.Context, jobID string, fn func(model.Job) error) error {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return fn(job)
}

func validate(req NewJob) error {
	if strings.TrimSpace(req.Type) == "" {
		return errors.New("type is required")
	}
	if strings.TrimSpace(req.Description) == "" {
		return errors.New("description or prompt is required")
	}
	if strings.TrimSpace(req.BudgetMax) == "" {
		return errors.New("budget_max is required")
	}
	if _, err := ledger.ParseAmount(req.BudgetMax); err != nil {
		return fmt.Errorf("budget_max: %v", err)
	}
	if req.BidWindowMs < 0 {
		return errors.New("bid_window_ms must not be negative")
	}
	return nil
}
