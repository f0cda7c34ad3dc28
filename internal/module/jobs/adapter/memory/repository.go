package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getsafe360/cockpit/internal/module/jobs/domain"
)

// Repository はテストおよび開発モード向けのインメモリジョブストアです
type Repository struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]domain.Job
}

// NewRepository は新しいインメモリリポジトリを作成します
func NewRepository() *Repository {
	return &Repository{
		jobs: make(map[uuid.UUID]domain.Job),
	}
}

var _ domain.Repository = (*Repository)(nil)

func cloneJob(job domain.Job) *domain.Job {
	copied := job
	copied.Issues = append([]domain.IssueRef(nil), job.Issues...)
	return &copied
}

func (r *Repository) Create(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs[job.ID] = *cloneJob(*job)
	return nil
}

func (r *Repository) Get(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (r *Repository) Update(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.jobs[job.ID]
	if !ok {
		return domain.ErrJobNotFound
	}
	// 読み取り時点のrevisionから進んでいたら競合。上書きしない。
	if stored.Revision != job.Revision-1 {
		return domain.ErrRevisionConflict
	}
	r.jobs[job.ID] = *cloneJob(*job)
	return nil
}

func (r *Repository) FindActiveFix(_ context.Context, siteID, issueID string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, job := range r.jobs {
		if job.Kind != domain.KindFix || job.SiteID != siteID {
			continue
		}
		if job.Terminal() {
			continue
		}
		for _, issue := range job.Issues {
			if issue.ID == issueID {
				return cloneJob(job), nil
			}
		}
	}
	return nil, nil
}

func (r *Repository) ListBySite(_ context.Context, siteID string) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Job
	for _, job := range r.jobs {
		if job.SiteID == siteID {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Repository) ListStalled(_ context.Context, olderThan time.Time) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Job
	for _, job := range r.jobs {
		if job.Status == domain.StatusRunning && job.LastProgressAt.Before(olderThan) {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}
