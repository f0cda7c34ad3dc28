package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/getsafe360/cockpit/internal/module/jobs/domain"
)

// DBTX はプールとトランザクションの両方で利用できる最小インターフェースです
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository はジョブのPostgreSQL永続化アダプターです
type Repository struct {
	db DBTX
}

// NewRepository は新しいRepositoryを作成します
func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

var _ domain.Repository = (*Repository)(nil)

const jobColumns = `
	id, kind, team_id, site_id, issues, status,
	reserved_tokens, actual_tokens, reservation_id, revision,
	result_ref, error_message, last_progress_at, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var kind, status string
	var issuesJSON []byte
	var teamID, reservationID *uuid.UUID

	err := row.Scan(
		&job.ID,
		&kind,
		&teamID,
		&job.SiteID,
		&issuesJSON,
		&status,
		&job.ReservedTokens,
		&job.ActualTokens,
		&reservationID,
		&job.Revision,
		&job.ResultRef,
		&job.ErrorMessage,
		&job.LastProgressAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Kind = domain.Kind(kind)
	job.Status = domain.Status(status)
	if teamID != nil {
		job.TeamID = *teamID
	}
	if reservationID != nil {
		job.ReservationID = *reservationID
	}
	if len(issuesJSON) > 0 {
		if err := json.Unmarshal(issuesJSON, &job.Issues); err != nil {
			return nil, fmt.Errorf("failed to unmarshal issues: %w", err)
		}
	}

	return &job, nil
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func (r *Repository) Create(ctx context.Context, job *domain.Job) error {
	issuesJSON, err := json.Marshal(job.Issues)
	if err != nil {
		return fmt.Errorf("failed to marshal issues: %w", err)
	}

	const query = `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = r.db.Exec(ctx, query,
		job.ID,
		string(job.Kind),
		nullableUUID(job.TeamID),
		job.SiteID,
		issuesJSON,
		string(job.Status),
		job.ReservedTokens,
		job.ActualTokens,
		nullableUUID(job.ReservationID),
		job.Revision,
		job.ResultRef,
		job.ErrorMessage,
		job.LastProgressAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (r *Repository) Update(ctx context.Context, job *domain.Job) error {
	issuesJSON, err := json.Marshal(job.Issues)
	if err != nil {
		return fmt.Errorf("failed to marshal issues: %w", err)
	}

	// 読み取り時点のrevisionを条件に含めた楽観ロック付き更新
	const query = `
		UPDATE jobs
		SET status = $2,
		    issues = $3,
		    reserved_tokens = $4,
		    actual_tokens = $5,
		    revision = $6,
		    result_ref = $7,
		    error_message = $8,
		    last_progress_at = $9,
		    updated_at = $10
		WHERE id = $1 AND revision = $11`

	tag, err := r.db.Exec(ctx, query,
		job.ID,
		string(job.Status),
		issuesJSON,
		job.ReservedTokens,
		job.ActualTokens,
		job.Revision,
		job.ResultRef,
		job.ErrorMessage,
		job.LastProgressAt,
		job.UpdatedAt,
		job.Revision-1,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check job existence: %w", err)
		}
		if !exists {
			return domain.ErrJobNotFound
		}
		return domain.ErrRevisionConflict
	}
	return nil
}

func (r *Repository) FindActiveFix(ctx context.Context, siteID, issueID string) (*domain.Job, error) {
	// done はフィックスジョブにとって暫定状態なのでアクティブ扱い
	const query = `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE kind = 'fix'
		  AND site_id = $1
		  AND status IN ('queued', 'running', 'done')
		  AND issues @> $2::jsonb
		LIMIT 1`

	match, err := json.Marshal([]map[string]string{{"id": issueID}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal issue match: %w", err)
	}

	job, err := scanJob(r.db.QueryRow(ctx, query, siteID, match))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active fix job: %w", err)
	}
	return job, nil
}

func (r *Repository) ListBySite(ctx context.Context, siteID string) ([]*domain.Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM jobs WHERE site_id = $1 ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return out, nil
}

func (r *Repository) ListStalled(ctx context.Context, olderThan time.Time) ([]*domain.Job, error) {
	const query = `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'running' AND last_progress_at < $1`

	rows, err := r.db.Query(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled jobs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stalled jobs: %w", err)
	}
	return out, nil
}
