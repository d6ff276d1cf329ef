package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on the replay_jobs table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on an open pool. The schema is applied by pgstore.Migrate.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const jobColumns = `id, replay_date, asset_group_ids, asset_group_ids_for_export, subject_type,
	last_completed_hour, continuation_token, next_visible_time, is_completed,
	completed_time, created_time, version_token`

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j           Job
		nextVisible time.Time
	)
	err := row.Scan(
		&j.ID,
		&j.ReplayDate,
		&j.AssetGroupIDs,
		&j.AssetGroupIDsForExport,
		&j.SubjectType,
		&j.LastCompletedHour,
		&j.ContinuationToken,
		&nextVisible,
		&j.IsCompleted,
		&j.CompletedTime,
		&j.CreatedTime,
		&j.VersionToken,
	)
	if err != nil {
		return nil, err
	}
	j.ReplayDate = j.ReplayDate.UTC()
	j.SetNextVisibleTime(nextVisible)
	if j.LastCompletedHour != nil {
		t := j.LastCompletedHour.UTC()
		j.LastCompletedHour = &t
	}
	return &j, nil
}

func (s *PostgresStore) Query(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM replay_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job %s: %w", id, err)
	}
	return j, nil
}

func (s *PostgresStore) Insert(ctx context.Context, job *Job) error {
	version := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO replay_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID,
		job.ReplayDate,
		nonNil(job.AssetGroupIDs),
		nonNil(job.AssetGroupIDsForExport),
		job.SubjectType,
		job.LastCompletedHour,
		job.ContinuationToken,
		job.NextVisibleTime(),
		job.IsCompleted,
		job.CompletedTime,
		job.CreatedTime,
		version,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	job.VersionToken = version
	return nil
}

func (s *PostgresStore) Replace(ctx context.Context, job *Job, expectedVersion string) (string, error) {
	version := uuid.NewString()
	tag, err := s.pool.Exec(ctx, `
		UPDATE replay_jobs SET
			replay_date = $3,
			asset_group_ids = $4,
			asset_group_ids_for_export = $5,
			subject_type = $6,
			last_completed_hour = $7,
			continuation_token = $8,
			next_visible_time = $9,
			is_completed = $10,
			completed_time = $11,
			version_token = $12
		WHERE id = $1 AND version_token = $2`,
		job.ID,
		expectedVersion,
		job.ReplayDate,
		nonNil(job.AssetGroupIDs),
		nonNil(job.AssetGroupIDsForExport),
		job.SubjectType,
		job.LastCompletedHour,
		job.ContinuationToken,
		job.NextVisibleTime(),
		job.IsCompleted,
		job.CompletedTime,
		version,
	)
	if err != nil {
		return "", fmt.Errorf("replace job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM replay_jobs WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
			return "", fmt.Errorf("replace job %s: %w", job.ID, err)
		}
		if !exists {
			return "", ErrNotFound
		}
		return "", ErrVersionConflict
	}
	job.VersionToken = version
	return version, nil
}

func (s *PostgresStore) PopNextItem(ctx context.Context, leaseDuration time.Duration) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE replay_jobs
		SET next_visible_time = NOW() + make_interval(secs => $1),
			version_token = $2
		WHERE id = (
			SELECT id FROM replay_jobs
			WHERE NOT is_completed AND next_visible_time <= NOW()
			ORDER BY next_visible_time, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		leaseDuration.Seconds(),
		uuid.NewString(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop next job: %w", err)
	}
	return j, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
