package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCoordinator stores leases in the task_leases table. Expiry is compared
// against the database clock so workers with skewed clocks agree.
type PostgresCoordinator struct {
	pool *pgxpool.Pool
}

// NewPostgresCoordinator creates a coordinator on an open pool.
func NewPostgresCoordinator(pool *pgxpool.Pool) *PostgresCoordinator {
	return &PostgresCoordinator{pool: pool}
}

const acquireSQL = `
	INSERT INTO task_leases (name, owner, epoch, expires_at, state, updated_at)
	VALUES ($1, $2, 1, NOW() + make_interval(secs => $3), NULL, NOW())
	ON CONFLICT (name) DO UPDATE SET
		owner = EXCLUDED.owner,
		epoch = task_leases.epoch + 1,
		expires_at = EXCLUDED.expires_at,
		updated_at = NOW()
	WHERE task_leases.expires_at <= NOW()
	RETURNING epoch, expires_at, state
`

func (c *PostgresCoordinator) TryAcquire(ctx context.Context, name string, d time.Duration) (*Lease, error) {
	owner := uuid.NewString()
	l := &Lease{Name: name, Owner: owner}

	err := c.pool.QueryRow(ctx, acquireSQL, name, owner, d.Seconds()).
		Scan(&l.Epoch, &l.ExpiresAt, &l.State)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotAcquired
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return l, nil
}

const extendSQL = `
	UPDATE task_leases
	SET expires_at = NOW() + make_interval(secs => $4), updated_at = NOW()
	WHERE name = $1 AND owner = $2 AND epoch = $3
	RETURNING expires_at
`

func (c *PostgresCoordinator) Extend(ctx context.Context, l *Lease, d time.Duration) error {
	var expiresAt time.Time
	err := c.pool.QueryRow(ctx, extendSQL, l.Name, l.Owner, l.Epoch, d.Seconds()).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", l.Name, err)
	}
	l.ExpiresAt = expiresAt
	return nil
}

const releaseSQL = `
	UPDATE task_leases
	SET owner = '', state = $4, expires_at = NOW() + make_interval(secs => $5), updated_at = NOW()
	WHERE name = $1 AND owner = $2 AND epoch = $3
`

func (c *PostgresCoordinator) Release(ctx context.Context, l *Lease, state []byte, holdFor time.Duration) error {
	tag, err := c.pool.Exec(ctx, releaseSQL, l.Name, l.Owner, l.Epoch, state, holdFor.Seconds())
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}
