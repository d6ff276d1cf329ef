package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/privacy-replay/internal/pgstore"
)

// PostgresQueue appends messages to the work_items table.
type PostgresQueue struct {
	pool *pgxpool.Pool
}

// NewPostgresQueue creates a queue on pool.
func NewPostgresQueue(pool *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool}
}

// Publish implements Queue. Serialization, lock and connection failures are transient.
func (q *PostgresQueue) Publish(ctx context.Context, destination string, msg []byte, visibleAt time.Time) error {
	_, err := q.pool.Exec(ctx, `
		INSERT INTO work_items (queue, payload, visible_at)
		VALUES ($1, $2, $3)
	`, destination, msg, visibleAt.UTC())
	if err == nil {
		return nil
	}
	if pgstore.IsTransient(err) {
		return &TransientError{Err: err}
	}
	return fmt.Errorf("insert work item: %w", err)
}
