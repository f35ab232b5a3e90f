package db

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/finsync/internal/retry"
)

// NewWithRetry connects to PostgreSQL, pinging until the server answers or
// the retry budget is exhausted.
func NewWithRetry(ctx context.Context, connStr string, callbacks ...ConnConfigCallback) (PgxPoolIface, error) {
	var pool PgxPoolIface
	err := retry.WithOperation(ctx, retry.PostgreSQLDefaults(), func() error {
		var attemptErr error
		pool, attemptErr = New(ctx, connStr, callbacks...)
		if attemptErr != nil {
			// a malformed DSN will not get better
			return retry.Permanent(attemptErr)
		}
		if pingErr := pool.Ping(ctx); pingErr != nil {
			pool.Close()
			return pingErr
		}
		return nil
	}, "postgres connect")

	if err != nil {
		logrus.WithError(err).Error("Failed to establish PostgreSQL connection after all retries")
		return nil, err
	}
	return pool, nil
}
