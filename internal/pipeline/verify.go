package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"deviceimport/internal/storage"
)

// ErrVerifyFailed is returned when a table is still empty after every
// verification attempt.
var ErrVerifyFailed = errors.New("import verification failed")

// VerifyImport counts the rows of tables (every table when empty) and
// succeeds once each has at least one row. Counting is retried with a fixed
// delay, since other writers may still be committing.
func (r *Runner) VerifyImport(ctx context.Context, tables []string) (map[string]int64, error) {
	if len(tables) == 0 {
		for _, spec := range storage.Catalog() {
			tables = append(tables, spec.Name)
		}
	}
	repo, err := r.repository(ctx)
	if err != nil {
		return nil, err
	}

	attempts := r.Options.VerifyAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := r.Options.VerifyDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	counts := make(map[string]int64, len(tables))
	op := func() error {
		var empty []string
		for _, t := range tables {
			n, err := repo.CountRows(ctx, t)
			if err != nil {
				return fmt.Errorf("count %s: %w", t, err)
			}
			counts[t] = n
			r.Log.Info().Str("table", t).Int64("rows", n).Msg("verify")
			if n == 0 {
				empty = append(empty, t)
			}
		}
		if len(empty) > 0 {
			return fmt.Errorf("%w: empty tables %v", ErrVerifyFailed, empty)
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)), ctx)
	err = backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		r.Log.Warn().Err(err).Dur("wait", wait).Msg("verification incomplete, retrying")
	})
	return counts, err
}
