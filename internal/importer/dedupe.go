package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"deviceimport/internal/metrics"
	"deviceimport/internal/storage"
	"deviceimport/pkg/records"
)

// Deduplicate removes rows of spec's table that share a content hash with a
// row of smaller id. Rows without a hash are left alone. A lock conflict is
// retried under retry like an insert batch.
func Deduplicate(ctx context.Context, repo storage.MultiRepository, spec storage.TableSpec, retry Retry) (int64, error) {
	if repo == nil {
		return 0, fmt.Errorf("dedupe: repo is required")
	}
	start := time.Now()

	var removed int64
	op := func() error {
		var err error
		removed, err = repo.DeleteDuplicates(ctx, spec.Name, records.HashColumn, records.IDColumn)
		if err != nil && !storage.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, retry.withDefaults().backOff(ctx))
	metrics.RecordStep("dedupe", err, time.Since(start))
	if err != nil {
		return 0, fmt.Errorf("dedupe %s: %w", spec.Name, err)
	}
	metrics.RecordDedup(spec.Name, removed)
	return removed, nil
}
