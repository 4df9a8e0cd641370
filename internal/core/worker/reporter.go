package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/retrier/internal/infra/storage"
	"github.com/vietddude/retrier/internal/metrics"
)

// Reporter periodically publishes the number of stored pending operations.
type Reporter struct {
	repo         storage.PendingRepository
	operationIDs []string
	interval     time.Duration
}

// NewReporter creates a new Reporter worker.
func NewReporter(repo storage.PendingRepository, operationIDs []string, interval time.Duration) *Reporter {
	return &Reporter{
		repo:         repo,
		operationIDs: operationIDs,
		interval:     interval,
	}
}

// Start runs the reporter loop.
func (r *Reporter) Start(ctx context.Context) {
	if r.interval <= 0 {
		return // Reporting disabled
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Initial report
	r.report(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

func (r *Reporter) report(ctx context.Context) {
	for _, id := range r.operationIDs {
		recs, err := r.repo.FindByOperationID(ctx, id)
		if err != nil {
			slog.Error("[Reporter] failed to count pending operations", "operation_id", id, "error", err)
			continue
		}
		metrics.PendingOperations.WithLabelValues(id).Set(float64(len(recs)))
	}
}
