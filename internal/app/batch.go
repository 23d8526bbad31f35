package app

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

// BatchReport summarises one sweep pass.
type BatchReport struct {
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
}

func (r *BatchReport) add(o BatchReport) {
	r.Total += o.Total
	r.Succeeded += o.Succeeded
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

const (
	defaultBatchSize   = 200
	defaultConcurrency = 8
)

// runBatch applies fn to every item with at most limit in flight. A failing
// item is logged and counted; it never stops the rest of the batch.
// fn reports changed=false for rows that were already resolved.
func runBatch[T any](ctx context.Context, logger *zap.Logger, op string, items []T, limit int, key func(T) string, fn func(ctx context.Context, item T) (bool, error)) BatchReport {
	if limit <= 0 {
		limit = defaultConcurrency
	}
	var succeeded, skipped, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		g.Go(func() error {
			if gctx.Err() != nil {
				skipped.Add(1)
				return nil
			}
			changed, err := fn(gctx, item)
			switch {
			case err != nil:
				failed.Add(1)
				logger.Warn("sweep row failed",
					zap.String("op", op),
					zap.String("id", key(item)),
					zap.String("kind", domain.Kind(err)),
					zap.Error(err),
				)
			case changed:
				succeeded.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return BatchReport{
		Total:     len(items),
		Succeeded: int(succeeded.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}
}

func idOf(id string) string { return id }
