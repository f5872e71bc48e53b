package maintain

import (
	"context"
	"log/slog"
)

// runPrune deletes commits below a per-partition watermark. The watermark is
// the lowest of: the oldest active client cursor, the sequence reached at
// now-ActiveWindow, and the keep-newest safety floor. Partitions with no
// active cursors prune by FallbackMaxAge alone. Age-based inputs require a
// healthy clock.
func (r *Runner) runPrune(ctx context.Context) error {
	partitions, err := r.store.Partitions(ctx)
	if err != nil {
		return err
	}
	clockOK := r.clockHealthy()
	now := r.now()

	for _, partition := range partitions {
		watermark := int64(-1)

		oldestActive, hasActive, err := r.store.OldestActiveCursor(ctx, partition, now.Add(-r.cfg.ActiveWindow))
		if err != nil {
			return err
		}
		if hasActive {
			watermark = oldestActive
		}

		if clockOK {
			ageSeq, ok, err := r.store.SeqAtOrBefore(ctx, partition, now.Add(-r.cfg.ActiveWindow))
			if err != nil {
				return err
			}
			if ok && (watermark < 0 || ageSeq < watermark) {
				watermark = ageSeq
			}
			if !hasActive && watermark < 0 {
				fallback, ok, err := r.store.SeqAtOrBefore(ctx, partition, now.Add(-r.cfg.FallbackMaxAge))
				if err != nil {
					return err
				}
				if ok {
					watermark = fallback
				}
			}
		} else if !hasActive {
			slog.Warn("skipping age-based prune: clock unhealthy", "partition", partition)
			continue
		}

		if watermark < 0 {
			continue
		}

		if floor, ok, err := r.store.NthNewestSeq(ctx, partition, r.cfg.KeepNewestCommits); err != nil {
			return err
		} else if ok && floor < watermark {
			watermark = floor
		}

		removed, err := r.store.PruneBelow(ctx, partition, watermark)
		if err != nil {
			return err
		}
		if removed > 0 {
			slog.Info("pruned commits", "partition", partition, "watermark", watermark, "removed", removed)
		}
	}
	return nil
}
