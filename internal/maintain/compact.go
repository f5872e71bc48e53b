package maintain

import (
	"context"
	"log/slog"
)

// runCompact collapses superseded change history for commits older than the
// compact horizon. Commit rows survive so sequences stay dense; only obsolete
// per-row change history goes. The horizon is wall-clock based, so a skewed
// clock skips the run.
func (r *Runner) runCompact(ctx context.Context) error {
	if !r.clockHealthy() {
		slog.Warn("skipping compact: clock unhealthy")
		return nil
	}

	partitions, err := r.store.Partitions(ctx)
	if err != nil {
		return err
	}
	cutoffTime := r.now().Add(-r.cfg.CompactHorizon)

	for _, partition := range partitions {
		cutoff, ok, err := r.store.SeqAtOrBefore(ctx, partition, cutoffTime)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		removed, err := r.store.CompactBefore(ctx, partition, cutoff)
		if err != nil {
			return err
		}
		if removed > 0 {
			slog.Info("compacted change history", "partition", partition, "cutoff", cutoff, "removed", removed)
		}
	}
	return nil
}
