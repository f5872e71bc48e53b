package maintain

import (
	"context"
	"log/slog"
)

// runAuditPrune bounds the request and operation audit tables by age and row
// count.
func (r *Runner) runAuditPrune(ctx context.Context) error {
	removed, err := r.store.PruneAuditEvents(ctx, r.cfg.AuditMaxAge, r.cfg.AuditMaxRows)
	if err != nil {
		return err
	}
	if removed > 0 {
		slog.Info("pruned audit events", "removed", removed)
	}
	return nil
}
