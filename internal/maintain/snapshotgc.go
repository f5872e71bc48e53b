package maintain

import (
	"context"
	"log/slog"
)

// runSnapshotGC removes expired snapshot chunks; the chunk store also drops
// payload blobs no surviving chunk references.
func (r *Runner) runSnapshotGC(ctx context.Context) error {
	if r.chunks == nil {
		return nil
	}
	removed, err := r.chunks.CleanupExpired(ctx, r.now())
	if err != nil {
		return err
	}
	if removed > 0 {
		slog.Info("expired snapshot chunks", "removed", removed)
	}
	return nil
}
