package session

import (
	"context"
	"log/slog"
	"time"
)

const janitorInterval = 5 * time.Minute

// StartJanitor runs a background goroutine that periodically sweeps stale
// draft sessions. Finished sessions keyed by request ID are kept; only
// drafts that never got a request assigned expire.
func StartJanitor(ctx context.Context, store *Store, draftTTL time.Duration) {
	ticker := time.NewTicker(janitorInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Draft janitor started", "interval", janitorInterval, "ttl", draftTTL)

		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().Add(-draftTTL)
				purged, err := store.PurgeStaleDrafts(ctx, cutoff)
				if err != nil {
					slog.Error("Draft janitor sweep failed", "error", err)
					continue
				}
				if purged > 0 {
					slog.Info("Draft janitor purged stale drafts", "count", purged)
				}
			case <-ctx.Done():
				slog.Info("Draft janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
