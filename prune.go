package authenticator

import (
	"context"
	"strconv"
)

// PruneExpired deletes family records that have passed both their own
// expiry and their latest refresh credential's expiry. The Redis store
// already applies per-record TTLs, so the sweep only picks up records whose
// TTL writes were lost or that predate TTL support. Returns the number of
// records removed.
func (g *Guard) PruneExpired(ctx context.Context) (int, error) {
	if g == nil {
		return 0, ErrGuardNotReady
	}

	pruned, err := g.store.DeleteWhere(ctx, g.now())
	if err != nil {
		return pruned, err
	}

	if pruned > 0 {
		g.metrics.Add(MetricFamiliesPruned, uint64(pruned))
		g.logger.Info("pruned expired token families", "count", pruned)
		g.emit(ctx, AuditEvent{
			EventType: AuditEventPrune,
			Success:   true,
			Metadata:  map[string]string{"count": strconv.Itoa(pruned)},
		})
	}

	return pruned, nil
}
