package auth

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/glitchtip/backend/internal/cachekv"
)

// reauditTTL bounds how long queued org ids survive without a billing
// consumer popping them.
const reauditTTL = 72 * time.Hour

// ReauditQueue hands organization ids to the billing service for plan
// re-evaluation. The handoff is a cache-tier set the billing side pops, so
// sampled hits on the hot path and the periodic full audit both cost one
// set-add here. Ids deduplicate in the set; repeated enqueues are cheap.
type ReauditQueue struct {
	cache  cachekv.Cache
	logger *slog.Logger
}

func NewReauditQueue(cache cachekv.Cache) *ReauditQueue {
	return &ReauditQueue{
		cache:  cache,
		logger: slog.With("component", "reaudit"),
	}
}

// Enqueue marks one organization for plan re-evaluation.
func (q *ReauditQueue) Enqueue(ctx context.Context, orgID int64) {
	q.EnqueueAll(ctx, []int64{orgID})
}

// EnqueueAll marks a batch of organizations for plan re-evaluation.
func (q *ReauditQueue) EnqueueAll(ctx context.Context, orgIDs []int64) {
	if len(orgIDs) == 0 {
		return
	}
	members := make([]string, len(orgIDs))
	for i, id := range orgIDs {
		members[i] = strconv.FormatInt(id, 10)
	}
	if err := q.cache.SetAdd(ctx, cachekv.KeyThrottleReaudit, reauditTTL, members...); err != nil {
		q.logger.Warn("reaudit enqueue failed", "orgs", len(orgIDs), "error", err)
	}
}
