package alerts

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/glitchtip/backend/internal/cachekv"
	"github.com/glitchtip/backend/internal/metrics"
	"github.com/glitchtip/backend/internal/store"
)

// Evaluator pops the recent-issues set each tick and checks the alert rules
// of the affected projects. Only issues active since the last tick are
// considered, so a tick's cost scales with traffic, not with table size.
type Evaluator struct {
	store    *store.Store
	cache    cachekv.Cache
	notifier *Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewEvaluator(st *store.Store, cache cachekv.Cache, n *Notifier, m *metrics.Metrics) *Evaluator {
	return &Evaluator{
		store:    st,
		cache:    cache,
		notifier: n,
		metrics:  m,
		logger:   slog.With("component", "alerts"),
	}
}

// Run ticks until the context is canceled.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.logger.Error("alert evaluation failed", "error", err)
			}
		}
	}
}

// Tick runs one evaluation pass.
func (e *Evaluator) Tick(ctx context.Context) error {
	members, err := e.cache.SetPopAll(ctx, cachekv.KeyRecentIssues)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}

	issueIDs := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		issueIDs = append(issueIDs, id)
	}

	issueProjects, err := e.store.IssueProjects(ctx, issueIDs)
	if err != nil {
		return err
	}
	projectIssues := map[int64][]int64{}
	for issueID, projectID := range issueProjects {
		projectIssues[projectID] = append(projectIssues[projectID], issueID)
	}
	projectIDs := make([]int64, 0, len(projectIssues))
	for id := range projectIssues {
		projectIDs = append(projectIDs, id)
	}
	sort.Slice(projectIDs, func(i, j int) bool { return projectIDs[i] < projectIDs[j] })

	rules, err := e.store.ActiveRulesForProjects(ctx, projectIDs)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, rule := range rules {
		if err := e.evaluateRule(ctx, rule, projectIssues[rule.ProjectID], now); err != nil {
			e.logger.Error("rule evaluation failed", "rule_id", rule.ID, "error", err)
		}
	}
	return nil
}

// evaluateRule fires the rule for candidate issues whose event count inside
// the window reaches the threshold. Issues already notified by this rule
// are excluded by the count query, so repeat activity cannot re-fire until
// the issue is resolved and regresses.
func (e *Evaluator) evaluateRule(ctx context.Context, rule *store.AlertRule, candidates []int64, now time.Time) error {
	if len(candidates) == 0 {
		return nil
	}
	since := now.Add(-time.Duration(rule.TimespanMinutes) * time.Minute)
	counts, err := e.store.CountEventsForRule(ctx, rule.ID, candidates, since)
	if err != nil {
		return err
	}

	var firing []int64
	for issueID, count := range counts {
		if count >= int64(rule.Quantity) {
			firing = append(firing, issueID)
		}
	}
	if len(firing) == 0 {
		return nil
	}
	sort.Slice(firing, func(i, j int) bool { return firing[i] < firing[j] })

	notificationID, err := e.store.CreateNotification(ctx, rule.ID, firing)
	if err != nil {
		return err
	}
	e.metrics.AlertsFired.Inc()

	summaries, err := e.store.IssueSummaries(ctx, firing)
	if err != nil {
		return err
	}
	for _, recipient := range rule.Recipients {
		e.notifier.Dispatch(Delivery{
			NotificationID: notificationID,
			RuleName:       rule.Name,
			Recipient:      recipient,
			Issues:         summaries,
		})
	}
	e.logger.Info("alert fired", "rule_id", rule.ID, "issues", len(firing))
	return nil
}
