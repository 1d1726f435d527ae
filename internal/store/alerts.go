package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ActiveRulesForProjects loads the active event alert rules of a set of
// projects together with their recipients. Uptime rules are excluded; the
// uptime monitor evaluates those.
func (s *Store) ActiveRulesForProjects(ctx context.Context, projectIDs []int64) ([]*AlertRule, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	var rules []*AlertRule
	err := s.db.SelectContext(ctx, &rules, `
		SELECT id, project_id, name, timespan_minutes, quantity, is_uptime
		FROM alert_rules
		WHERE project_id = ANY($1) AND is_active AND NOT is_uptime
		ORDER BY id`, pq.Array(projectIDs))
	if err != nil {
		return nil, fmt.Errorf("load alert rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}

	ruleIDs := make([]int64, len(rules))
	byID := make(map[int64]*AlertRule, len(rules))
	for i, r := range rules {
		ruleIDs[i] = r.ID
		byID[r.ID] = r
	}

	var recipients []AlertRecipient
	err = s.db.SelectContext(ctx, &recipients, `
		SELECT id, alert_rule_id, recipient_type, url, tags_to_add
		FROM alert_recipients
		WHERE alert_rule_id = ANY($1)
		ORDER BY id`, pq.Array(ruleIDs))
	if err != nil {
		return nil, fmt.Errorf("load alert recipients: %w", err)
	}
	for _, rec := range recipients {
		rule := byID[rec.AlertRuleID]
		rule.Recipients = append(rule.Recipients, rec)
	}
	return rules, nil
}

// CountEventsForRule counts events per candidate issue inside the rule's
// window, excluding issues this rule has already notified about. The
// exclusion makes evaluation idempotent: a firing issue alerts once until
// its notification is cleared (resolution reopen path).
func (s *Store) CountEventsForRule(ctx context.Context, ruleID int64, issueIDs []int64, since time.Time) (map[int64]int64, error) {
	if len(issueIDs) == 0 {
		return map[int64]int64{}, nil
	}
	const q = `
		SELECT e.issue_id, count(*) AS count
		FROM issue_events e
		WHERE e.issue_id = ANY($1)
		  AND e.received >= $2
		  AND e.issue_id NOT IN (
			SELECT ni.issue_id
			FROM notification_issues ni
			JOIN notifications n ON n.id = ni.notification_id
			WHERE n.alert_rule_id = $3
		  )
		GROUP BY e.issue_id`
	rows, err := s.db.QueryxContext(ctx, q, pq.Array(issueIDs), since, ruleID)
	if err != nil {
		return nil, fmt.Errorf("count events for rule %d: %w", ruleID, err)
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var issueID, count int64
		if err := rows.Scan(&issueID, &count); err != nil {
			return nil, err
		}
		out[issueID] = count
	}
	return out, rows.Err()
}

// CreateNotification records that the rule fired for these issues. The
// notification rows are what CountEventsForRule later excludes on.
func (s *Store) CreateNotification(ctx context.Context, ruleID int64, issueIDs []int64) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.GetContext(ctx, &id,
		`INSERT INTO notifications (alert_rule_id) VALUES ($1) RETURNING id`, ruleID)
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}
	for _, issueID := range issueIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO notification_issues (notification_id, issue_id) VALUES ($1, $2)`,
			id, issueID)
		if err != nil {
			return 0, fmt.Errorf("insert notification issue: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// MarkNotificationSent flips the sent flag after dispatch.
func (s *Store) MarkNotificationSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_sent = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	return nil
}

// ThrottledOrganizations lists organizations with a nonzero throttle, for
// the periodic audit pass.
func (s *Store) ThrottledOrganizations(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM organizations
		WHERE event_throttle_rate > 0 OR NOT is_accepting_events`)
	if err != nil {
		return nil, fmt.Errorf("throttled organizations: %w", err)
	}
	return ids, nil
}
