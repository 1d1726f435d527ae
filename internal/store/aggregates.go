package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// The batch tier accumulates counters in memory and flushes them here, one
// sorted multi-row upsert per table. Sorting by the composite key gives all
// concurrent flushers the same lock order, which prevents upsert deadlocks.

// StatDelta is one (project, bucket) counter increment.
type StatDelta struct {
	ProjectID int64
	Bucket    time.Time
	Count     int64
}

// UpsertProjectEventStats adds hourly accepted-event counts.
func (s *Store) UpsertProjectEventStats(ctx context.Context, deltas []StatDelta) error {
	return s.upsertStats(ctx, "project_event_stats", deltas)
}

// UpsertProjectTransactionStats adds hourly accepted-transaction counts.
func (s *Store) UpsertProjectTransactionStats(ctx context.Context, deltas []StatDelta) error {
	return s.upsertStats(ctx, "project_transaction_stats", deltas)
}

func (s *Store) upsertStats(ctx context.Context, table string, deltas []StatDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].ProjectID != deltas[j].ProjectID {
			return deltas[i].ProjectID < deltas[j].ProjectID
		}
		return deltas[i].Bucket.Before(deltas[j].Bucket)
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s (project_id, date, count) VALUES `, table)
	args := make([]interface{}, 0, len(deltas)*3)
	for i, d := range deltas {
		if i > 0 {
			sb.WriteByte(',')
		}
		writePlaceholders(&sb, i*3, 3)
		args = append(args, d.ProjectID, d.Bucket, d.Count)
	}
	fmt.Fprintf(&sb, ` ON CONFLICT (project_id, date) DO UPDATE SET count = %s.count + EXCLUDED.count`, table)

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

// IssueAggregateDelta is one (issue, hour) counter increment.
type IssueAggregateDelta struct {
	IssueID        int64
	OrganizationID int64
	Bucket         time.Time
	Count          int64
}

// UpsertIssueAggregates adds hourly per-issue counts.
func (s *Store) UpsertIssueAggregates(ctx context.Context, deltas []IssueAggregateDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].IssueID != deltas[j].IssueID {
			return deltas[i].IssueID < deltas[j].IssueID
		}
		return deltas[i].Bucket.Before(deltas[j].Bucket)
	})

	var sb strings.Builder
	sb.WriteString(`INSERT INTO issue_aggregates (issue_id, organization_id, date, count) VALUES `)
	args := make([]interface{}, 0, len(deltas)*4)
	for i, d := range deltas {
		if i > 0 {
			sb.WriteByte(',')
		}
		writePlaceholders(&sb, i*4, 4)
		args = append(args, d.IssueID, d.OrganizationID, d.Bucket, d.Count)
	}
	sb.WriteString(` ON CONFLICT (issue_id, date) DO UPDATE SET count = issue_aggregates.count + EXCLUDED.count`)

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert issue aggregates: %w", err)
	}
	return nil
}

// TagDelta is one (day, issue, key, value) tag occurrence increment.
type TagDelta struct {
	Day        time.Time
	IssueID    int64
	TagKeyID   int64
	TagValueID int64
	Count      int64
}

// UpsertIssueTags adds daily per-issue tag counts.
func (s *Store) UpsertIssueTags(ctx context.Context, deltas []TagDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	sort.Slice(deltas, func(i, j int) bool {
		a, b := deltas[i], deltas[j]
		if !a.Day.Equal(b.Day) {
			return a.Day.Before(b.Day)
		}
		if a.IssueID != b.IssueID {
			return a.IssueID < b.IssueID
		}
		if a.TagKeyID != b.TagKeyID {
			return a.TagKeyID < b.TagKeyID
		}
		return a.TagValueID < b.TagValueID
	})

	var sb strings.Builder
	sb.WriteString(`INSERT INTO issue_tags (date, issue_id, tag_key_id, tag_value_id, count) VALUES `)
	args := make([]interface{}, 0, len(deltas)*5)
	for i, d := range deltas {
		if i > 0 {
			sb.WriteByte(',')
		}
		writePlaceholders(&sb, i*5, 5)
		args = append(args, d.Day, d.IssueID, d.TagKeyID, d.TagValueID, d.Count)
	}
	sb.WriteString(` ON CONFLICT (date, issue_id, tag_key_id, tag_value_id) DO UPDATE SET count = issue_tags.count + EXCLUDED.count`)

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert issue tags: %w", err)
	}
	return nil
}

// TransactionAggregateDelta is one (group, minute) performance increment.
type TransactionAggregateDelta struct {
	GroupID        int64
	OrganizationID int64
	Bucket         time.Time
	Count          int64
	TotalDuration  float64
	SumSqDuration  float64
}

// UpsertTransactionAggregates adds per-minute duration aggregates. Sums and
// sums of squares accumulate so average and variance stay derivable without
// touching raw events.
func (s *Store) UpsertTransactionAggregates(ctx context.Context, deltas []TransactionAggregateDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].GroupID != deltas[j].GroupID {
			return deltas[i].GroupID < deltas[j].GroupID
		}
		return deltas[i].Bucket.Before(deltas[j].Bucket)
	})

	var sb strings.Builder
	sb.WriteString(`INSERT INTO transaction_group_aggregates
		(group_id, organization_id, date, count, total_duration_ms, sum_sq_duration_ms) VALUES `)
	args := make([]interface{}, 0, len(deltas)*6)
	for i, d := range deltas {
		if i > 0 {
			sb.WriteByte(',')
		}
		writePlaceholders(&sb, i*6, 6)
		args = append(args, d.GroupID, d.OrganizationID, d.Bucket, d.Count, d.TotalDuration, d.SumSqDuration)
	}
	sb.WriteString(` ON CONFLICT (group_id, date) DO UPDATE SET
		count = transaction_group_aggregates.count + EXCLUDED.count,
		total_duration_ms = transaction_group_aggregates.total_duration_ms + EXCLUDED.total_duration_ms,
		sum_sq_duration_ms = transaction_group_aggregates.sum_sq_duration_ms + EXCLUDED.sum_sq_duration_ms`)

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert transaction aggregates: %w", err)
	}
	return nil
}
