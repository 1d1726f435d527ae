package store

import (
	"context"
	"fmt"
	"time"
)

// partitionSpec describes one time-partitioned parent table.
type partitionSpec struct {
	table  string
	weekly bool // default is daily
}

// Event tables partition by day; statistic tables by week.
var partitionSpecs = []partitionSpec{
	{table: "issue_events"},
	{table: "transaction_events"},
	{table: "issue_tags", weekly: true},
	{table: "project_event_stats", weekly: true},
	{table: "project_transaction_stats", weekly: true},
}

// EnsurePartitions creates partitions from today through leadDays ahead so
// inserts never land on a missing partition. Runs at startup and daily.
func (s *Store) EnsurePartitions(ctx context.Context, now time.Time, leadDays int) error {
	for _, spec := range partitionSpecs {
		if err := s.ensureTablePartitions(ctx, spec, now, leadDays); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureTablePartitions(ctx context.Context, spec partitionSpec, now time.Time, leadDays int) error {
	step := 24 * time.Hour
	start := now.UTC().Truncate(step)
	if spec.weekly {
		start = weekStart(start)
		step = 7 * 24 * time.Hour
	}
	end := now.UTC().Add(time.Duration(leadDays) * 24 * time.Hour)

	for at := start; !at.After(end); at = at.Add(step) {
		name := partitionName(spec.table, at, spec.weekly)
		q := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
			name, spec.table,
			at.Format("2006-01-02"), at.Add(step).Format("2006-01-02"))
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create partition %s: %w", name, err)
		}
	}
	return nil
}

// DropExpiredPartitions detaches and drops partitions entirely older than
// the retention window. Whole-partition drops make purging O(1) in row
// count.
func (s *Store) DropExpiredPartitions(ctx context.Context, now time.Time, retentionDays int) error {
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)
	const q = `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = $1`
	for _, spec := range partitionSpecs {
		var names []string
		if err := s.db.SelectContext(ctx, &names, q, spec.table); err != nil {
			return fmt.Errorf("list partitions of %s: %w", spec.table, err)
		}
		for _, name := range names {
			end, ok := partitionEnd(spec.table, name, spec.weekly)
			if !ok || !end.Before(cutoff) {
				continue
			}
			if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
				return fmt.Errorf("drop partition %s: %w", name, err)
			}
			s.logger.Info("dropped expired partition", "table", name)
		}
	}
	return nil
}

func partitionName(table string, at time.Time, weekly bool) string {
	if weekly {
		at = weekStart(at)
	}
	return fmt.Sprintf("%s_%s", table, at.Format("20060102"))
}

// partitionEnd recovers the exclusive upper bound from a partition's name.
func partitionEnd(table, name string, weekly bool) (time.Time, bool) {
	suffix := name[len(table):]
	if len(suffix) != 9 || suffix[0] != '_' {
		return time.Time{}, false
	}
	start, err := time.Parse("20060102", suffix[1:])
	if err != nil {
		return time.Time{}, false
	}
	if weekly {
		return start.AddDate(0, 0, 7), true
	}
	return start.AddDate(0, 0, 1), true
}

// weekStart truncates to the preceding Monday.
func weekStart(t time.Time) time.Time {
	t = t.Truncate(24 * time.Hour)
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset)
}

// PurgeExpiredAggregates removes non-partitioned aggregate rows past
// retention.
func (s *Store) PurgeExpiredAggregates(ctx context.Context, now time.Time, retentionDays int) error {
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)
	for _, table := range []string{"issue_aggregates", "transaction_group_aggregates"} {
		q := fmt.Sprintf(`DELETE FROM %s WHERE date < $1`, table)
		if _, err := s.db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("purge %s: %w", table, err)
		}
	}
	return nil
}
