package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// insertBatchCols keeps multi-row inserts under the Postgres 65535 bind
// parameter limit with room to spare.
const insertBatchRows = 500

// InsertEvents bulk-inserts a batch of error events. The primary key covers
// (event_id, received); replays inside the same partition are dropped by
// ON CONFLICT DO NOTHING, backing up the cache-tier dedup.
func (s *Store) InsertEvents(ctx context.Context, rows []EventRow) error {
	for start := 0; start < len(rows); start += insertBatchRows {
		end := start + insertBatchRows
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.insertEventChunk(ctx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertEventChunk(ctx context.Context, rows []EventRow) error {
	const cols = 12
	var sb strings.Builder
	sb.WriteString(`INSERT INTO issue_events
		(event_id, received, issue_id, type, level, occurred_at, title, transaction_name, release_id, tags, data, hashes)
		VALUES `)
	args := make([]interface{}, 0, len(rows)*cols)
	for i, r := range rows {
		if i > 0 {
			sb.WriteByte(',')
		}
		writePlaceholders(&sb, i*cols, cols)
		args = append(args, r.EventID, r.Received, r.IssueID, r.Type, r.Level,
			r.OccurredAt, r.Title, r.Transaction, r.ReleaseID, r.Tags, r.Data, r.Hashes)
	}
	sb.WriteString(` ON CONFLICT (event_id, received) DO NOTHING`)

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

// InsertTransactions bulk-inserts performance transactions.
func (s *Store) InsertTransactions(ctx context.Context, rows []TransactionRow) error {
	const cols = 7
	for start := 0; start < len(rows); start += insertBatchRows {
		end := start + insertBatchRows
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO transaction_events
			(event_id, received, group_id, occurred_at, duration_ms, tags, data)
			VALUES `)
		args := make([]interface{}, 0, len(chunk)*cols)
		for i, r := range chunk {
			if i > 0 {
				sb.WriteByte(',')
			}
			writePlaceholders(&sb, i*cols, cols)
			args = append(args, r.EventID, r.Received, r.GroupID, r.OccurredAt, r.DurationMS, r.Tags, r.Data)
		}
		sb.WriteString(` ON CONFLICT (event_id, received) DO NOTHING`)

		if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("insert transactions: %w", err)
		}
	}
	return nil
}

// GetOrCreateTransactionGroup interns a (project, transaction, op, method)
// group row.
func (s *Store) GetOrCreateTransactionGroup(ctx context.Context, projectID int64, transaction, op, method string) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO transaction_groups (project_id, transaction_name, op, method)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, transaction_name, op, method)
		DO UPDATE SET transaction_name = EXCLUDED.transaction_name
		RETURNING id`, projectID, transaction, op, method)
	if err != nil {
		return 0, fmt.Errorf("transaction group: %w", err)
	}
	return id, nil
}

// InternTags resolves tag keys and values to their interned ids, inserting
// missing ones. Inputs must be sorted; the stable insert order keeps
// concurrent batches from deadlocking on the unique indexes.
func (s *Store) InternTags(ctx context.Context, keys, values []string) (keyIDs, valueIDs map[string]int64, err error) {
	keyIDs, err = s.internStrings(ctx, "tag_keys", "key", keys)
	if err != nil {
		return nil, nil, err
	}
	valueIDs, err = s.internStrings(ctx, "tag_values", "value", values)
	if err != nil {
		return nil, nil, err
	}
	return keyIDs, valueIDs, nil
}

func (s *Store) internStrings(ctx context.Context, table, col string, vals []string) (map[string]int64, error) {
	out := make(map[string]int64, len(vals))
	if len(vals) == 0 {
		return out, nil
	}
	q := fmt.Sprintf(`
		INSERT INTO %s (%s)
		SELECT v FROM unnest($1::text[]) AS v
		ON CONFLICT (%s) DO UPDATE SET %s = EXCLUDED.%s
		RETURNING id, %s`, table, col, col, col, col, col)
	rows, err := s.db.QueryxContext(ctx, q, pq.Array(vals))
	if err != nil {
		return nil, fmt.Errorf("intern %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var v string
		if err := rows.Scan(&id, &v); err != nil {
			return nil, err
		}
		out[v] = id
	}
	return out, rows.Err()
}

// writePlaceholders appends "($n+1, $n+2, ...)" to sb.
func writePlaceholders(sb *strings.Builder, offset, n int) {
	sb.WriteByte('(')
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(sb, "$%d", offset+i+1)
	}
	sb.WriteByte(')')
}
