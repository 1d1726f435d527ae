package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// pgUniqueViolation is the Postgres error code for unique constraint hits.
const pgUniqueViolation = "23505"

// LoadHashes fetches the issue-hash rows for a set of (project, fingerprint)
// pairs in one query, joined with the issue status so callers can detect
// resolved issues that need reopening.
func (s *Store) LoadHashes(ctx context.Context, projectIDs []int64, values []string) (map[string]IssueHash, error) {
	if len(values) == 0 {
		return map[string]IssueHash{}, nil
	}
	const q = `
		SELECT h.project_id, h.value, h.issue_id, i.status
		FROM issue_hashes h
		JOIN issues i ON i.id = h.issue_id
		WHERE h.project_id = ANY($1) AND h.value = ANY($2) AND NOT i.is_deleted`
	var rows []IssueHash
	if err := s.db.SelectContext(ctx, &rows, q, pq.Array(projectIDs), pq.Array(values)); err != nil {
		return nil, fmt.Errorf("load hashes: %w", err)
	}
	out := make(map[string]IssueHash, len(rows))
	for _, r := range rows {
		out[hashKey(r.ProjectID, r.Value)] = r
	}
	return out, nil
}

// hashKey is the map key for a (project, fingerprint) pair.
func hashKey(projectID int64, value string) string {
	return fmt.Sprintf("%d:%s", projectID, value)
}

// NewIssue carries the fields of an issue about to be created.
type NewIssue struct {
	ProjectID int64
	Type      string
	Title     string
	Culprit   string
	Level     string
	Metadata  IssueMetadata
	Hash      string
	Seen      time.Time
}

// GetOrCreateIssue creates the issue and its hash row in one transaction,
// allocating the next per-project short id. When a concurrent worker wins
// the race on the hash's unique index the transaction rolls back and the
// winner's issue id is read instead; exactly one issue per fingerprint
// survives.
func (s *Store) GetOrCreateIssue(ctx context.Context, in NewIssue) (issueID int64, created bool, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if !created {
			tx.Rollback()
		}
	}()

	var shortID int64
	err = tx.GetContext(ctx, &shortID, `
		INSERT INTO project_counters (project_id, value) VALUES ($1, 1)
		ON CONFLICT (project_id) DO UPDATE SET value = project_counters.value + 1
		RETURNING value`, in.ProjectID)
	if err != nil {
		return 0, false, fmt.Errorf("next short id: %w", err)
	}

	err = tx.GetContext(ctx, &issueID, `
		INSERT INTO issues (project_id, short_id, type, title, culprit, metadata, level, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING id`,
		in.ProjectID, shortID, in.Type, in.Title, in.Culprit, in.Metadata.Marshal(), in.Level, in.Seen)
	if err != nil {
		return 0, false, fmt.Errorf("insert issue: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO issue_hashes (project_id, value, issue_id) VALUES ($1, $2, $3)`,
		in.ProjectID, in.Hash, issueID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			tx.Rollback()
			return s.lookupHash(ctx, in.ProjectID, in.Hash)
		}
		return 0, false, fmt.Errorf("insert hash: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}
	return issueID, true, nil
}

func (s *Store) lookupHash(ctx context.Context, projectID int64, value string) (int64, bool, error) {
	var issueID int64
	err := s.db.GetContext(ctx, &issueID,
		`SELECT issue_id FROM issue_hashes WHERE project_id = $1 AND value = $2`,
		projectID, value)
	if err != nil {
		return 0, false, fmt.Errorf("lookup hash after conflict: %w", err)
	}
	return issueID, false, nil
}

// ReopenIssues flips resolved issues back to unresolved and deletes
// outstanding notifications referencing them, so regressions alert again.
func (s *Store) ReopenIssues(ctx context.Context, issueIDs []int64) error {
	if len(issueIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE issues SET status = $1 WHERE id = ANY($2) AND status <> $1`,
		IssueUnresolved, pq.Array(issueIDs))
	if err != nil {
		return fmt.Errorf("reopen issues: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE id IN (
			SELECT notification_id FROM notification_issues WHERE issue_id = ANY($1)
		)`, pq.Array(issueIDs))
	if err != nil {
		return fmt.Errorf("clear notifications: %w", err)
	}
	return tx.Commit()
}

// IssueDelta is the per-batch increment applied to one issue.
type IssueDelta struct {
	IssueID    int64
	Count      int64
	LastSeen   time.Time
	Level      string
	SearchText string
}

// ApplyIssueDeltas bumps count and last_seen and appends new search lexemes
// for every issue touched by a batch. Deltas must arrive sorted by issue id;
// updating in a stable order avoids deadlocks between concurrent batches.
func (s *Store) ApplyIssueDeltas(ctx context.Context, deltas []IssueDelta, maxLexemes int) error {
	if len(deltas) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		UPDATE issues SET
			count = count + $2,
			last_seen = GREATEST(last_seen, $3),
			level = $4,
			search_vector = issue_search_vector_append(search_vector, $5, $6)
		WHERE id = $1`)
	if err != nil {
		return fmt.Errorf("prepare issue delta: %w", err)
	}
	defer stmt.Close()

	for _, d := range deltas {
		if _, err := stmt.ExecContext(ctx, d.IssueID, d.Count, d.LastSeen, d.Level, d.SearchText, maxLexemes); err != nil {
			return fmt.Errorf("apply issue delta %d: %w", d.IssueID, err)
		}
	}
	return tx.Commit()
}

// PurgeDeletedIssues hard-deletes soft-deleted issues. Hash and notification
// rows go with them via cascade, so a recurring error starts a fresh issue.
// Runs inside the daily maintenance task, not on the delete request itself.
func (s *Store) PurgeDeletedIssues(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM issues WHERE is_deleted`)
	if err != nil {
		return 0, fmt.Errorf("purge deleted issues: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// IssueProjects maps issue ids to their project ids. Used by the alert
// evaluator to route recent issues to rules.
func (s *Store) IssueProjects(ctx context.Context, issueIDs []int64) (map[int64]int64, error) {
	if len(issueIDs) == 0 {
		return map[int64]int64{}, nil
	}
	var rows []struct {
		ID        int64 `db:"id"`
		ProjectID int64 `db:"project_id"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, project_id FROM issues WHERE id = ANY($1) AND NOT is_deleted`,
		pq.Array(issueIDs))
	if err != nil {
		return nil, fmt.Errorf("issue projects: %w", err)
	}
	out := make(map[int64]int64, len(rows))
	for _, r := range rows {
		out[r.ID] = r.ProjectID
	}
	return out, nil
}

// IssueSummaries loads the notification view of a set of issues. The latest
// event of each issue contributes its tags, so payloads can show environment,
// release and server name.
func (s *Store) IssueSummaries(ctx context.Context, issueIDs []int64) ([]IssueSummary, error) {
	if len(issueIDs) == 0 {
		return nil, nil
	}
	const q = `
		SELECT i.id, i.short_id, i.title, i.culprit, i.level, i.count, i.first_seen,
		       i.project_id, p.slug AS project_slug, o.slug AS org_slug,
		       COALESCE(le.tags->>'environment', '') AS environment,
		       COALESCE(le.tags->>'release', '') AS release,
		       COALESCE(le.tags->>'server_name', '') AS server_name,
		       COALESCE(le.tags, '{}'::jsonb) AS latest_tags
		FROM issues i
		JOIN projects p ON p.id = i.project_id
		JOIN organizations o ON o.id = p.organization_id
		LEFT JOIN LATERAL (
			SELECT e.tags FROM issue_events e
			WHERE e.issue_id = i.id
			ORDER BY e.received DESC
			LIMIT 1
		) le ON TRUE
		WHERE i.id = ANY($1)
		ORDER BY i.id`
	var rows []IssueSummary
	if err := s.db.SelectContext(ctx, &rows, q, pq.Array(issueIDs)); err != nil {
		return nil, fmt.Errorf("issue summaries: %w", err)
	}
	return rows, nil
}
