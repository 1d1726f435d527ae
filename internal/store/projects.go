package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/glitchtip/backend/internal/auth"
)

// ResolveDSN loads everything the gate needs about a (project id, public
// key) pair in one round trip. Implements auth.ProjectResolver.
func (s *Store) ResolveDSN(ctx context.Context, projectID int64, publicKey string) (*auth.ProjectInfo, error) {
	var row struct {
		ProjectID       int64      `db:"project_id"`
		OrganizationID  int64      `db:"organization_id"`
		ScrubIP         bool       `db:"scrub_ip"`
		ProjectThrottle int        `db:"project_throttle"`
		OrgThrottle     int        `db:"org_throttle"`
		OrgAccepting    bool       `db:"org_accepting"`
		FirstEvent      *time.Time `db:"first_event"`
	}
	const q = `
		SELECT p.id AS project_id,
		       p.organization_id,
		       (p.scrub_ip_addresses OR o.scrub_ip_addresses) AS scrub_ip,
		       p.event_throttle_rate AS project_throttle,
		       o.event_throttle_rate AS org_throttle,
		       o.is_accepting_events AS org_accepting,
		       p.first_event
		FROM project_keys k
		JOIN projects p ON p.id = k.project_id
		JOIN organizations o ON o.id = p.organization_id
		WHERE k.project_id = $1 AND k.public_key = $2 AND k.is_active`
	err := s.db.GetContext(ctx, &row, q, projectID, publicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve dsn: %w", err)
	}
	return &auth.ProjectInfo{
		ProjectID:       row.ProjectID,
		OrganizationID:  row.OrganizationID,
		ScrubIP:         row.ScrubIP,
		ProjectThrottle: row.ProjectThrottle,
		OrgThrottle:     row.OrgThrottle,
		OrgAccepting:    row.OrgAccepting,
		FirstEvent:      row.FirstEvent,
	}, nil
}

// MarkFirstEvent stamps the project's first-event time. The WHERE clause
// makes concurrent stamps last-writer-loses, which keeps the earliest value.
func (s *Store) MarkFirstEvent(ctx context.Context, projectID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET first_event = $2 WHERE id = $1 AND first_event IS NULL`,
		projectID, at)
	if err != nil {
		return fmt.Errorf("mark first event: %w", err)
	}
	return nil
}

// ReleaseIDs resolves release versions to ids, creating missing releases.
// Returns a version -> id map. DO UPDATE instead of DO NOTHING so existing
// rows still come back through RETURNING.
func (s *Store) ReleaseIDs(ctx context.Context, orgID int64, versions []string) (map[string]int64, error) {
	out := make(map[string]int64, len(versions))
	if len(versions) == 0 {
		return out, nil
	}
	const q = `
		INSERT INTO releases (organization_id, version)
		SELECT $1, v FROM unnest($2::text[]) AS v
		ON CONFLICT (organization_id, version) DO UPDATE SET version = EXCLUDED.version
		RETURNING id, version`
	rows, err := s.db.QueryxContext(ctx, q, orgID, pq.Array(versions))
	if err != nil {
		return nil, fmt.Errorf("upsert releases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var version string
		if err := rows.Scan(&id, &version); err != nil {
			return nil, err
		}
		out[version] = id
	}
	return out, rows.Err()
}
