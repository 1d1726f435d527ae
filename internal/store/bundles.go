package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/glitchtip/backend/internal/symbolicate"
)

// FetchBundles loads candidate source-map bundles for one batch in a single
// query: any bundle in the organization matching a debug id, or matching a
// minified file name within the batch's releases. Bundles not pinned to a
// release match any of them. Implements symbolicate.BundleSource.
func (s *Store) FetchBundles(ctx context.Context, orgID int64, debugIDs []string, fileNames []string, releaseIDs []int64) ([]*symbolicate.Bundle, error) {
	if len(debugIDs) == 0 && len(fileNames) == 0 {
		return nil, nil
	}
	const q = `
		SELECT id, COALESCE(debug_id, '') AS debug_id, COALESCE(release_id, 0) AS release_id,
		       file_name, code_file, source_map
		FROM debug_symbol_bundles
		WHERE organization_id = $1
		  AND (debug_id = ANY($2)
		       OR (file_name = ANY($3) AND (release_id IS NULL OR release_id = ANY($4))))`
	rows, err := s.db.QueryxContext(ctx, q, orgID, pq.Array(debugIDs), pq.Array(fileNames), pq.Array(releaseIDs))
	if err != nil {
		return nil, fmt.Errorf("fetch bundles: %w", err)
	}
	defer rows.Close()

	var out []*symbolicate.Bundle
	for rows.Next() {
		b := &symbolicate.Bundle{}
		if err := rows.Scan(&b.ID, &b.DebugID, &b.ReleaseID, &b.FileName, &b.CodeFile, &b.SourceMap); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// TouchBundles refreshes last_used for bundles resolved today, at most once
// per day per bundle. SKIP LOCKED lets concurrent flushes pass each other
// without queueing on the same rows.
func (s *Store) TouchBundles(ctx context.Context, bundleIDs []int64, now time.Time) error {
	if len(bundleIDs) == 0 {
		return nil
	}
	const q = `
		UPDATE debug_symbol_bundles SET last_used = $2
		WHERE id IN (
			SELECT id FROM debug_symbol_bundles
			WHERE id = ANY($1) AND last_used < $2::timestamptz - interval '24 hours'
			FOR UPDATE SKIP LOCKED
		)`
	if _, err := s.db.ExecContext(ctx, q, pq.Array(bundleIDs), now); err != nil {
		return fmt.Errorf("touch bundles: %w", err)
	}
	return nil
}
