package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glitchtip/backend/internal/auth"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewFromDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestResolveDSN(t *testing.T) {
	s, mock := mockStore(t)
	first := time.Now().UTC()

	mock.ExpectQuery(`SELECT p\.id AS project_id`).
		WithArgs(int64(5), "abc").
		WillReturnRows(sqlmock.NewRows([]string{
			"project_id", "organization_id", "scrub_ip",
			"project_throttle", "org_throttle", "org_accepting", "first_event",
		}).AddRow(5, 2, true, 0, 10, true, first))

	info, err := s.ResolveDSN(context.Background(), 5, "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.ProjectID)
	assert.Equal(t, int64(2), info.OrganizationID)
	assert.True(t, info.ScrubIP)
	assert.Equal(t, 10, info.OrgThrottle)
	require.NotNil(t, info.FirstEvent)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveDSNUnknownKey(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectQuery(`SELECT p\.id AS project_id`).
		WithArgs(int64(5), "wrong").
		WillReturnRows(sqlmock.NewRows([]string{"project_id"}))

	_, err := s.ResolveDSN(context.Background(), 5, "wrong")
	assert.ErrorIs(t, err, auth.ErrProjectNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFirstEventOnlyWhenUnset(t *testing.T) {
	s, mock := mockStore(t)
	at := time.Now()

	mock.ExpectExec(`UPDATE projects SET first_event = \$2 WHERE id = \$1 AND first_event IS NULL`).
		WithArgs(int64(3), at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MarkFirstEvent(context.Background(), 3, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateIssueCreates(t *testing.T) {
	s, mock := mockStore(t)
	seen := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO project_counters`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(42))
	mock.ExpectQuery(`INSERT INTO issues`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(777))
	mock.ExpectExec(`INSERT INTO issue_hashes`).
		WithArgs(int64(1), "cafe", int64(777)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, created, err := s.GetOrCreateIssue(context.Background(), NewIssue{
		ProjectID: 1,
		Type:      "error",
		Title:     "TypeError: x",
		Hash:      "cafe",
		Level:     "error",
		Seen:      seen,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(777), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReopenIssuesClearsNotifications(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE issues SET status`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM notifications`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.ReopenIssues(context.Background(), []int64{4, 9}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProjectEventStatsSortedSingleStatement(t *testing.T) {
	s, mock := mockStore(t)
	hour := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	// Deltas arrive unsorted; the upsert binds them ordered by project id.
	mock.ExpectExec(`INSERT INTO project_event_stats \(project_id, date, count\) VALUES \(\$1,\$2,\$3\),\(\$4,\$5,\$6\) ON CONFLICT`).
		WithArgs(int64(1), hour, int64(5), int64(2), hour, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := s.UpsertProjectEventStats(context.Background(), []StatDelta{
		{ProjectID: 2, Bucket: hour, Count: 3},
		{ProjectID: 1, Bucket: hour, Count: 5},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEventsOnConflictDoNothing(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Now()

	mock.ExpectExec(`(?s)INSERT INTO issue_events.+ON CONFLICT \(event_id, received\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.InsertEvents(context.Background(), []EventRow{{
		EventID:    "6b9bb598-1d33-44bd-a7e3-c4d39d7e1a2b",
		Received:   now,
		IssueID:    1,
		Type:       "error",
		Level:      "error",
		OccurredAt: now,
		Title:      "t",
		Tags:       []byte(`{}`),
		Data:       []byte(`{}`),
		Hashes:     []string{"cafe"},
	}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeDeletedIssues(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectExec(`DELETE FROM issues WHERE is_deleted`).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.PurgeDeletedIssues(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateUsesEnglishSearchConfig(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectExec(`(?s)CREATE TABLE IF NOT EXISTS organizations.+to_tsvector\('english'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchBundlesFiltersFileNamesByRelease(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectQuery(`(?s)SELECT id, COALESCE\(debug_id, ''\).+debug_id = ANY\(\$2\).+file_name = ANY\(\$3\) AND \(release_id IS NULL OR release_id = ANY\(\$4\)\)`).
		WithArgs(int64(7), pq.Array([]string{"dbg-1"}), pq.Array([]string{"app.min.js"}), pq.Array([]int64{3})).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "debug_id", "release_id", "file_name", "code_file", "source_map",
		}).AddRow(1, "dbg-1", 3, "app.min.js", "", []byte(`{}`)))

	bundles, err := s.FetchBundles(context.Background(), 7,
		[]string{"dbg-1"}, []string{"app.min.js"}, []int64{3})
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, int64(3), bundles[0].ReleaseID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveRulesSkipUptimeAndCarryRecipientTags(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectQuery(`(?s)SELECT id, project_id, name, timespan_minutes, quantity, is_uptime.+AND is_active AND NOT is_uptime`).
		WithArgs(pq.Array([]int64{1})).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "project_id", "name", "timespan_minutes", "quantity", "is_uptime",
		}).AddRow(5, 1, "spike", 60, 10, false))
	mock.ExpectQuery(`SELECT id, alert_rule_id, recipient_type, url, tags_to_add`).
		WithArgs(pq.Array([]int64{5})).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "alert_rule_id", "recipient_type", "url", "tags_to_add",
		}).AddRow(1, 5, "slack-webhook", "https://hooks.example.com/x", []byte(`{customer}`)))

	rules, err := s.ActiveRulesForProjects(context.Background(), []int64{1})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Uptime)
	require.Len(t, rules[0].Recipients, 1)
	assert.Equal(t, RecipientSlack, rules[0].Recipients[0].Type)
	assert.Equal(t, pq.StringArray{"customer"}, rules[0].Recipients[0].TagsToAdd)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIssueSummariesCarryLatestEventTags(t *testing.T) {
	s, mock := mockStore(t)
	first := time.Now()

	mock.ExpectQuery(`(?s)SELECT i\.id, i\.short_id.+LEFT JOIN LATERAL.+ORDER BY e\.received DESC`).
		WithArgs(pq.Array([]int64{100})).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "short_id", "title", "culprit", "level", "count", "first_seen",
			"project_id", "project_slug", "org_slug",
			"environment", "release", "server_name", "latest_tags",
		}).AddRow(100, 12, "TypeError: x", "src/a.ts", "error", 25, first,
			1, "storefront", "acme",
			"production", "2.4.1", "web-3", []byte(`{"customer":"big-co"}`)))

	summaries, err := s.IssueSummaries(context.Background(), []int64{100})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "production", summaries[0].Environment)
	assert.Equal(t, "2.4.1", summaries[0].Release)
	assert.Equal(t, "web-3", summaries[0].ServerName)
	assert.Equal(t, "big-co", summaries[0].LatestTags["customer"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountEventsForRuleExcludesNotified(t *testing.T) {
	s, mock := mockStore(t)
	since := time.Now().Add(-time.Hour)

	mock.ExpectQuery(`SELECT e\.issue_id, count\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"issue_id", "count"}).
			AddRow(11, 25).
			AddRow(12, 3))

	counts, err := s.CountEventsForRule(context.Background(), 1, []int64{11, 12}, since)
	require.NoError(t, err)
	assert.Equal(t, int64(25), counts[11])
	assert.Equal(t, int64(3), counts[12])
	require.NoError(t, mock.ExpectationsWereMet())
}
