package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glitchtip/backend/internal/cachekv"
	"github.com/glitchtip/backend/internal/metrics"
	"github.com/glitchtip/backend/internal/store"
)

func testEvaluator(t *testing.T) (*Evaluator, *Notifier, cachekv.Cache, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.NewFromDB(sqlx.NewDb(db, "sqlmock"))

	cache := cachekv.NewMemoryCache(time.Minute)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	// Zero workers; deliveries stay buffered for inspection.
	notifier := NewNotifier(st, nil, m, 0, 3, time.Second, "https://glitchtip.example.com")
	return NewEvaluator(st, cache, notifier, m), notifier, cache, mock
}

func TestTickEmptySetNoQueries(t *testing.T) {
	e, _, _, mock := testEvaluator(t)

	require.NoError(t, e.Tick(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTickFiresRuleOverThreshold(t *testing.T) {
	e, notifier, cache, mock := testEvaluator(t)
	ctx := context.Background()

	require.NoError(t, cache.SetAdd(ctx, cachekv.KeyRecentIssues, time.Minute, "100", "101"))

	mock.ExpectQuery(`SELECT id, project_id FROM issues WHERE id = ANY`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id"}).
			AddRow(100, 1).
			AddRow(101, 1))
	mock.ExpectQuery(`SELECT id, project_id, name, timespan_minutes, quantity`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "name", "timespan_minutes", "quantity"}).
			AddRow(5, 1, "error spike", 60, 10))
	mock.ExpectQuery(`SELECT id, alert_rule_id, recipient_type, url`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "alert_rule_id", "recipient_type", "url"}).
			AddRow(1, 5, store.RecipientWebhook, "https://hooks.example.com/x"))

	// Issue 100 clears the threshold, issue 101 does not.
	mock.ExpectQuery(`SELECT e\.issue_id, count\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"issue_id", "count"}).
			AddRow(100, 25).
			AddRow(101, 2))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO notifications`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(77))
	mock.ExpectExec(`INSERT INTO notification_issues`).
		WithArgs(int64(77), int64(100)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(`SELECT i\.id, i\.short_id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "short_id", "title", "culprit", "level", "count", "first_seen",
			"project_id", "project_slug", "org_slug",
		}).AddRow(100, 12, "TypeError: x", "src/a.ts", "error", 25, time.Now(), 1, "storefront", "acme"))

	require.NoError(t, e.Tick(ctx))
	require.NoError(t, mock.ExpectationsWereMet())

	select {
	case d := <-notifier.queue:
		assert.Equal(t, int64(77), d.NotificationID)
		assert.Equal(t, "error spike", d.RuleName)
		assert.Equal(t, "https://hooks.example.com/x", d.Recipient.URL)
		require.Len(t, d.Issues, 1)
		assert.Equal(t, int64(100), d.Issues[0].ID)
	default:
		t.Fatal("expected a queued delivery")
	}

	// The popped set is consumed; a second tick is a no-op.
	require.NoError(t, e.Tick(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTickBelowThresholdNoNotification(t *testing.T) {
	e, notifier, cache, mock := testEvaluator(t)
	ctx := context.Background()

	require.NoError(t, cache.SetAdd(ctx, cachekv.KeyRecentIssues, time.Minute, "200"))

	mock.ExpectQuery(`SELECT id, project_id FROM issues WHERE id = ANY`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id"}).AddRow(200, 3))
	mock.ExpectQuery(`SELECT id, project_id, name, timespan_minutes, quantity`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "name", "timespan_minutes", "quantity"}).
			AddRow(8, 3, "rare", 10, 100))
	mock.ExpectQuery(`SELECT id, alert_rule_id, recipient_type, url`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "alert_rule_id", "recipient_type", "url"}))
	mock.ExpectQuery(`SELECT e\.issue_id, count\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"issue_id", "count"}).AddRow(200, 4))

	require.NoError(t, e.Tick(ctx))
	require.NoError(t, mock.ExpectationsWereMet())

	select {
	case <-notifier.queue:
		t.Fatal("no delivery expected")
	default:
	}
}
