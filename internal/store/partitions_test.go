package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeekStartIsMonday(t *testing.T) {
	cases := map[string]string{
		"2024-05-01": "2024-04-29", // Wednesday
		"2024-04-29": "2024-04-29", // Monday
		"2024-05-05": "2024-04-29", // Sunday
	}
	for in, want := range cases {
		at, err := time.Parse("2006-01-02", in)
		require.NoError(t, err)
		assert.Equal(t, want, weekStart(at).Format("2006-01-02"), in)
	}
}

func TestPartitionName(t *testing.T) {
	wed := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	assert.Equal(t, "issue_events_20240501", partitionName("issue_events", wed, false))
	// Weekly partitions snap to the Monday of the week.
	assert.Equal(t, "issue_tags_20240429", partitionName("issue_tags", wed, true))
}

func TestPartitionEnd(t *testing.T) {
	end, ok := partitionEnd("issue_events", "issue_events_20240501", false)
	require.True(t, ok)
	assert.Equal(t, "2024-05-02", end.Format("2006-01-02"))

	end, ok = partitionEnd("issue_tags", "issue_tags_20240429", true)
	require.True(t, ok)
	assert.Equal(t, "2024-05-06", end.Format("2006-01-02"))

	_, ok = partitionEnd("issue_events", "issue_events_default", false)
	assert.False(t, ok)
}

func TestEnsurePartitionsCoversLeadWindow(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)

	// Daily tables get one partition per day through the lead window,
	// weekly tables one per covered week.
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS issue_events_20240501 PARTITION OF issue_events`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS issue_events_20240502 PARTITION OF issue_events`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS transaction_events_20240501`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS transaction_events_20240502`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS issue_tags_20240429`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS project_event_stats_20240429`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS project_transaction_stats_20240429`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsurePartitions(context.Background(), now, 1))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDropExpiredPartitions(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for _, spec := range partitionSpecs {
		rows := sqlmock.NewRows([]string{"relname"})
		if spec.table == "issue_events" {
			rows.AddRow("issue_events_20240101") // past retention
			rows.AddRow("issue_events_20240430") // still inside the window
		}
		mock.ExpectQuery(`SELECT c\.relname`).
			WithArgs(spec.table).
			WillReturnRows(rows)
		if spec.table == "issue_events" {
			mock.ExpectExec(`DROP TABLE IF EXISTS issue_events_20240101`).
				WillReturnResult(sqlmock.NewResult(0, 0))
		}
	}

	require.NoError(t, s.DropExpiredPartitions(context.Background(), now, 90))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeExpiredAggregates(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM issue_aggregates WHERE date < \$1`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE FROM transaction_group_aggregates WHERE date < \$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.PurgeExpiredAggregates(context.Background(), now, 90))
	require.NoError(t, mock.ExpectationsWereMet())
}
