package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeGeneratesEventID(t *testing.T) {
	now := time.Now()

	ev := &Event{}
	Normalize(ev, now)
	assert.Len(t, ev.EventID, 32)
	assert.Regexp(t, "^[0-9a-f]{32}$", ev.EventID)

	ev = &Event{EventID: "not-a-valid-id"}
	Normalize(ev, now)
	assert.Regexp(t, "^[0-9a-f]{32}$", ev.EventID)
}

func TestNormalizeEventIDAcceptsDashedUppercase(t *testing.T) {
	ev := &Event{EventID: "6B9BB598-1D33-44BD-A7E3-C4D39D7E1A2B"}
	Normalize(ev, time.Now())
	assert.Equal(t, "6b9bb5981d3344bda7e3c4d39d7e1a2b", ev.EventID)
}

func TestNormalizeInvalidTimestampRecovered(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"timestamp": "not-a-date", "message": "hi"}`), &ev))

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	Normalize(&ev, now)

	assert.Equal(t, now, ev.Timestamp.Time)
	require.Len(t, ev.Errors, 1)
	assert.Equal(t, "datetime_from_date_parsing", ev.Errors[0].Type)
	assert.Equal(t, "timestamp", ev.Errors[0].Name)
}

func TestNormalizeEpochTimestamp(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"timestamp": 1714564800}`), &ev))
	Normalize(&ev, time.Now())
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), ev.Timestamp.Time)
	assert.Empty(t, ev.Errors)
}

func TestNormalizeLevelFallback(t *testing.T) {
	ev := &Event{Level: "bogus"}
	Normalize(ev, time.Now())
	assert.Equal(t, "error", ev.Level)

	ev = &Event{Level: "warn"}
	Normalize(ev, time.Now())
	assert.Equal(t, "warning", ev.Level)
}

func TestNormalizeTypeInference(t *testing.T) {
	ev := &Event{}
	Normalize(ev, time.Now())
	assert.Equal(t, TypeDefault, ev.Type)

	var withExc Event
	require.NoError(t, json.Unmarshal([]byte(`{"exception": [{"type": "Error", "value": "x"}]}`), &withExc))
	Normalize(&withExc, time.Now())
	assert.Equal(t, TypeError, withExc.Type)
}

func TestFormattedMessagePercentInterpolation(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(
		`{"logentry": {"message": "user %s failed %d times", "params": ["bob", 3]}}`), &ev))
	assert.Equal(t, "user bob failed 3 times", ev.FormattedMessage())
}

func TestFormattedMessageBraceInterpolation(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(
		`{"logentry": {"message": "order {id} for {user}", "params": {"id": 42, "user": "ann"}}}`), &ev))
	assert.Equal(t, "order 42 for ann", ev.FormattedMessage())
}

func TestFormattedMessagePlainString(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"message": "plain text"}`), &ev))
	assert.Equal(t, "plain text", ev.FormattedMessage())
}

func TestFormattedMessageTruncated(t *testing.T) {
	long := strings.Repeat("a", MaxMessageLength+100)
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"message": "`+long+`"}`), &ev))
	assert.Len(t, ev.FormattedMessage(), MaxMessageLength)
}

func TestSanitizeStripsNulEverywhere(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(
		`{"message": "bad\u0000value", "transaction": "tx\u0000n", "tags": {"k\u0000ey": "v\u0000al"}}`), &ev))
	Normalize(&ev, time.Now())

	assert.Equal(t, "badvalue", ev.FormattedMessage())
	assert.Equal(t, "txn", ev.Transaction)
	assert.Equal(t, "val", ev.Tags.Map["key"])
}

func TestNormalizeDerivesUserTags(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(
		`{"user": {"id": 123, "email": "a@b.c"}, "environment": "prod", "release": "1.2.3"}`), &ev))
	Normalize(&ev, time.Now())

	assert.Equal(t, "123", ev.Tags.Map["user.id"])
	assert.Equal(t, "a@b.c", ev.Tags.Map["user.email"])
	assert.Equal(t, "prod", ev.Tags.Map["environment"])
	assert.Equal(t, "1.2.3", ev.Tags.Map["release"])
}

func TestNormalizeUserAgentContexts(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{
		"request": {"headers": {"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"}}
	}`), &ev))
	Normalize(&ev, time.Now())

	browser, ok := ev.Contexts["browser"]
	require.True(t, ok)
	assert.Equal(t, "Chrome", browser["name"])
	assert.Equal(t, "Chrome", ev.Tags.Map["browser.name"])
	assert.Equal(t, "Windows", ev.Tags.Map["os.name"])
}

func TestNormalizeRecoversScalarTags(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(
		`{"tags": 5, "environment": "prod", "message": "hi"}`), &ev))
	Normalize(&ev, time.Now())

	// The event survives; the bad field is nulled and recorded.
	assert.Equal(t, "prod", ev.Tags.Map["environment"])
	require.Len(t, ev.Errors, 1)
	assert.Equal(t, ErrTypeInvalidData, ev.Errors[0].Type)
	assert.Equal(t, "tags", ev.Errors[0].Name)
	assert.Equal(t, "5", ev.Errors[0].Value)
}

func TestNormalizeRecoversScalarRequestFields(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(
		`{"request": {"url": "https://x.test/", "headers": 1, "query_string": true}}`), &ev))
	Normalize(&ev, time.Now())

	assert.Equal(t, "https://x.test/", ev.Request.URL)
	assert.False(t, ev.Request.Headers.Invalid)
	assert.False(t, ev.Request.QueryString.Invalid)
	require.Len(t, ev.Errors, 2)
	names := []string{ev.Errors[0].Name, ev.Errors[1].Name}
	assert.Contains(t, names, "request.headers")
	assert.Contains(t, names, "request.query_string")
}

func TestTruncateRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 10)
	out := Truncate(s, 11)
	// 11 bytes falls mid-rune; the cut backs up to the boundary.
	assert.Equal(t, strings.Repeat("é", 5), out)
}
