package alerts

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glitchtip/backend/internal/metrics"
	"github.com/glitchtip/backend/internal/store"
)

type fakeEmail struct {
	to      []string
	subject string
	body    string
	err     error
}

func (f *fakeEmail) Send(to []string, subject, body string) error {
	f.to = to
	f.subject = subject
	f.body = body
	return f.err
}

func alertsStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewFromDB(sqlx.NewDb(db, "sqlmock")), mock
}

func testNotifier(t *testing.T, st *store.Store, email EmailSender) *Notifier {
	t.Helper()
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	// Zero workers; tests call deliver directly.
	return NewNotifier(st, email, m, 0, 3, 5*time.Second, "https://glitchtip.example.com/")
}

func sampleIssues(n int) []store.IssueSummary {
	out := make([]store.IssueSummary, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, store.IssueSummary{
			ID:          int64(100 + i),
			Title:       "TypeError: x is not a function",
			Culprit:     "src/checkout.ts in submit",
			Level:       "error",
			Count:       int64(10 + i),
			ProjectSlug: "storefront",
			OrgSlug:     "acme",
		})
	}
	return out
}

func TestSubject(t *testing.T) {
	n := testNotifier(t, nil, nil)

	one := Delivery{Issues: sampleIssues(1)}
	assert.Equal(t, "GlitchTip Alert: TypeError: x is not a function", n.subject(one))

	many := Delivery{Issues: sampleIssues(7)}
	assert.Equal(t, "GlitchTip Alert (7 issues)", n.subject(many))
}

func TestIssueURL(t *testing.T) {
	n := testNotifier(t, nil, nil)
	assert.Equal(t, "https://glitchtip.example.com/acme/issues/100", n.issueURL(sampleIssues(1)[0]))
}

func TestDeliverEmail(t *testing.T) {
	st, mock := alertsStore(t)
	email := &fakeEmail{}
	n := testNotifier(t, st, email)

	mock.ExpectExec(`UPDATE notifications SET is_sent = TRUE`).
		WithArgs(int64(55)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n.deliver(Delivery{
		NotificationID: 55,
		RuleName:       "high-volume",
		Recipient:      store.AlertRecipient{Type: store.RecipientEmail, URL: "ops@example.com"},
		Issues:         sampleIssues(5),
	})

	assert.Equal(t, []string{"ops@example.com"}, email.to)
	assert.Equal(t, "GlitchTip Alert (5 issues)", email.subject)
	assert.Contains(t, email.body, "TypeError: x is not a function")
	assert.Contains(t, email.body, "https://glitchtip.example.com/acme/issues/100")
	// Three shown, the rest summarized.
	assert.Contains(t, email.body, "and 2 more issues")
	require.NoError(t, mock.ExpectationsWereMet())
}

func webhookCapture(t *testing.T) (*httptest.Server, *map[string]interface{}) {
	t.Helper()
	captured := &map[string]interface{}{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, captured))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func TestDeliverSlackWebhook(t *testing.T) {
	st, mock := alertsStore(t)
	srv, captured := webhookCapture(t)
	n := testNotifier(t, st, nil)

	mock.ExpectExec(`UPDATE notifications SET is_sent = TRUE`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n.deliver(Delivery{
		NotificationID: 7,
		Recipient:      store.AlertRecipient{Type: store.RecipientWebhook, URL: srv.URL},
		Issues:         sampleIssues(1),
	})

	payload := *captured
	assert.Equal(t, "GlitchTip Alert: TypeError: x is not a function", payload["text"])
	attachments, ok := payload["attachments"].([]interface{})
	require.True(t, ok)
	require.Len(t, attachments, 1)
	att := attachments[0].(map[string]interface{})
	assert.Equal(t, "TypeError: x is not a function", att["title"])
	assert.Equal(t, "#e52b50", att["color"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDiscordPayloadShape(t *testing.T) {
	n := testNotifier(t, nil, nil)

	payload := n.discordPayload(Delivery{Issues: sampleIssues(2)})
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	embeds, ok := decoded["embeds"].([]interface{})
	require.True(t, ok)
	require.Len(t, embeds, 2)
	embed := embeds[0].(map[string]interface{})
	assert.Equal(t, "TypeError: x is not a function", embed["title"])
	assert.Equal(t, float64(0xe52b50), embed["color"])
}

func TestGoogleChatPayloadShape(t *testing.T) {
	n := testNotifier(t, nil, nil)

	raw, err := json.Marshal(n.googleChatPayload(Delivery{Issues: sampleIssues(1)}))
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	cards, ok := decoded["cardsV2"].([]interface{})
	require.True(t, ok)
	require.Len(t, cards, 1)
}

func taggedIssue() store.IssueSummary {
	return store.IssueSummary{
		ID:          300,
		Title:       "ReferenceError: y is not defined",
		Culprit:     "src/cart.ts in render",
		Level:       "error",
		Count:       42,
		ProjectSlug: "storefront",
		OrgSlug:     "acme",
		Environment: "production",
		Release:     "2.4.1",
		ServerName:  "web-3",
		LatestTags:  store.TagJSON{"browser.name": "Chrome", "customer": "big-co"},
	}
}

func TestIssueFieldsIncludeTagsAndRecipientExtras(t *testing.T) {
	rec := store.AlertRecipient{
		Type:      store.RecipientSlack,
		TagsToAdd: []string{"customer", "missing-tag"},
	}
	fields := issueFields(rec, taggedIssue())

	assert.Equal(t, [][2]string{
		{"Project", "storefront"},
		{"Events", "42"},
		{"Environment", "production"},
		{"Release", "2.4.1"},
		{"Server", "web-3"},
		{"customer", "big-co"},
	}, fields)
}

func TestDeliverRoutesByRecipientKind(t *testing.T) {
	cases := []struct {
		kind    string
		rootKey string
	}{
		{store.RecipientSlack, "attachments"},
		{store.RecipientDiscord, "embeds"},
		{store.RecipientGoogleChat, "cardsV2"},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			st, mock := alertsStore(t)
			srv, captured := webhookCapture(t)
			n := testNotifier(t, st, nil)

			mock.ExpectExec(`UPDATE notifications SET is_sent = TRUE`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			n.deliver(Delivery{
				NotificationID: 11,
				Recipient:      store.AlertRecipient{Type: tc.kind, URL: srv.URL},
				Issues:         []store.IssueSummary{taggedIssue()},
			})

			payload := *captured
			_, ok := payload[tc.rootKey]
			assert.True(t, ok, "payload should carry %q", tc.rootKey)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSlackPayloadRendersIssueTags(t *testing.T) {
	n := testNotifier(t, nil, nil)

	raw, err := json.Marshal(n.slackPayload(Delivery{
		Recipient: store.AlertRecipient{Type: store.RecipientSlack, TagsToAdd: []string{"customer"}},
		Issues:    []store.IssueSummary{taggedIssue()},
	}))
	require.NoError(t, err)

	body := string(raw)
	assert.Contains(t, body, `"title":"Environment","value":"production"`)
	assert.Contains(t, body, `"title":"Release","value":"2.4.1"`)
	assert.Contains(t, body, `"title":"Server","value":"web-3"`)
	assert.Contains(t, body, `"title":"customer","value":"big-co"`)
}

func TestDeliverWebhookFailureSkipsMarkSent(t *testing.T) {
	st, mock := alertsStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	n := testNotifier(t, st, nil)

	n.deliver(Delivery{
		NotificationID: 9,
		Recipient:      store.AlertRecipient{Type: store.RecipientWebhook, URL: srv.URL},
		Issues:         sampleIssues(1),
	})

	// No UPDATE expected; a failed delivery stays unsent for inspection.
	require.NoError(t, mock.ExpectationsWereMet())
}
