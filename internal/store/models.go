package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Issue statuses. Stored as smallint.
const (
	IssueUnresolved int16 = 0
	IssueResolved   int16 = 1
	IssueIgnored    int16 = 2
)

// Issue is a group of events sharing a fingerprint.
type Issue struct {
	ID        int64     `db:"id"`
	ProjectID int64     `db:"project_id"`
	ShortID   int64     `db:"short_id"`
	Type      string    `db:"type"`
	Title     string    `db:"title"`
	Culprit   string    `db:"culprit"`
	Metadata  []byte    `db:"metadata"`
	Level     string    `db:"level"`
	Status    int16     `db:"status"`
	Count     int64     `db:"count"`
	FirstSeen time.Time `db:"first_seen"`
	LastSeen  time.Time `db:"last_seen"`
}

// IssueHash maps a fingerprint to its issue within a project.
type IssueHash struct {
	ProjectID int64  `db:"project_id"`
	Value     string `db:"value"`
	IssueID   int64  `db:"issue_id"`
	Status    int16  `db:"status"`
}

// EventRow is one persisted error event.
type EventRow struct {
	EventID     string         `db:"event_id"`
	Received    time.Time      `db:"received"`
	IssueID     int64          `db:"issue_id"`
	Type        string         `db:"type"`
	Level       string         `db:"level"`
	OccurredAt  time.Time      `db:"occurred_at"`
	Title       string         `db:"title"`
	Transaction string         `db:"transaction_name"`
	ReleaseID   *int64         `db:"release_id"`
	Tags        []byte         `db:"tags"`
	Data        []byte         `db:"data"`
	Hashes      pq.StringArray `db:"hashes"`
}

// TransactionRow is one persisted performance transaction.
type TransactionRow struct {
	EventID    string    `db:"event_id"`
	Received   time.Time `db:"received"`
	GroupID    int64     `db:"group_id"`
	OccurredAt time.Time `db:"occurred_at"`
	DurationMS float64   `db:"duration_ms"`
	Tags       []byte    `db:"tags"`
	Data       []byte    `db:"data"`
}

// AlertRule with its recipients, loaded for evaluation. Uptime rules belong
// to the uptime monitor collaborator and are never loaded here.
type AlertRule struct {
	ID              int64  `db:"id"`
	ProjectID       int64  `db:"project_id"`
	Name            string `db:"name"`
	TimespanMinutes int    `db:"timespan_minutes"`
	Quantity        int    `db:"quantity"`
	Uptime          bool   `db:"is_uptime"`

	Recipients []AlertRecipient
}

// AlertRecipient is one delivery target of a rule. TagsToAdd lists extra tag
// keys the notification payload includes per issue.
type AlertRecipient struct {
	ID          int64          `db:"id"`
	AlertRuleID int64          `db:"alert_rule_id"`
	Type        string         `db:"recipient_type"`
	URL         string         `db:"url"`
	TagsToAdd   pq.StringArray `db:"tags_to_add"`
}

// Recipient kinds. RecipientWebhook is the legacy kind whose payload shape
// is picked from the URL host.
const (
	RecipientEmail      = "email"
	RecipientSlack      = "slack-webhook"
	RecipientDiscord    = "discord"
	RecipientGoogleChat = "google-chat"
	RecipientWebhook    = "webhook"
)

// TagJSON scans a jsonb tag object into a flat map.
type TagJSON map[string]string

func (t *TagJSON) Scan(src interface{}) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*t = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("tag json: unsupported source %T", src)
	}
	return json.Unmarshal(b, t)
}

// IssueSummary is the slice of an issue a notification renders. Environment,
// release and server name come from the issue's latest event.
type IssueSummary struct {
	ID          int64     `db:"id"`
	ShortID     int64     `db:"short_id"`
	Title       string    `db:"title"`
	Culprit     string    `db:"culprit"`
	Level       string    `db:"level"`
	Count       int64     `db:"count"`
	FirstSeen   time.Time `db:"first_seen"`
	ProjectID   int64     `db:"project_id"`
	ProjectSlug string    `db:"project_slug"`
	OrgSlug     string    `db:"org_slug"`
	Environment string    `db:"environment"`
	Release     string    `db:"release"`
	ServerName  string    `db:"server_name"`
	LatestTags  TagJSON   `db:"latest_tags"`
}

// IssueMetadata is the jsonb blob stored alongside an issue.
type IssueMetadata struct {
	Title   string `json:"title"`
	Value   string `json:"value,omitempty"`
	Type    string `json:"type,omitempty"`
	Culprit string `json:"culprit,omitempty"`
}

func (m IssueMetadata) Marshal() []byte {
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}
