// Package alerts evaluates alert rules over recently active issues and
// dispatches notifications to email and webhook recipients.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/glitchtip/backend/internal/metrics"
	"github.com/glitchtip/backend/internal/store"
)

// Delivery is one (recipient, notification) pair queued for dispatch.
type Delivery struct {
	NotificationID int64
	RuleName       string
	Recipient      store.AlertRecipient
	Issues         []store.IssueSummary
}

// EmailSender abstracts SMTP for tests.
type EmailSender interface {
	Send(to []string, subject, body string) error
}

// smtpSender sends through a plain SMTP relay.
type smtpSender struct {
	addr string
	from string
}

func NewSMTPSender(addr, from string) EmailSender {
	return &smtpSender{addr: addr, from: from}
}

func (s *smtpSender) Send(to []string, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		s.from, strings.Join(to, ", "), subject, body)
	return smtp.SendMail(s.addr, nil, s.from, to, []byte(msg))
}

// Notifier runs the dispatch worker pool. Deliveries are independent; a
// failing webhook never blocks the other recipients of the same rule.
type Notifier struct {
	client    *http.Client
	email     EmailSender
	store     *store.Store
	metrics   *metrics.Metrics
	maxIssues int
	baseURL   string

	queue  chan Delivery
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewNotifier(st *store.Store, email EmailSender, m *metrics.Metrics, workers, maxIssues int, timeout time.Duration, baseURL string) *Notifier {
	n := &Notifier{
		client:    &http.Client{Timeout: timeout},
		email:     email,
		store:     st,
		metrics:   m,
		maxIssues: maxIssues,
		baseURL:   strings.TrimRight(baseURL, "/"),
		queue:     make(chan Delivery, 256),
		logger:    slog.With("component", "notifier"),
	}
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

// Dispatch queues one delivery. Blocks when the queue is full; the
// evaluator tick can afford to wait.
func (n *Notifier) Dispatch(d Delivery) {
	n.queue <- d
}

// Stop drains queued deliveries and waits for the workers.
func (n *Notifier) Stop() {
	close(n.queue)
	n.wg.Wait()
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for d := range n.queue {
		n.deliver(d)
	}
}

func (n *Notifier) deliver(d Delivery) {
	var err error
	switch d.Recipient.Type {
	case store.RecipientEmail:
		err = n.sendEmail(d)
	case store.RecipientSlack:
		err = n.postJSON(d.Recipient.URL, n.slackPayload(d))
	case store.RecipientDiscord:
		err = n.postJSON(d.Recipient.URL, n.discordPayload(d))
	case store.RecipientGoogleChat:
		err = n.postJSON(d.Recipient.URL, n.googleChatPayload(d))
	case store.RecipientWebhook:
		err = n.sendWebhook(d)
	default:
		n.logger.Warn("unknown recipient type", "type", d.Recipient.Type)
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		n.logger.Warn("delivery failed",
			"notification_id", d.NotificationID, "type", d.Recipient.Type, "error", err)
	}
	n.metrics.AlertDispatches.WithLabelValues(d.Recipient.Type, outcome).Inc()

	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.store.MarkNotificationSent(ctx, d.NotificationID); err != nil {
			n.logger.Warn("mark sent failed", "notification_id", d.NotificationID, "error", err)
		}
		cancel()
	}
}

// subject renders the alert header: a single issue alert names the issue,
// an overflow alert names the count.
func (n *Notifier) subject(d Delivery) string {
	if len(d.Issues) == 1 {
		return fmt.Sprintf("GlitchTip Alert: %s", d.Issues[0].Title)
	}
	return fmt.Sprintf("GlitchTip Alert (%d issues)", len(d.Issues))
}

// shownIssues caps how many issues one notification details.
func (n *Notifier) shownIssues(d Delivery) []store.IssueSummary {
	if len(d.Issues) <= n.maxIssues {
		return d.Issues
	}
	return d.Issues[:n.maxIssues]
}

func (n *Notifier) issueURL(i store.IssueSummary) string {
	return fmt.Sprintf("%s/%s/issues/%d", n.baseURL, i.OrgSlug, i.ID)
}

func (n *Notifier) sendEmail(d Delivery) error {
	var b strings.Builder
	for _, i := range n.shownIssues(d) {
		fmt.Fprintf(&b, "[%s] %s\n%s\n", strings.ToUpper(i.Level), i.Title, i.Culprit)
		for _, f := range issueFields(d.Recipient, i) {
			fmt.Fprintf(&b, "%s: %s\n", f[0], f[1])
		}
		fmt.Fprintf(&b, "%s\n\n", n.issueURL(i))
	}
	if extra := len(d.Issues) - n.maxIssues; extra > 0 {
		fmt.Fprintf(&b, "and %d more issues\n", extra)
	}
	return n.email.Send([]string{d.Recipient.URL}, n.subject(d), b.String())
}

// sendWebhook handles legacy recipients stored without a concrete kind: the
// payload shape is picked from the URL host, defaulting to Slack-compatible.
func (n *Notifier) sendWebhook(d Delivery) error {
	url := d.Recipient.URL
	var payload interface{}
	switch {
	case strings.Contains(url, "discord.com/api/webhooks"):
		payload = n.discordPayload(d)
	case strings.Contains(url, "chat.googleapis.com"):
		payload = n.googleChatPayload(d)
	default:
		payload = n.slackPayload(d)
	}
	return n.postJSON(url, payload)
}

func (n *Notifier) postJSON(url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// issueFields renders the per-issue fields every transport shares: project,
// event count, the well-known tags of the latest event, then the recipient's
// tags_to_add.
func issueFields(rec store.AlertRecipient, i store.IssueSummary) [][2]string {
	fields := [][2]string{
		{"Project", i.ProjectSlug},
		{"Events", fmt.Sprintf("%d", i.Count)},
	}
	if i.Environment != "" {
		fields = append(fields, [2]string{"Environment", i.Environment})
	}
	if i.Release != "" {
		fields = append(fields, [2]string{"Release", i.Release})
	}
	if i.ServerName != "" {
		fields = append(fields, [2]string{"Server", i.ServerName})
	}
	for _, key := range rec.TagsToAdd {
		if v, ok := i.LatestTags[key]; ok && v != "" {
			fields = append(fields, [2]string{key, v})
		}
	}
	return fields
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Title     string       `json:"title"`
	TitleLink string       `json:"title_link"`
	Text      string       `json:"text"`
	Color     string       `json:"color,omitempty"`
	Fields    []slackField `json:"fields,omitempty"`
}

func (n *Notifier) slackPayload(d Delivery) interface{} {
	attachments := make([]slackAttachment, 0, n.maxIssues)
	for _, i := range n.shownIssues(d) {
		var fields []slackField
		for _, f := range issueFields(d.Recipient, i) {
			fields = append(fields, slackField{Title: f[0], Value: f[1], Short: true})
		}
		attachments = append(attachments, slackAttachment{
			Title:     i.Title,
			TitleLink: n.issueURL(i),
			Text:      i.Culprit,
			Color:     levelColor(i.Level),
			Fields:    fields,
		})
	}
	return map[string]interface{}{
		"text":        n.subject(d),
		"attachments": attachments,
	}
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	URL         string         `json:"url"`
	Description string         `json:"description"`
	Color       int            `json:"color,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
}

func (n *Notifier) discordPayload(d Delivery) interface{} {
	embeds := make([]discordEmbed, 0, n.maxIssues)
	for _, i := range n.shownIssues(d) {
		var fields []discordField
		for _, f := range issueFields(d.Recipient, i) {
			fields = append(fields, discordField{Name: f[0], Value: f[1], Inline: true})
		}
		embeds = append(embeds, discordEmbed{
			Title:       i.Title,
			URL:         n.issueURL(i),
			Description: i.Culprit,
			Color:       levelColorInt(i.Level),
			Fields:      fields,
		})
	}
	return map[string]interface{}{
		"content": n.subject(d),
		"embeds":  embeds,
	}
}

func (n *Notifier) googleChatPayload(d Delivery) interface{} {
	type widget map[string]interface{}
	var widgets []widget
	for _, i := range n.shownIssues(d) {
		widgets = append(widgets, widget{
			"decoratedText": map[string]interface{}{
				"topLabel": i.ProjectSlug,
				"text":     i.Title,
				"button": map[string]interface{}{
					"text":    "Open",
					"onClick": map[string]interface{}{"openLink": map[string]string{"url": n.issueURL(i)}},
				},
			},
		})
		for _, f := range issueFields(d.Recipient, i) {
			widgets = append(widgets, widget{
				"decoratedText": map[string]interface{}{
					"topLabel": f[0],
					"text":     f[1],
				},
			})
		}
	}
	return map[string]interface{}{
		"cardsV2": []map[string]interface{}{{
			"cardId": "glitchtip-alert",
			"card": map[string]interface{}{
				"header":   map[string]string{"title": n.subject(d)},
				"sections": []map[string]interface{}{{"widgets": widgets}},
			},
		}},
	}
}

func levelColor(level string) string {
	switch level {
	case "fatal", "error":
		return "#e52b50"
	case "warning":
		return "#ffa500"
	default:
		return "#4b60b4"
	}
}

func levelColorInt(level string) int {
	switch level {
	case "fatal", "error":
		return 0xe52b50
	case "warning":
		return 0xffa500
	default:
		return 0x4b60b4
	}
}
