// Package ingest is the asynchronous half of the pipeline: a bounded queue
// feeding batch workers that symbolicate, group and bulk-persist accepted
// events.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/glitchtip/backend/internal/auth"
	"github.com/glitchtip/backend/internal/cachekv"
	"github.com/glitchtip/backend/internal/event"
	"github.com/glitchtip/backend/internal/grouping"
	"github.com/glitchtip/backend/internal/metrics"
	"github.com/glitchtip/backend/internal/store"
	"github.com/glitchtip/backend/internal/symbolicate"
)

// recentIssuesTTL bounds how long an unconsumed recent-issues set survives
// if the evaluator stalls.
const recentIssuesTTL = time.Hour

// Job is one accepted event waiting for batch processing.
type Job struct {
	Event   *event.Event
	Project *auth.ProjectInfo
}

// Processor owns everything a batch flush touches.
type Processor struct {
	store        *store.Store
	cache        cachekv.Cache
	symbolicator *symbolicate.Symbolicator
	metrics      *metrics.Metrics
	maxLexemes   int
	dedupTTL     time.Duration
	logger       *slog.Logger
}

func NewProcessor(st *store.Store, cache cachekv.Cache, sym *symbolicate.Symbolicator, m *metrics.Metrics, maxLexemes int, dedupTTL time.Duration) *Processor {
	return &Processor{
		store:        st,
		cache:        cache,
		symbolicator: sym,
		metrics:      m,
		maxLexemes:   maxLexemes,
		dedupTTL:     dedupTTL,
		logger:       slog.With("component", "ingest"),
	}
}

// Seen records the event id in the dedup window and reports whether it was
// already present. Called synchronously by the HTTP handlers so the store
// endpoint can answer 422 for replays.
func (p *Processor) Seen(ctx context.Context, projectID int64, eventID string) (bool, error) {
	key := cachekv.KeyDedupPrefix + strconv.FormatInt(projectID, 10) + ":" + eventID
	added, err := p.cache.AddUnique(ctx, key, p.dedupTTL)
	if err != nil {
		return false, err
	}
	return !added, nil
}

// Forget releases an event id recorded by Seen. Called when the event was
// rejected after the dedup check, so the client's retry is not treated as a
// replay.
func (p *Processor) Forget(ctx context.Context, projectID int64, eventID string) {
	key := cachekv.KeyDedupPrefix + strconv.FormatInt(projectID, 10) + ":" + eventID
	if err := p.cache.Delete(ctx, key); err != nil {
		p.logger.Warn("dedup release failed", "event_id", eventID, "error", err)
	}
}

// ProcessBatch runs the full pipeline for one drained batch. Failures are
// logged, not returned: a poisoned batch must not wedge the worker.
func (p *Processor) ProcessBatch(ctx context.Context, jobs []*Job) {
	if len(jobs) == 0 {
		return
	}
	start := time.Now()
	p.metrics.BatchFlushes.Inc()
	p.metrics.BatchSize.Observe(float64(len(jobs)))

	errors, transactions := splitByKind(jobs)
	byOrg := groupByOrg(errors)

	releaseIDs := make(map[int64]map[string]int64, len(byOrg))
	for orgID, orgJobs := range byOrg {
		ids, err := p.resolveReleases(ctx, orgID, orgJobs)
		if err != nil {
			p.logger.Error("release resolution failed", "org_id", orgID, "error", err)
			ids = map[string]int64{}
		}
		releaseIDs[orgID] = ids
		p.symbolicateOrg(ctx, orgID, orgJobs, ids)
	}

	if err := p.persistErrors(ctx, errors, releaseIDs); err != nil {
		p.logger.Error("batch persist failed", "events", len(errors), "error", err)
	}
	if err := p.persistTransactions(ctx, transactions); err != nil {
		p.logger.Error("transaction persist failed", "events", len(transactions), "error", err)
	}
	p.markFirstEvents(ctx, jobs)

	p.metrics.FlushDuration.Observe(time.Since(start).Seconds())
}

func splitByKind(jobs []*Job) (errors, transactions []*Job) {
	for _, j := range jobs {
		if j.Event.Type == event.TypeTransaction {
			transactions = append(transactions, j)
		} else {
			errors = append(errors, j)
		}
	}
	return errors, transactions
}

func groupByOrg(jobs []*Job) map[int64][]*Job {
	out := make(map[int64][]*Job)
	for _, j := range jobs {
		out[j.Project.OrganizationID] = append(out[j.Project.OrganizationID], j)
	}
	return out
}

func (p *Processor) resolveReleases(ctx context.Context, orgID int64, jobs []*Job) (map[string]int64, error) {
	seen := map[string]bool{}
	var versions []string
	for _, j := range jobs {
		if v := j.Event.Release; v != "" && !seen[v] {
			seen[v] = true
			versions = append(versions, v)
		}
	}
	sort.Strings(versions)
	return p.store.ReleaseIDs(ctx, orgID, versions)
}

func (p *Processor) symbolicateOrg(ctx context.Context, orgID int64, jobs []*Job, releaseIDs map[string]int64) {
	events := make([]*event.Event, len(jobs))
	for i, j := range jobs {
		events[i] = j.Event
	}
	used, err := p.symbolicator.Process(ctx, orgID, events, releaseIDs)
	if err != nil {
		// Symbolication is best effort; the minified frames still group.
		p.logger.Warn("symbolication failed", "org_id", orgID, "error", err)
		return
	}
	if err := p.store.TouchBundles(ctx, used, time.Now()); err != nil {
		p.logger.Warn("bundle touch failed", "error", err)
	}
}

// grouped carries one job through grouping and persistence.
type grouped struct {
	job     *Job
	title   string
	culprit string
	hash    string
	issueID int64
}

func (p *Processor) persistErrors(ctx context.Context, jobs []*Job, releaseIDs map[int64]map[string]int64) error {
	if len(jobs) == 0 {
		return nil
	}
	items := make([]*grouped, len(jobs))
	for i, j := range jobs {
		title, culprit := grouping.TitleAndCulprit(j.Event)
		items[i] = &grouped{
			job:     j,
			title:   title,
			culprit: culprit,
			hash:    grouping.Fingerprint(j.Event, title, culprit),
		}
	}

	if err := p.assignIssues(ctx, items); err != nil {
		return err
	}

	rows := make([]store.EventRow, 0, len(items))
	for _, it := range items {
		row, err := p.buildEventRow(it, releaseIDs[it.job.Project.OrganizationID])
		if err != nil {
			p.logger.Warn("event row build failed", "event_id", it.job.Event.EventID, "error", err)
			continue
		}
		rows = append(rows, row)
	}
	if err := p.store.InsertEvents(ctx, rows); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}

	if err := p.applyIssueDeltas(ctx, items); err != nil {
		p.logger.Error("issue delta apply failed", "error", err)
	}
	p.recordAggregates(ctx, items)
	p.recordTags(ctx, items)
	p.publishRecentIssues(ctx, items)
	return nil
}

// assignIssues maps every item to its issue: a batched hash lookup first,
// then per-miss find-or-create. Resolved issues seen again are reopened.
func (p *Processor) assignIssues(ctx context.Context, items []*grouped) error {
	projectIDs := make([]int64, 0, len(items))
	values := make([]string, 0, len(items))
	seenProj := map[int64]bool{}
	for _, it := range items {
		if !seenProj[it.job.Project.ProjectID] {
			seenProj[it.job.Project.ProjectID] = true
			projectIDs = append(projectIDs, it.job.Project.ProjectID)
		}
		values = append(values, it.hash)
	}

	hashes, err := p.store.LoadHashes(ctx, projectIDs, values)
	if err != nil {
		return fmt.Errorf("load hashes: %w", err)
	}

	var reopen []int64
	reopenSeen := map[int64]bool{}
	for _, it := range items {
		key := fmt.Sprintf("%d:%s", it.job.Project.ProjectID, it.hash)
		if h, ok := hashes[key]; ok {
			it.issueID = h.IssueID
			if h.Status != store.IssueUnresolved && !reopenSeen[h.IssueID] {
				reopenSeen[h.IssueID] = true
				reopen = append(reopen, h.IssueID)
			}
			continue
		}
		ev := it.job.Event
		meta := store.IssueMetadata{Title: it.title, Culprit: it.culprit, Type: string(ev.Type)}
		if len(ev.Exception.Values) > 0 {
			last := ev.Exception.Values[len(ev.Exception.Values)-1]
			meta.Type = last.Type
			meta.Value = last.Value.String()
		}
		issueID, created, err := p.store.GetOrCreateIssue(ctx, store.NewIssue{
			ProjectID: it.job.Project.ProjectID,
			Type:      string(ev.Type),
			Title:     it.title,
			Culprit:   it.culprit,
			Level:     ev.Level,
			Metadata:  meta,
			Hash:      it.hash,
			Seen:      ev.Received,
		})
		if err != nil {
			return fmt.Errorf("get or create issue: %w", err)
		}
		if created {
			p.metrics.IssuesCreated.Inc()
		}
		it.issueID = issueID
		// Later items of the same batch with the same hash hit this map.
		hashes[key] = store.IssueHash{IssueID: issueID, Status: store.IssueUnresolved}
	}

	if len(reopen) > 0 {
		sort.Slice(reopen, func(i, j int) bool { return reopen[i] < reopen[j] })
		if err := p.store.ReopenIssues(ctx, reopen); err != nil {
			return fmt.Errorf("reopen issues: %w", err)
		}
	}
	return nil
}

func (p *Processor) buildEventRow(it *grouped, releaseIDs map[string]int64) (store.EventRow, error) {
	ev := it.job.Event
	data, err := json.Marshal(ev)
	if err != nil {
		return store.EventRow{}, fmt.Errorf("marshal event: %w", err)
	}
	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		return store.EventRow{}, fmt.Errorf("marshal tags: %w", err)
	}

	row := store.EventRow{
		EventID:     formatUUID(ev.EventID),
		Received:    ev.Received,
		IssueID:     it.issueID,
		Type:        string(ev.Type),
		Level:       ev.Level,
		OccurredAt:  ev.Timestamp.Time,
		Title:       it.title,
		Transaction: ev.Transaction,
		Tags:        tags,
		Data:        data,
		Hashes:      []string{it.hash},
	}
	if id, ok := releaseIDs[ev.Release]; ok && id != 0 {
		row.ReleaseID = &id
	}
	return row, nil
}

func (p *Processor) applyIssueDeltas(ctx context.Context, items []*grouped) error {
	acc := map[int64]*store.IssueDelta{}
	for _, it := range items {
		d, ok := acc[it.issueID]
		if !ok {
			d = &store.IssueDelta{IssueID: it.issueID}
			acc[it.issueID] = d
		}
		d.Count++
		if it.job.Event.Received.After(d.LastSeen) {
			d.LastSeen = it.job.Event.Received
			d.Level = it.job.Event.Level
		}
		text := grouping.SearchText(it.job.Event, it.title, it.culprit)
		if d.SearchText == "" {
			d.SearchText = text
		} else if text != "" {
			d.SearchText += " " + text
		}
	}

	deltas := make([]store.IssueDelta, 0, len(acc))
	for _, d := range acc {
		deltas = append(deltas, *d)
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].IssueID < deltas[j].IssueID })
	return p.store.ApplyIssueDeltas(ctx, deltas, p.maxLexemes)
}

func (p *Processor) recordAggregates(ctx context.Context, items []*grouped) {
	stats := map[[2]int64]*store.StatDelta{}
	issueAgg := map[[2]int64]*store.IssueAggregateDelta{}
	for _, it := range items {
		hour := it.job.Event.Received.UTC().Truncate(time.Hour)

		sk := [2]int64{it.job.Project.ProjectID, hour.Unix()}
		if d, ok := stats[sk]; ok {
			d.Count++
		} else {
			stats[sk] = &store.StatDelta{ProjectID: it.job.Project.ProjectID, Bucket: hour, Count: 1}
		}

		ik := [2]int64{it.issueID, hour.Unix()}
		if d, ok := issueAgg[ik]; ok {
			d.Count++
		} else {
			issueAgg[ik] = &store.IssueAggregateDelta{
				IssueID:        it.issueID,
				OrganizationID: it.job.Project.OrganizationID,
				Bucket:         hour,
				Count:          1,
			}
		}
	}

	statDeltas := make([]store.StatDelta, 0, len(stats))
	for _, d := range stats {
		statDeltas = append(statDeltas, *d)
	}
	if err := p.store.UpsertProjectEventStats(ctx, statDeltas); err != nil {
		p.logger.Error("project stats upsert failed", "error", err)
	}

	issueDeltas := make([]store.IssueAggregateDelta, 0, len(issueAgg))
	for _, d := range issueAgg {
		issueDeltas = append(issueDeltas, *d)
	}
	if err := p.store.UpsertIssueAggregates(ctx, issueDeltas); err != nil {
		p.logger.Error("issue aggregates upsert failed", "error", err)
	}
}

func (p *Processor) recordTags(ctx context.Context, items []*grouped) {
	keySet := map[string]bool{}
	valueSet := map[string]bool{}
	for _, it := range items {
		for k, v := range it.job.Event.Tags.Map {
			keySet[k] = true
			valueSet[v] = true
		}
	}
	if len(keySet) == 0 {
		return
	}
	keys := sortedKeys(keySet)
	values := sortedKeys(valueSet)

	keyIDs, valueIDs, err := p.store.InternTags(ctx, keys, values)
	if err != nil {
		p.logger.Error("tag interning failed", "error", err)
		return
	}

	type tagKey struct {
		day     int64
		issueID int64
		keyID   int64
		valueID int64
	}
	acc := map[tagKey]*store.TagDelta{}
	for _, it := range items {
		day := it.job.Event.Received.UTC().Truncate(24 * time.Hour)
		for k, v := range it.job.Event.Tags.Map {
			tk := tagKey{day.Unix(), it.issueID, keyIDs[k], valueIDs[v]}
			if d, ok := acc[tk]; ok {
				d.Count++
			} else {
				acc[tk] = &store.TagDelta{
					Day:        day,
					IssueID:    it.issueID,
					TagKeyID:   keyIDs[k],
					TagValueID: valueIDs[v],
					Count:      1,
				}
			}
		}
	}
	deltas := make([]store.TagDelta, 0, len(acc))
	for _, d := range acc {
		deltas = append(deltas, *d)
	}
	if err := p.store.UpsertIssueTags(ctx, deltas); err != nil {
		p.logger.Error("issue tags upsert failed", "error", err)
	}
}

// publishRecentIssues feeds the alert evaluator's work set.
func (p *Processor) publishRecentIssues(ctx context.Context, items []*grouped) {
	seen := map[int64]bool{}
	var members []string
	for _, it := range items {
		if !seen[it.issueID] {
			seen[it.issueID] = true
			members = append(members, strconv.FormatInt(it.issueID, 10))
		}
	}
	if err := p.cache.SetAdd(ctx, cachekv.KeyRecentIssues, recentIssuesTTL, members...); err != nil {
		p.logger.Warn("recent issues publish failed", "error", err)
	}
}

func (p *Processor) persistTransactions(ctx context.Context, jobs []*Job) error {
	if len(jobs) == 0 {
		return nil
	}
	rows := make([]store.TransactionRow, 0, len(jobs))
	stats := map[[2]int64]*store.StatDelta{}
	agg := map[[2]int64]*store.TransactionAggregateDelta{}

	for _, j := range jobs {
		ev := j.Event
		op := ""
		if trace, ok := ev.Contexts["trace"]; ok {
			if v, ok := trace["op"].(string); ok {
				op = v
			}
		}
		method := ""
		if ev.Request != nil {
			method = ev.Request.Method
		}
		groupID, err := p.store.GetOrCreateTransactionGroup(ctx, j.Project.ProjectID, ev.Transaction, op, method)
		if err != nil {
			p.logger.Warn("transaction group failed", "error", err)
			continue
		}

		duration := ev.Timestamp.Time.Sub(ev.StartTimestamp.Time).Seconds() * 1000
		if duration < 0 {
			duration = 0
		}
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		tags, err := json.Marshal(ev.Tags)
		if err != nil {
			tags = []byte("{}")
		}
		rows = append(rows, store.TransactionRow{
			EventID:    formatUUID(ev.EventID),
			Received:   ev.Received,
			GroupID:    groupID,
			OccurredAt: ev.Timestamp.Time,
			DurationMS: duration,
			Tags:       tags,
			Data:       data,
		})

		hour := ev.Received.UTC().Truncate(time.Hour)
		sk := [2]int64{j.Project.ProjectID, hour.Unix()}
		if d, ok := stats[sk]; ok {
			d.Count++
		} else {
			stats[sk] = &store.StatDelta{ProjectID: j.Project.ProjectID, Bucket: hour, Count: 1}
		}

		minute := ev.Received.UTC().Truncate(time.Minute)
		ak := [2]int64{groupID, minute.Unix()}
		if d, ok := agg[ak]; ok {
			d.Count++
			d.TotalDuration += duration
			d.SumSqDuration += duration * duration
		} else {
			agg[ak] = &store.TransactionAggregateDelta{
				GroupID:        groupID,
				OrganizationID: j.Project.OrganizationID,
				Bucket:         minute,
				Count:          1,
				TotalDuration:  duration,
				SumSqDuration:  duration * duration,
			}
		}
	}

	if err := p.store.InsertTransactions(ctx, rows); err != nil {
		return fmt.Errorf("insert transactions: %w", err)
	}
	statDeltas := make([]store.StatDelta, 0, len(stats))
	for _, d := range stats {
		statDeltas = append(statDeltas, *d)
	}
	if err := p.store.UpsertProjectTransactionStats(ctx, statDeltas); err != nil {
		p.logger.Error("transaction stats upsert failed", "error", err)
	}
	aggDeltas := make([]store.TransactionAggregateDelta, 0, len(agg))
	for _, d := range agg {
		aggDeltas = append(aggDeltas, *d)
	}
	if err := p.store.UpsertTransactionAggregates(ctx, aggDeltas); err != nil {
		p.logger.Error("transaction aggregates upsert failed", "error", err)
	}
	return nil
}

// markFirstEvents stamps projects receiving their first ever event.
func (p *Processor) markFirstEvents(ctx context.Context, jobs []*Job) {
	done := map[int64]bool{}
	for _, j := range jobs {
		if j.Project.FirstEvent != nil || done[j.Project.ProjectID] {
			continue
		}
		done[j.Project.ProjectID] = true
		if err := p.store.MarkFirstEvent(ctx, j.Project.ProjectID, j.Event.Received); err != nil {
			p.logger.Warn("first event stamp failed", "project_id", j.Project.ProjectID, "error", err)
		}
	}
}

// formatUUID renders a 32-hex event id in canonical dashed form for the
// uuid column. Already-dashed or unexpected ids pass through.
func formatUUID(id string) string {
	if len(id) != 32 {
		return id
	}
	return id[0:8] + "-" + id[8:12] + "-" + id[12:16] + "-" + id[16:20] + "-" + id[20:32]
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
