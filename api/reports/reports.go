package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/slack-go/slack"

	"github.com/tpaulabs/signalscope/api/metrics"
	"github.com/tpaulabs/signalscope/api/query"
	"github.com/tpaulabs/signalscope/api/store"
	"github.com/tpaulabs/signalscope/api/warehouse"
)

// Notifier posts digest messages. Satisfied by *slack.Client.
type Notifier interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Filter is the persisted subscription filter snapshot.
type Filter struct {
	SegmentIDs      []int64  `json:"segment_ids,omitempty"`
	SignalIDs       []string `json:"signal_ids,omitempty"`
	MaintainedBy    string   `json:"maintained_by,omitempty"`
	DaysOfWeek      []int64  `json:"days_of_week,omitempty"`
	StartHour       int      `json:"start_hour"`
	EndHour         int      `json:"end_hour"`
	RemoveAnomalies bool     `json:"remove_anomalies,omitempty"`
}

// Scheduler dispatches scheduled before/after digests for stored
// subscriptions. Delivery failures are logged and counted, never fatal to
// the loop.
type Scheduler struct {
	store    *store.SubscriptionStore
	session  *warehouse.SessionManager
	notifier Notifier
	clock    clockwork.Clock
	hour     int
	loc      *time.Location
	log      *slog.Logger
}

// NewScheduler builds a scheduler that fires daily at the given hour in loc.
func NewScheduler(st *store.SubscriptionStore, session *warehouse.SessionManager, notifier Notifier, clock clockwork.Clock, hour int, loc *time.Location, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		session:  session,
		notifier: notifier,
		clock:    clock,
		hour:     hour,
		loc:      loc,
		log:      log,
	}
}

// Run blocks until ctx is done, firing once per day at the configured hour.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		now := s.clock.Now().In(s.loc)
		next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, 0, 0, 0, s.loc)
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(next.Sub(now)):
		}
		s.DispatchDue(ctx, s.clock.Now().In(s.loc))
	}
}

// DispatchDue sends digests for every subscription due at the given time.
// Weekly subscriptions fire on Mondays.
func (s *Scheduler) DispatchDue(ctx context.Context, now time.Time) {
	due, err := s.store.ListByCadence(ctx, store.CadenceDaily)
	if err != nil {
		s.log.Error("failed to list daily subscriptions", "error", err)
		return
	}
	if now.Weekday() == time.Monday {
		weekly, err := s.store.ListByCadence(ctx, store.CadenceWeekly)
		if err != nil {
			s.log.Error("failed to list weekly subscriptions", "error", err)
		} else {
			due = append(due, weekly...)
		}
	}

	for _, sub := range due {
		// Email delivery does not exist yet; only slack subscriptions can fire.
		if sub.SlackChannel == "" {
			s.log.Warn("skipping subscription without slack channel",
				"subscription", sub.ID, "cadence", sub.Cadence)
			continue
		}
		err := s.dispatch(ctx, sub, now)
		metrics.RecordReportDispatch(err)
		if err != nil {
			s.log.Error("report dispatch failed",
				"subscription", sub.ID, "cadence", sub.Cadence, "error", err)
		}
	}
}

// MatchedWindows derives the comparison windows for a cadence: daily
// compares yesterday against the same weekday a week earlier; weekly
// compares the trailing week against the week before it.
func MatchedWindows(now time.Time, cadence store.Cadence) (before, after query.Window) {
	day := 24 * time.Hour
	date := func(t time.Time) string { return t.Format("2006-01-02") }
	yesterday := now.Add(-day)

	if cadence == store.CadenceWeekly {
		after = query.Window{StartDate: date(now.Add(-7 * day)), EndDate: date(yesterday)}
		before = query.Window{StartDate: date(now.Add(-14 * day)), EndDate: date(now.Add(-8 * day))}
		return before, after
	}
	after = query.Window{StartDate: date(yesterday), EndDate: date(yesterday)}
	before = query.Window{StartDate: date(yesterday.Add(-7 * day)), EndDate: date(yesterday.Add(-7 * day))}
	return before, after
}

func (s *Scheduler) dispatch(ctx context.Context, sub store.Subscription, now time.Time) error {
	var filter Filter
	if len(sub.Filter) > 0 {
		if err := json.Unmarshal(sub.Filter, &filter); err != nil {
			return fmt.Errorf("invalid filter snapshot: %w", err)
		}
	}

	before, after := MatchedWindows(now, sub.Cadence)
	spec := query.FilterSpec{
		StartDate: before.StartDate,
		EndDate:   before.EndDate,
		Window:    query.FullDay,
		Entities: query.Selection{
			SegmentIDs:   filter.SegmentIDs,
			SignalIDs:    filter.SignalIDs,
			MaintainedBy: filter.MaintainedBy,
		},
		DaysOfWeek:      filter.DaysOfWeek,
		RemoveAnomalies: filter.RemoveAnomalies,
	}
	if filter.EndHour > 0 {
		spec.Window = query.TimeWindow{StartHour: filter.StartHour, EndHour: filter.EndHour}
	}

	rows, err := s.fetchComparison(ctx, before, after, spec)
	if err != nil {
		return err
	}

	msg := FormatDigest(sub.Cadence, before, after, rows)
	_, _, err = s.notifier.PostMessageContext(ctx, sub.SlackChannel, slack.MsgOptionText(msg, false))
	if err != nil {
		return fmt.Errorf("failed to post digest: %w", err)
	}
	return nil
}

// DigestRow is one entity of the digest.
type DigestRow struct {
	EntityKey string
	Before    float64
	After     float64
	Delta     float64
}

func (s *Scheduler) fetchComparison(ctx context.Context, before, after query.Window, spec query.FilterSpec) ([]DigestRow, error) {
	q := query.BuildComparisonSummaryQuery(before, after, spec, query.KeySignal, query.MetricTTI)

	start := time.Now()
	rows, err := s.session.Query(ctx, q)
	metrics.RecordWarehouseQuery(time.Since(start), err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DigestRow
	for rows.Next() {
		var r DigestRow
		if err := rows.Scan(&r.EntityKey, &r.Before, &r.After, &r.Delta); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const digestTopN = 5

// FormatDigest renders the plain-text digest: the largest travel-time index
// regressions and improvements between the two windows.
func FormatDigest(cadence store.Cadence, before, after query.Window, rows []DigestRow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Travel time %s report\n", cadence)
	fmt.Fprintf(&b, "Before %s..%s vs after %s..%s\n",
		before.StartDate, before.EndDate, after.StartDate, after.EndDate)

	if len(rows) == 0 {
		b.WriteString("No data for the selected filters.\n")
		return b.String()
	}

	sorted := make([]DigestRow, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Delta > sorted[j].Delta })

	b.WriteString("\nLargest TTI regressions:\n")
	for i := 0; i < len(sorted) && i < digestTopN; i++ {
		r := sorted[i]
		if r.Delta <= 0 {
			break
		}
		fmt.Fprintf(&b, "  %s: %.2f -> %.2f (%+.2f)\n", r.EntityKey, r.Before, r.After, r.Delta)
	}

	b.WriteString("\nLargest TTI improvements:\n")
	for i := len(sorted) - 1; i >= 0 && i >= len(sorted)-digestTopN; i-- {
		r := sorted[i]
		if r.Delta >= 0 {
			break
		}
		fmt.Fprintf(&b, "  %s: %.2f -> %.2f (%+.2f)\n", r.EntityKey, r.Before, r.After, r.Delta)
	}

	return b.String()
}
