package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/tpaulabs/signalscope/api/config"
	"github.com/tpaulabs/signalscope/api/metrics"
	"github.com/tpaulabs/signalscope/api/query"
)

// tierMeasures returns the aggregate expressions for total, average, and
// record count at the given tier. The rollups carry pre-summed measures, so
// averages recombine as sum/count instead of averaging averages.
func tierMeasures(tier query.Tier) (sumExpr, avgExpr, countExpr string) {
	if tier == query.TierRaw {
		return "sum(t.travel_time_s)", "avg(t.travel_time_s)", "count()"
	}
	return "sum(t.sum_travel_time_s)",
		"sum(t.sum_travel_time_s) / sum(t.record_count)",
		"sum(t.record_count)"
}

// --- Query builders (exported for testing) ---

// BuildSignalsQuery builds the dimension-universe query. Fetched once per
// request, before any fact aggregation, so sparse aggregates never shrink
// the output.
func BuildSignalsQuery(entityPredicate string) string {
	return fmt.Sprintf(`
		SELECT sg.signal_id, sg.segment_id, sg.latitude, sg.longitude,
			sg.bearing, sg.county, sg.road_name, sg.miles
		FROM dim_signals sg
		WHERE %s
		ORDER BY sg.signal_id, sg.segment_id`,
		entityPredicate)
}

// BuildSummaryAggregateQuery builds the per-segment fact aggregate for the
// travel-time summary at the chosen tier.
func BuildSummaryAggregateQuery(tier query.Tier, ps query.PredicateSet) string {
	sumExpr, avgExpr, countExpr := tierMeasures(tier)
	return fmt.Sprintf(`
		SELECT t.segment_id, %s, %s, %s
		FROM %s t
		%s
		WHERE %s
		GROUP BY t.segment_id`,
		sumExpr, avgExpr, countExpr, tier.Source(), ps.JoinClause(), ps.Where())
}

// BuildAggregatedSeriesQuery builds the total-travel-time time series at the
// tier grain, optionally split by a legend field.
func BuildAggregatedSeriesQuery(tier query.Tier, ps query.PredicateSet, legendField string) string {
	sumExpr, _, _ := tierMeasures(tier)
	legendSelect := "'' AS series_key, "
	if legendField != "" {
		col, _ := query.LegendColumn(legendField)
		legendSelect = fmt.Sprintf("toString(%s) AS series_key, ", col)
	}
	return fmt.Sprintf(`
		SELECT %stoString(t.%s) AS bucket, %s AS total_travel_time_s
		FROM %s t
		%s
		WHERE %s
		GROUP BY series_key, bucket
		ORDER BY bucket, series_key`,
		legendSelect, tier.BucketColumn(), sumExpr, tier.Source(), ps.JoinClause(), ps.Where())
}

// BuildTimeOfDaySeriesQuery builds the average-travel-time series keyed by
// 15-minute time-of-day bucket, folding all selected days together.
func BuildTimeOfDaySeriesQuery(tier query.Tier, ps query.PredicateSet, legendField string) string {
	_, avgExpr, _ := tierMeasures(tier)
	legendSelect := "'' AS series_key, "
	if legendField != "" {
		col, _ := query.LegendColumn(legendField)
		legendSelect = fmt.Sprintf("toString(%s) AS series_key, ", col)
	}
	return fmt.Sprintf(`
		SELECT %st.%s AS bucket, %s AS avg_travel_time_s
		FROM %s t
		%s
		WHERE %s
		GROUP BY series_key, bucket
		ORDER BY bucket, series_key`,
		legendSelect, tier.TimeOfDayColumn(), avgExpr, tier.Source(), ps.JoinClause(), ps.Where())
}

// --- Handlers ---

// fetchSignals runs the dimension pass and scans the signal universe.
func fetchSignals(ctx context.Context, entityPredicate string) ([]query.SignalRow, error) {
	q := BuildSignalsQuery(entityPredicate)

	start := time.Now()
	rows, err := config.Session.Query(ctx, q)
	metrics.RecordWarehouseQuery(time.Since(start), err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dims []query.SignalRow
	for rows.Next() {
		var d query.SignalRow
		if err := rows.Scan(&d.SignalID, &d.SegmentID, &d.Latitude, &d.Longitude,
			&d.Bearing, &d.County, &d.RoadName, &d.Miles); err != nil {
			return nil, err
		}
		dims = append(dims, d)
	}
	return dims, rows.Err()
}

// GetSignals returns the full signal dimension universe, optionally
// restricted by the entity selection.
func GetSignals(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	sel, err := parseSelection(r)
	if err != nil {
		writeError(w, "signals query failed", err)
		return
	}
	entities := query.Resolve(sel)

	dims, err := fetchSignals(ctx, entities.DimensionPredicate())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("Signals query error: %v", err)
		writeError(w, "signals query failed", err)
		return
	}

	table := query.Table{
		Columns: []query.Column{
			{Name: "signal_id"},
			{Name: "segment_id"},
			{Name: "latitude"},
			{Name: "longitude"},
			{Name: "bearing"},
			{Name: "county"},
			{Name: "road_name"},
			{Name: "miles"},
		},
		Rows: make([][]any, 0, len(dims)),
	}
	for _, d := range dims {
		table.Rows = append(table.Rows, []any{
			d.SignalID, d.SegmentID, d.Latitude, d.Longitude,
			d.Bearing, d.County, d.RoadName, d.Miles,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(table)
}

// GetTravelTimeSummary runs the two-pass summary: dimension universe first,
// then the per-segment fact aggregate, assembled client-side so every signal
// appears even with no matching facts.
func GetTravelTimeSummary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	spec, err := parseFilterSpec(r)
	if err != nil {
		writeError(w, "travel time summary failed", err)
		return
	}
	tier := query.SelectTier(spec.StartDate, spec.EndDate)
	entities := query.Resolve(spec.Entities)

	dims, err := fetchSignals(ctx, entities.DimensionPredicate())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("Travel time summary dimension query error: %v", err)
		writeError(w, "travel time summary failed", err)
		return
	}

	ps := query.Compose(spec, tier)
	q := BuildSummaryAggregateQuery(tier, ps)

	start := time.Now()
	rows, err := config.Session.Query(ctx, q)
	metrics.RecordWarehouseQuery(time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("Travel time summary query error: %v\nQuery: %s", err, q)
		writeError(w, "travel time summary failed", err)
		return
	}
	defer rows.Close()

	aggs := make(map[int64]query.SummaryAggregate)
	for rows.Next() {
		var segmentID int64
		var agg query.SummaryAggregate
		if err := rows.Scan(&segmentID, &agg.TotalTravelTimeS, &agg.AvgTravelTimeS, &agg.RecordCount); err != nil {
			log.Printf("Travel time summary row scan error: %v", err)
			writeError(w, "travel time summary failed", err)
			return
		}
		aggs[segmentID] = agg
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(query.AssembleSummary(dims, aggs))
}

// SeriesPoint is one row of a series response.
type SeriesPoint struct {
	SeriesKey string  `json:"series_key,omitempty"`
	Bucket    string  `json:"bucket"`
	Value     float64 `json:"value"`
}

// SeriesResponse carries a series plus the tier it was served from.
type SeriesResponse struct {
	Tier   string        `json:"tier"`
	Points []SeriesPoint `json:"points"`
}

// applyLegendIfRequested caps the legend pool and layers the containment
// predicate. Returns the legend field ("" when no grouping was requested).
func applyLegendIfRequested(ctx context.Context, r *http.Request, ps *query.PredicateSet, tier query.Tier, entities query.ResolvedEntities, maxEntities int) (string, error) {
	spec, ok, err := parseLegendSpec(r, maxEntities)
	if err != nil || !ok {
		return "", err
	}
	values, err := query.Cap(ctx, config.Session, spec, *ps, tier, entities)
	if err != nil {
		return "", err
	}
	if err := query.ApplyLegend(ps, spec.Field, values); err != nil {
		return "", err
	}
	return spec.Field, nil
}

func serveSeries(w http.ResponseWriter, r *http.Request, build func(tier query.Tier, ps query.PredicateSet, legendField string) string, operation string) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	spec, err := parseFilterSpec(r)
	if err != nil {
		writeError(w, operation, err)
		return
	}
	tier := query.SelectTier(spec.StartDate, spec.EndDate)
	entities := query.Resolve(spec.Entities)
	ps := query.Compose(spec, tier)

	legendField, err := applyLegendIfRequested(ctx, r, &ps, tier, entities, config.App().MaxLegendEntities)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		writeError(w, operation, err)
		return
	}

	q := build(tier, ps, legendField)

	start := time.Now()
	rows, err := config.Session.Query(ctx, q)
	metrics.RecordWarehouseQuery(time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("%s query error: %v\nQuery: %s", operation, err, q)
		writeError(w, operation, err)
		return
	}
	defer rows.Close()

	resp := SeriesResponse{Tier: tier.String(), Points: []SeriesPoint{}}
	for rows.Next() {
		var p SeriesPoint
		if err := rows.Scan(&p.SeriesKey, &p.Bucket, &p.Value); err != nil {
			log.Printf("%s row scan error: %v", operation, err)
			writeError(w, operation, err)
			return
		}
		resp.Points = append(resp.Points, p)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// GetTravelTimeAggregated serves the total-travel-time series at the tier
// grain selected from the requested span.
func GetTravelTimeAggregated(w http.ResponseWriter, r *http.Request) {
	serveSeries(w, r, BuildAggregatedSeriesQuery, "travel time aggregated failed")
}

// GetTravelTimeByTimeOfDay serves the average-travel-time series keyed by
// time-of-day bucket.
func GetTravelTimeByTimeOfDay(w http.ResponseWriter, r *http.Request) {
	serveSeries(w, r, BuildTimeOfDaySeriesQuery, "travel time by time of day failed")
}
