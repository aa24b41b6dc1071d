package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/tpaulabs/signalscope/api/config"
	"github.com/tpaulabs/signalscope/api/metrics"
	"github.com/tpaulabs/signalscope/api/query"
)

// defaultChangeThreshold is the minimum percent-change magnitude a
// changepoint needs to appear, in either direction, unless the caller asks
// otherwise.
const defaultChangeThreshold = 0.01

// parseChangepointFilter assembles the predicate set shared by the
// changepoint map and table endpoints.
func parseChangepointFilter(r *http.Request) (query.PredicateSet, error) {
	start, end, err := parseDateRange(r, "start_date", "end_date")
	if err != nil {
		return query.PredicateSet{}, err
	}
	sel, err := parseSelection(r)
	if err != nil {
		return query.PredicateSet{}, err
	}
	improvement, err := parseThresholdParam(r, "pct_change_improvement", defaultChangeThreshold)
	if err != nil {
		return query.PredicateSet{}, err
	}
	degradation, err := parseThresholdParam(r, "pct_change_degradation", defaultChangeThreshold)
	if err != nil {
		return query.PredicateSet{}, err
	}
	thresholds := query.ChangeThresholds{Improvement: improvement, Degradation: degradation}
	return query.ComposeChangepoints(start, end, sel, thresholds), nil
}

// GetChangepointsBySignal aggregates detected changepoints per signal for
// the map view, including the largest single changepoint under each signal.
func GetChangepointsBySignal(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	ps, err := parseChangepointFilter(r)
	if err != nil {
		writeError(w, "changepoint map failed", err)
		return
	}
	q := query.BuildChangepointSignalAggQuery(ps)

	start := time.Now()
	rows, err := config.Session.Query(ctx, q)
	metrics.RecordWarehouseQuery(time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("Changepoint map query error: %v\nQuery: %s", err, q)
		writeError(w, "changepoint map failed", err)
		return
	}
	defer rows.Close()

	table := query.Table{
		Columns: []query.Column{
			{Name: "signal_id"},
			{Name: "abs_pct_sum"},
			{Name: "avg_pct_change"},
			{Name: "changepoint_count"},
			{Name: "top_segment_id"},
			{Name: "top_ts"},
			{Name: "top_pct_change"},
			{Name: "top_avg_diff"},
			{Name: "top_road_name"},
			{Name: "top_bearing"},
		},
		Rows: [][]any{},
	}
	for rows.Next() {
		var (
			signalID, topTS, topRoadName, topBearing       string
			absPctSum, avgPctChange, topPctChange, topDiff float64
			count                                          uint64
			topSegmentID                                   int64
		)
		if err := rows.Scan(&signalID, &absPctSum, &avgPctChange, &count,
			&topSegmentID, &topTS, &topPctChange, &topDiff, &topRoadName, &topBearing); err != nil {
			log.Printf("Changepoint map row scan error: %v", err)
			writeError(w, "changepoint map failed", err)
			return
		}
		table.Rows = append(table.Rows, []any{
			signalID, absPctSum, avgPctChange, count,
			topSegmentID, topTS, topPctChange, topDiff, topRoadName, topBearing,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(table)
}

// GetChangepointsBySegment aggregates detected changepoints per segment for
// the map view.
func GetChangepointsBySegment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	ps, err := parseChangepointFilter(r)
	if err != nil {
		writeError(w, "changepoint map failed", err)
		return
	}
	q := query.BuildChangepointSegmentAggQuery(ps)

	start := time.Now()
	rows, err := config.Session.Query(ctx, q)
	metrics.RecordWarehouseQuery(time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("Changepoint map query error: %v\nQuery: %s", err, q)
		writeError(w, "changepoint map failed", err)
		return
	}
	defer rows.Close()

	table := query.Table{
		Columns: []query.Column{
			{Name: "segment_id"},
			{Name: "abs_pct_sum"},
			{Name: "avg_pct_change"},
			{Name: "changepoint_count"},
			{Name: "top_ts"},
			{Name: "top_pct_change"},
			{Name: "top_avg_diff"},
			{Name: "road_name"},
			{Name: "bearing"},
		},
		Rows: [][]any{},
	}
	for rows.Next() {
		var (
			topTS, roadName, bearing                       string
			absPctSum, avgPctChange, topPctChange, topDiff float64
			count                                          uint64
			segmentID                                      int64
		)
		if err := rows.Scan(&segmentID, &absPctSum, &avgPctChange, &count,
			&topTS, &topPctChange, &topDiff, &roadName, &bearing); err != nil {
			log.Printf("Changepoint map row scan error: %v", err)
			writeError(w, "changepoint map failed", err)
			return
		}
		table.Rows = append(table.Rows, []any{
			segmentID, absPctSum, avgPctChange, count,
			topTS, topPctChange, topDiff, roadName, bearing,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(table)
}

// GetChangepointsTable lists individual changepoints under the active
// filters with server-side sorting, bounded to the top 100.
func GetChangepointsTable(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	ps, err := parseChangepointFilter(r)
	if err != nil {
		writeError(w, "changepoint table failed", err)
		return
	}
	orderBy, err := query.ChangepointSort(r.URL.Query().Get("sort_by"), r.URL.Query().Get("sort_dir"))
	if err != nil {
		writeError(w, "changepoint table failed", err)
		return
	}
	q := query.BuildChangepointTableQuery(ps, orderBy)

	start := time.Now()
	rows, err := config.Session.Query(ctx, q)
	metrics.RecordWarehouseQuery(time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("Changepoint table query error: %v\nQuery: %s", err, q)
		writeError(w, "changepoint table failed", err)
		return
	}
	defer rows.Close()

	table := query.Table{
		Columns: []query.Column{
			{Name: "segment_id"},
			{Name: "ts"},
			{Name: "pct_change"},
			{Name: "avg_diff"},
			{Name: "avg_before"},
			{Name: "avg_after"},
			{Name: "score"},
			{Name: "road_name"},
			{Name: "bearing"},
		},
		Rows: [][]any{},
	}
	for rows.Next() {
		var (
			ts, roadName, bearing                          string
			pctChange, avgDiff, avgBefore, avgAfter, score float64
			segmentID                                      int64
		)
		if err := rows.Scan(&segmentID, &ts, &pctChange, &avgDiff,
			&avgBefore, &avgAfter, &score, &roadName, &bearing); err != nil {
			log.Printf("Changepoint table row scan error: %v", err)
			writeError(w, "changepoint table failed", err)
			return
		}
		table.Rows = append(table.Rows, []any{
			segmentID, ts, pctChange, avgDiff, avgBefore, avgAfter, score, roadName, bearing,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(table)
}

// GetChangepointDetail returns the raw travel times surrounding one
// changepoint, tagged before/after, for the detail chart.
func GetChangepointDetail(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	rawSegment := r.URL.Query().Get("segment_id")
	segmentID, err := strconv.ParseInt(rawSegment, 10, 64)
	if err != nil {
		writeError(w, "changepoint detail failed",
			&query.ValidationError{Param: "segment_id", Value: rawSegment})
		return
	}
	ts, err := query.NormalizeTimestamp(r.URL.Query().Get("timestamp"))
	if err != nil {
		writeError(w, "changepoint detail failed", err)
		return
	}
	q := query.BuildChangepointDetailQuery(segmentID, ts)

	start := time.Now()
	rows, err := config.Session.Query(ctx, q)
	metrics.RecordWarehouseQuery(time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("Changepoint detail query error: %v\nQuery: %s", err, q)
		writeError(w, "changepoint detail failed", err)
		return
	}
	defer rows.Close()

	table := query.Table{
		Columns: []query.Column{
			{Name: "segment_id"},
			{Name: "ts"},
			{Name: "travel_time_s"},
			{Name: "period"},
		},
		Rows: [][]any{},
	}
	for rows.Next() {
		var (
			rowTS, period string
			travelTime    float64
			rowSegment    int64
		)
		if err := rows.Scan(&rowSegment, &rowTS, &travelTime, &period); err != nil {
			log.Printf("Changepoint detail row scan error: %v", err)
			writeError(w, "changepoint detail failed", err)
			return
		}
		table.Rows = append(table.Rows, []any{rowSegment, rowTS, travelTime, period})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(table)
}
