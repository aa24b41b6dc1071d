package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/tpaulabs/signalscope/api/config"
	"github.com/tpaulabs/signalscope/api/metrics"
	"github.com/tpaulabs/signalscope/api/query"
)

// ComparisonRow is one entity of a before/after summary.
type ComparisonRow struct {
	EntityKey    string  `json:"entity_key"`
	BeforeMetric float64 `json:"before_metric"`
	AfterMetric  float64 `json:"after_metric"`
	Delta        float64 `json:"delta"`
}

// ComparisonResponse is the before/after summary payload.
type ComparisonResponse struct {
	Metric string          `json:"metric"`
	Rows   []ComparisonRow `json:"rows"`
}

func serveComparisonSummary(w http.ResponseWriter, r *http.Request, key query.EntityKey, operation string) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	before, after, err := parseComparisonWindows(r)
	if err != nil {
		writeError(w, operation, err)
		return
	}
	spec, err := parseComparisonFilterSpec(r, before)
	if err != nil {
		writeError(w, operation, err)
		return
	}

	q := query.BuildComparisonSummaryQuery(before, after, spec, key, query.MetricTTI)

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

	resp := ComparisonResponse{Metric: "tti", Rows: []ComparisonRow{}}
	for rows.Next() {
		var row ComparisonRow
		if err := rows.Scan(&row.EntityKey, &row.BeforeMetric, &row.AfterMetric, &row.Delta); err != nil {
			log.Printf("%s row scan error: %v", operation, err)
			writeError(w, operation, err)
			return
		}
		resp.Rows = append(resp.Rows, row)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// GetBeforeAfterSummary compares the travel-time index per signal across
// matched windows.
func GetBeforeAfterSummary(w http.ResponseWriter, r *http.Request) {
	serveComparisonSummary(w, r, query.KeySignal, "before after summary failed")
}

// GetBeforeAfterSummaryXD compares the travel-time index per segment.
func GetBeforeAfterSummaryXD(w http.ResponseWriter, r *http.Request) {
	serveComparisonSummary(w, r, query.KeySegment, "before after summary failed")
}

// ComparisonSeriesPoint is one bucket of a before/after series.
type ComparisonSeriesPoint struct {
	SeriesKey string  `json:"series_key,omitempty"`
	Bucket    string  `json:"bucket"`
	Period    string  `json:"period"`
	Value     float64 `json:"value"`
}

// ComparisonSeriesResponse carries the period-tagged comparison series.
type ComparisonSeriesResponse struct {
	Metric string                  `json:"metric"`
	Points []ComparisonSeriesPoint `json:"points"`
}

func serveComparisonSeries(w http.ResponseWriter, r *http.Request, axis query.SeriesAxis, operation string) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	before, after, err := parseComparisonWindows(r)
	if err != nil {
		writeError(w, operation, err)
		return
	}
	spec, err := parseComparisonFilterSpec(r, before)
	if err != nil {
		writeError(w, operation, err)
		return
	}

	// Legend pools for comparison views are capped tighter: two periods per
	// legend value doubles the series count.
	var legendField string
	var legendValues []string
	legendSpec, ok, err := parseLegendSpec(r, config.App().MaxBeforeAfterLegendEntities)
	if err != nil {
		writeError(w, operation, err)
		return
	}
	if ok {
		entities := query.Resolve(spec.Entities)
		ps := query.Compose(spec, query.TierRaw)
		ps = ps.WithDateRange(query.TierRaw, before.StartDate, after.EndDate)
		legendValues, err = query.Cap(ctx, config.Session, legendSpec, ps, query.TierRaw, entities)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			writeError(w, operation, err)
			return
		}
		legendField = legendSpec.Field
	}

	q, err := query.BuildComparisonSeriesQuery(before, after, spec, axis, query.MetricTTI, legendField, legendValues)
	if err != nil {
		writeError(w, operation, err)
		return
	}

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

	resp := ComparisonSeriesResponse{Metric: "tti", Points: []ComparisonSeriesPoint{}}
	for rows.Next() {
		var p ComparisonSeriesPoint
		if err := rows.Scan(&p.SeriesKey, &p.Bucket, &p.Period, &p.Value); err != nil {
			log.Printf("%s row scan error: %v", operation, err)
			writeError(w, operation, err)
			return
		}
		resp.Points = append(resp.Points, p)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// GetBeforeAfterAggregated serves the timestamp-axis comparison series.
func GetBeforeAfterAggregated(w http.ResponseWriter, r *http.Request) {
	serveComparisonSeries(w, r, query.AxisTimestamp, "before after aggregated failed")
}

// GetBeforeAfterByTimeOfDay serves the time-of-day-axis comparison series.
func GetBeforeAfterByTimeOfDay(w http.ResponseWriter, r *http.Request) {
	serveComparisonSeries(w, r, query.AxisTimeOfDay, "before after by time of day failed")
}
