package handlers

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/tpaulabs/signalscope/api/config"
	"github.com/tpaulabs/signalscope/api/query"
)

// parseIntParam parses an optional integer query parameter, returning def
// when absent.
func parseIntParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &query.ValidationError{Param: name, Value: v}
	}
	return n, nil
}

// parseThresholdParam reads a non-negative percent-change bound, defaulting
// when absent. The sign is dropped: direction comes from the parameter name,
// not the value.
func parseThresholdParam(r *http.Request, name string, def float64) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, &query.ValidationError{Param: name, Value: v}
	}
	return math.Abs(f), nil
}

func parseBoolParam(r *http.Request, name string) (val, set bool, err error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, false, nil
	}
	switch v {
	case "true", "1":
		return true, true, nil
	case "false", "0":
		return false, true, nil
	}
	return false, false, &query.ValidationError{Param: name, Value: v}
}

func parseInt64List(r *http.Request, name string) ([]int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, &query.ValidationError{Param: name, Value: p}
		}
		out = append(out, n)
	}
	return out, nil
}

func parseStringList(r *http.Request, name string) []string {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDateRange reads and normalizes the required date bounds. Malformed
// dates fail the request rather than silently widening the filter.
func parseDateRange(r *http.Request, startParam, endParam string) (string, string, error) {
	start, err := query.NormalizeDate(r.URL.Query().Get(startParam))
	if err != nil {
		return "", "", &query.ValidationError{Param: startParam, Value: r.URL.Query().Get(startParam)}
	}
	end, err := query.NormalizeDate(r.URL.Query().Get(endParam))
	if err != nil {
		return "", "", &query.ValidationError{Param: endParam, Value: r.URL.Query().Get(endParam)}
	}
	return start, end, nil
}

// parseTimeWindow reads the time-of-day bounds, defaulting to the full day.
func parseTimeWindow(r *http.Request) (query.TimeWindow, error) {
	w := query.FullDay
	var err error
	if w.StartHour, err = parseIntParam(r, "start_hour", w.StartHour); err != nil {
		return w, err
	}
	if w.StartMinute, err = parseIntParam(r, "start_minute", w.StartMinute); err != nil {
		return w, err
	}
	if w.EndHour, err = parseIntParam(r, "end_hour", w.EndHour); err != nil {
		return w, err
	}
	if w.EndMinute, err = parseIntParam(r, "end_minute", w.EndMinute); err != nil {
		return w, err
	}
	return w, w.Validate()
}

// parseFilterSpec assembles the normalized filter state shared by all the
// analytical endpoints.
func parseFilterSpec(r *http.Request) (query.FilterSpec, error) {
	var spec query.FilterSpec
	var err error

	spec.StartDate, spec.EndDate, err = parseDateRange(r, "start_date", "end_date")
	if err != nil {
		return spec, err
	}
	spec.Window, err = parseTimeWindow(r)
	if err != nil {
		return spec, err
	}
	spec.DaysOfWeek, err = parseInt64List(r, "days_of_week")
	if err != nil {
		return spec, err
	}
	spec.Entities, err = parseSelection(r)
	if err != nil {
		return spec, err
	}
	removeAnomalies, _, err := parseBoolParam(r, "remove_anomalies")
	if err != nil {
		return spec, err
	}
	spec.RemoveAnomalies = removeAnomalies

	return spec, spec.Validate()
}

func parseSelection(r *http.Request) (query.Selection, error) {
	var sel query.Selection
	var err error

	sel.SegmentIDs, err = parseInt64List(r, "segment_ids")
	if err != nil {
		return sel, err
	}
	sel.SignalIDs = parseStringList(r, "signal_ids")
	sel.MaintainedBy = r.URL.Query().Get("maintained_by")

	approach, set, err := parseBoolParam(r, "approach")
	if err != nil {
		return sel, err
	}
	if set {
		sel.Approach = &approach
	}
	validGeometry, _, err := parseBoolParam(r, "valid_geometry")
	if err != nil {
		return sel, err
	}
	sel.ValidGeometryOnly = validGeometry

	return sel, nil
}

// parseLegendSpec reads the optional legend grouping request, capped at the
// configured maximum.
func parseLegendSpec(r *http.Request, maxEntities int) (query.LegendSpec, bool, error) {
	field := r.URL.Query().Get("legend")
	if field == "" {
		return query.LegendSpec{}, false, nil
	}
	spec := query.LegendSpec{Field: field, MaxEntities: maxEntities}
	if err := spec.Validate(); err != nil {
		return query.LegendSpec{}, false, err
	}
	return spec, true, nil
}

// parseComparisonWindows reads the matched before/after date ranges.
func parseComparisonWindows(r *http.Request) (before, after query.Window, err error) {
	before.StartDate, before.EndDate, err = parseDateRange(r, "before_start", "before_end")
	if err != nil {
		return
	}
	after.StartDate, after.EndDate, err = parseDateRange(r, "after_start", "after_end")
	return
}

// defaultPeakWindow is the dashboard's configured default time-of-day window
// for comparison views.
func defaultPeakWindow() query.TimeWindow {
	app := config.App()
	return query.TimeWindow{
		StartHour: app.DefaultWindowStartHour,
		EndHour:   app.DefaultWindowEndHour,
	}
}

// parseComparisonFilterSpec is parseFilterSpec for before/after endpoints:
// the date range comes from the comparison windows and the time-of-day
// window defaults to the configured peak hours instead of the full day.
func parseComparisonFilterSpec(r *http.Request, before query.Window) (query.FilterSpec, error) {
	var spec query.FilterSpec
	var err error

	spec.StartDate = before.StartDate
	spec.EndDate = before.EndDate

	if r.URL.Query().Get("start_hour") == "" && r.URL.Query().Get("end_hour") == "" {
		spec.Window = defaultPeakWindow()
	} else {
		spec.Window, err = parseTimeWindow(r)
		if err != nil {
			return spec, err
		}
	}

	spec.DaysOfWeek, err = parseInt64List(r, "days_of_week")
	if err != nil {
		return spec, err
	}
	spec.Entities, err = parseSelection(r)
	if err != nil {
		return spec, err
	}
	removeAnomalies, _, err := parseBoolParam(r, "remove_anomalies")
	if err != nil {
		return spec, err
	}
	spec.RemoveAnomalies = removeAnomalies

	return spec, spec.Validate()
}
