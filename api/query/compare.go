package query

import "fmt"

// Window is one side of a before/after comparison. Every other fragment of
// the filter is shared between the two sides.
type Window struct {
	StartDate string
	EndDate   string
}

// EntityKey names the axis comparison aggregates match on.
type EntityKey int

const (
	KeySignal EntityKey = iota
	KeySegment
)

func (k EntityKey) column() string {
	if k == KeySegment {
		return "toString(t.segment_id)"
	}
	return "sg.signal_id"
}

// freeflowJoin supplies the per-segment free-flow baseline for the
// travel-time index.
const freeflowJoin = "INNER JOIN dim_freeflow ff ON t.segment_id = ff.segment_id"

// MetricTTI is the travel-time index: measured travel time over the
// free-flow baseline. Requires the dim_freeflow join.
const MetricTTI = "avg(t.travel_time_s / ff.travel_time_s)"

// Comparisons always read the raw facts regardless of span. Matched windows
// are short by construction and the rollups do not carry the per-row values
// the index divides.
func comparePredicates(spec FilterSpec, w Window, key EntityKey) PredicateSet {
	ps := Compose(spec, TierRaw)
	ps = ps.WithDateRange(TierRaw, w.StartDate, w.EndDate)
	ps.AddJoin("freeflow", freeflowJoin)
	if key == KeySignal {
		ps.AddJoin("signals", signalsJoin)
	}
	return ps
}

// BuildComparisonSummaryQuery builds the one-value-per-entity comparison:
// each window aggregates under identical predicates except the date range,
// the two sides full-outer-join on the entity key, and missing sides
// coalesce to 0 so the delta is always defined.
func BuildComparisonSummaryQuery(before, after Window, spec FilterSpec, key EntityKey, metricExpr string) string {
	bps := comparePredicates(spec, before, key)
	aps := comparePredicates(spec, after, key)
	keyCol := key.column()
	return fmt.Sprintf(`
		WITH before_agg AS (
			SELECT %s AS entity_key, %s AS metric
			FROM fact_travel_time t
			%s
			WHERE %s
			GROUP BY entity_key
		),
		after_agg AS (
			SELECT %s AS entity_key, %s AS metric
			FROM fact_travel_time t
			%s
			WHERE %s
			GROUP BY entity_key
		)
		SELECT
			COALESCE(b.entity_key, a.entity_key) AS entity_key,
			COALESCE(b.metric, 0) AS before_metric,
			COALESCE(a.metric, 0) AS after_metric,
			COALESCE(a.metric, 0) - COALESCE(b.metric, 0) AS delta
		FROM before_agg b
		FULL OUTER JOIN after_agg a ON b.entity_key = a.entity_key
		ORDER BY entity_key
		SETTINGS join_use_nulls = 1`,
		keyCol, metricExpr, bps.JoinClause(), bps.Where(),
		keyCol, metricExpr, aps.JoinClause(), aps.Where())
}

// SeriesAxis picks the x axis for comparison series output.
type SeriesAxis int

const (
	// AxisTimestamp buckets by the fact timestamp.
	AxisTimestamp SeriesAxis = iota
	// AxisTimeOfDay buckets by the 15-minute time-of-day value, folding all
	// days of each window together.
	AxisTimeOfDay
)

func (a SeriesAxis) column() string {
	if a == AxisTimeOfDay {
		return "t." + TierRaw.TimeOfDayColumn()
	}
	return "t." + TierRaw.BucketColumn()
}

// BuildComparisonSeriesQuery builds the time-indexed comparison: the two
// windows' timestamps are disjoint so a positional join is meaningless;
// instead each side is tagged with a period label, unioned, and ordered by
// bucket then period. A non-empty legendField splits each side into one
// series per legend value, restricted to the already capped legendValues.
func BuildComparisonSeriesQuery(before, after Window, spec FilterSpec, axis SeriesAxis, metricExpr, legendField string, legendValues []string) (string, error) {
	bps := comparePredicates(spec, before, KeySegment)
	aps := comparePredicates(spec, after, KeySegment)

	legendSelect := "'' AS series_key, "
	if legendField != "" {
		col, needsJoin := LegendColumn(legendField)
		legendSelect = fmt.Sprintf("toString(%s) AS series_key, ", col)
		if needsJoin {
			bps.AddJoin("signals", signalsJoin)
			aps.AddJoin("signals", signalsJoin)
		}
		if len(legendValues) > 0 {
			if err := ApplyLegend(&bps, legendField, legendValues); err != nil {
				return "", err
			}
			if err := ApplyLegend(&aps, legendField, legendValues); err != nil {
				return "", err
			}
		}
	}

	bucket := axis.column()
	side := func(ps PredicateSet, period string) string {
		return fmt.Sprintf(`SELECT %stoString(%s) AS bucket, '%s' AS period, %s AS metric
			FROM fact_travel_time t
			%s
			WHERE %s
			GROUP BY series_key, bucket`,
			legendSelect, bucket, period, metricExpr, ps.JoinClause(), ps.Where())
	}
	return fmt.Sprintf(`
		SELECT series_key, bucket, period, metric
		FROM (
			%s
			UNION ALL
			%s
		)
		ORDER BY bucket, period, series_key`,
		side(bps, "Before"), side(aps, "After")), nil
}
