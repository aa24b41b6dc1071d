package query

// Column describes one output column of an assembled table.
type Column struct {
	Name     string `json:"name"`
	Nullable bool   `json:"nullable"`
}

// Table is the uniform tabular result shape handed to serialization. Rows
// are positional against Columns.
type Table struct {
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// SignalRow is one dimension-universe row. Fetched once per request, before
// any fact aggregation.
type SignalRow struct {
	SignalID  string
	SegmentID int64
	Latitude  float64
	Longitude float64
	Bearing   string
	County    string
	RoadName  string
	Miles     float64
}

// SummaryAggregate is the per-segment fact aggregate for the travel-time
// summary.
type SummaryAggregate struct {
	TotalTravelTimeS float64
	AvgTravelTimeS   float64
	RecordCount      uint64
}

// AnomalyAggregate is the per-segment anomaly count aggregate.
type AnomalyAggregate struct {
	AnomalyCount     uint64
	PointSourceCount uint64
}

// AssembleSummary left-joins the dimension universe with sparse per-segment
// aggregates. The dimension rows are authoritative: every one produces an
// output row, and segments the aggregation never saw get zeros so charts
// stay well-defined.
func AssembleSummary(dims []SignalRow, aggs map[int64]SummaryAggregate) Table {
	t := Table{
		Columns: []Column{
			{Name: "signal_id"},
			{Name: "segment_id"},
			{Name: "latitude"},
			{Name: "longitude"},
			{Name: "bearing"},
			{Name: "county"},
			{Name: "road_name"},
			{Name: "miles"},
			{Name: "total_travel_time_s"},
			{Name: "avg_travel_time_s"},
			{Name: "record_count"},
		},
		Rows: make([][]any, 0, len(dims)),
	}
	for _, d := range dims {
		agg := aggs[d.SegmentID]
		t.Rows = append(t.Rows, []any{
			d.SignalID, d.SegmentID, d.Latitude, d.Longitude,
			d.Bearing, d.County, d.RoadName, d.Miles,
			agg.TotalTravelTimeS, agg.AvgTravelTimeS, agg.RecordCount,
		})
	}
	return t
}

// AssembleAnomalySummary left-joins the dimension universe with sparse
// per-segment anomaly counts, zero-defaulting segments with no anomalies.
func AssembleAnomalySummary(dims []SignalRow, aggs map[int64]AnomalyAggregate) Table {
	t := Table{
		Columns: []Column{
			{Name: "signal_id"},
			{Name: "segment_id"},
			{Name: "latitude"},
			{Name: "longitude"},
			{Name: "road_name"},
			{Name: "anomaly_count"},
			{Name: "point_source_count"},
		},
		Rows: make([][]any, 0, len(dims)),
	}
	for _, d := range dims {
		agg := aggs[d.SegmentID]
		t.Rows = append(t.Rows, []any{
			d.SignalID, d.SegmentID, d.Latitude, d.Longitude, d.RoadName,
			agg.AnomalyCount, agg.PointSourceCount,
		})
	}
	return t
}
