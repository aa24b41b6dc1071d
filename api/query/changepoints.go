package query

import "fmt"

// ChangeThresholds bound which changepoints count: improvements are percent
// changes at or below -Improvement, degradations at or above Degradation.
// Both zero means no threshold filtering.
type ChangeThresholds struct {
	Improvement float64
	Degradation float64
}

// Expr renders the threshold disjunction, or nil when neither bound is set.
func (ct ChangeThresholds) Expr() Expr {
	var exprs []Expr
	if ct.Improvement > 0 {
		exprs = append(exprs, LeFloat("t.pct_change", -ct.Improvement))
	}
	if ct.Degradation > 0 {
		exprs = append(exprs, GeFloat("t.pct_change", ct.Degradation))
	}
	switch len(exprs) {
	case 0:
		return nil
	case 1:
		return exprs[0]
	}
	return Or(exprs...)
}

// ComposeChangepoints assembles the predicate set for a changepoint scan.
// Detected changepoints exist only at raw grain, and the signals join is
// always present because every output carries road_name and bearing.
func ComposeChangepoints(startDate, endDate string, sel Selection, thresholds ChangeThresholds) PredicateSet {
	var ps PredicateSet
	ps.AddJoin("signals", signalsJoin)

	ps.Add(FragDateRange, Between("t.date_only", startDate, endDate))
	if expr := thresholds.Expr(); expr != nil {
		ps.Add(FragChange, expr)
	}

	re := Resolve(sel)
	switch re.Strategy {
	case DirectList:
		ps.Add(FragEntity, InInts("t.segment_id", re.SegmentIDs))
	case JoinPredicate:
		ps.Add(FragEntity, re.Predicate)
	}
	return ps
}

// topChangeKey orders changepoints by magnitude, then recency, for the
// argMax picks below.
const topChangeKey = "(abs(t.pct_change), t.ts)"

// BuildChangepointSignalAggQuery aggregates changepoints per signal for the
// map view: total absolute shift, mean shift, count, plus the details of the
// single largest changepoint under the signal.
func BuildChangepointSignalAggQuery(ps PredicateSet) string {
	return fmt.Sprintf(`
		SELECT sg.signal_id,
			sum(abs(t.pct_change)) AS abs_pct_sum,
			avg(t.pct_change) AS avg_pct_change,
			count() AS changepoint_count,
			argMax(t.segment_id, %[1]s) AS top_segment_id,
			toString(argMax(t.ts, %[1]s)) AS top_ts,
			argMax(t.pct_change, %[1]s) AS top_pct_change,
			argMax(t.avg_diff, %[1]s) AS top_avg_diff,
			argMax(sg.road_name, %[1]s) AS top_road_name,
			argMax(sg.bearing, %[1]s) AS top_bearing
		FROM fact_changepoints t
		%s
		WHERE %s
		GROUP BY sg.signal_id
		ORDER BY abs_pct_sum DESC, sg.signal_id`,
		topChangeKey, ps.JoinClause(), ps.Where())
}

// BuildChangepointSegmentAggQuery aggregates changepoints per segment for
// the map view.
func BuildChangepointSegmentAggQuery(ps PredicateSet) string {
	return fmt.Sprintf(`
		SELECT t.segment_id,
			sum(abs(t.pct_change)) AS abs_pct_sum,
			avg(t.pct_change) AS avg_pct_change,
			count() AS changepoint_count,
			toString(argMax(t.ts, %[1]s)) AS top_ts,
			argMax(t.pct_change, %[1]s) AS top_pct_change,
			argMax(t.avg_diff, %[1]s) AS top_avg_diff,
			any(sg.road_name) AS road_name,
			any(sg.bearing) AS bearing
		FROM fact_changepoints t
		%s
		WHERE %s
		GROUP BY t.segment_id
		ORDER BY abs_pct_sum DESC, t.segment_id`,
		topChangeKey, ps.JoinClause(), ps.Where())
}

// changepointSortColumns whitelists server-side sort keys for the listing.
var changepointSortColumns = map[string]string{
	"ts":         "t.ts",
	"pct_change": "t.pct_change",
	"avg_diff":   "t.avg_diff",
	"score":      "t.score",
}

// ChangepointSort resolves the requested sort to a safe ORDER BY clause.
// Unknown columns and directions are validation errors, consistent with the
// rest of the request layer.
func ChangepointSort(sortBy, sortDir string) (string, error) {
	if sortBy == "" {
		sortBy = "ts"
	}
	col, ok := changepointSortColumns[sortBy]
	if !ok {
		return "", &ValidationError{Param: "sort_by", Value: sortBy}
	}
	dir := "DESC"
	switch sortDir {
	case "", "desc":
	case "asc":
		dir = "ASC"
	default:
		return "", &ValidationError{Param: "sort_dir", Value: sortDir}
	}
	return col + " " + dir, nil
}

const changepointTableLimit = 100

// BuildChangepointTableQuery lists individual changepoints with their segment
// attributes, bounded to the top rows under the requested ordering.
func BuildChangepointTableQuery(ps PredicateSet, orderBy string) string {
	return fmt.Sprintf(`
		SELECT t.segment_id, toString(t.ts) AS ts, t.pct_change, t.avg_diff,
			t.avg_before, t.avg_after, t.score, sg.road_name, sg.bearing
		FROM fact_changepoints t
		%s
		WHERE %s
		ORDER BY %s
		LIMIT %d`,
		ps.JoinClause(), ps.Where(), orderBy, changepointTableLimit)
}

// BuildChangepointDetailQuery returns the raw travel times in the two weeks
// around one changepoint, tagged by which side of the shift each row falls
// on. ts must already be normalized (NormalizeTimestamp).
func BuildChangepointDetailQuery(segmentID int64, ts string) string {
	changeTS := "toDateTime(" + quote(ts) + ")"
	return fmt.Sprintf(`
		SELECT t.segment_id, toString(t.ts) AS ts, t.travel_time_s,
			if(t.ts < %[1]s, 'before', 'after') AS period
		FROM fact_travel_time t
		WHERE t.segment_id = %d
			AND t.ts BETWEEN %[1]s - INTERVAL 7 DAY AND %[1]s + INTERVAL 7 DAY
		ORDER BY t.ts`,
		changeTS, segmentID)
}
