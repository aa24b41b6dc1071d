package query

import (
	"context"
	"fmt"
	"strconv"
)

// LegendSpec asks for chart series grouped by a field, bounded to at most
// MaxEntities distinct values.
type LegendSpec struct {
	Field       string
	MaxEntities int
}

// legendFields whitelists groupable columns. The segment's own ID groups on
// the fact table; the rest live on dim_signals.
var legendFields = map[string]bool{
	"segment_id": true,
	"signal_id":  true,
	"bearing":    true,
	"county":     true,
	"road_name":  true,
}

// Validate rejects unknown legend fields and non-positive caps.
func (ls LegendSpec) Validate() error {
	if !legendFields[ls.Field] {
		return &ValidationError{Param: "legend", Value: ls.Field}
	}
	if ls.MaxEntities < 1 {
		return &ValidationError{Param: "max_entities", Value: strconv.Itoa(ls.MaxEntities)}
	}
	return nil
}

// LegendColumn maps a legend field to its query column and reports whether
// grouping by it needs the dim_signals join.
func LegendColumn(field string) (col string, needsSignalsJoin bool) {
	if field == "segment_id" {
		return "t.segment_id", false
	}
	return "sg." + field, true
}

// ColumnRunner executes a rendered query and returns its single string
// column. Implemented by the warehouse session.
type ColumnRunner interface {
	QueryColumn(ctx context.Context, query string) ([]string, error)
}

// BuildLegendVolumeQuery ranks segments by fact record volume under the
// active predicate set. Used when the legend groups by segment_id: relative
// data volume is the meaningful ranking signal for the entity's own axis.
func BuildLegendVolumeQuery(tier Tier, ps PredicateSet, limit int) string {
	return fmt.Sprintf(`
		SELECT toString(t.segment_id)
		FROM %s t
		%s
		WHERE %s
		GROUP BY t.segment_id
		ORDER BY count() DESC
		LIMIT %d`,
		tier.Source(), ps.JoinClause(), ps.Where(), limit)
}

// BuildLegendMembershipQuery ranks descriptive attribute values by how many
// distinct segments carry them among dimension rows under the entity
// restriction. Fact volume is not consulted for descriptive axes.
func BuildLegendMembershipQuery(field, entityPredicate string, limit int) string {
	return fmt.Sprintf(`
		SELECT toString(sg.%s)
		FROM dim_signals sg
		WHERE %s
		GROUP BY sg.%s
		ORDER BY uniqExact(sg.segment_id) DESC, sg.%s
		LIMIT %d`,
		field, entityPredicate, field, field, limit)
}

// Cap returns at most spec.MaxEntities legend key values under the active
// filters. A candidate pool already within the cap comes back unchanged.
// The values are meant to be layered as a containment predicate on top of
// the predicate set, never to replace it.
func Cap(ctx context.Context, run ColumnRunner, spec LegendSpec, ps PredicateSet, tier Tier, entities ResolvedEntities) ([]string, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	var q string
	if spec.Field == "segment_id" {
		q = BuildLegendVolumeQuery(tier, ps, spec.MaxEntities)
	} else {
		q = BuildLegendMembershipQuery(spec.Field, entities.DimensionPredicate(), spec.MaxEntities)
	}
	vals, err := run.QueryColumn(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(vals) > spec.MaxEntities {
		vals = vals[:spec.MaxEntities]
	}
	return vals, nil
}

// ContainmentExpr renders the capped legend values as a set-membership
// predicate on the grouping column.
func ContainmentExpr(field string, values []string) (Expr, error) {
	col, _ := LegendColumn(field)
	if field == "segment_id" {
		ids := make([]int64, len(values))
		for i, v := range values {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, &ValidationError{Param: "legend_value", Value: v}
			}
			ids[i] = id
		}
		return InInts(col, ids), nil
	}
	return InStrings(col, values), nil
}

// ApplyLegend layers capped legend values into the predicate set and adds
// the dimension join when the grouping column needs one. The join is added
// even for an empty pool: the series key column must stay resolvable when the
// selection matched nothing, and the query then returns its naturally empty
// result.
func ApplyLegend(ps *PredicateSet, field string, values []string) error {
	if _, needsJoin := LegendColumn(field); needsJoin {
		ps.AddJoin("signals", signalsJoin)
	}
	if len(values) == 0 {
		return nil
	}
	expr, err := ContainmentExpr(field, values)
	if err != nil {
		return err
	}
	ps.Add(FragLegend, expr)
	return nil
}
