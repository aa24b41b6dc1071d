package query_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpaulabs/signalscope/api/query"
)

type fakeRunner struct {
	lastQuery string
	values    []string
	err       error
}

func (f *fakeRunner) QueryColumn(_ context.Context, q string) ([]string, error) {
	f.lastQuery = q
	return f.values, f.err
}

func TestCapSegmentIDRanksByFactVolume(t *testing.T) {
	run := &fakeRunner{values: []string{"3", "1", "7"}}
	spec := query.LegendSpec{Field: "segment_id", MaxEntities: 10}
	ps := query.Compose(baseSpec(), query.TierRaw)

	vals, err := query.Cap(context.Background(), run, spec, ps, query.TierRaw, query.Resolve(query.Selection{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "1", "7"}, vals)
	assert.Contains(t, run.lastQuery, "FROM fact_travel_time t")
	assert.Contains(t, run.lastQuery, "ORDER BY count() DESC")
	assert.Contains(t, run.lastQuery, "LIMIT 10")
}

func TestCapDescriptiveFieldRanksByDimensionMembership(t *testing.T) {
	run := &fakeRunner{values: []string{"Main St", "Oak Ave"}}
	spec := query.LegendSpec{Field: "road_name", MaxEntities: 6}
	ps := query.Compose(baseSpec(), query.TierRaw)
	entities := query.Resolve(query.Selection{MaintainedBy: "odot"})

	vals, err := query.Cap(context.Background(), run, spec, ps, query.TierRaw, entities)
	require.NoError(t, err)
	assert.Equal(t, []string{"Main St", "Oak Ave"}, vals)
	assert.Contains(t, run.lastQuery, "FROM dim_signals sg")
	assert.Contains(t, run.lastQuery, "uniqExact(sg.segment_id) DESC")
	assert.Contains(t, run.lastQuery, "sg.maintained_by = 'odot'")
	assert.NotContains(t, run.lastQuery, "fact_travel_time")
}

func TestCapPoolWithinMaxUnchanged(t *testing.T) {
	run := &fakeRunner{values: []string{"a", "b", "c"}}
	spec := query.LegendSpec{Field: "county", MaxEntities: 10}
	ps := query.Compose(baseSpec(), query.TierRaw)

	vals, err := query.Cap(context.Background(), run, spec, ps, query.TierRaw, query.Resolve(query.Selection{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, vals)
}

func TestCapNeverExceedsMax(t *testing.T) {
	pool := make([]string, 20)
	for i := range pool {
		pool[i] = string(rune('a' + i))
	}
	run := &fakeRunner{values: pool}
	spec := query.LegendSpec{Field: "county", MaxEntities: 10}
	ps := query.Compose(baseSpec(), query.TierRaw)

	vals, err := query.Cap(context.Background(), run, spec, ps, query.TierRaw, query.Resolve(query.Selection{}))
	require.NoError(t, err)
	assert.Len(t, vals, 10)
	assert.Equal(t, pool[:10], vals)
}

func TestCapRejectsUnknownField(t *testing.T) {
	spec := query.LegendSpec{Field: "password", MaxEntities: 10}
	ps := query.Compose(baseSpec(), query.TierRaw)

	_, err := query.Cap(context.Background(), &fakeRunner{}, spec, ps, query.TierRaw, query.Resolve(query.Selection{}))
	var verr *query.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestApplyLegendLayersContainment(t *testing.T) {
	ps := query.Compose(baseSpec(), query.TierRaw)
	before := ps.Where()

	require.NoError(t, query.ApplyLegend(&ps, "road_name", []string{"Main St"}))
	assert.Contains(t, ps.Where(), before)
	assert.Contains(t, ps.Where(), "sg.road_name IN ('Main St')")
	assert.Contains(t, ps.JoinClause(), "dim_signals")
}

// An empty pool must still add the dimension join: the series key column
// renders regardless, and without the join the query is invalid SQL.
func TestApplyLegendEmptyPoolStillJoins(t *testing.T) {
	spec := baseSpec()
	spec.Entities = query.Selection{SegmentIDs: []int64{9999}}
	ps := query.Compose(spec, query.TierRaw)
	before := ps.Where()

	require.NoError(t, query.ApplyLegend(&ps, "road_name", nil))
	assert.Equal(t, before, ps.Where())
	assert.Contains(t, ps.JoinClause(), "dim_signals")
}

func TestApplyLegendSegmentIDsRenderNumeric(t *testing.T) {
	ps := query.Compose(baseSpec(), query.TierRaw)
	require.NoError(t, query.ApplyLegend(&ps, "segment_id", []string{"12", "34"}))
	assert.Contains(t, ps.Where(), "t.segment_id IN (12, 34)")
	assert.NotContains(t, ps.JoinClause(), "dim_signals")
}
