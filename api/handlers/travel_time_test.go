package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpaulabs/signalscope/api/config"
	"github.com/tpaulabs/signalscope/api/handlers"
	"github.com/tpaulabs/signalscope/api/query"
	apitesting "github.com/tpaulabs/signalscope/api/testing"
)

// seedTravelTimeData inserts a small dimension universe and two days of raw
// facts. Segment 201 deliberately has no facts so assembly zero-defaults it.
func seedTravelTimeData(t *testing.T) {
	ctx := t.Context()

	require.NoError(t, config.Session.Exec(ctx, `INSERT INTO dim_signals
		(signal_id, segment_id, latitude, longitude, bearing, county, road_name, miles, approach, valid_geometry, maintained_by, extended)
		VALUES
		('SIG-1', 101, 45.52, -122.68, 'NB', 'Multnomah', 'Main St', 0.5, false, true, 'odot', false),
		('SIG-1', 102, 45.52, -122.68, 'SB', 'Multnomah', 'Main St', 0.4, false, true, 'odot', false),
		('SIG-2', 201, 45.53, -122.66, 'EB', 'Washington', 'Oak Ave', 0.6, true, true, 'city', false)`))

	require.NoError(t, config.Session.Exec(ctx, `INSERT INTO dim_freeflow (segment_id, travel_time_s) VALUES
		(101, 10), (102, 10), (201, 10)`))

	require.NoError(t, config.Session.Exec(ctx, `INSERT INTO dim_calendar (cal_date, iso_dow, day_type) VALUES
		('2024-01-01', 1, 'weekday'),
		('2024-01-02', 2, 'weekday'),
		('2024-01-08', 1, 'weekday'),
		('2024-01-09', 2, 'weekday')`))

	require.NoError(t, config.Session.Exec(ctx, `INSERT INTO fact_travel_time
		(segment_id, ts, date_only, time_15min, travel_time_s, prediction_s, is_anomaly, originated_anomaly)
		VALUES
		(101, toDateTime('2024-01-01 08:00:00'), '2024-01-01', '08:00', 100, NULL, false, false),
		(101, toDateTime('2024-01-01 08:15:00'), '2024-01-01', '08:15', 110, NULL, true, true),
		(101, toDateTime('2024-01-02 08:00:00'), '2024-01-02', '08:00', 120, NULL, false, false),
		(102, toDateTime('2024-01-01 08:00:00'), '2024-01-01', '08:00', 60, NULL, false, false),
		(101, toDateTime('2024-01-08 08:00:00'), '2024-01-08', '08:00', 150, NULL, false, false),
		(102, toDateTime('2024-01-08 08:00:00'), '2024-01-08', '08:00', 90, NULL, true, false)`))
}

func doGet(t *testing.T, handler http.HandlerFunc, url string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func decodeTable(t *testing.T, rr *httptest.ResponseRecorder) query.Table {
	t.Helper()
	var table query.Table
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &table))
	return table
}

func TestGetSignals(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testLog, testChDB)
	seedTravelTimeData(t)

	rr := doGet(t, handlers.GetSignals, "/api/signals")
	require.Equal(t, http.StatusOK, rr.Code)

	table := decodeTable(t, rr)
	assert.Len(t, table.Rows, 3)
	assert.Equal(t, "signal_id", table.Columns[0].Name)
}

func TestGetSignalsFiltered(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testLog, testChDB)
	seedTravelTimeData(t)

	rr := doGet(t, handlers.GetSignals, "/api/signals?maintained_by=odot")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeTable(t, rr).Rows, 2)
}

func TestGetTravelTimeSummaryPreservesUniverse(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testLog, testChDB)
	seedTravelTimeData(t)

	rr := doGet(t, handlers.GetTravelTimeSummary,
		"/api/travel-time-summary?start_date=2024-01-01&end_date=2024-01-02")
	require.Equal(t, http.StatusOK, rr.Code)

	table := decodeTable(t, rr)
	// All three dimension rows survive even though segment 201 has no facts.
	require.Len(t, table.Rows, 3)

	bySegment := map[float64][]any{}
	for _, row := range table.Rows {
		bySegment[row[1].(float64)] = row
	}
	// record_count is the last column.
	last := len(table.Columns) - 1
	assert.Equal(t, float64(3), bySegment[101][last])
	assert.Equal(t, float64(1), bySegment[102][last])
	assert.Equal(t, float64(0), bySegment[201][last])
}

func TestGetTravelTimeSummaryRejectsBadDate(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testLog, testChDB)

	rr := doGet(t, handlers.GetTravelTimeSummary,
		"/api/travel-time-summary?start_date=soon&end_date=2024-01-02")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetTravelTimeSummaryRemoveAnomalies(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testLog, testChDB)
	seedTravelTimeData(t)

	rr := doGet(t, handlers.GetTravelTimeSummary,
		"/api/travel-time-summary?start_date=2024-01-01&end_date=2024-01-02&remove_anomalies=true")
	require.Equal(t, http.StatusOK, rr.Code)

	table := decodeTable(t, rr)
	last := len(table.Columns) - 1
	for _, row := range table.Rows {
		if row[1].(float64) == 101 {
			// The anomalous 08:15 row is excluded.
			assert.Equal(t, float64(2), row[last])
		}
	}
}

// The same selection expressed as explicit segment IDs and as a dimension
// predicate must aggregate identically.
func TestEntityStrategiesAreEquivalent(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testLog, testChDB)
	seedTravelTimeData(t)

	direct := doGet(t, handlers.GetTravelTimeSummary,
		"/api/travel-time-summary?start_date=2024-01-01&end_date=2024-01-02&segment_ids=101,102")
	require.Equal(t, http.StatusOK, direct.Code)

	joined := doGet(t, handlers.GetTravelTimeSummary,
		"/api/travel-time-summary?start_date=2024-01-01&end_date=2024-01-02&signal_ids=SIG-1")
	require.Equal(t, http.StatusOK, joined.Code)

	assert.JSONEq(t, direct.Body.String(), joined.Body.String())
}

func TestGetTravelTimeAggregated(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testLog, testChDB)
	seedTravelTimeData(t)

	tests := []struct {
		name     string
		url      string
		wantTier string
	}{
		{"short range raw", "/api/travel-time-aggregated?start_date=2024-01-01&end_date=2024-01-02", "raw"},
		{"week range hourly", "/api/travel-time-aggregated?start_date=2024-01-01&end_date=2024-01-06", "hourly"},
		{"long range daily", "/api/travel-time-aggregated?start_date=2024-01-01&end_date=2024-01-10", "daily"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doGet(t, handlers.GetTravelTimeAggregated, tt.url)
			require.Equal(t, http.StatusOK, rr.Code)

			var resp handlers.SeriesResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantTier, resp.Tier)
		})
	}
}

func TestGetTravelTimeAggregatedPoints(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testLog, testChDB)
	seedTravelTimeData(t)

	rr := doGet(t, handlers.GetTravelTimeAggregated,
		"/api/travel-time-aggregated?start_date=2024-01-01&end_date=2024-01-02")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp handlers.SeriesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Points)

	total := 0.0
	for _, p := range resp.Points {
		total += p.Value
	}
	assert.InDelta(t, 100+110+120+60, total, 0.01)
}

func TestGetTravelTimeAggregatedWithLegend(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testLog, testChDB)
	seedTravelTimeData(t)

	rr := doGet(t, handlers.GetTravelTimeAggregated,
		"/api/travel-time-aggregated?start_date=2024-01-01&end_date=2024-01-02&legend=segment_id")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp handlers.SeriesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Points)
	keys := map[string]bool{}
	for _, p := range resp.Points {
		keys[p.SeriesKey] = true
	}
	assert.True(t, keys["101"])
	assert.True(t, keys["102"])
}

// A descriptive legend over a selection that matches no segments must serve
// an empty series, not fail on an unresolvable dimension column.
func TestGetTravelTimeAggregatedLegendNoMatches(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testLog, testChDB)
	seedTravelTimeData(t)

	rr := doGet(t, handlers.GetTravelTimeAggregated,
		"/api/travel-time-aggregated?start_date=2024-01-01&end_date=2024-01-02&legend=road_name&segment_ids=9999")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp handlers.SeriesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Empty(t, resp.Points)
}

func TestGetTravelTimeAggregatedRejectsUnknownLegend(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testLog, testChDB)
	seedTravelTimeData(t)

	rr := doGet(t, handlers.GetTravelTimeAggregated,
		"/api/travel-time-aggregated?start_date=2024-01-01&end_date=2024-01-02&legend=drop_table")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetTravelTimeByTimeOfDay(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testLog, testChDB)
	seedTravelTimeData(t)

	rr := doGet(t, handlers.GetTravelTimeByTimeOfDay,
		"/api/travel-time-by-time-of-day?start_date=2024-01-01&end_date=2024-01-02&start_hour=8&end_hour=9")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp handlers.SeriesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Points)
	buckets := map[string]bool{}
	for _, p := range resp.Points {
		buckets[p.Bucket] = true
	}
	assert.True(t, buckets["08:00"])
	assert.True(t, buckets["08:15"])
}

func TestGetAnomalySummary(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testLog, testChDB)
	seedTravelTimeData(t)

	rr := doGet(t, handlers.GetAnomalySummary,
		"/api/anomaly-summary?start_date=2024-01-01&end_date=2024-01-08")
	require.Equal(t, http.StatusOK, rr.Code)

	table := decodeTable(t, rr)
	require.Len(t, table.Rows, 3)

	counts := map[float64]float64{}
	for _, row := range table.Rows {
		counts[row[1].(float64)] = row[5].(float64)
	}
	assert.Equal(t, float64(1), counts[101])
	assert.Equal(t, float64(1), counts[102])
	assert.Equal(t, float64(0), counts[201])
}
