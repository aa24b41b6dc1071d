package handlers_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpaulabs/signalscope/api/config"
	"github.com/tpaulabs/signalscope/api/handlers"
	apitesting "github.com/tpaulabs/signalscope/api/testing"
	"github.com/tpaulabs/signalscope/api/warehouse"
)

func setupGeometry(t *testing.T) {
	apitesting.SetupTestClickHouse(t, testLog, testChDB)

	require.NoError(t, config.Session.Exec(t.Context(), `INSERT INTO dim_segment_geometry (segment_id, geometry) VALUES
		(101, '{"type":"LineString","coordinates":[[-122.68,45.52],[-122.67,45.52]]}'),
		(102, '{"type":"LineString","coordinates":[[-122.67,45.52],[-122.66,45.53]]}')`))

	old := handlers.Geometry
	handlers.Geometry = warehouse.NewGeometryCache(warehouse.FetchSegmentGeometry(config.Session))
	t.Cleanup(func() { handlers.Geometry = old })
}

func TestGetSegmentGeometry(t *testing.T) {
	setupGeometry(t)

	rr := doGet(t, handlers.GetSegmentGeometry, "/api/segment-geometry")
	require.Equal(t, http.StatusOK, rr.Code)

	var fc warehouse.FeatureCollection
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 2)
	assert.Equal(t, float64(101), fc.Features[0].Properties["segment_id"])
}

func TestInvalidateSegmentGeometry(t *testing.T) {
	setupGeometry(t)

	first := doGet(t, handlers.GetSegmentGeometry, "/api/segment-geometry")
	require.Equal(t, http.StatusOK, first.Code)

	// A row inserted after the first read is invisible until invalidation.
	require.NoError(t, config.Session.Exec(t.Context(), `INSERT INTO dim_segment_geometry (segment_id, geometry) VALUES
		(201, '{"type":"LineString","coordinates":[[-122.66,45.53],[-122.65,45.53]]}')`))

	cached := doGet(t, handlers.GetSegmentGeometry, "/api/segment-geometry")
	var fc warehouse.FeatureCollection
	require.NoError(t, json.Unmarshal(cached.Body.Bytes(), &fc))
	assert.Len(t, fc.Features, 2)

	inv := doGet(t, handlers.InvalidateSegmentGeometry, "/api/segment-geometry/invalidate")
	require.Equal(t, http.StatusNoContent, inv.Code)

	refreshed := doGet(t, handlers.GetSegmentGeometry, "/api/segment-geometry")
	require.NoError(t, json.Unmarshal(refreshed.Body.Bytes(), &fc))
	assert.Len(t, fc.Features, 3)
}
