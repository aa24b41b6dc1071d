package warehouse

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Feature is one GeoJSON feature of the segment geometry layer.
type Feature struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

// FeatureCollection is the GeoJSON document served to the map layer.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// GeometryFetcher loads the full segment geometry set from the warehouse.
type GeometryFetcher func(ctx context.Context) (*FeatureCollection, error)

// GeometryCache is a single-flight read-through cache for the static segment
// geometry. The first caller populates it; concurrent callers during the
// fill wait and share the result instead of issuing duplicate round trips.
type GeometryCache struct {
	fetch GeometryFetcher

	mu     sync.RWMutex
	cached *FeatureCollection
	group  singleflight.Group
}

// NewGeometryCache wraps a fetcher in a cache.
func NewGeometryCache(fetch GeometryFetcher) *GeometryCache {
	return &GeometryCache{fetch: fetch}
}

// Get returns the cached collection, fetching on first use.
func (c *GeometryCache) Get(ctx context.Context) (*FeatureCollection, error) {
	c.mu.RLock()
	cached := c.cached
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	v, err, _ := c.group.Do("geometry", func() (any, error) {
		c.mu.RLock()
		cached := c.cached
		c.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}
		fc, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cached = fc
		c.mu.Unlock()
		return fc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*FeatureCollection), nil
}

// Invalidate drops the cached collection so the next Get refetches.
func (c *GeometryCache) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// FetchSegmentGeometry builds the warehouse-backed fetcher over
// dim_segment_geometry.
func FetchSegmentGeometry(sm *SessionManager) GeometryFetcher {
	return func(ctx context.Context) (*FeatureCollection, error) {
		rows, err := sm.Query(ctx, `
			SELECT segment_id, geometry
			FROM dim_segment_geometry
			ORDER BY segment_id`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		fc := &FeatureCollection{Type: "FeatureCollection"}
		for rows.Next() {
			var (
				segmentID int64
				geom      string
			)
			if err := rows.Scan(&segmentID, &geom); err != nil {
				return nil, &Error{Kind: KindQuery, Err: err}
			}
			fc.Features = append(fc.Features, Feature{
				Type:       "Feature",
				Geometry:   json.RawMessage(geom),
				Properties: map[string]any{"segment_id": segmentID},
			})
		}
		if err := rows.Err(); err != nil {
			return nil, &Error{Kind: Classify(err), Err: err}
		}
		return fc, nil
	}
}
