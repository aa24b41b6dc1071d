package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/tpaulabs/signalscope/api/warehouse"
)

// Geometry is the shared segment-geometry cache, set from main at startup.
var Geometry *warehouse.GeometryCache

// GetSegmentGeometry serves the cached GeoJSON segment layer. The data is
// static; the first request populates the cache and later requests are
// served from memory.
func GetSegmentGeometry(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	fc, err := Geometry.Get(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("Segment geometry query error: %v", err)
		writeError(w, "segment geometry failed", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(fc)
}

// InvalidateSegmentGeometry drops the cached layer so the next read
// refetches. Wired for operators after a geometry reload.
func InvalidateSegmentGeometry(w http.ResponseWriter, r *http.Request) {
	Geometry.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}
