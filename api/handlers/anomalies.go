package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/tpaulabs/signalscope/api/config"
	"github.com/tpaulabs/signalscope/api/metrics"
	"github.com/tpaulabs/signalscope/api/query"
)

// BuildAnomalyAggregateQuery builds the per-segment anomaly counts. Anomaly
// flags exist only at raw grain, so this always scans the raw facts.
func BuildAnomalyAggregateQuery(ps query.PredicateSet) string {
	return fmt.Sprintf(`
		SELECT t.segment_id,
			countIf(t.is_anomaly) AS anomaly_count,
			countIf(t.originated_anomaly) AS point_source_count
		FROM fact_travel_time t
		%s
		WHERE %s
		GROUP BY t.segment_id`,
		ps.JoinClause(), ps.Where())
}

// GetAnomalySummary returns per-signal anomaly counts over the dimension
// universe. anomaly_type=point_source restricts the counted rows to
// point-source anomalies.
func GetAnomalySummary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	spec, err := parseFilterSpec(r)
	if err != nil {
		writeError(w, "anomaly summary failed", err)
		return
	}
	// Counting anomalies while excluding them is contradictory.
	spec.RemoveAnomalies = false

	anomalyType := r.URL.Query().Get("anomaly_type")
	switch anomalyType {
	case "", "all", "point_source":
	default:
		writeError(w, "anomaly summary failed", &query.ValidationError{Param: "anomaly_type", Value: anomalyType})
		return
	}

	entities := query.Resolve(spec.Entities)
	dims, err := fetchSignals(ctx, entities.DimensionPredicate())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("Anomaly summary dimension query error: %v", err)
		writeError(w, "anomaly summary failed", err)
		return
	}

	ps := query.Compose(spec, query.TierRaw)
	if anomalyType == "point_source" {
		ps.Add(query.FragAnomaly, query.EqBool("t.originated_anomaly", true))
	}
	q := BuildAnomalyAggregateQuery(ps)

	start := time.Now()
	rows, err := config.Session.Query(ctx, q)
	metrics.RecordWarehouseQuery(time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("Anomaly summary query error: %v\nQuery: %s", err, q)
		writeError(w, "anomaly summary failed", err)
		return
	}
	defer rows.Close()

	aggs := make(map[int64]query.AnomalyAggregate)
	for rows.Next() {
		var segmentID int64
		var agg query.AnomalyAggregate
		if err := rows.Scan(&segmentID, &agg.AnomalyCount, &agg.PointSourceCount); err != nil {
			log.Printf("Anomaly summary row scan error: %v", err)
			writeError(w, "anomaly summary failed", err)
			return
		}
		aggs[segmentID] = agg
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(query.AssembleAnomalySummary(dims, aggs))
}
