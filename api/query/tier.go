package query

import "time"

// Tier identifies the physical rollup of the travel-time facts a query reads
// from. The tier is chosen once per request from the requested date span and
// held through predicate composition, since column names differ per tier.
type Tier int

const (
	TierRaw Tier = iota
	TierHourly
	TierDaily
)

func (t Tier) String() string {
	switch t {
	case TierHourly:
		return "hourly"
	case TierDaily:
		return "daily"
	default:
		return "raw"
	}
}

// Source returns the physical table the tier reads from.
func (t Tier) Source() string {
	switch t {
	case TierHourly:
		return "fact_travel_time_hourly"
	case TierDaily:
		return "fact_travel_time_daily"
	default:
		return "fact_travel_time"
	}
}

// DateColumn returns the calendar-date column used for range bounds.
// All three grains carry date_only so the date fragment renders identically.
func (t Tier) DateColumn() string {
	return "date_only"
}

// BucketColumn returns the time-axis column for series output.
func (t Tier) BucketColumn() string {
	switch t {
	case TierHourly:
		return "bucket_ts"
	case TierDaily:
		return "bucket_date"
	default:
		return "ts"
	}
}

// TimeOfDayColumn returns the 15-minute-of-day column. The rollup tables
// carry time_15min through aggregation, so time-of-day predicates render on
// every tier; at daily grain the column holds the first bucket of the day and
// the predicate is of questionable value, matching the upstream schema.
func (t Tier) TimeOfDayColumn() string {
	return "time_15min"
}

const dateLayout = "2006-01-02"

// SelectTier maps a date span to a rollup tier: under 4 days reads raw
// 15-minute facts, 4 through 7 days reads hourly rollups, anything longer
// reads daily rollups. Unparsable dates select the raw tier; callers that
// want hard validation should normalize dates first (see NormalizeDate).
func SelectTier(startDate, endDate string) Tier {
	start, err := time.Parse(dateLayout, startDate)
	if err != nil {
		return TierRaw
	}
	end, err := time.Parse(dateLayout, endDate)
	if err != nil {
		return TierRaw
	}

	days := int(end.Sub(start).Hours() / 24)
	switch {
	case days < 4:
		return TierRaw
	case days <= 7:
		return TierHourly
	default:
		return TierDaily
	}
}

// dateLayouts are the input formats NormalizeDate accepts, tried in order.
var dateLayouts = []string{
	dateLayout,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006",
}

// NormalizeDate parses a user-supplied date string and returns it in
// YYYY-MM-DD form. Unlike the tier fallback, this reports malformed input so
// the request layer can reject it instead of silently widening the filter.
func NormalizeDate(s string) (string, error) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.Format(dateLayout), nil
		}
	}
	return "", &ValidationError{Param: "date", Value: s}
}

const timestampLayout = "2006-01-02 15:04:05"

var timestampLayouts = []string{
	timestampLayout,
	"2006-01-02T15:04:05",
	time.RFC3339,
	dateLayout,
}

// NormalizeTimestamp parses a user-supplied timestamp and returns it in
// DateTime literal form, rejecting malformed input.
func NormalizeTimestamp(s string) (string, error) {
	for _, layout := range timestampLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.Format(timestampLayout), nil
		}
	}
	return "", &ValidationError{Param: "timestamp", Value: s}
}
