package query

// calendarJoin attaches the calendar dimension for day-of-week predicates.
const calendarJoin = "INNER JOIN dim_calendar cal ON t.date_only = cal.cal_date"

// Compose assembles the filter fragments for a fact scan at the given tier.
// Fact columns are prefixed t. so the result drops into queries that alias
// the tier source as t. Fragments that would be no-ops (full-day window,
// empty day set, unrestricted entities) are omitted rather than rendered as
// always-true clauses.
func Compose(spec FilterSpec, tier Tier) PredicateSet {
	var ps PredicateSet

	ps.Add(FragDateRange, Between("t."+tier.DateColumn(), spec.StartDate, spec.EndDate))

	if !spec.Window.IsFullDay() {
		ps.Add(FragTimeOfDay, Between("t."+tier.TimeOfDayColumn(), spec.Window.Start(), spec.Window.End()))
	}

	if len(spec.DaysOfWeek) > 0 {
		ps.AddJoin("calendar", calendarJoin)
		ps.Add(FragDayOfWeek, InInts("cal.iso_dow", spec.DaysOfWeek))
	}

	re := Resolve(spec.Entities)
	switch re.Strategy {
	case DirectList:
		ps.Add(FragEntity, InInts("t.segment_id", re.SegmentIDs))
	case JoinPredicate:
		ps.AddJoin("signals", signalsJoin)
		ps.Add(FragEntity, re.Predicate)
	}

	// Anomaly flags exist only at raw grain; rollups pre-aggregate them away.
	if spec.RemoveAnomalies && tier == TierRaw {
		ps.Add(FragAnomaly, EqBool("t.is_anomaly", false))
	}

	return ps
}
