package query

import "fmt"

// TimeWindow bounds the time-of-day portion of a filter, inclusive on both
// ends at 15-minute fact grain.
type TimeWindow struct {
	StartHour   int
	StartMinute int
	EndHour     int
	EndMinute   int
}

// FullDay is the window that covers every bucket of the day. Composing it
// produces no predicate at all.
var FullDay = TimeWindow{StartHour: 0, StartMinute: 0, EndHour: 23, EndMinute: 59}

// IsFullDay reports whether the window is a no-op over 15-minute buckets.
func (w TimeWindow) IsFullDay() bool {
	return w.StartHour == 0 && w.StartMinute == 0 && w.EndHour == 23 && w.EndMinute >= 45
}

// Start returns the window's lower bound as HH:MM.
func (w TimeWindow) Start() string {
	return fmt.Sprintf("%02d:%02d", w.StartHour, w.StartMinute)
}

// End returns the window's upper bound as HH:MM.
func (w TimeWindow) End() string {
	return fmt.Sprintf("%02d:%02d", w.EndHour, w.EndMinute)
}

// Validate checks hour and minute bounds and window ordering.
func (w TimeWindow) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
		return &ValidationError{Param: "hour", Value: fmt.Sprintf("%d-%d", w.StartHour, w.EndHour)}
	}
	if w.StartMinute < 0 || w.StartMinute > 59 || w.EndMinute < 0 || w.EndMinute > 59 {
		return &ValidationError{Param: "minute", Value: fmt.Sprintf("%d-%d", w.StartMinute, w.EndMinute)}
	}
	if w.End() < w.Start() {
		return &ValidationError{Param: "time_window", Value: w.Start() + "-" + w.End()}
	}
	return nil
}

// Selection is the user-facing entity choice before resolution. At most one
// strategy should be expressed; explicit segment IDs win when several are.
type Selection struct {
	// SegmentIDs selects segments directly, bypassing the dimension table.
	SegmentIDs []int64
	// SignalIDs selects all segments belonging to the named signals.
	SignalIDs []string
	// MaintainedBy restricts by maintaining authority ("all" means no
	// restriction).
	MaintainedBy string
	// Approach, when set, restricts to approach (or non-approach) segments.
	Approach *bool
	// ValidGeometryOnly drops segments without usable geometry.
	ValidGeometryOnly bool
}

// FilterSpec is the normalized dashboard filter state for one request.
type FilterSpec struct {
	StartDate string // YYYY-MM-DD
	EndDate   string // YYYY-MM-DD
	Window    TimeWindow
	// DaysOfWeek holds ISO weekday numbers (1=Mon..7=Sun); empty means all.
	DaysOfWeek      []int64
	Entities        Selection
	RemoveAnomalies bool
}

// Validate checks the parts of the filter that carry parse results. Dates are
// expected already normalized (NormalizeDate).
func (f FilterSpec) Validate() error {
	if err := f.Window.Validate(); err != nil {
		return err
	}
	for _, d := range f.DaysOfWeek {
		if d < 1 || d > 7 {
			return &ValidationError{Param: "days_of_week", Value: fmt.Sprintf("%d", d)}
		}
	}
	return nil
}
