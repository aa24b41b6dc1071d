package query

// Strategy names how an entity selection restricts the fact scan.
type Strategy int

const (
	// Unrestricted means the caller explicitly asked for everything. It is a
	// deliberate no-filter, not an empty match.
	Unrestricted Strategy = iota
	// DirectList carries explicit segment IDs and needs no dimension join.
	DirectList
	// JoinPredicate pushes attribute filters into a dim_signals join.
	JoinPredicate
)

func (s Strategy) String() string {
	switch s {
	case DirectList:
		return "direct"
	case JoinPredicate:
		return "join"
	default:
		return "unrestricted"
	}
}

// ResolvedEntities is the outcome of strategy selection for one request.
type ResolvedEntities struct {
	Strategy   Strategy
	SegmentIDs []int64
	// Predicate holds the dim_signals attribute conditions (columns prefixed
	// sg.) when Strategy is JoinPredicate.
	Predicate Expr
}

// signalsJoin attaches the dimension table to the fact scan for
// attribute-based selections.
const signalsJoin = "INNER JOIN dim_signals sg ON t.segment_id = sg.segment_id"

// Resolve picks the entity strategy for a selection. Explicit segment IDs
// always win: a map click names exact segments and a dimension round-trip
// would only widen it. Attribute filters become a dimension-join predicate so
// large selections never materialize an ID list client-side.
func Resolve(sel Selection) ResolvedEntities {
	if len(sel.SegmentIDs) > 0 {
		return ResolvedEntities{Strategy: DirectList, SegmentIDs: sel.SegmentIDs}
	}

	var exprs []Expr
	if len(sel.SignalIDs) > 0 {
		exprs = append(exprs, InStrings("sg.signal_id", sel.SignalIDs))
	}
	switch sel.MaintainedBy {
	case "", "all":
	case "odot":
		exprs = append(exprs, EqString("sg.maintained_by", "odot"))
	default:
		exprs = append(exprs, NeString("sg.maintained_by", "odot"))
	}
	if sel.Approach != nil {
		exprs = append(exprs, EqBool("sg.approach", *sel.Approach))
	}
	if sel.ValidGeometryOnly {
		exprs = append(exprs, EqBool("sg.valid_geometry", true))
	}

	if len(exprs) == 0 {
		return ResolvedEntities{Strategy: Unrestricted}
	}
	return ResolvedEntities{Strategy: JoinPredicate, Predicate: And(exprs...)}
}

// DimensionPredicate renders the entity restriction against dimension rows
// alone (columns prefixed sg.), for queries that scan dim_signals without a
// fact table. Unrestricted renders as 1=1.
func (re ResolvedEntities) DimensionPredicate() string {
	switch re.Strategy {
	case DirectList:
		return InInts("sg.segment_id", re.SegmentIDs).SQL()
	case JoinPredicate:
		return re.Predicate.SQL()
	default:
		return "1=1"
	}
}
