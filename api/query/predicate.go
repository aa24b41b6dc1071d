package query

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is one node of the predicate tree. Nodes render themselves to SQL with
// centralized literal escaping; user-supplied strings never reach the query
// text unescaped and numeric lists are re-rendered from parsed integers.
type Expr interface {
	SQL() string
}

func escapeSingleQuote(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}

func quote(s string) string {
	return "'" + escapeSingleQuote(s) + "'"
}

type betweenExpr struct {
	col    string
	lo, hi string
}

func (e betweenExpr) SQL() string {
	return fmt.Sprintf("%s BETWEEN %s AND %s", e.col, quote(e.lo), quote(e.hi))
}

// Between bounds a column by two inclusive string literals (dates or
// HH:MM time-of-day values).
func Between(col, lo, hi string) Expr {
	return betweenExpr{col: col, lo: lo, hi: hi}
}

type inStringsExpr struct {
	col  string
	vals []string
}

func (e inStringsExpr) SQL() string {
	quoted := make([]string, len(e.vals))
	for i, v := range e.vals {
		quoted[i] = quote(v)
	}
	return fmt.Sprintf("%s IN (%s)", e.col, strings.Join(quoted, ", "))
}

// InStrings renders a set-membership predicate over string values.
func InStrings(col string, vals []string) Expr {
	return inStringsExpr{col: col, vals: vals}
}

type inIntsExpr struct {
	col  string
	vals []int64
}

func (e inIntsExpr) SQL() string {
	rendered := make([]string, len(e.vals))
	for i, v := range e.vals {
		rendered[i] = strconv.FormatInt(v, 10)
	}
	return fmt.Sprintf("%s IN (%s)", e.col, strings.Join(rendered, ", "))
}

// InInts renders a set-membership predicate over integer values.
func InInts(col string, vals []int64) Expr {
	return inIntsExpr{col: col, vals: vals}
}

type eqExpr struct {
	col string
	val string
	neq bool
}

func (e eqExpr) SQL() string {
	op := "="
	if e.neq {
		op = "!="
	}
	return fmt.Sprintf("%s %s %s", e.col, op, e.val)
}

// EqString renders an equality predicate against a string literal.
func EqString(col, val string) Expr {
	return eqExpr{col: col, val: quote(val)}
}

// NeString renders an inequality predicate against a string literal.
func NeString(col, val string) Expr {
	return eqExpr{col: col, val: quote(val), neq: true}
}

// EqBool renders an equality predicate against a boolean literal.
func EqBool(col string, val bool) Expr {
	if val {
		return eqExpr{col: col, val: "TRUE"}
	}
	return eqExpr{col: col, val: "FALSE"}
}

type cmpExpr struct {
	col string
	op  string
	val float64
}

func (e cmpExpr) SQL() string {
	return fmt.Sprintf("%s %s %s", e.col, e.op, strconv.FormatFloat(e.val, 'f', -1, 64))
}

// LeFloat renders a <= comparison against a numeric literal.
func LeFloat(col string, val float64) Expr {
	return cmpExpr{col: col, op: "<=", val: val}
}

// GeFloat renders a >= comparison against a numeric literal.
func GeFloat(col string, val float64) Expr {
	return cmpExpr{col: col, op: ">=", val: val}
}

type andExpr struct {
	exprs []Expr
}

func (e andExpr) SQL() string {
	parts := make([]string, len(e.exprs))
	for i, sub := range e.exprs {
		parts[i] = sub.SQL()
	}
	return strings.Join(parts, " AND ")
}

// And conjoins child expressions.
func And(exprs ...Expr) Expr {
	return andExpr{exprs: exprs}
}

type orExpr struct {
	exprs []Expr
}

func (e orExpr) SQL() string {
	parts := make([]string, len(e.exprs))
	for i, sub := range e.exprs {
		parts[i] = sub.SQL()
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// Or disjoins child expressions, parenthesized so the result nests inside
// the AND chain a predicate set renders.
func Or(exprs ...Expr) Expr {
	return orExpr{exprs: exprs}
}

// Fragment names used by Compose. Callers inspect these to layer additional
// predicates (legend containment) or to swap the date range (comparisons).
const (
	FragDateRange = "date_range"
	FragTimeOfDay = "time_of_day"
	FragDayOfWeek = "day_of_week"
	FragEntity    = "entity"
	FragAnomaly   = "anomaly"
	FragLegend    = "legend"
	FragChange    = "change"
)

type fragment struct {
	name string
	expr Expr
}

type join struct {
	name string
	sql  string
}

// PredicateSet is the ordered list of named filter fragments plus the
// dimension joins they require. Fragments combine with AND; an omitted
// fragment is a constant-true, never a constant-false.
type PredicateSet struct {
	fragments []fragment
	joins     []join
}

// Add appends a named fragment.
func (ps *PredicateSet) Add(name string, e Expr) {
	ps.fragments = append(ps.fragments, fragment{name: name, expr: e})
}

// AddJoin appends a named join clause unless one with the same name exists.
func (ps *PredicateSet) AddJoin(name, sql string) {
	for _, j := range ps.joins {
		if j.name == name {
			return
		}
	}
	ps.joins = append(ps.joins, join{name: name, sql: sql})
}

// Has reports whether a fragment with the given name is present.
func (ps PredicateSet) Has(name string) bool {
	for _, f := range ps.fragments {
		if f.name == name {
			return true
		}
	}
	return false
}

// Len returns the number of fragments.
func (ps PredicateSet) Len() int {
	return len(ps.fragments)
}

// Where renders the combined predicate. An empty set renders as 1=1 so it
// composes into WHERE clauses as an explicit no-filter.
func (ps PredicateSet) Where() string {
	if len(ps.fragments) == 0 {
		return "1=1"
	}
	parts := make([]string, len(ps.fragments))
	for i, f := range ps.fragments {
		parts[i] = f.expr.SQL()
	}
	return strings.Join(parts, "\n\t\t\tAND ")
}

// JoinClause renders the accumulated join clauses, newline separated.
func (ps PredicateSet) JoinClause() string {
	if len(ps.joins) == 0 {
		return ""
	}
	parts := make([]string, len(ps.joins))
	for i, j := range ps.joins {
		parts[i] = j.sql
	}
	return strings.Join(parts, "\n\t\t")
}

// WithDateRange returns a copy of the set with the date-range fragment
// replaced. Used by the comparison builder, which issues an identical
// predicate set per window with only the dates differing.
func (ps PredicateSet) WithDateRange(tier Tier, startDate, endDate string) PredicateSet {
	out := PredicateSet{
		fragments: make([]fragment, len(ps.fragments)),
		joins:     append([]join(nil), ps.joins...),
	}
	copy(out.fragments, ps.fragments)
	for i, f := range out.fragments {
		if f.name == FragDateRange {
			out.fragments[i].expr = Between("t."+tier.DateColumn(), startDate, endDate)
		}
	}
	return out
}
