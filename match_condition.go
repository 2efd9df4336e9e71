/*
Package store – match conditions.

A MatchCondition holds the optimistic-concurrency preconditions found in a
where clause. It is derived per operation and never stored.
*/
package store

import "github.com/cloudxsgmbh/storage-core-go/ql"

// MatchCondition lists the preconditions of a conditional write.
type MatchCondition struct {
	Exists            Optional[bool]
	IfMatch           Optional[string]
	IfNoneMatch       Optional[string]
	IfModifiedSince   Optional[float64]
	IfUnmodifiedSince Optional[float64]
	IfVersionMatch    Optional[string]
	IfVersionNotMatch Optional[string]
}

// IsEmpty reports whether no precondition is set.
func (m MatchCondition) IsEmpty() bool {
	return !m.Exists.IsSet() &&
		!m.IfMatch.IsSet() &&
		!m.IfNoneMatch.IsSet() &&
		!m.IfModifiedSince.IsSet() &&
		!m.IfUnmodifiedSince.IsSet() &&
		!m.IfVersionMatch.IsSet() &&
		!m.IfVersionNotMatch.IsSet()
}

// ExtractMatchCondition pattern-matches the top-level conjuncts of where.
// Terms that are not concurrency preconditions are ignored, including OR and
// NOT subtrees; it never fails.
func ExtractMatchCondition(where ql.Expression) MatchCondition {
	var m MatchCondition
	for _, expr := range flattenAnd(where) {
		switch e := expr.(type) {
		case ql.Function:
			if e.Is(ql.FnExists) {
				m.Exists = Some(true)
			} else if e.Is(ql.FnNotExists) {
				m.Exists = Some(false)
			}
		case ql.Comparison:
			field, value, ok := fieldAndLiteral(e)
			if !ok {
				continue
			}
			m.applyComparison(field, e.Op, value)
		}
	}
	return m
}

func (m *MatchCondition) applyComparison(field string, op ql.ComparisonOp, value any) {
	switch field {
	case SpecialEtag:
		if s, ok := value.(string); ok {
			switch op {
			case ql.OpEQ:
				m.IfMatch = Some(s)
			case ql.OpNEQ:
				m.IfNoneMatch = Some(s)
			}
		}
	case SpecialVersion:
		if s, ok := value.(string); ok {
			switch op {
			case ql.OpEQ:
				m.IfVersionMatch = Some(s)
			case ql.OpNEQ:
				m.IfVersionNotMatch = Some(s)
			}
		}
	case SpecialModified:
		if f, ok := ql.ToFloat(value); ok {
			switch op {
			case ql.OpGT, ql.OpGTE:
				m.IfModifiedSince = Some(f)
			case ql.OpLT, ql.OpLTE:
				m.IfUnmodifiedSince = Some(f)
			}
		}
	}
}

// fieldAndLiteral returns the field path and the opposite operand of c.
func fieldAndLiteral(c ql.Comparison) (string, any, bool) {
	if f, ok := c.Left.(ql.Field); ok {
		return f.Path, c.Right, true
	}
	if f, ok := c.Right.(ql.Field); ok {
		return f.Path, c.Left, true
	}
	return "", nil, false
}

// flattenAnd lists the conjuncts of a left- or right-deep And chain.
func flattenAnd(expr ql.Expression) []ql.Expression {
	if expr == nil {
		return nil
	}
	if a, ok := expr.(ql.And); ok {
		return append(flattenAnd(a.Left), flattenAnd(a.Right)...)
	}
	return []ql.Expression{expr}
}

// WhereEtag returns the literal of a top-level "$etag = literal" where clause.
func WhereEtag(where ql.Expression) (any, bool) {
	c, ok := where.(ql.Comparison)
	if !ok || c.Op != ql.OpEQ {
		return nil, false
	}
	if f, ok := c.Left.(ql.Field); ok && f.Path == SpecialEtag {
		return c.Right, true
	}
	if f, ok := c.Right.(ql.Field); ok && f.Path == SpecialEtag {
		return c.Left, true
	}
	return nil, false
}

// WhereExists reads a where clause of the form exists(), not_exists() or
// NOT exists(). ok is false for any other shape.
func WhereExists(where ql.Expression) (exists bool, ok bool) {
	if where == nil {
		return false, false
	}
	exists = true
	if n, isNot := where.(ql.Not); isNot {
		where = n.Expr
		exists = false
	}
	f, isFn := where.(ql.Function)
	if !isFn {
		return false, false
	}
	switch {
	case f.Is(ql.FnExists):
		return exists, true
	case f.Is(ql.FnNotExists):
		return !exists, true
	}
	return false, false
}
