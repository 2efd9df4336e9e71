/*
Package ql – in-process evaluation.

Evaluates expressions against plain records. A FieldResolver rewrites field
paths (e.g. "$id" to the storage field) before they are read.
*/
package ql

import (
	"regexp"
	"sort"
	"strings"
)

// FieldResolver maps a query field to a record path.
type FieldResolver func(field string) string

func resolve(r FieldResolver, path string) string {
	if r == nil {
		return path
	}
	return r(path)
}

// Eval evaluates expr against item. A nil expr evaluates to true. item may be
// nil, which the exists()/not_exists() builtins test for.
func Eval(item any, expr Expression, r FieldResolver) (any, error) {
	switch e := expr.(type) {
	case nil:
		return true, nil
	case Field:
		return GetField(item, resolve(r, e.Path)), nil
	case Function:
		return evalFunction(item, e, r)
	case Comparison:
		return evalComparison(item, e, r)
	case And:
		l, err := Eval(item, e.Left, r)
		if err != nil {
			return nil, err
		}
		if !Truthy(l) {
			return false, nil
		}
		rv, err := Eval(item, e.Right, r)
		if err != nil {
			return nil, err
		}
		return Truthy(rv), nil
	case Or:
		l, err := Eval(item, e.Left, r)
		if err != nil {
			return nil, err
		}
		if Truthy(l) {
			return true, nil
		}
		rv, err := Eval(item, e.Right, r)
		if err != nil {
			return nil, err
		}
		return Truthy(rv), nil
	case Not:
		v, err := Eval(item, e.Expr, r)
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	case Parameter:
		return nil, errorf("Parameter %s not found", e.Name)
	case string, bool, []any, map[string]any:
		return e, nil
	}
	if IsNumber(expr) {
		return expr, nil
	}
	return nil, errorf("Expression %s not supported", Format(expr))
}

// Match evaluates expr as a predicate.
func Match(item any, expr Expression, r FieldResolver) (bool, error) {
	v, err := Eval(item, expr, r)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

func evalArgs(item any, f Function, n int, r FieldResolver) ([]any, error) {
	if len(f.Args) < n {
		return nil, errorf("Function %s needs %d arguments", f.Name, n)
	}
	out := make([]any, n)
	for i := 0; i < n; i++ {
		v, err := Eval(item, f.Args[i], r)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func evalFunction(item any, f Function, r FieldResolver) (any, error) {
	if f.Namespace != "" && f.Namespace != NamespaceBuiltin {
		return nil, errorf("Function not supported")
	}
	switch f.Name {
	case FnExists:
		return item != nil, nil
	case FnNotExists:
		return item == nil, nil
	case FnIsType:
		a, err := evalArgs(item, f, 1, r)
		if err != nil {
			return nil, err
		}
		if len(f.Args) < 2 {
			return nil, errorf("Function %s needs 2 arguments", f.Name)
		}
		typ, ok := f.Args[1].(string)
		if !ok {
			return nil, errorf("type in IS_TYPE function must be specified as a string")
		}
		v := a[0]
		switch typ {
		case "string":
			_, ok = v.(string)
		case "number":
			ok = IsNumber(v)
		case "boolean":
			_, ok = v.(bool)
		case "array":
			_, ok = v.([]any)
		case "object":
			_, ok = v.(map[string]any)
		case "null":
			ok = v == nil
		default:
			return nil, errorf("Unknown type passed to IS_TYPE function")
		}
		return ok, nil
	case FnIsDefined, FnIsNotDefined:
		a, err := evalArgs(item, f, 1, r)
		if err != nil {
			return nil, err
		}
		return IsUndefined(a[0]) == (f.Name == FnIsNotDefined), nil
	case FnLength:
		a, err := evalArgs(item, f, 1, r)
		if err != nil {
			return nil, err
		}
		if s, ok := a[0].(string); ok {
			return len(s), nil
		}
		return 0, nil
	case FnArrayLength:
		a, err := evalArgs(item, f, 1, r)
		if err != nil {
			return nil, err
		}
		if l, ok := a[0].([]any); ok {
			return len(l), nil
		}
		return 0, nil
	case FnContains, FnStartsWith, FnEndsWith:
		a, err := evalArgs(item, f, 2, r)
		if err != nil {
			return nil, err
		}
		s1, ok1 := a[0].(string)
		s2, ok2 := a[1].(string)
		if !ok1 || !ok2 {
			return false, nil
		}
		switch f.Name {
		case FnContains:
			return strings.Contains(s1, s2), nil
		case FnStartsWith:
			return strings.HasPrefix(s1, s2), nil
		}
		return strings.HasSuffix(s1, s2), nil
	case FnArrayContains:
		a, err := evalArgs(item, f, 2, r)
		if err != nil {
			return nil, err
		}
		l, ok := a[0].([]any)
		return ok && indexOf(l, a[1]) >= 0, nil
	case FnArrayContainsAny:
		a, err := evalArgs(item, f, 2, r)
		if err != nil {
			return nil, err
		}
		l, ok1 := a[0].([]any)
		want, ok2 := a[1].([]any)
		if !ok1 || !ok2 {
			return false, nil
		}
		for _, w := range want {
			if indexOf(l, w) >= 0 {
				return true, nil
			}
		}
		return false, nil
	}
	return nil, errorf("Function %s not supported", f.Name)
}

// compareOrdered orders two strings or two numbers. ok is false for any other
// pairing.
func compareOrdered(a, b any) (int, bool) {
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	fa, ok := ToFloat(a)
	if !ok {
		return 0, false
	}
	fb, ok := ToFloat(b)
	if !ok {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	}
	return 0, true
}

func evalComparison(item any, c Comparison, r FieldResolver) (any, error) {
	l, err := Eval(item, c.Left, r)
	if err != nil {
		return nil, err
	}
	rv, err := Eval(item, c.Right, r)
	if err != nil {
		return nil, err
	}
	switch c.Op {
	case OpLT, OpLTE, OpGT, OpGTE:
		cmp, ok := compareOrdered(l, rv)
		if !ok {
			return false, nil
		}
		switch c.Op {
		case OpLT:
			return cmp < 0, nil
		case OpLTE:
			return cmp <= 0, nil
		case OpGT:
			return cmp > 0, nil
		}
		return cmp >= 0, nil
	case OpEQ:
		return Equal(l, rv), nil
	case OpNEQ:
		return !Equal(l, rv), nil
	case OpBetween:
		bounds, ok := rv.([]any)
		if !ok || len(bounds) != 2 {
			return nil, errorf("Right operand for BETWEEN must be a list with two values")
		}
		lo, ok1 := compareOrdered(l, bounds[0])
		hi, ok2 := compareOrdered(l, bounds[1])
		return ok1 && ok2 && lo >= 0 && hi <= 0, nil
	case OpIn, OpNotIn:
		lst, ok := rv.([]any)
		if !ok {
			if c.Op == OpIn {
				return nil, errorf("Right operand for IN comparison must be a list")
			}
			return nil, errorf("Right operand for NOT IN comparison must be a list")
		}
		found := indexOf(lst, l) >= 0
		return found == (c.Op == OpIn), nil
	case OpLike:
		s, ok1 := l.(string)
		pattern, ok2 := rv.(string)
		if !ok1 || !ok2 {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errorf("Invalid LIKE pattern %s", pattern)
		}
		loc := re.FindStringIndex(s)
		return loc != nil && loc[0] == 0, nil
	}
	return nil, errorf("Comparison not supported")
}

// ─── collection helpers ──────────────────────────────────────────────────────

// Filter keeps the items that match where.
func Filter(items []map[string]any, where Expression, r FieldResolver) ([]map[string]any, error) {
	if where == nil {
		return items, nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		ok, err := Match(it, where, r)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, it)
		}
	}
	return out, nil
}

// Count counts the items that match where.
func Count(items []map[string]any, where Expression, r FieldResolver) (int, error) {
	out, err := Filter(items, where, r)
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

// Order sorts items by the order-by terms. Items missing an ordered field
// are dropped.
func Order(items []map[string]any, ob *OrderBy, r FieldResolver) []map[string]any {
	if ob == nil || len(ob.Terms) == 0 {
		return items
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		defined := true
		for _, t := range ob.Terms {
			if IsUndefined(GetField(it, resolve(r, t.Field))) {
				defined = false
				break
			}
		}
		if defined {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, t := range ob.Terms {
			path := resolve(r, t.Field)
			cmp, ok := compareOrdered(GetField(out[i], path), GetField(out[j], path))
			if !ok || cmp == 0 {
				continue
			}
			if t.Direction == Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return out
}

// Project applies a select to one item. A nil or empty select returns item.
func Project(item map[string]any, sel *Select, r FieldResolver) (map[string]any, error) {
	if sel == nil || len(sel.Terms) == 0 {
		return item, nil
	}
	out := map[string]any{}
	for _, t := range sel.Terms {
		v := GetField(item, resolve(r, t.Field))
		if IsUndefined(v) {
			continue
		}
		alias := t.Alias
		if alias == "" {
			alias = t.Field
		}
		if err := UpdateField(out, resolve(r, alias), UpdatePut, v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Limit applies offset then limit. Negative values are ignored.
func Limit(items []map[string]any, limit, offset int) []map[string]any {
	start := 0
	if offset > 0 {
		start = offset
	}
	if start > len(items) {
		return items[:0]
	}
	end := len(items)
	if limit >= 0 && start+limit < end {
		end = start + limit
	}
	return items[start:end]
}

// QueryArgs bundles the clauses of an in-process query. Limit and Offset
// are ignored when negative.
type QueryArgs struct {
	Select  *Select
	Where   Expression
	OrderBy *OrderBy
	Limit   int
	Offset  int
}

// Query runs filter, order, project, then offset/limit.
func Query(items []map[string]any, q QueryArgs, r FieldResolver) ([]map[string]any, error) {
	cur, err := Filter(items, q.Where, r)
	if err != nil {
		return nil, err
	}
	cur = Order(cur, q.OrderBy, r)
	projected := make([]map[string]any, 0, len(cur))
	for _, it := range cur {
		p, err := Project(it, q.Select, r)
		if err != nil {
			return nil, err
		}
		projected = append(projected, p)
	}
	return Limit(projected, q.Limit, q.Offset), nil
}

// ApplyUpdate applies u to a deep copy of item and returns the copy.
func ApplyUpdate(item map[string]any, u *Update, r FieldResolver) (map[string]any, error) {
	out := DeepCopyMap(item)
	if out == nil {
		out = map[string]any{}
	}
	if u == nil {
		return out, nil
	}
	for _, op := range u.Operations {
		path := resolve(r, op.Field)
		if op.Op == UpdateMove {
			dest, ok := op.Arg().(Field)
			if !ok {
				s, isStr := op.Arg().(string)
				if !isStr {
					return nil, errorf("Move destination must be a field")
				}
				dest = F(s)
			}
			v := GetField(out, path)
			if IsUndefined(v) {
				return nil, errorf("Field %s not found", op.Field)
			}
			if err := UpdateField(out, resolve(r, dest.Path), UpdatePut, v); err != nil {
				return nil, err
			}
			if err := UpdateField(out, path, UpdateDelete, nil); err != nil {
				return nil, err
			}
			continue
		}
		if err := UpdateField(out, path, op.Op, op.Arg()); err != nil {
			return nil, err
		}
	}
	return out, nil
}
