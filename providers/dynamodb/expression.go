package dynamodb

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	store "github.com/cloudxsgmbh/storage-core-go"
	"github.com/cloudxsgmbh/storage-core-go/ql"
)

// expression accumulates attribute names and values behind "#_N" and ":_N"
// placeholders while condition, filter and update strings are compiled.
type expression struct {
	names     map[string]string // "#_0" → attribute
	namesMap  map[string]int
	values    map[string]any // ":_0" → value
	valuesMap map[string]int
	nindex    int
	vindex    int

	hashKey string
	resolve ql.FieldResolver
}

func newExpression(hashKey string, resolve ql.FieldResolver) *expression {
	return &expression{
		names:     map[string]string{},
		namesMap:  map[string]int{},
		values:    map[string]any{},
		valuesMap: map[string]int{},
		hashKey:   hashKey,
		resolve:   resolve,
	}
}

func (e *expression) addName(name string) int {
	if idx, ok := e.namesMap[name]; ok {
		return idx
	}
	idx := e.nindex
	e.nindex++
	e.names[fmt.Sprintf("#_%d", idx)] = name
	e.namesMap[name] = idx
	return idx
}

func (e *expression) addValue(value any) int {
	switch value.(type) {
	case string, bool:
		// scalars are shared; the type is part of the key so "true" and true
		// stay distinct
		k := fmt.Sprintf("%T:%v", value, value)
		if idx, ok := e.valuesMap[k]; ok {
			return idx
		}
		idx := e.vindex
		e.vindex++
		e.values[fmt.Sprintf(":_%d", idx)] = value
		e.valuesMap[k] = idx
		return idx
	}
	idx := e.vindex
	e.vindex++
	e.values[fmt.Sprintf(":_%d", idx)] = value
	return idx
}

func (e *expression) value(v any) string { return fmt.Sprintf(":_%d", e.addValue(v)) }

var reIndexed = regexp.MustCompile(`^([^\[]+)((?:\[\d+\])*)$`)

// path turns a dotted field into a placeholder path such as "#_0.#_1[2]".
func (e *expression) path(field string) (string, error) {
	if e.resolve != nil {
		field = e.resolve(field)
	}
	if field == "" || store.IsSpecial(field) {
		return "", store.NewBadRequest("Field %q not supported", field)
	}
	segs := strings.Split(field, ".")
	out := make([]string, len(segs))
	for i, seg := range segs {
		m := reIndexed.FindStringSubmatch(seg)
		if m == nil {
			return "", store.NewBadRequest("Invalid field path %q", field)
		}
		out[i] = fmt.Sprintf("#_%d%s", e.addName(m[1]), m[2])
	}
	return strings.Join(out, "."), nil
}

func (e *expression) and(terms []string) string {
	if len(terms) == 1 {
		return terms[0]
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = "(" + t + ")"
	}
	return strings.Join(parts, " and ")
}

// ─── conditions ──────────────────────────────────────────────────────────────

// condition compiles the preconditions of a write. requireItem adds
// attribute_exists on the hash key. Where terms that are not preconditions
// are rejected.
func (e *expression) condition(p *store.OperationParser, requireItem bool) (string, error) {
	terms, err := p.WhereExprList()
	if err != nil {
		return "", err
	}
	for _, t := range terms {
		if store.ExtractMatchCondition(t).IsEmpty() {
			return "", store.NewBadRequest("Unsupported where term %s", ql.Format(t))
		}
	}
	mc, err := p.MatchCondition()
	if err != nil {
		return "", err
	}
	if mc.IfVersionMatch.IsSet() || mc.IfVersionNotMatch.IsSet() {
		return "", store.NewBadRequest("version conditions not supported")
	}
	if mc.IfModifiedSince.IsSet() || mc.IfUnmodifiedSince.IsSet() {
		return "", store.NewBadRequest("modified conditions not supported")
	}

	var out []string
	exists, hasExists := mc.Exists.Get()
	switch {
	case hasExists && exists, !hasExists && requireItem:
		out = append(out, fmt.Sprintf("attribute_exists(#_%d)", e.addName(e.hashKey)))
	case hasExists && !exists:
		out = append(out, fmt.Sprintf("attribute_not_exists(#_%d)", e.addName(e.hashKey)))
	}
	if etag, ok := mc.IfMatch.Get(); ok {
		path, err := e.path(store.SpecialEtag)
		if err != nil {
			return "", err
		}
		out = append(out, path+" = "+e.value(etag))
	}
	if etag, ok := mc.IfNoneMatch.Get(); ok {
		path, err := e.path(store.SpecialEtag)
		if err != nil {
			return "", err
		}
		out = append(out, path+" <> "+e.value(etag))
	}
	if len(out) == 0 {
		return "", nil
	}
	return e.and(out), nil
}

// ─── filters ─────────────────────────────────────────────────────────────────

// filter compiles a where AST into a FilterExpression.
func (e *expression) filter(expr ql.Expression) (string, error) {
	switch x := expr.(type) {
	case nil:
		return "", nil
	case ql.And:
		return e.binary("and", x.Left, x.Right)
	case ql.Or:
		return e.binary("or", x.Left, x.Right)
	case ql.Not:
		inner, err := e.filter(x.Expr)
		if err != nil {
			return "", err
		}
		return "not (" + inner + ")", nil
	case ql.Comparison:
		return e.comparison(x)
	case ql.Function:
		return e.function(x)
	}
	return "", store.NewBadRequest("Unsupported where clause %s", ql.Format(expr))
}

func (e *expression) binary(op string, left, right ql.Expression) (string, error) {
	l, err := e.filter(left)
	if err != nil {
		return "", err
	}
	r, err := e.filter(right)
	if err != nil {
		return "", err
	}
	return "(" + l + ") " + op + " (" + r + ")", nil
}

var flipped = map[ql.ComparisonOp]ql.ComparisonOp{
	ql.OpLT: ql.OpGT, ql.OpLTE: ql.OpGTE, ql.OpGT: ql.OpLT, ql.OpGTE: ql.OpLTE,
	ql.OpEQ: ql.OpEQ, ql.OpNEQ: ql.OpNEQ,
}

func (e *expression) comparison(c ql.Comparison) (string, error) {
	left, right := c.Left, c.Right
	if _, isField := left.(ql.Field); !isField {
		if _, rightField := right.(ql.Field); rightField {
			op, ok := flipped[c.Op]
			if !ok {
				return "", store.NewBadRequest("Unsupported comparison %s", ql.Format(c))
			}
			left, right, c.Op = right, left, op
		}
	}
	lhs, err := e.operand(left)
	if err != nil {
		return "", err
	}
	switch c.Op {
	case ql.OpEQ, ql.OpLT, ql.OpLTE, ql.OpGT, ql.OpGTE, ql.OpNEQ:
		rhs, err := e.operand(right)
		if err != nil {
			return "", err
		}
		op := string(c.Op)
		if c.Op == ql.OpNEQ {
			op = "<>"
		}
		return lhs + " " + op + " " + rhs, nil
	case ql.OpBetween:
		bounds, ok := right.([]any)
		if !ok || len(bounds) != 2 {
			return "", store.NewBadRequest("BETWEEN needs two bounds")
		}
		return lhs + " BETWEEN " + e.value(bounds[0]) + " AND " + e.value(bounds[1]), nil
	case ql.OpIn, ql.OpNotIn:
		list, ok := right.([]any)
		if !ok || len(list) == 0 {
			return "", store.NewBadRequest("IN needs a non-empty list")
		}
		vals := make([]string, len(list))
		for i, v := range list {
			vals[i] = e.value(v)
		}
		in := lhs + " IN (" + strings.Join(vals, ", ") + ")"
		if c.Op == ql.OpNotIn {
			return "not (" + in + ")", nil
		}
		return in, nil
	}
	return "", store.NewBadRequest("Operator %s not supported", c.Op)
}

// operand renders a field path, size() of a field, or a literal value.
func (e *expression) operand(x ql.Expression) (string, error) {
	switch v := x.(type) {
	case ql.Field:
		return e.path(v.Path)
	case ql.Function:
		if (v.Is(ql.FnLength) || v.Is(ql.FnArrayLength)) && len(v.Args) == 1 {
			if f, ok := v.Args[0].(ql.Field); ok {
				path, err := e.path(f.Path)
				if err != nil {
					return "", err
				}
				return "size(" + path + ")", nil
			}
		}
		return "", store.NewBadRequest("Function %s not supported", v.Name)
	case ql.Comparison, ql.And, ql.Or, ql.Not, ql.Parameter:
		return "", store.NewBadRequest("Unsupported operand %s", ql.Format(x))
	}
	return e.value(x), nil
}

func (e *expression) function(f ql.Function) (string, error) {
	switch {
	case f.Is(ql.FnExists) && len(f.Args) == 0:
		return fmt.Sprintf("attribute_exists(#_%d)", e.addName(e.hashKey)), nil
	case f.Is(ql.FnNotExists) && len(f.Args) == 0:
		return fmt.Sprintf("attribute_not_exists(#_%d)", e.addName(e.hashKey)), nil
	case f.Is(ql.FnIsDefined), f.Is(ql.FnIsNotDefined):
		path, err := e.fieldArg(f, 1)
		if err != nil {
			return "", err
		}
		if f.Is(ql.FnIsDefined) {
			return "attribute_exists(" + path + ")", nil
		}
		return "attribute_not_exists(" + path + ")", nil
	case f.Is(ql.FnStartsWith), f.Is(ql.FnContains), f.Is(ql.FnArrayContains):
		path, err := e.fieldArg(f, 2)
		if err != nil {
			return "", err
		}
		name := "contains"
		if f.Is(ql.FnStartsWith) {
			name = "begins_with"
		}
		return name + "(" + path + ", " + e.value(f.Args[1]) + ")", nil
	}
	return "", store.NewBadRequest("Function %s not supported", f.Name)
}

func (e *expression) fieldArg(f ql.Function, n int) (string, error) {
	if len(f.Args) != n {
		return "", store.NewBadRequest("Function %s needs %d arguments", f.Name, n)
	}
	field, ok := f.Args[0].(ql.Field)
	if !ok {
		return "", store.NewBadRequest("Function %s needs a field", f.Name)
	}
	return e.path(field.Path)
}

// ─── updates ─────────────────────────────────────────────────────────────────

// update compiles u into "SET … REMOVE … ADD …".
func (e *expression) update(u *ql.Update) (string, error) {
	if u == nil || len(u.Operations) == 0 {
		return "", store.NewBadRequest("set missing")
	}
	var sets, removes, adds []string
	for _, op := range u.Operations {
		path, err := e.path(op.Field)
		if err != nil {
			return "", err
		}
		switch op.Op {
		case ql.UpdatePut, ql.UpdateInsert:
			sets = append(sets, path+" = "+e.value(op.Arg()))
		case ql.UpdateDelete:
			removes = append(removes, path)
		case ql.UpdateIncrement:
			if !ql.IsNumber(op.Arg()) {
				return "", store.NewBadRequest("increment of %s needs a number", op.Field)
			}
			adds = append(adds, path+" "+e.value(op.Arg()))
		case ql.UpdateAppend, ql.UpdatePrepend:
			empty := e.value([]any{})
			list := e.value([]any{op.Arg()})
			current := "if_not_exists(" + path + ", " + empty + ")"
			if op.Op == ql.UpdateAppend {
				sets = append(sets, path+" = list_append("+current+", "+list+")")
			} else {
				sets = append(sets, path+" = list_append("+list+", "+current+")")
			}
		default:
			return "", store.NewBadRequest("Update operation %s not supported", op.Op)
		}
	}
	var clauses []string
	if len(sets) > 0 {
		clauses = append(clauses, "SET "+strings.Join(sets, ", "))
	}
	if len(removes) > 0 {
		clauses = append(clauses, "REMOVE "+strings.Join(removes, ", "))
	}
	if len(adds) > 0 {
		clauses = append(clauses, "ADD "+strings.Join(adds, ", "))
	}
	return strings.Join(clauses, " "), nil
}

// ─── output ──────────────────────────────────────────────────────────────────

func (e *expression) attributeNames() map[string]string {
	if len(e.names) == 0 {
		return nil
	}
	return e.names
}

func (e *expression) attributeValues() (map[string]types.AttributeValue, error) {
	if len(e.values) == 0 {
		return nil, nil
	}
	out := make(map[string]types.AttributeValue, len(e.values))
	for k, v := range e.values {
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return nil, store.NewBadRequest("cannot marshal value %v: %v", v, err)
		}
		out[k] = av
	}
	return out, nil
}
