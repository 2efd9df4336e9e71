package opensearch

import (
	"strings"

	store "github.com/cloudxsgmbh/storage-core-go"
	"github.com/cloudxsgmbh/storage-core-go/ql"
)

// compiler turns search, where and order-by clauses into query DSL.
type compiler struct {
	resolve ql.FieldResolver
}

// query builds the query clause. scored reports whether a search function
// contributes relevance.
func (c compiler) query(p *store.OperationParser, limit int) (map[string]any, bool, error) {
	fn, hasSearch, err := p.SearchAsFunction()
	if err != nil {
		return nil, false, err
	}
	terms, err := p.WhereExprList()
	if err != nil {
		return nil, false, err
	}

	var must, filter, mustNot []any
	if hasSearch {
		clause, err := c.search(fn, limit)
		if err != nil {
			return nil, false, err
		}
		must = append(must, clause)
	}
	for _, t := range terms {
		clause, negated, err := c.term(t)
		if err != nil {
			return nil, false, err
		}
		if negated {
			mustNot = append(mustNot, clause)
		} else {
			filter = append(filter, clause)
		}
	}
	if len(must)+len(filter)+len(mustNot) == 0 {
		return map[string]any{"match_all": map[string]any{}}, false, nil
	}
	b := map[string]any{}
	if len(must) > 0 {
		b["must"] = must
	}
	if len(filter) > 0 {
		b["filter"] = filter
	}
	if len(mustNot) > 0 {
		b["must_not"] = mustNot
	}
	return map[string]any{"bool": b}, hasSearch, nil
}

// arg returns the positional argument i or the named argument name.
func arg(f ql.Function, i int, name string) (ql.Expression, bool) {
	if v, ok := f.NamedArgs[name]; ok {
		return v, true
	}
	if i < len(f.Args) {
		return f.Args[i], true
	}
	return nil, false
}

func (c compiler) field(e ql.Expression) (string, bool) {
	switch v := e.(type) {
	case ql.Field:
		return c.resolve(v.Path), true
	case string:
		return c.resolve(v), true
	}
	return "", false
}

func (c compiler) search(f ql.Function, limit int) (map[string]any, error) {
	switch {
	case f.Is(ql.FnVectorSearch):
		fe, _ := arg(f, 0, "field")
		field, ok := c.field(fe)
		if !ok {
			return nil, store.NewBadRequest("vector_search needs a field")
		}
		raw, _ := arg(f, 1, "vector")
		vector, ok := floats(raw)
		if !ok {
			return nil, store.NewBadRequest("vector_search needs a numeric vector")
		}
		k := defaultK
		if limit > 0 {
			k = limit
		}
		if v, ok := arg(f, 2, "k"); ok {
			n, isNum := ql.ToFloat(v)
			if !isNum || n < 1 {
				return nil, store.NewBadRequest("vector_search k must be a positive number")
			}
			k = int(n)
		}
		return map[string]any{"knn": map[string]any{field: map[string]any{"vector": vector, "k": k}}}, nil
	case f.Is(ql.FnTextSearch):
		q, ok := arg(f, 1, "query")
		if !ok {
			return nil, store.NewBadRequest("text_search needs a query")
		}
		fe, _ := arg(f, 0, "field")
		if field, ok := c.field(fe); ok {
			return map[string]any{"match": map[string]any{field: map[string]any{"query": q}}}, nil
		}
		return map[string]any{"multi_match": map[string]any{"query": q}}, nil
	}
	return nil, store.NewBadRequest("Search function %s not supported", f.Name)
}

func floats(v ql.Expression) ([]float64, bool) {
	var list []any
	switch x := v.(type) {
	case []any:
		list = x
	case []float64:
		return x, len(x) > 0
	case []float32:
		out := make([]float64, len(x))
		for i, f := range x {
			out[i] = float64(f)
		}
		return out, len(out) > 0
	default:
		return nil, false
	}
	out := make([]float64, 0, len(list))
	for _, e := range list {
		f, ok := ql.ToFloat(e)
		if !ok {
			return nil, false
		}
		out = append(out, f)
	}
	return out, len(out) > 0
}

var rangeOps = map[ql.ComparisonOp]string{
	ql.OpLT:  "lt",
	ql.OpLTE: "lte",
	ql.OpGT:  "gt",
	ql.OpGTE: "gte",
}

var flipped = map[ql.ComparisonOp]ql.ComparisonOp{
	ql.OpLT:  ql.OpGT,
	ql.OpLTE: ql.OpGTE,
	ql.OpGT:  ql.OpLT,
	ql.OpGTE: ql.OpLTE,
	ql.OpEQ:  ql.OpEQ,
	ql.OpNEQ: ql.OpNEQ,
}

// term compiles one where term into a filter clause. negated clauses go to
// must_not.
func (c compiler) term(e ql.Expression) (map[string]any, bool, error) {
	switch v := e.(type) {
	case ql.Comparison:
		return c.comparison(v)
	case ql.Function:
		return c.function(v)
	}
	return nil, false, store.NewBadRequest("Unsupported where term %s", ql.Format(e))
}

func (c compiler) comparison(cmp ql.Comparison) (map[string]any, bool, error) {
	lf, leftIsField := cmp.Left.(ql.Field)
	if !leftIsField {
		rf, ok := cmp.Right.(ql.Field)
		op, canFlip := flipped[cmp.Op]
		if !ok || !canFlip {
			return nil, false, store.NewBadRequest("Unsupported comparison %s", ql.Format(cmp))
		}
		cmp = ql.Comparison{Op: op, Left: rf, Right: cmp.Left}
		lf = rf
	}
	field := c.resolve(lf.Path)
	if field == "" || store.IsSpecial(field) {
		return nil, false, store.NewBadRequest("Field %q not supported", lf.Path)
	}
	value := cmp.Right

	switch cmp.Op {
	case ql.OpEQ:
		return map[string]any{"term": map[string]any{field: value}}, false, nil
	case ql.OpNEQ:
		return map[string]any{"term": map[string]any{field: value}}, true, nil
	case ql.OpLT, ql.OpLTE, ql.OpGT, ql.OpGTE:
		return map[string]any{"range": map[string]any{field: map[string]any{rangeOps[cmp.Op]: value}}}, false, nil
	case ql.OpBetween:
		bounds, ok := value.([]any)
		if !ok || len(bounds) != 2 {
			return nil, false, store.NewBadRequest("BETWEEN needs two bounds")
		}
		return map[string]any{"range": map[string]any{field: map[string]any{"gte": bounds[0], "lte": bounds[1]}}}, false, nil
	case ql.OpIn, ql.OpNotIn:
		list, ok := value.([]any)
		if !ok || len(list) == 0 {
			return nil, false, store.NewBadRequest("IN needs a non-empty list")
		}
		return map[string]any{"terms": map[string]any{field: list}}, cmp.Op == ql.OpNotIn, nil
	case ql.OpLike:
		pattern, ok := value.(string)
		if !ok {
			return nil, false, store.NewBadRequest("LIKE needs a string pattern")
		}
		pattern = strings.NewReplacer("%", "*", "_", "?").Replace(pattern)
		return map[string]any{"wildcard": map[string]any{field: pattern}}, false, nil
	}
	return nil, false, store.NewBadRequest("Operator %s not supported", cmp.Op)
}

func (c compiler) function(f ql.Function) (map[string]any, bool, error) {
	fe, _ := arg(f, 0, "field")
	field, ok := c.field(fe)
	if !ok {
		return nil, false, store.NewBadRequest("Function %s needs a field", f.Name)
	}
	switch {
	case f.Is(ql.FnIsDefined):
		return map[string]any{"exists": map[string]any{"field": field}}, false, nil
	case f.Is(ql.FnIsNotDefined):
		return map[string]any{"exists": map[string]any{"field": field}}, true, nil
	case f.Is(ql.FnStartsWith):
		v, _ := arg(f, 1, "value")
		return map[string]any{"prefix": map[string]any{field: v}}, false, nil
	case f.Is(ql.FnContains), f.Is(ql.FnArrayContains):
		v, _ := arg(f, 1, "value")
		return map[string]any{"term": map[string]any{field: v}}, false, nil
	}
	return nil, false, store.NewBadRequest("Function %s not supported", f.Name)
}

// sort maps an ordering onto sort clauses; $score orders by relevance.
func (c compiler) sort(ob *ql.OrderBy) []any {
	out := make([]any, 0, len(ob.Terms))
	for _, t := range ob.Terms {
		dir := string(ql.Asc)
		if t.Direction != "" {
			dir = string(t.Direction)
		}
		field := "_score"
		if t.Field != store.SpecialScore {
			field = c.resolve(t.Field)
		}
		out = append(out, map[string]any{field: map[string]any{"order": dir}})
	}
	return out
}
