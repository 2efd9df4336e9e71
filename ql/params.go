/*
Package ql – parameter substitution and text parsing hook.
*/
package ql

// ArgKind names the clause a text argument is parsed as.
type ArgKind string

const (
	KindStatement  ArgKind = "statement"
	KindSelect     ArgKind = "select"
	KindCollection ArgKind = "collection"
	KindUpdate     ArgKind = "update"
	KindSearch     ArgKind = "search"
	KindWhere      ArgKind = "where"
	KindOrderBy    ArgKind = "order_by"
	KindRankBy     ArgKind = "rank_by"
)

// Parser turns query-language text into a tree. The result type depends on
// kind: Expression for where/search/rank_by, Select, OrderBy, *Update,
// Collection, or a statement value understood by the caller.
type Parser interface {
	Parse(text string, kind ArgKind) (any, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(text string, kind ArgKind) (any, error)

func (f ParserFunc) Parse(text string, kind ArgKind) (any, error) { return f(text, kind) }

// ReplaceParams returns expr with every Parameter replaced by its value in
// params. Nodes are rebuilt, never modified. A Parameter with no value is an
// error. With no params expr is returned as is.
func ReplaceParams(expr Expression, params map[string]any) (Expression, error) {
	if len(params) == 0 {
		return expr, nil
	}
	switch e := expr.(type) {
	case []any:
		out := make([]any, len(e))
		for i, v := range e {
			r, err := ReplaceParams(v, params)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case Parameter:
		v, ok := params[e.Name]
		if !ok {
			return nil, errorf("Parameter %s not found", e.Name)
		}
		return v, nil
	case Comparison:
		l, err := ReplaceParams(e.Left, params)
		if err != nil {
			return nil, err
		}
		r, err := ReplaceParams(e.Right, params)
		if err != nil {
			return nil, err
		}
		return Comparison{Op: e.Op, Left: l, Right: r}, nil
	case Function:
		f := Function{Namespace: e.Namespace, Name: e.Name}
		if e.Args != nil {
			f.Args = make([]Expression, len(e.Args))
			for i, a := range e.Args {
				r, err := ReplaceParams(a, params)
				if err != nil {
					return nil, err
				}
				f.Args[i] = r
			}
		}
		if e.NamedArgs != nil {
			f.NamedArgs = make(map[string]Expression, len(e.NamedArgs))
			for k, a := range e.NamedArgs {
				r, err := ReplaceParams(a, params)
				if err != nil {
					return nil, err
				}
				f.NamedArgs[k] = r
			}
		}
		return f, nil
	case And:
		l, err := ReplaceParams(e.Left, params)
		if err != nil {
			return nil, err
		}
		r, err := ReplaceParams(e.Right, params)
		if err != nil {
			return nil, err
		}
		return And{Left: l, Right: r}, nil
	case Or:
		l, err := ReplaceParams(e.Left, params)
		if err != nil {
			return nil, err
		}
		r, err := ReplaceParams(e.Right, params)
		if err != nil {
			return nil, err
		}
		return Or{Left: l, Right: r}, nil
	case Not:
		x, err := ReplaceParams(e.Expr, params)
		if err != nil {
			return nil, err
		}
		return Not{Expr: x}, nil
	case *Update:
		return ReplaceUpdateParams(e, params)
	}
	return expr, nil
}

// ReplaceUpdateParams substitutes parameters into every update argument.
func ReplaceUpdateParams(u *Update, params map[string]any) (*Update, error) {
	if u == nil || len(params) == 0 {
		return u, nil
	}
	out := &Update{Operations: make([]UpdateOperation, 0, len(u.Operations))}
	for _, op := range u.Operations {
		args := make([]Expression, len(op.Args))
		for i, a := range op.Args {
			r, err := ReplaceParams(a, params)
			if err != nil {
				return nil, err
			}
			args[i] = r
		}
		out.Operations = append(out.Operations, UpdateOperation{Field: op.Field, Op: op.Op, Args: args})
	}
	return out, nil
}
