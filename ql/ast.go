/*
Package ql – expression tree.

The filter language is parsed elsewhere; this package only defines the tree,
substitutes parameters into it and evaluates it over plain records.

An Expression is either one of the node types below or a literal
(string, bool, numbers, nil, []any, map[string]any).
*/
package ql

import (
	"fmt"
	"strings"
)

// Expression is an AST node or a literal value.
type Expression = any

// ComparisonOp is a binary comparison operator.
type ComparisonOp string

const (
	OpLT      ComparisonOp = "<"
	OpLTE     ComparisonOp = "<="
	OpGT      ComparisonOp = ">"
	OpGTE     ComparisonOp = ">="
	OpEQ      ComparisonOp = "="
	OpNEQ     ComparisonOp = "!="
	OpIn      ComparisonOp = "in"
	OpNotIn   ComparisonOp = "not in"
	OpBetween ComparisonOp = "between"
	OpLike    ComparisonOp = "like"
)

// NamespaceBuiltin is the namespace of the built-in query functions.
const NamespaceBuiltin = "builtin"

// Built-in function names.
const (
	FnExists             = "exists"
	FnNotExists          = "not_exists"
	FnIsDefined          = "is_defined"
	FnIsNotDefined       = "is_not_defined"
	FnIsType             = "is_type"
	FnLength             = "length"
	FnContains           = "contains"
	FnStartsWith         = "starts_with"
	FnEndsWith           = "ends_with"
	FnArrayLength        = "array_length"
	FnArrayContains      = "array_contains"
	FnArrayContainsAny   = "array_contains_any"
	FnVectorSearch       = "vector_search"
	FnSparseVectorSearch = "sparse_vector_search"
	FnTextSearch         = "text_search"
)

// Field references a (dotted, optionally indexed) record path.
type Field struct {
	Path string
}

// Parameter is a named placeholder replaced before evaluation.
type Parameter struct {
	Name string
}

// Function is a namespaced function call.
type Function struct {
	Namespace string
	Name      string
	Args      []Expression
	NamedArgs map[string]Expression
}

// Is reports whether f is the builtin function name. An empty namespace is
// read as builtin.
func (f Function) Is(name string) bool {
	return (f.Namespace == "" || f.Namespace == NamespaceBuiltin) && f.Name == name
}

// Comparison is Left Op Right.
type Comparison struct {
	Op    ComparisonOp
	Left  Expression
	Right Expression
}

// And is a logical conjunction.
type And struct {
	Left  Expression
	Right Expression
}

// Or is a logical disjunction.
type Or struct {
	Left  Expression
	Right Expression
}

// Not negates Expr.
type Not struct {
	Expr Expression
}

// Undefined is the result of reading a missing path.
type Undefined struct{}

// IsUndefined reports whether v is the Undefined marker.
func IsUndefined(v any) bool {
	_, ok := v.(Undefined)
	return ok
}

// ─── constructors ────────────────────────────────────────────────────────────

// F builds a Field.
func F(path string) Field { return Field{Path: path} }

// P builds a Parameter.
func P(name string) Parameter { return Parameter{Name: name} }

// Builtin builds a builtin Function.
func Builtin(name string, args ...Expression) Function {
	return Function{Namespace: NamespaceBuiltin, Name: name, Args: args}
}

// Exists is the builtin exists() predicate.
func Exists() Function { return Builtin(FnExists) }

// NotExists is the builtin not_exists() predicate.
func NotExists() Function { return Builtin(FnNotExists) }

// Eq builds Field = value.
func Eq(path string, value Expression) Comparison {
	return Comparison{Op: OpEQ, Left: F(path), Right: value}
}

// Cmp builds Field op value.
func Cmp(path string, op ComparisonOp, value Expression) Comparison {
	return Comparison{Op: op, Left: F(path), Right: value}
}

// AndAll folds terms into a left-deep And chain.
func AndAll(terms ...Expression) Expression {
	if len(terms) == 0 {
		return nil
	}
	expr := terms[0]
	for _, t := range terms[1:] {
		expr = And{Left: expr, Right: t}
	}
	return expr
}

// ─── String ──────────────────────────────────────────────────────────────────

func (f Field) String() string     { return f.Path }
func (p Parameter) String() string { return "@" + p.Name }
func (n Not) String() string       { return "NOT " + Format(n.Expr) }
func (a And) String() string       { return "(" + Format(a.Left) + " AND " + Format(a.Right) + ")" }
func (o Or) String() string        { return "(" + Format(o.Left) + " OR " + Format(o.Right) + ")" }

func (c Comparison) String() string {
	return Format(c.Left) + " " + strings.ToUpper(string(c.Op)) + " " + Format(c.Right)
}

func (f Function) String() string {
	parts := make([]string, 0, len(f.Args)+len(f.NamedArgs))
	for _, a := range f.Args {
		parts = append(parts, Format(a))
	}
	for k, v := range f.NamedArgs {
		parts = append(parts, k+"="+Format(v))
	}
	name := f.Name
	if f.Namespace != "" && f.Namespace != NamespaceBuiltin {
		name = f.Namespace + "." + name
	}
	return name + "(" + strings.Join(parts, ", ") + ")"
}

// Format renders an expression or literal for messages.
func Format(e Expression) string {
	switch v := e.(type) {
	case nil:
		return "null"
	case string:
		return "'" + v + "'"
	case fmt.Stringer:
		return v.String()
	case []any:
		parts := make([]string, len(v))
		for i, x := range v {
			parts[i] = Format(x)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprintf("%v", e)
}
