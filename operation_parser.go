/*
Package store – operation parser.

OperationParser wraps an Operation with typed accessors. Text-valued clauses
are parsed through an optional ql.Parser and have their parameters replaced
from the operation's "params" argument. Accessors are pure; the nested
parsers of batch and transact operations are built once and reused.
*/
package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudxsgmbh/storage-core-go/ql"
)

// OperationParser exposes the arguments of one Operation.
type OperationParser struct {
	op     *Operation
	parser ql.Parser

	subOnce sync.Once
	subs    []*OperationParser
	subErr  error
}

// NewOperationParser wraps op. parser may be nil, in which case text clauses
// are rejected.
func NewOperationParser(op *Operation, parser ql.Parser) *OperationParser {
	return &OperationParser{op: op, parser: parser}
}

// Operation returns the wrapped operation.
func (p *OperationParser) Operation() *Operation { return p.op }

// OpName returns the operation name, or "" for a nil operation.
func (p *OperationParser) OpName() string {
	if p.op == nil {
		return ""
	}
	return p.op.Name
}

// OpEquals compares the operation name case-insensitively.
func (p *OperationParser) OpEquals(name string) bool {
	return strings.EqualFold(p.OpName(), name)
}

func (p *OperationParser) Arg(name string) (any, bool) { return p.op.Arg(name) }
func (p *OperationParser) HasArg(name string) bool     { return p.op.Has(name) }

// Args returns a copy of all arguments.
func (p *OperationParser) Args() Args {
	if p.op == nil {
		return Args{}
	}
	return p.op.Args()
}

// ─── classification ──────────────────────────────────────────────────────────

var resourceOps = map[string]bool{
	OpCreateCollection: true,
	OpDropCollection:   true,
	OpListCollections:  true,
	OpHasCollection:    true,
	OpClose:            true,
}

var collectionOps = map[string]bool{
	OpGet:         true,
	OpPut:         true,
	OpUpdate:      true,
	OpDelete:      true,
	OpQuery:       true,
	OpCount:       true,
	OpBatch:       true,
	OpTransact:    true,
	OpWatch:       true,
	OpCreateIndex: true,
	OpDropIndex:   true,
	OpListIndexes: true,
}

// IsSingleOp reports whether the operation carries no inline operation list.
func (p *OperationParser) IsSingleOp() bool { return !p.HasArg(ArgOperations) }

// IsResourceOp reports whether the operation manages collections or the store.
func (p *OperationParser) IsResourceOp() bool { return resourceOps[p.OpName()] }

// IsCollectionOp reports whether the operation acts inside a collection.
func (p *OperationParser) IsCollectionOp() bool { return collectionOps[p.OpName()] }

// ─── nested operations ───────────────────────────────────────────────────────

// Operations returns the raw sub-operations of a batch or transaction.
func (p *OperationParser) Operations() ([]*Operation, error) {
	if v, ok := p.Arg(ArgBatch); ok {
		return operationList(v)
	}
	if v, ok := p.Arg(ArgTransaction); ok {
		return operationList(v)
	}
	return nil, nil
}

func operationList(v any) ([]*Operation, error) {
	var raw any
	switch x := v.(type) {
	case Batch:
		return x.Operations, nil
	case *Batch:
		return x.Operations, nil
	case Transaction:
		return x.Operations, nil
	case *Transaction:
		return x.Operations, nil
	case []*Operation:
		return x, nil
	case map[string]any:
		raw = x[ArgOperations]
	default:
		return nil, NewBadRequest("operations must be a list")
	}
	switch list := raw.(type) {
	case nil:
		return nil, nil
	case []*Operation:
		return list, nil
	case []any:
		out := make([]*Operation, 0, len(list))
		for _, item := range list {
			op, err := toOperation(item)
			if err != nil {
				return nil, err
			}
			out = append(out, op)
		}
		return out, nil
	}
	return nil, NewBadRequest("operations must be a list")
}

// toOperation accepts an *Operation or a {"name", "args"} mapping.
func toOperation(v any) (*Operation, error) {
	switch x := v.(type) {
	case *Operation:
		return x, nil
	case Operation:
		return &x, nil
	case map[string]any:
		name, _ := x["name"].(string)
		if name == "" {
			return nil, NewBadRequest("operation name missing")
		}
		args, _ := x["args"].(map[string]any)
		return OperationFromArgs(name, args), nil
	}
	return nil, NewBadRequest("invalid operation %v", v)
}

// OperationParsers wraps each sub-operation in its own parser. When this
// operation has params, they are added to every sub-operation's arguments
// and substituted into them.
func (p *OperationParser) OperationParsers() ([]*OperationParser, error) {
	p.subOnce.Do(func() {
		ops, err := p.Operations()
		if err != nil {
			p.subErr = err
			return
		}
		params := p.Params()
		subs := make([]*OperationParser, 0, len(ops))
		for _, op := range ops {
			sub := op
			if params != nil {
				sub = op.With(WithParams(params))
			}
			sub, err = ReplaceOperationParams(sub, params)
			if err != nil {
				p.subErr = err
				return
			}
			subs = append(subs, NewOperationParser(sub, p.parser))
		}
		p.subs = subs
	})
	return p.subs, p.subErr
}

// ReplaceOperationParams substitutes params into every argument of op and
// returns a new Operation. op is returned as is when params is empty.
func ReplaceOperationParams(op *Operation, params map[string]any) (*Operation, error) {
	if len(params) == 0 {
		return op, nil
	}
	args := make(map[string]any, len(op.args))
	for k, v := range op.args {
		if k == ArgParams {
			args[k] = v
			continue
		}
		r, err := replaceArgParams(v, params)
		if err != nil {
			return nil, err
		}
		args[k] = r
	}
	return &Operation{Name: op.Name, args: args}, nil
}

func replaceArgParams(v any, params map[string]any) (any, error) {
	if u, ok := v.(*ql.Update); ok {
		out, err := ql.ReplaceUpdateParams(u, params)
		return out, badRequest(err)
	}
	out, err := ql.ReplaceParams(v, params)
	return out, badRequest(err)
}

// ExecuteOperation parses the statement of an __execute__ operation into the
// operation it describes, with params substituted and recorded.
func (p *OperationParser) ExecuteOperation() (*Operation, error) {
	stmt, ok := p.Statement()
	if !ok {
		return nil, NewBadRequest("statement missing")
	}
	if p.parser == nil {
		return nil, NewBadRequest("statement must be parsed")
	}
	parsed, err := p.parser.Parse(stmt, ql.KindStatement)
	if err != nil {
		return nil, badRequest(err)
	}
	op, err := toOperation(parsed)
	if err != nil {
		return nil, err
	}
	params := p.Params()
	op, err = ReplaceOperationParams(op, params)
	if err != nil {
		return nil, err
	}
	if params != nil {
		op = op.With(WithParams(params))
	}
	return op, nil
}

// ─── index ───────────────────────────────────────────────────────────────────

// Index decodes the index argument.
func (p *OperationParser) Index() (Index, error) {
	v, ok := p.Arg(ArgIndex)
	if !ok || v == nil {
		return nil, NewBadRequest("Index parameter missing")
	}
	return DecodeIndex(v)
}

// ─── keys ────────────────────────────────────────────────────────────────────

// Key returns the key argument.
func (p *OperationParser) Key() (Key, bool) {
	v, ok := p.Arg(ArgKey)
	if !ok {
		return Key{}, false
	}
	return ParseKey(v)
}

// IDFromKey reads a scalar key, or the "id" field of a structured key.
func IDFromKey(k Key) (any, bool) {
	if k.IsScalar() {
		return k.Scalar(), true
	}
	return k.Lookup(KeyID)
}

func (p *OperationParser) ID() (any, bool) {
	k, ok := p.Key()
	if !ok {
		return nil, false
	}
	return IDFromKey(k)
}

// IDAsStr returns the id, which must be a string.
func (p *OperationParser) IDAsStr() (string, error) {
	id, _ := p.ID()
	s, ok := id.(string)
	if !ok {
		return "", NewBadRequest("id is not string")
	}
	return s, nil
}

// IDAsStrOrNone is IDAsStr with an absent id reported as ok=false.
func (p *OperationParser) IDAsStrOrNone() (string, bool, error) {
	id, ok := p.ID()
	if !ok || id == nil {
		return "", false, nil
	}
	s, isStr := id.(string)
	if !isStr {
		return "", false, NewBadRequest("id is not string")
	}
	return s, true, nil
}

func stringField(k Key, field string) (string, bool) {
	v, ok := k.Lookup(field)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Version returns the "version" field of a structured key.
func (p *OperationParser) Version() (string, bool) {
	k, _ := p.Key()
	return stringField(k, KeyVersion)
}

// Label returns the "label" field of a structured key.
func (p *OperationParser) Label() (string, bool) {
	k, _ := p.Key()
	return stringField(k, KeyLabel)
}

// ─── copy source ─────────────────────────────────────────────────────────────

func (p *OperationParser) Source() (any, bool) { return p.Arg(ArgSource) }

// SourceCollection returns source["collection"].
func (p *OperationParser) SourceCollection() (string, bool) {
	src, _ := p.Source()
	if m, ok := src.(map[string]any); ok {
		s, ok := m[ArgCollection].(string)
		return s, ok
	}
	return "", false
}

// SourceKey returns source["key"] for a mapping source, else the source.
func (p *OperationParser) SourceKey() (Key, bool) {
	src, ok := p.Source()
	if !ok {
		return Key{}, false
	}
	if m, isMap := src.(map[string]any); isMap {
		if k, has := m[AttrKey]; has {
			return ParseKey(k)
		}
	}
	return ParseKey(src)
}

// SourceIDAsStr returns the source id, which must be a string.
func (p *OperationParser) SourceIDAsStr() (string, error) {
	src, _ := p.Source()
	switch s := src.(type) {
	case string:
		return s, nil
	case map[string]any:
		if raw, ok := s[AttrKey]; ok {
			if k, ok := ParseKey(raw); ok {
				if id, ok := IDFromKey(k); ok {
					if str, ok := id.(string); ok {
						return str, nil
					}
				}
			}
		}
	}
	return "", NewBadRequest("id is not string")
}

// SourceVersion returns the version of the source key.
func (p *OperationParser) SourceVersion() (string, bool) {
	k, _ := p.SourceKey()
	return stringField(k, KeyVersion)
}

// ─── payload ─────────────────────────────────────────────────────────────────

// Attribute returns the "attr" argument, defaulting to "value".
func (p *OperationParser) Attribute() string {
	if s, ok := p.stringArg(ArgAttribute); ok {
		return s
	}
	return AttrValue
}

func (p *OperationParser) Value() (any, bool)           { return p.Arg(ArgValue) }
func (p *OperationParser) Filter() map[string]any       { return p.mapArg(ArgFilter) }
func (p *OperationParser) Metadata() map[string]any     { return p.mapArg(ArgMetadata) }
func (p *OperationParser) Properties() map[string]any   { return p.mapArg(ArgProperties) }
func (p *OperationParser) Config() (any, bool)          { return p.Arg(ArgConfig) }
func (p *OperationParser) Params() map[string]any       { return p.mapArg(ArgParams) }
func (p *OperationParser) NArgs() map[string]any        { return p.mapArg(ArgNative) }
func (p *OperationParser) NFlags() map[string]any       { return p.mapArg(ArgNativeFlags) }
func (p *OperationParser) Statement() (string, bool)    { return p.stringArg(ArgStatement) }
func (p *OperationParser) Returning() (string, bool)    { return p.stringArg(ArgReturning) }
func (p *OperationParser) Continuation() (string, bool) { return p.stringArg(ArgContinuation) }
func (p *OperationParser) Method() (string, bool)       { return p.stringArg(ArgMethod) }
func (p *OperationParser) Limit() (int, bool)           { return p.intArg(ArgLimit) }
func (p *OperationParser) Offset() (int, bool)          { return p.intArg(ArgOffset) }
func (p *OperationParser) Start() (int, bool)           { return p.intArg(ArgStart) }
func (p *OperationParser) End() (int, bool)             { return p.intArg(ArgEnd) }

// ValueMap returns a mapping value.
func (p *OperationParser) ValueMap() (map[string]any, bool) {
	v, ok := p.Value()
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// ValueAsBytes returns a []byte value as is and JSON-encodes anything else.
func (p *OperationParser) ValueAsBytes() ([]byte, bool, error) {
	v, ok := p.Value()
	if !ok || v == nil {
		return nil, false, nil
	}
	if b, isBytes := v.([]byte); isBytes {
		return b, true, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false, NewError("value is not serializable", WithCode(ErrBadRequest), WithCause(err))
	}
	return b, true, nil
}

// VectorValue returns a list value as {"vector": list} and a mapping as is.
func (p *OperationParser) VectorValue() (map[string]any, error) {
	v, _ := p.Value()
	switch x := v.(type) {
	case []any, []float32, []float64:
		return map[string]any{"vector": x}, nil
	case map[string]any:
		return x, nil
	}
	return nil, NewBadRequest("Vector value must be list or dict")
}

// ReturningAsBool reports returning == "new". ok is false when returning is
// unset or empty.
func (p *OperationParser) ReturningAsBool() (bool, bool) {
	r, ok := p.Returning()
	if !ok || r == "" {
		return false, false
	}
	return r == "new", true
}

// Expiry returns the expiry in milliseconds.
func (p *OperationParser) Expiry() (int64, bool) {
	v, ok := p.Arg(ArgExpiry)
	if !ok {
		return 0, false
	}
	f, ok := ql.ToFloat(v)
	return int64(f), ok
}

// ExpiryInSeconds returns the expiry in seconds.
func (p *OperationParser) ExpiryInSeconds() (float64, bool) {
	ms, ok := p.Expiry()
	if !ok {
		return 0, false
	}
	return float64(ms) / 1000, true
}

func (p *OperationParser) stringArg(name string) (string, bool) {
	v, ok := p.Arg(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (p *OperationParser) mapArg(name string) map[string]any {
	v, _ := p.Arg(name)
	m, _ := v.(map[string]any)
	return m
}

func (p *OperationParser) intArg(name string) (int, bool) {
	v, ok := p.Arg(name)
	if !ok || v == nil {
		return 0, false
	}
	if f, ok := ql.ToFloat(v); ok {
		return int(f), true
	}
	return 0, false
}

// ─── clauses ─────────────────────────────────────────────────────────────────

// parsed returns the named clause, parsing text through the ql.Parser.
func (p *OperationParser) parsed(arg string, kind ql.ArgKind) (any, bool, error) {
	v, ok := p.Arg(arg)
	if !ok || v == nil {
		return nil, false, nil
	}
	text, isText := v.(string)
	if !isText {
		return v, true, nil
	}
	if p.parser == nil {
		return nil, false, NewBadRequest("%s must be an expression", arg)
	}
	out, err := p.parser.Parse(text, kind)
	if err != nil {
		return nil, false, badRequest(err)
	}
	return out, true, nil
}

// expression parses a where/search/rank_by clause and substitutes params.
func (p *OperationParser) expression(arg string, kind ql.ArgKind) (ql.Expression, error) {
	v, ok, err := p.parsed(arg, kind)
	if err != nil || !ok {
		return nil, err
	}
	out, err := ql.ReplaceParams(v, p.Params())
	return out, badRequest(err)
}

func (p *OperationParser) Where() (ql.Expression, error)  { return p.expression(ArgWhere, ql.KindWhere) }
func (p *OperationParser) Search() (ql.Expression, error) { return p.expression(ArgSearch, ql.KindSearch) }
func (p *OperationParser) RankBy() (ql.Expression, error) { return p.expression(ArgRankBy, ql.KindRankBy) }

// Set returns the update clause with params substituted.
func (p *OperationParser) Set() (*ql.Update, error) {
	v, ok, err := p.parsed(ArgSet, ql.KindUpdate)
	if err != nil || !ok {
		return nil, err
	}
	var u *ql.Update
	switch x := v.(type) {
	case *ql.Update:
		u = x
	case ql.Update:
		u = &x
	default:
		return nil, NewBadRequest("set must be an update")
	}
	out, err := ql.ReplaceUpdateParams(u, p.Params())
	return out, badRequest(err)
}

// Select returns the projection. A []string is read as plain field names.
func (p *OperationParser) Select() (*ql.Select, error) {
	v, ok, err := p.parsed(ArgSelect, ql.KindSelect)
	if err != nil || !ok {
		return nil, err
	}
	switch x := v.(type) {
	case *ql.Select:
		return x, nil
	case ql.Select:
		return &x, nil
	case []string:
		sel := &ql.Select{}
		for _, f := range x {
			sel.Terms = append(sel.Terms, ql.SelectTerm{Field: f})
		}
		return sel, nil
	}
	return nil, NewBadRequest("select must be a projection")
}

// OrderBy returns the ordering.
func (p *OperationParser) OrderBy() (*ql.OrderBy, error) {
	v, ok, err := p.parsed(ArgOrderBy, ql.KindOrderBy)
	if err != nil || !ok {
		return nil, err
	}
	switch x := v.(type) {
	case *ql.OrderBy:
		return x, nil
	case ql.OrderBy:
		return &x, nil
	}
	return nil, NewBadRequest("order_by must be an ordering")
}

// CollectionName returns the collection argument.
func (p *OperationParser) CollectionName() (string, bool) {
	v, ok := p.Arg(ArgCollection)
	if !ok {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, x != ""
	case ql.Collection:
		return x.Name, x.Name != ""
	case *ql.Collection:
		if x != nil {
			return x.Name, x.Name != ""
		}
	}
	return "", false
}

// ─── where-derived values ────────────────────────────────────────────────────

// WhereExprList flattens the top-level AND chain of the where clause. OR and
// NOT are rejected.
func (p *OperationParser) WhereExprList() ([]ql.Expression, error) {
	where, err := p.Where()
	if err != nil {
		return nil, err
	}
	var out []ql.Expression
	var walk func(ql.Expression) error
	walk = func(e ql.Expression) error {
		switch x := e.(type) {
		case nil:
			return nil
		case ql.And:
			if err := walk(x.Left); err != nil {
				return err
			}
			return walk(x.Right)
		case ql.Or:
			return NewBadRequest("OR is not supported in WHERE")
		case ql.Not:
			return NewBadRequest("NOT is not supported in WHERE")
		}
		out = append(out, e)
		return nil
	}
	if err := walk(where); err != nil {
		return nil, err
	}
	return out, nil
}

// MatchCondition extracts the concurrency preconditions of the where clause.
// Only a where clause that fails to parse is an error.
func (p *OperationParser) MatchCondition() (MatchCondition, error) {
	where, err := p.Where()
	if err != nil {
		return MatchCondition{}, err
	}
	return ExtractMatchCondition(where), nil
}

// WhereEtag returns the literal of a "$etag = literal" where clause.
func (p *OperationParser) WhereEtag() (any, bool, error) {
	where, err := p.Where()
	if err != nil {
		return nil, false, err
	}
	v, ok := WhereEtag(where)
	return v, ok, nil
}

// WhereExists reads an exists(), not_exists() or NOT exists() where clause.
func (p *OperationParser) WhereExists() (bool, bool, error) {
	where, err := p.Where()
	if err != nil {
		return false, false, err
	}
	exists, ok := WhereExists(where)
	return exists, ok, nil
}

// SearchAsFunctions flattens the AND chain of the search clause into its
// function calls. Anything other than functions joined by AND is rejected.
func (p *OperationParser) SearchAsFunctions() ([]ql.Function, error) {
	search, err := p.Search()
	if err != nil || search == nil {
		return nil, err
	}
	var out []ql.Function
	var walk func(ql.Expression) error
	walk = func(e ql.Expression) error {
		switch x := e.(type) {
		case ql.Function:
			out = append(out, x)
			return nil
		case ql.And:
			if err := walk(x.Left); err != nil {
				return err
			}
			return walk(x.Right)
		}
		return NewBadRequest("Expression not support in search %s", ql.Format(e))
	}
	if err := walk(search); err != nil {
		return nil, err
	}
	return out, nil
}

// SearchAsFunction returns the single search function.
func (p *OperationParser) SearchAsFunction() (ql.Function, bool, error) {
	funcs, err := p.SearchAsFunctions()
	if err != nil {
		return ql.Function{}, false, err
	}
	switch len(funcs) {
	case 0:
		return ql.Function{}, false, nil
	case 1:
		return funcs[0], true, nil
	}
	return ql.Function{}, false, NewBadRequest("Multiple search functions found.")
}

func (p *OperationParser) String() string {
	return fmt.Sprintf("parser(%s)", p.op)
}
