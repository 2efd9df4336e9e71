/*
Package store – operation record.

An Operation is the canonical form of a store call: a name from the fixed
catalog plus exactly the arguments the caller supplied. Builders insert each
argument explicitly; an argument that was not passed is absent, which is
distinct from an argument passed as an empty value.
*/
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudxsgmbh/storage-core-go/ql"
)

// Operation names.
const (
	OpExists           = "exists"
	OpGet              = "get"
	OpPut              = "put"
	OpUpdate           = "update"
	OpDelete           = "delete"
	OpQuery            = "query"
	OpCount            = "count"
	OpBatch            = "batch"
	OpTransact         = "transact"
	OpCopy             = "copy"
	OpGenerate         = "generate"
	OpWatch            = "watch"
	OpClose            = "close"
	OpGetMetadata      = "get_metadata"
	OpGetProperties    = "get_properties"
	OpGetVersions      = "get_versions"
	OpUpdateMetadata   = "update_metadata"
	OpCreateCollection = "create_collection"
	OpDropCollection   = "drop_collection"
	OpListCollections  = "list_collections"
	OpHasCollection    = "has_collection"
	OpCreateIndex      = "create_index"
	OpDropIndex        = "drop_index"
	OpListIndexes      = "list_indexes"
	OpExecute          = "__execute__"
)

// Argument names.
const (
	ArgKey          = "key"
	ArgValue        = "value"
	ArgWhere        = "where"
	ArgSet          = "set"
	ArgSelect       = "select"
	ArgSearch       = "search"
	ArgOrderBy      = "order_by"
	ArgRankBy       = "rank_by"
	ArgLimit        = "limit"
	ArgOffset       = "offset"
	ArgCollection   = "collection"
	ArgReturning    = "returning"
	ArgMetadata     = "metadata"
	ArgProperties   = "properties"
	ArgExpiry       = "expiry"
	ArgSource       = "source"
	ArgParams       = "params"
	ArgConfig       = "config"
	ArgIndex        = "index"
	ArgBatch        = "batch"
	ArgTransaction  = "transaction"
	ArgOperations   = "operations"
	ArgStatement    = "statement"
	ArgContinuation = "continuation"
	ArgAttribute    = "attr"
	ArgFilter       = "filter"
	ArgStart        = "start"
	ArgEnd          = "end"
	ArgMethod       = "method"
	ArgNative       = "nargs"
	ArgNativeFlags  = "nflags"
)

// Args is the argument mapping of an Operation.
type Args map[string]any

// Operation is a named, argument-bearing request. It is never modified after
// construction.
type Operation struct {
	Name string
	args Args
}

// Option inserts one argument.
type Option func(Args)

// NewOperation builds an Operation from explicit options.
func NewOperation(name string, opts ...Option) *Operation {
	args := Args{}
	for _, o := range opts {
		o(args)
	}
	return &Operation{Name: name, args: args}
}

// OperationFromArgs builds an Operation from an argument map, which is copied.
func OperationFromArgs(name string, args map[string]any) *Operation {
	cp := make(Args, len(args))
	for k, v := range args {
		cp[k] = v
	}
	return &Operation{Name: name, args: cp}
}

// Arg returns a supplied argument.
func (o *Operation) Arg(name string) (any, bool) {
	if o == nil || o.args == nil {
		return nil, false
	}
	v, ok := o.args[name]
	return v, ok
}

// Has reports whether name was supplied.
func (o *Operation) Has(name string) bool {
	_, ok := o.Arg(name)
	return ok
}

// Args returns a copy of the argument mapping.
func (o *Operation) Args() Args {
	out := make(Args, len(o.args))
	for k, v := range o.args {
		out[k] = v
	}
	return out
}

// With returns a new Operation with extra arguments.
func (o *Operation) With(opts ...Option) *Operation {
	args := o.Args()
	for _, opt := range opts {
		opt(args)
	}
	return &Operation{Name: o.Name, args: args}
}

// String renders "name arg value …" with arguments in name order.
func (o *Operation) String() string {
	if o == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(o.Name)
	names := make([]string, 0, len(o.args))
	for k := range o.args {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(strings.ReplaceAll(k, "_", " ")))
		b.WriteString(" ")
		b.WriteString(strValue(o.args[k]))
	}
	return b.String()
}

func strValue(v any) string {
	switch x := v.(type) {
	case nil, string, bool, int, int64, float64, map[string]any, []any:
		b, err := json.Marshal(x)
		if err == nil {
			return string(b)
		}
	case []*Operation:
		parts := make([]string, len(x))
		for i, op := range x {
			parts[i] = op.String()
		}
		return strings.Join(parts, "; ")
	case Batch:
		return strValue(x.Operations)
	case Transaction:
		return strValue(x.Operations)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprintf("%v", v)
}

// Batch is the payload of a batch operation.
type Batch struct {
	Operations []*Operation
}

// Transaction is the payload of a transact operation.
type Transaction struct {
	Operations []*Operation
}

// ─── argument options ────────────────────────────────────────────────────────

// WithArg inserts an arbitrary argument.
func WithArg(name string, v any) Option { return func(a Args) { a[name] = v } }

// WithKey sets the key. Scalars and string-keyed maps are stored as Key.
func WithKey(key any) Option {
	return func(a Args) {
		if k, ok := ParseKey(key); ok {
			a[ArgKey] = k
			return
		}
		a[ArgKey] = key
	}
}

func WithValue(v any) Option                 { return WithArg(ArgValue, v) }
func WithWhere(e ql.Expression) Option       { return WithArg(ArgWhere, e) }
func WithSet(u any) Option                   { return WithArg(ArgSet, u) }
func WithSelect(s any) Option                { return WithArg(ArgSelect, s) }
func WithSearch(e ql.Expression) Option      { return WithArg(ArgSearch, e) }
func WithOrderBy(ob any) Option              { return WithArg(ArgOrderBy, ob) }
func WithRankBy(e ql.Expression) Option      { return WithArg(ArgRankBy, e) }
func WithLimit(n int) Option                 { return WithArg(ArgLimit, n) }
func WithOffset(n int) Option                { return WithArg(ArgOffset, n) }
func WithCollection(name string) Option      { return WithArg(ArgCollection, name) }
func WithReturning(r string) Option          { return WithArg(ArgReturning, r) }
func WithMetadata(m map[string]any) Option   { return WithArg(ArgMetadata, m) }
func WithProperties(m map[string]any) Option { return WithArg(ArgProperties, m) }
func WithExpiry(ms int64) Option             { return WithArg(ArgExpiry, ms) }
func WithParams(p map[string]any) Option     { return WithArg(ArgParams, p) }
func WithConfig(c any) Option                { return WithArg(ArgConfig, c) }
func WithContinuation(c string) Option       { return WithArg(ArgContinuation, c) }
func WithAttribute(attr string) Option       { return WithArg(ArgAttribute, attr) }
func WithFilter(f map[string]any) Option     { return WithArg(ArgFilter, f) }

// WithNative merges vendor passthrough options under the native-args key.
func WithNative(nargs map[string]any) Option {
	return func(a Args) {
		cur, _ := a[ArgNative].(map[string]any)
		merged := make(map[string]any, len(cur)+len(nargs))
		for k, v := range cur {
			merged[k] = v
		}
		for k, v := range nargs {
			merged[k] = v
		}
		a[ArgNative] = merged
	}
}

// WithNativeFlags sets vendor flags.
func WithNativeFlags(flags map[string]any) Option { return WithArg(ArgNativeFlags, flags) }

// ─── builders ────────────────────────────────────────────────────────────────

func Exists(key any, opts ...Option) *Operation {
	return NewOperation(OpExists, append([]Option{WithKey(key)}, opts...)...)
}

func Get(key any, opts ...Option) *Operation {
	return NewOperation(OpGet, append([]Option{WithKey(key)}, opts...)...)
}

func GetMetadata(key any, opts ...Option) *Operation {
	return NewOperation(OpGetMetadata, append([]Option{WithKey(key)}, opts...)...)
}

func GetProperties(key any, opts ...Option) *Operation {
	return NewOperation(OpGetProperties, append([]Option{WithKey(key)}, opts...)...)
}

func GetVersions(key any, opts ...Option) *Operation {
	return NewOperation(OpGetVersions, append([]Option{WithKey(key)}, opts...)...)
}

func UpdateMetadata(key any, metadata map[string]any, opts ...Option) *Operation {
	return NewOperation(OpUpdateMetadata, append([]Option{WithKey(key), WithMetadata(metadata)}, opts...)...)
}

// Put stores value. The key is optional; pass WithKey when the value does
// not carry its own identity.
func Put(value any, opts ...Option) *Operation {
	return NewOperation(OpPut, append([]Option{WithValue(value)}, opts...)...)
}

// Update applies set (a *ql.Update or update text) to the item at key.
func Update(key any, set any, opts ...Option) *Operation {
	return NewOperation(OpUpdate, append([]Option{WithKey(key), WithSet(set)}, opts...)...)
}

func Delete(key any, opts ...Option) *Operation {
	return NewOperation(OpDelete, append([]Option{WithKey(key)}, opts...)...)
}

func Query(opts ...Option) *Operation { return NewOperation(OpQuery, opts...) }
func Count(opts ...Option) *Operation { return NewOperation(OpCount, opts...) }

// BatchOf groups independent operations.
func BatchOf(ops []*Operation, opts ...Option) *Operation {
	return NewOperation(OpBatch, append([]Option{WithArg(ArgBatch, Batch{Operations: ops})}, opts...)...)
}

// Transact groups operations applied all-or-nothing.
func Transact(ops []*Operation, opts ...Option) *Operation {
	return NewOperation(OpTransact, append([]Option{WithArg(ArgTransaction, Transaction{Operations: ops})}, opts...)...)
}

// Copy copies source (a key, or a {"collection", "key"} mapping) to key.
func Copy(key any, source any, opts ...Option) *Operation {
	return NewOperation(OpCopy, append([]Option{WithKey(key), WithArg(ArgSource, source)}, opts...)...)
}

func Generate(opts ...Option) *Operation { return NewOperation(OpGenerate, opts...) }
func Watch(opts ...Option) *Operation    { return NewOperation(OpWatch, opts...) }
func Close(opts ...Option) *Operation    { return NewOperation(OpClose, opts...) }

func CreateCollection(opts ...Option) *Operation { return NewOperation(OpCreateCollection, opts...) }
func DropCollection(opts ...Option) *Operation   { return NewOperation(OpDropCollection, opts...) }
func ListCollections(opts ...Option) *Operation  { return NewOperation(OpListCollections, opts...) }
func HasCollection(opts ...Option) *Operation    { return NewOperation(OpHasCollection, opts...) }

// CreateIndex registers index (an Index or its raw mapping).
func CreateIndex(index any, opts ...Option) *Operation {
	return NewOperation(OpCreateIndex, append([]Option{WithArg(ArgIndex, index)}, opts...)...)
}

func DropIndex(index any, opts ...Option) *Operation {
	return NewOperation(OpDropIndex, append([]Option{WithArg(ArgIndex, index)}, opts...)...)
}

func ListIndexes(opts ...Option) *Operation { return NewOperation(OpListIndexes, opts...) }

// Execute runs a query-language statement. A nil params map is not recorded.
func Execute(statement string, params map[string]any, opts ...Option) *Operation {
	base := []Option{WithArg(ArgStatement, statement)}
	if params != nil {
		base = append(base, WithParams(params))
	}
	return NewOperation(OpExecute, append(base, opts...)...)
}
