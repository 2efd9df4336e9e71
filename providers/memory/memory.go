/*
Package memory – in-process document store.

Store keeps documents per collection, keyed by their normalized key, and
evaluates where, select and order-by clauses with package ql. All calls are
serialized by one mutex, so a transaction is atomic with respect to every
other call.
*/
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	store "github.com/cloudxsgmbh/storage-core-go"
	"github.com/cloudxsgmbh/storage-core-go/internal/uid"
	"github.com/cloudxsgmbh/storage-core-go/ql"
)

// DefaultFields is the field mapping used when Params.Fields is empty.
var DefaultFields = store.FieldMapping{
	IDMapField:     "id",
	PKMapField:     "pk",
	EtagEmbedField: "_etag",
	LocalEtag:      true,
}

// Params configures a Store.
type Params struct {
	Collection  string                        // default collection
	Fields      *store.FieldMapping           // nil → DefaultFields
	Collections map[string]store.FieldMapping // per-collection overrides
	Indexes     map[string][]store.Index      // indexes registered by create_collection
	Parser      ql.Parser                     // parses text clauses; nil rejects them
	Logger      store.Logger                  // nil → NopLogger
}

// Store is an in-memory document store.
type Store struct {
	params Params
	fields store.FieldMapping
	log    store.Logger

	mu      sync.Mutex
	db      map[string]map[string]map[string]any // collection → key → document
	indexes map[string]map[string]store.Index    // collection → name → index
	procs   map[string]*store.ItemProcessor
}

// New creates an empty Store.
func New(params Params) *Store {
	fields := DefaultFields
	if params.Fields != nil {
		fields = *params.Fields
	}
	log := params.Logger
	if log == nil {
		log = store.NopLogger()
	}
	return &Store{
		params:  params,
		fields:  fields,
		log:     log,
		db:      map[string]map[string]map[string]any{},
		indexes: map[string]map[string]store.Index{},
		procs:   map[string]*store.ItemProcessor{},
	}
}

// NewFromConfig builds a Store from a file configuration. The memory section
// may list indexes per collection.
func NewFromConfig(cfg store.Config, parser ql.Parser, log store.Logger) (*Store, error) {
	fields := cfg.Fields
	if fields.IDMapField == "" && fields.IDEmbedField == "" {
		fields = DefaultFields.Merge(fields)
	}
	params := Params{
		Collection: cfg.Collection,
		Fields:     &fields,
		Parser:     parser,
		Logger:     log,
	}
	if len(cfg.Collections) > 0 {
		params.Collections = map[string]store.FieldMapping{}
		for name, m := range cfg.Collections {
			params.Collections[name] = fields.Merge(m)
		}
	}
	if cfg.Memory != nil && len(cfg.Memory.Indexes) > 0 {
		params.Indexes = map[string][]store.Index{}
		for name, raw := range cfg.Memory.Indexes {
			c, err := store.DecodeCollectionConfig(map[string]any{"indexes": raw})
			if err != nil {
				return nil, fmt.Errorf("memory.indexes.%s: %w", name, err)
			}
			params.Indexes[name] = c.Indexes
		}
	}
	return New(params), nil
}

// processor returns the cached ItemProcessor of collection.
func (s *Store) processor(collection string) *store.ItemProcessor {
	if p, ok := s.procs[collection]; ok {
		return p
	}
	p := store.NewItemProcessor(store.CollectionParameter(s.params.Collections, s.fields, collection))
	s.procs[collection] = p
	return p
}

// data returns the documents of collection, creating the collection lazily.
func (s *Store) data(collection string) map[string]map[string]any {
	d, ok := s.db[collection]
	if !ok {
		d = map[string]map[string]any{}
		s.db[collection] = d
	}
	return d
}

// dbKey encodes a normalized key. A pk equal to the id is dropped so that a
// scalar key finds documents stored with or without that pk. JSON objects
// are emitted with sorted keys.
func dbKey(normalized map[string]any) string {
	if pk, ok := normalized[store.KeyPK]; ok && ql.Equal(pk, normalized[store.KeyID]) {
		delete(normalized, store.KeyPK)
	}
	b, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Sprintf("%v", normalized)
	}
	return string(b)
}

// ─── dispatch ────────────────────────────────────────────────────────────────

// Run executes op.
func (s *Store) Run(ctx context.Context, op *store.Operation) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := store.NewOperationParser(op, s.params.Parser)
	s.log.Trace("memory run", map[string]any{"op": op.String()})

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case p.OpEquals(store.OpCreateCollection):
		return s.createCollection(p)
	case p.OpEquals(store.OpDropCollection):
		return s.dropCollection(p)
	case p.OpEquals(store.OpListCollections):
		return s.listCollections(), nil
	case p.OpEquals(store.OpHasCollection):
		name, err := store.ResolveCollection(p, s.params.Collection)
		if err != nil {
			return nil, err
		}
		_, ok := s.db[name]
		return ok, nil
	case p.OpEquals(store.OpCreateIndex):
		return s.createIndex(p)
	case p.OpEquals(store.OpDropIndex):
		return s.dropIndex(p)
	case p.OpEquals(store.OpListIndexes):
		return s.listIndexes(p)
	case p.OpEquals(store.OpExists):
		return s.exists(p)
	case p.OpEquals(store.OpGet):
		return s.get(p)
	case p.OpEquals(store.OpPut):
		return s.put(p)
	case p.OpEquals(store.OpUpdate):
		return s.update(p)
	case p.OpEquals(store.OpDelete):
		return nil, s.delete(p)
	case p.OpEquals(store.OpQuery):
		return s.query(p)
	case p.OpEquals(store.OpCount):
		return s.count(p)
	case p.OpEquals(store.OpBatch):
		return s.batch(p)
	case p.OpEquals(store.OpTransact):
		return s.transact(p)
	case p.OpEquals(store.OpCopy):
		return s.copy(p)
	case p.OpEquals(store.OpGenerate):
		return uid.ULID(), nil
	case p.OpEquals(store.OpClose):
		return nil, nil
	}
	return nil, store.NewNotSupported("%s not supported by memory store", p.OpName())
}

// ─── collections ─────────────────────────────────────────────────────────────

func (s *Store) createCollection(p *store.OperationParser) (store.CollectionResult, error) {
	name, err := store.ResolveCollection(p, s.params.Collection)
	if err != nil {
		return store.CollectionResult{}, err
	}
	exists, hasExists, err := p.WhereExists()
	if err != nil {
		return store.CollectionResult{}, err
	}
	raw, _ := p.Config()
	cfg, err := store.DecodeCollectionConfig(raw)
	if err != nil {
		return store.CollectionResult{}, err
	}
	indexes := cfg.Indexes
	if raw == nil {
		indexes = s.params.Indexes[name]
	}

	_, conflict := s.db[name]
	if conflict && hasExists && !exists {
		return store.CollectionResult{}, store.NewConflict("collection %s exists", name)
	}
	s.data(name)

	result := store.CollectionResult{Status: store.CollectionCreated}
	if conflict {
		result.Status = store.CollectionExists
	}
	for _, idx := range indexes {
		result.Indexes = append(result.Indexes, s.registerIndex(name, idx))
	}
	return result, nil
}

func (s *Store) dropCollection(p *store.OperationParser) (store.CollectionResult, error) {
	name, err := store.ResolveCollection(p, s.params.Collection)
	if err != nil {
		return store.CollectionResult{}, err
	}
	exists, hasExists, err := p.WhereExists()
	if err != nil {
		return store.CollectionResult{}, err
	}
	_, found := s.db[name]
	delete(s.db, name)
	delete(s.indexes, name)
	if !found {
		if hasExists && exists {
			return store.CollectionResult{}, store.NewNotFound("collection %s not found", name)
		}
		return store.CollectionResult{Status: store.CollectionNotExists}, nil
	}
	return store.CollectionResult{Status: store.CollectionDropped}, nil
}

func (s *Store) listCollections() []string {
	out := make([]string, 0, len(s.db))
	for name := range s.db {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ─── indexes ─────────────────────────────────────────────────────────────────

// registerIndex adds idx under its derived name unless an equal or covering
// index is already registered.
func (s *Store) registerIndex(collection string, idx store.Index) store.IndexResult {
	named := s.indexes[collection]
	if named == nil {
		named = map[string]store.Index{}
		s.indexes[collection] = named
	}
	name := store.ConvertIndexName(idx, "", store.DefaultIndexPrefix)
	if existing, ok := named[name]; ok {
		return store.IndexResult{Status: store.IndexExists, Index: existing}
	}
	status, match := store.CheckIndexStatus(s.indexList(collection), idx)
	if status != store.IndexNotExists {
		return store.IndexResult{Status: status, Index: match}
	}
	named[name] = idx
	return store.IndexResult{Status: store.IndexCreated}
}

func (s *Store) indexList(collection string) []store.Index {
	named := s.indexes[collection]
	names := make([]string, 0, len(named))
	for n := range named {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]store.Index, 0, len(names))
	for _, n := range names {
		out = append(out, named[n])
	}
	return out
}

func (s *Store) createIndex(p *store.OperationParser) (store.IndexResult, error) {
	name, err := store.ResolveCollection(p, s.params.Collection)
	if err != nil {
		return store.IndexResult{}, err
	}
	exists, hasExists, err := p.WhereExists()
	if err != nil {
		return store.IndexResult{}, err
	}
	idx, err := p.Index()
	if err != nil {
		return store.IndexResult{}, err
	}
	res := s.registerIndex(name, idx)
	if res.Status == store.IndexExists && hasExists && !exists {
		return store.IndexResult{}, store.NewConflict("index %s exists", store.ConvertIndexName(idx, "", store.DefaultIndexPrefix))
	}
	return res, nil
}

func (s *Store) dropIndex(p *store.OperationParser) (store.IndexResult, error) {
	name, err := store.ResolveCollection(p, s.params.Collection)
	if err != nil {
		return store.IndexResult{}, err
	}
	exists, hasExists, err := p.WhereExists()
	if err != nil {
		return store.IndexResult{}, err
	}
	idx, err := p.Index()
	if err != nil {
		return store.IndexResult{}, err
	}
	indexName := store.ConvertIndexName(idx, "", store.DefaultIndexPrefix)
	if _, ok := s.indexes[name][indexName]; ok {
		delete(s.indexes[name], indexName)
		return store.IndexResult{Status: store.IndexDropped}, nil
	}
	if hasExists && exists {
		return store.IndexResult{}, store.NewNotFound("index %s not found", indexName)
	}
	return store.IndexResult{Status: store.IndexNotExists}, nil
}

func (s *Store) listIndexes(p *store.OperationParser) ([]store.Index, error) {
	name, err := store.ResolveCollection(p, s.params.Collection)
	if err != nil {
		return nil, err
	}
	return s.indexList(name), nil
}

// ─── items ───────────────────────────────────────────────────────────────────

// target bundles what a single-item call needs.
type target struct {
	proc *store.ItemProcessor
	data map[string]map[string]any
}

func (s *Store) target(p *store.OperationParser) (target, error) {
	name, err := store.ResolveCollection(p, s.params.Collection)
	if err != nil {
		return target{}, err
	}
	return target{proc: s.processor(name), data: s.data(name)}, nil
}

func (t target) keyOf(p *store.OperationParser) (string, error) {
	key, ok := p.Key()
	if !ok {
		return "", store.NewBadRequest("key missing")
	}
	return dbKey(t.proc.NormalizedKeyFromKey(key)), nil
}

// matches evaluates where against the current document, which may be nil.
func (t target) matches(current map[string]any, where ql.Expression) (bool, error) {
	var item any
	if current != nil {
		item = current
	}
	ok, err := ql.Match(item, where, t.proc.ResolveField)
	if err != nil {
		return false, store.NewError(err.Error(), store.WithCode(store.ErrBadRequest), store.WithCause(err))
	}
	return ok, nil
}

func (s *Store) exists(p *store.OperationParser) (bool, error) {
	t, err := s.target(p)
	if err != nil {
		return false, err
	}
	k, err := t.keyOf(p)
	if err != nil {
		return false, err
	}
	_, ok := t.data[k]
	return ok, nil
}

func (s *Store) get(p *store.OperationParser) (store.Item, error) {
	t, err := s.target(p)
	if err != nil {
		return store.Item{}, err
	}
	k, err := t.keyOf(p)
	if err != nil {
		return store.Item{}, err
	}
	doc, ok := t.data[k]
	if !ok {
		return store.Item{}, store.NewNotFound("item not found")
	}
	return store.BuildItem(t.proc, ql.DeepCopyMap(doc), true), nil
}

// checkPut reports whether a put of document may proceed under where.
func (t target) checkPut(k string, where ql.Expression, exists, hasExists bool) (bool, error) {
	if where == nil {
		return true, nil
	}
	current, found := t.data[k]
	if hasExists {
		return exists == found, nil
	}
	return t.matches(current, where)
}

func (s *Store) put(p *store.OperationParser) (store.Item, error) {
	t, err := s.target(p)
	if err != nil {
		return store.Item{}, err
	}
	value, err := store.ValueDocument(p)
	if err != nil {
		return store.Item{}, err
	}
	key, _ := p.Key()
	where, err := p.Where()
	if err != nil {
		return store.Item{}, err
	}
	exists, hasExists, err := p.WhereExists()
	if err != nil {
		return store.Item{}, err
	}
	doc := ql.DeepCopyMap(t.proc.AddEmbedFields(value, key))
	k := dbKey(t.proc.NormalizedKeyFromValue(doc))

	ok, err := t.checkPut(k, where, exists, hasExists)
	if err != nil {
		return store.Item{}, err
	}
	if !ok {
		return store.Item{}, store.NewPreconditionFailed("put precondition failed")
	}
	t.data[k] = doc
	returning, _ := p.Returning()
	return store.BuildItem(t.proc, doc, returning == "new"), nil
}

// applyUpdate applies set plus a fresh local etag to current.
func (t target) applyUpdate(current map[string]any, set *ql.Update) (map[string]any, error) {
	if t.proc.NeedsLocalEtag() {
		set = t.proc.AddEtagUpdate(set, t.proc.GenerateEtag())
	}
	updated, err := ql.ApplyUpdate(current, set, t.proc.ResolveField)
	if err != nil {
		return nil, store.NewError(err.Error(), store.WithCode(store.ErrBadRequest), store.WithCause(err))
	}
	return updated, nil
}

func updateResult(proc *store.ItemProcessor, returning string, old, updated map[string]any) store.Item {
	switch returning {
	case "new":
		return store.BuildItem(proc, updated, true)
	case "old":
		if old == nil {
			old = map[string]any{}
		}
		return store.BuildItem(proc, old, true)
	}
	return store.BuildItem(proc, updated, false)
}

func (s *Store) update(p *store.OperationParser) (store.Item, error) {
	t, err := s.target(p)
	if err != nil {
		return store.Item{}, err
	}
	k, err := t.keyOf(p)
	if err != nil {
		return store.Item{}, err
	}
	set, err := p.Set()
	if err != nil {
		return store.Item{}, err
	}
	where, err := p.Where()
	if err != nil {
		return store.Item{}, err
	}
	current := t.data[k]
	if where == nil {
		if current == nil {
			return store.Item{}, store.NewNotFound("item not found")
		}
	} else {
		ok, err := t.matches(current, where)
		if err != nil {
			return store.Item{}, err
		}
		if !ok {
			return store.Item{}, store.NewPreconditionFailed("update precondition failed")
		}
	}
	updated, err := t.applyUpdate(current, set)
	if err != nil {
		return store.Item{}, err
	}
	t.data[k] = updated
	returning, _ := p.Returning()
	return updateResult(t.proc, returning, current, updated), nil
}

func (s *Store) delete(p *store.OperationParser) error {
	t, err := s.target(p)
	if err != nil {
		return err
	}
	k, err := t.keyOf(p)
	if err != nil {
		return err
	}
	where, err := p.Where()
	if err != nil {
		return err
	}
	current, found := t.data[k]
	if where == nil {
		if !found {
			return store.NewNotFound("item not found")
		}
	} else {
		ok, err := t.matches(current, where)
		if err != nil {
			return err
		}
		if !ok {
			return store.NewPreconditionFailed("delete precondition failed")
		}
	}
	delete(t.data, k)
	return nil
}

// documents lists the collection in key order.
func (t target) documents() []map[string]any {
	keys := make([]string, 0, len(t.data))
	for k := range t.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.data[k])
	}
	return out
}

func (s *Store) query(p *store.OperationParser) (store.ItemList, error) {
	t, err := s.target(p)
	if err != nil {
		return store.ItemList{}, err
	}
	q := ql.QueryArgs{Limit: -1, Offset: -1}
	if q.Select, err = p.Select(); err != nil {
		return store.ItemList{}, err
	}
	if q.Where, err = p.Where(); err != nil {
		return store.ItemList{}, err
	}
	if q.OrderBy, err = p.OrderBy(); err != nil {
		return store.ItemList{}, err
	}
	if n, ok := p.Limit(); ok {
		q.Limit = n
	}
	if n, ok := p.Offset(); ok {
		q.Offset = n
	}
	docs, err := ql.Query(t.documents(), q, t.proc.ResolveField)
	if err != nil {
		return store.ItemList{}, store.NewError(err.Error(), store.WithCode(store.ErrBadRequest), store.WithCause(err))
	}
	list := store.ItemList{Items: make([]store.Item, 0, len(docs))}
	for _, d := range docs {
		list.Items = append(list.Items, store.BuildItem(t.proc, ql.DeepCopyMap(d), true))
	}
	return list, nil
}

func (s *Store) count(p *store.OperationParser) (int, error) {
	t, err := s.target(p)
	if err != nil {
		return 0, err
	}
	where, err := p.Where()
	if err != nil {
		return 0, err
	}
	n, err := ql.Count(t.documents(), where, t.proc.ResolveField)
	if err != nil {
		return 0, store.NewError(err.Error(), store.WithCode(store.ErrBadRequest), store.WithCause(err))
	}
	return n, nil
}

// ─── multi-item ──────────────────────────────────────────────────────────────

// batch applies puts and deletes in order. Deleting a missing item is not an
// error; its result slot is nil.
func (s *Store) batch(p *store.OperationParser) ([]any, error) {
	subs, err := p.OperationParsers()
	if err != nil {
		return nil, err
	}
	if err := store.ValidateBatch(subs, []string{store.OpPut, store.OpDelete}, true); err != nil {
		return nil, err
	}
	out := make([]any, 0, len(subs))
	for _, sub := range subs {
		t, err := s.target(sub)
		if err != nil {
			return nil, err
		}
		switch {
		case sub.OpEquals(store.OpPut):
			value, err := store.ValueDocument(sub)
			if err != nil {
				return nil, err
			}
			key, _ := sub.Key()
			doc := ql.DeepCopyMap(t.proc.AddEmbedFields(value, key))
			t.data[dbKey(t.proc.NormalizedKeyFromValue(doc))] = doc
			out = append(out, store.BuildItem(t.proc, doc, false))
		case sub.OpEquals(store.OpDelete):
			k, err := t.keyOf(sub)
			if err != nil {
				return nil, err
			}
			delete(t.data, k)
			out = append(out, nil)
		}
	}
	return out, nil
}

// transact checks every condition first and fails with Conflict when any
// does not hold; only then are the writes applied.
func (s *Store) transact(p *store.OperationParser) ([]any, error) {
	subs, err := p.OperationParsers()
	if err != nil {
		return nil, err
	}
	allowed := []string{store.OpPut, store.OpUpdate, store.OpDelete}
	if err := store.ValidateTransact(subs, allowed, false); err != nil {
		return nil, err
	}

	targets := make([]target, len(subs))
	for i, sub := range subs {
		t, err := s.target(sub)
		if err != nil {
			return nil, err
		}
		targets[i] = t
		ok, err := t.checkTransact(sub)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, store.NewConflict("transaction condition failed at operation %d", i)
		}
	}

	// Updates are computed before any write lands so a late failure leaves
	// the store untouched.
	type write struct {
		key string
		doc map[string]any
		res any
	}
	writes := make([]write, len(subs))
	for i, sub := range subs {
		t := targets[i]
		switch {
		case sub.OpEquals(store.OpPut):
			value, err := store.ValueDocument(sub)
			if err != nil {
				return nil, err
			}
			key, _ := sub.Key()
			doc := ql.DeepCopyMap(t.proc.AddEmbedFields(value, key))
			writes[i] = write{key: dbKey(t.proc.NormalizedKeyFromValue(doc)), doc: doc, res: store.BuildItem(t.proc, doc, false)}
		case sub.OpEquals(store.OpUpdate):
			k, _ := t.keyOf(sub)
			set, err := sub.Set()
			if err != nil {
				return nil, err
			}
			current := t.data[k]
			updated, err := t.applyUpdate(current, set)
			if err != nil {
				return nil, err
			}
			returning, _ := sub.Returning()
			writes[i] = write{key: k, doc: updated, res: updateResult(t.proc, returning, current, updated)}
		case sub.OpEquals(store.OpDelete):
			k, _ := t.keyOf(sub)
			writes[i] = write{key: k}
		}
	}

	out := make([]any, len(subs))
	for i, w := range writes {
		if w.doc == nil {
			delete(targets[i].data, w.key)
		} else {
			targets[i].data[w.key] = w.doc
		}
		out[i] = w.res
	}
	return out, nil
}

// checkTransact evaluates the condition of one transaction member. Updates
// and deletes require the item to exist.
func (t target) checkTransact(p *store.OperationParser) (bool, error) {
	where, err := p.Where()
	if err != nil {
		return false, err
	}
	if p.OpEquals(store.OpPut) {
		value, err := store.ValueDocument(p)
		if err != nil {
			return false, err
		}
		key, _ := p.Key()
		k := dbKey(t.proc.NormalizedKeyFromValue(t.proc.AddEmbedFields(value, key)))
		exists, hasExists, err := p.WhereExists()
		if err != nil {
			return false, err
		}
		return t.checkPut(k, where, exists, hasExists)
	}
	k, err := t.keyOf(p)
	if err != nil {
		return false, err
	}
	current, found := t.data[k]
	if !found {
		return false, nil
	}
	if where == nil {
		return true, nil
	}
	return t.matches(current, where)
}

// copy duplicates the source document under the target key.
func (s *Store) copy(p *store.OperationParser) (store.Item, error) {
	t, err := s.target(p)
	if err != nil {
		return store.Item{}, err
	}
	srcName, ok := p.SourceCollection()
	if !ok {
		srcName, err = store.ResolveCollection(p, s.params.Collection)
		if err != nil {
			return store.Item{}, err
		}
	}
	srcKey, ok := p.SourceKey()
	if !ok {
		return store.Item{}, store.NewBadRequest("source key missing")
	}
	srcProc := s.processor(srcName)
	doc, found := s.data(srcName)[dbKey(srcProc.NormalizedKeyFromKey(srcKey))]
	if !found {
		return store.Item{}, store.NewNotFound("source item not found")
	}
	key, ok := p.Key()
	if !ok {
		return store.Item{}, store.NewBadRequest("key missing")
	}
	cp := ql.DeepCopyMap(doc)
	for _, f := range []string{srcProc.Mapping().IDMapField, srcProc.Mapping().PKMapField} {
		if f != "" {
			delete(cp, f)
		}
	}
	cp = ql.DeepCopyMap(t.proc.AddEmbedFields(cp, key))
	t.data[dbKey(t.proc.NormalizedKeyFromValue(cp))] = cp
	return store.BuildItem(t.proc, cp, false), nil
}
