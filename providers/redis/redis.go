/*
Package redis – key-value store on Redis.

Each item is one string key "{collection}:{id}" (":{pk}" appended when the
key has a partition part) holding a JSON envelope with the key, the value
and the etag. Queries scan the collection prefix and evaluate where, order-by
and select clauses with package ql against the item root
{key, value, properties}.

Conditional writes other than not_exists() read, compare and then write, so
they are not atomic against concurrent writers of the same key.
*/
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	store "github.com/cloudxsgmbh/storage-core-go"
	"github.com/cloudxsgmbh/storage-core-go/internal/uid"
	"github.com/cloudxsgmbh/storage-core-go/ql"
)

// Client is the subset of redis.Cmdable used by the store.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Close() error
}

// DefaultFields is the field mapping used when Params.Fields is nil. The
// etag lives in the envelope, not in the value.
var DefaultFields = store.FieldMapping{
	IDMapField: "id",
	PKMapField: "pk",
}

// scanCount is the COUNT hint of one SCAN call.
const scanCount = 100

// Params configures a Store.
type Params struct {
	Client      Client
	Collection  string                        // default collection
	Fields      *store.FieldMapping           // nil → DefaultFields
	Collections map[string]store.FieldMapping // per-collection overrides
	Parser      ql.Parser                     // parses text clauses; nil rejects them
	Logger      store.Logger                  // nil → NopLogger
}

// Store is a Redis-backed key-value store. It is safe for concurrent use.
type Store struct {
	client Client
	params Params
	fields store.FieldMapping
	log    store.Logger

	mu    sync.Mutex
	procs map[string]*store.ItemProcessor
}

// New creates a Store.
func New(params Params) (*Store, error) {
	if params.Client == nil {
		return nil, errors.New("redis: client is required")
	}
	fields := DefaultFields
	if params.Fields != nil {
		fields = *params.Fields
	}
	log := params.Logger
	if log == nil {
		log = store.NopLogger()
	}
	return &Store{
		client: params.Client,
		params: params,
		fields: fields,
		log:    log,
		procs:  map[string]*store.ItemProcessor{},
	}, nil
}

// NewClient connects a go-redis client for cfg. The connection is opened
// lazily on the first command.
func NewClient(cfg store.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewFromConfig builds a Store from the redis section of cfg. A nil client
// is created from the section.
func NewFromConfig(cfg store.Config, client Client, parser ql.Parser, log store.Logger) (*Store, error) {
	if cfg.Redis == nil {
		return nil, errors.New("redis: section missing")
	}
	if client == nil {
		client = NewClient(*cfg.Redis)
	}
	fields := cfg.Fields
	if fields.IDMapField == "" && fields.IDEmbedField == "" {
		fields = DefaultFields.Merge(fields)
	}
	params := Params{
		Client:     client,
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
	return New(params)
}

func (s *Store) processor(collection string) *store.ItemProcessor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[collection]; ok {
		return p
	}
	p := store.NewItemProcessor(store.CollectionParameter(s.params.Collections, s.fields, collection))
	s.procs[collection] = p
	return p
}

// ─── envelope ────────────────────────────────────────────────────────────────

// envelope is the stored JSON form of an item.
type envelope struct {
	Key   store.ItemKey  `json:"key"`
	Value map[string]any `json:"value"`
	Etag  string         `json:"etag"`
}

func (e *envelope) item(proc *store.ItemProcessor, includeValue bool) store.Item {
	item := store.Item{Key: e.Key, Properties: &store.ItemProperties{Etag: e.Etag}}
	if includeValue {
		item.Value = proc.SuppressFieldsIfNeeded(e.Value)
	}
	return item
}

// root is the evaluation shape of an item; nil when there is no item.
func (e *envelope) root() any {
	if e == nil {
		return nil
	}
	item := store.Item{Key: e.Key, Value: e.Value, Properties: &store.ItemProperties{Etag: e.Etag}}
	return item.Root()
}

func decodeEnvelope(raw string) (*envelope, error) {
	var e envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, store.NewError("corrupt item: "+err.Error(), store.WithCode(store.ErrInternal), store.WithCause(err))
	}
	return &e, nil
}

// itemKey turns a normalized key into ItemKey. A pk equal to the id is
// dropped.
func itemKey(normalized map[string]any) store.ItemKey {
	k := store.ItemKey{ID: normalized[store.KeyID], PK: normalized[store.KeyPK]}
	if k.PK != nil && ql.Equal(k.PK, k.ID) {
		k.PK = nil
	}
	return k
}

func keyPart(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
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
	s.log.Trace("redis run", map[string]any{"op": op.String()})

	res, err := s.dispatch(ctx, p)
	if err != nil {
		if c := store.CodeOf(err); c == "" || c == store.ErrInternal {
			s.log.Error("redis run failed", map[string]any{"op": p.OpName(), "error": err.Error()})
		}
		return nil, err
	}
	return res, nil
}

func (s *Store) dispatch(ctx context.Context, p *store.OperationParser) (any, error) {
	switch {
	case p.OpEquals(store.OpCreateCollection):
		return s.createCollection(ctx, p)
	case p.OpEquals(store.OpDropCollection):
		return s.dropCollection(ctx, p)
	case p.OpEquals(store.OpListCollections):
		return s.listCollections(ctx)
	case p.OpEquals(store.OpHasCollection):
		return s.hasCollection(ctx, p)
	case p.OpEquals(store.OpExists):
		return s.exists(ctx, p)
	case p.OpEquals(store.OpGet):
		return s.get(ctx, p)
	case p.OpEquals(store.OpPut):
		return s.put(ctx, p)
	case p.OpEquals(store.OpUpdate):
		return s.update(ctx, p)
	case p.OpEquals(store.OpDelete):
		return nil, s.delete(ctx, p)
	case p.OpEquals(store.OpQuery):
		return s.query(ctx, p)
	case p.OpEquals(store.OpCount):
		return s.count(ctx, p)
	case p.OpEquals(store.OpBatch):
		return s.batch(ctx, p)
	case p.OpEquals(store.OpGenerate):
		return uid.ULID(), nil
	case p.OpEquals(store.OpClose):
		return nil, s.client.Close()
	}
	return nil, store.NewNotSupported("%s not supported by redis store", p.OpName())
}

func redisError(err error, format string, args ...any) error {
	wrapped := errors.Wrapf(err, format, args...)
	return store.NewError(wrapped.Error(), store.WithCode(store.ErrInternal), store.WithCause(wrapped))
}

// ─── collections ─────────────────────────────────────────────────────────────

// scanKeys returns the sorted keys matching pattern.
func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		page, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, redisError(err, "scan %s", pattern)
		}
		keys = append(keys, page...)
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)
	return keys, nil
}

func collectionPattern(name string) string { return name + ":*" }

// Collections exist implicitly while they hold keys.
func (s *Store) createCollection(ctx context.Context, p *store.OperationParser) (store.CollectionResult, error) {
	name, err := store.ResolveCollection(p, s.params.Collection)
	if err != nil {
		return store.CollectionResult{}, err
	}
	exists, hasExists, err := p.WhereExists()
	if err != nil {
		return store.CollectionResult{}, err
	}
	keys, err := s.scanKeys(ctx, collectionPattern(name))
	if err != nil {
		return store.CollectionResult{}, err
	}
	if len(keys) == 0 {
		return store.CollectionResult{Status: store.CollectionCreated}, nil
	}
	if hasExists && !exists {
		return store.CollectionResult{}, store.NewConflict("collection %s exists", name)
	}
	return store.CollectionResult{Status: store.CollectionExists}, nil
}

func (s *Store) dropCollection(ctx context.Context, p *store.OperationParser) (store.CollectionResult, error) {
	name, err := store.ResolveCollection(p, s.params.Collection)
	if err != nil {
		return store.CollectionResult{}, err
	}
	exists, hasExists, err := p.WhereExists()
	if err != nil {
		return store.CollectionResult{}, err
	}
	keys, err := s.scanKeys(ctx, collectionPattern(name))
	if err != nil {
		return store.CollectionResult{}, err
	}
	if len(keys) == 0 {
		if hasExists && exists {
			return store.CollectionResult{}, store.NewNotFound("collection %s not found", name)
		}
		return store.CollectionResult{Status: store.CollectionNotExists}, nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return store.CollectionResult{}, redisError(err, "drop %s", name)
	}
	s.log.Info("redis collection dropped", map[string]any{"collection": name, "keys": len(keys)})
	return store.CollectionResult{Status: store.CollectionDropped}, nil
}

func (s *Store) listCollections(ctx context.Context) ([]string, error) {
	keys, err := s.scanKeys(ctx, "*")
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	out := []string{}
	for _, k := range keys {
		name, _, ok := strings.Cut(k, ":")
		if ok && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) hasCollection(ctx context.Context, p *store.OperationParser) (bool, error) {
	name, err := store.ResolveCollection(p, s.params.Collection)
	if err != nil {
		return false, err
	}
	keys, err := s.scanKeys(ctx, collectionPattern(name))
	return len(keys) > 0, err
}

// ─── items ───────────────────────────────────────────────────────────────────

type target struct {
	collection string
	proc       *store.ItemProcessor
}

// resolve maps a field onto the envelope root. $pk and $etag live in the
// key and properties of the envelope.
func (t target) resolve(field string) string {
	switch field {
	case store.SpecialPK:
		return store.AttrKey + "." + store.KeyPK
	case store.SpecialEtag:
		return store.AttrProperties + ".etag"
	}
	return t.proc.ResolveRootField(field)
}

func (s *Store) target(p *store.OperationParser) (target, error) {
	name, err := store.ResolveCollection(p, s.params.Collection)
	if err != nil {
		return target{}, err
	}
	return target{collection: name, proc: s.processor(name)}, nil
}

func (t target) redisKey(k store.ItemKey) string {
	key := t.collection + ":" + keyPart(k.ID)
	if k.PK != nil {
		key += ":" + keyPart(k.PK)
	}
	return key
}

func (t target) keyOf(p *store.OperationParser) (store.ItemKey, error) {
	key, ok := p.Key()
	if !ok {
		return store.ItemKey{}, store.NewBadRequest("key missing")
	}
	k := itemKey(t.proc.NormalizedKeyFromKey(key))
	if k.ID == nil {
		return store.ItemKey{}, store.NewBadRequest("key has no id")
	}
	return k, nil
}

// load returns the stored envelope of k, or nil.
func (s *Store) load(ctx context.Context, key string) (*envelope, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, redisError(err, "get %s", key)
	}
	return decodeEnvelope(raw)
}

// matches evaluates where against the current envelope, which may be nil.
func (t target) matches(current *envelope, where ql.Expression) (bool, error) {
	ok, err := ql.Match(current.root(), where, t.resolve)
	if err != nil {
		return false, store.NewError(err.Error(), store.WithCode(store.ErrBadRequest), store.WithCause(err))
	}
	return ok, nil
}

func ttlOf(p *store.OperationParser) time.Duration {
	if ms, ok := p.Expiry(); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}

func (s *Store) exists(ctx context.Context, p *store.OperationParser) (bool, error) {
	t, err := s.target(p)
	if err != nil {
		return false, err
	}
	k, err := t.keyOf(p)
	if err != nil {
		return false, err
	}
	n, err := s.client.Exists(ctx, t.redisKey(k)).Result()
	if err != nil {
		return false, redisError(err, "exists %s", t.redisKey(k))
	}
	return n > 0, nil
}

func (s *Store) get(ctx context.Context, p *store.OperationParser) (store.Item, error) {
	t, err := s.target(p)
	if err != nil {
		return store.Item{}, err
	}
	k, err := t.keyOf(p)
	if err != nil {
		return store.Item{}, err
	}
	current, err := s.load(ctx, t.redisKey(k))
	if err != nil {
		return store.Item{}, err
	}
	if current == nil {
		return store.Item{}, store.NewNotFound("item not found")
	}
	return current.item(t.proc, true), nil
}

// document builds the envelope a put of p writes.
func (t target) document(p *store.OperationParser) (*envelope, error) {
	value, err := store.ValueDocument(p)
	if err != nil {
		return nil, err
	}
	key, _ := p.Key()
	doc := ql.DeepCopyMap(t.proc.AddEmbedFields(value, key))
	k := itemKey(t.proc.NormalizedKeyFromValue(doc))
	if k.ID == nil {
		return nil, store.NewBadRequest("key missing")
	}
	return &envelope{Key: k, Value: doc, Etag: t.proc.GenerateEtag()}, nil
}

func (s *Store) put(ctx context.Context, p *store.OperationParser) (store.Item, error) {
	t, err := s.target(p)
	if err != nil {
		return store.Item{}, err
	}
	e, err := t.document(p)
	if err != nil {
		return store.Item{}, err
	}
	where, err := p.Where()
	if err != nil {
		return store.Item{}, err
	}
	exists, hasExists, err := p.WhereExists()
	if err != nil {
		return store.Item{}, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return store.Item{}, store.NewBadRequest("cannot encode value: %v", err)
	}
	key := t.redisKey(e.Key)
	ttl := ttlOf(p)

	switch {
	case hasExists && !exists:
		ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
		if err != nil {
			return store.Item{}, redisError(err, "setnx %s", key)
		}
		if !ok {
			return store.Item{}, store.NewPreconditionFailed("put precondition failed")
		}
	default:
		if where != nil {
			current, err := s.load(ctx, key)
			if err != nil {
				return store.Item{}, err
			}
			ok, err := t.matches(current, where)
			if err != nil {
				return store.Item{}, err
			}
			if !ok {
				return store.Item{}, store.NewPreconditionFailed("put precondition failed")
			}
		}
		if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
			return store.Item{}, redisError(err, "set %s", key)
		}
	}
	returning, _ := p.Returning()
	return e.item(t.proc, returning == "new"), nil
}

// update reads the item, applies the update and writes it back with a new
// etag. The TTL of the key is not kept unless expiry is given again.
func (s *Store) update(ctx context.Context, p *store.OperationParser) (store.Item, error) {
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
	if set == nil || len(set.Operations) == 0 {
		return store.Item{}, store.NewBadRequest("set missing")
	}
	where, err := p.Where()
	if err != nil {
		return store.Item{}, err
	}
	key := t.redisKey(k)
	current, err := s.load(ctx, key)
	if err != nil {
		return store.Item{}, err
	}
	if current == nil {
		return store.Item{}, store.NewNotFound("item not found")
	}
	if where != nil {
		ok, err := t.matches(current, where)
		if err != nil {
			return store.Item{}, err
		}
		if !ok {
			return store.Item{}, store.NewPreconditionFailed("update precondition failed")
		}
	}
	value, err := ql.ApplyUpdate(ql.DeepCopyMap(current.Value), set, t.proc.ResolveField)
	if err != nil {
		return store.Item{}, store.NewError(err.Error(), store.WithCode(store.ErrBadRequest), store.WithCause(err))
	}
	updated := &envelope{Key: current.Key, Value: value, Etag: t.proc.GenerateEtag()}
	data, err := json.Marshal(updated)
	if err != nil {
		return store.Item{}, store.NewBadRequest("cannot encode value: %v", err)
	}
	if err := s.client.Set(ctx, key, data, ttlOf(p)).Err(); err != nil {
		return store.Item{}, redisError(err, "set %s", key)
	}
	switch returning, _ := p.Returning(); returning {
	case "new":
		return updated.item(t.proc, true), nil
	case "old":
		return current.item(t.proc, true), nil
	}
	return updated.item(t.proc, false), nil
}

func (s *Store) delete(ctx context.Context, p *store.OperationParser) error {
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
	key := t.redisKey(k)
	if where != nil {
		current, err := s.load(ctx, key)
		if err != nil {
			return err
		}
		if current == nil {
			return store.NewNotFound("item not found")
		}
		ok, err := t.matches(current, where)
		if err != nil {
			return err
		}
		if !ok {
			return store.NewPreconditionFailed("delete precondition failed")
		}
	}
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return redisError(err, "del %s", key)
	}
	if n == 0 {
		return store.NewNotFound("item not found")
	}
	return nil
}

// ─── scans ───────────────────────────────────────────────────────────────────

// envelopes loads every item of the collection in key order. Keys that
// expire between the scan and the read are skipped.
func (s *Store) envelopes(ctx context.Context, t target) ([]*envelope, error) {
	keys, err := s.scanKeys(ctx, collectionPattern(t.collection))
	if err != nil {
		return nil, err
	}
	out := make([]*envelope, 0, len(keys))
	for _, k := range keys {
		e, err := s.load(ctx, k)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// roots evaluates where over the collection and returns the matching roots
// together with their envelopes by redis key.
func (s *Store) roots(ctx context.Context, t target, where ql.Expression) ([]map[string]any, map[string]*envelope, error) {
	all, err := s.envelopes(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	roots := make([]map[string]any, 0, len(all))
	byKey := make(map[string]*envelope, len(all))
	for _, e := range all {
		ok := true
		if where != nil {
			if ok, err = t.matches(e, where); err != nil {
				return nil, nil, err
			}
		}
		if ok {
			roots = append(roots, e.root().(map[string]any))
			byKey[t.redisKey(e.Key)] = e
		}
	}
	return roots, byKey, nil
}

func (s *Store) query(ctx context.Context, p *store.OperationParser) (store.ItemList, error) {
	t, err := s.target(p)
	if err != nil {
		return store.ItemList{}, err
	}
	where, err := p.Where()
	if err != nil {
		return store.ItemList{}, err
	}
	sel, err := p.Select()
	if err != nil {
		return store.ItemList{}, err
	}
	orderBy, err := p.OrderBy()
	if err != nil {
		return store.ItemList{}, err
	}
	limit, ok := p.Limit()
	if !ok {
		limit = -1
	}
	offset, ok := p.Offset()
	if !ok {
		offset = -1
	}

	roots, byKey, err := s.roots(ctx, t, where)
	if err != nil {
		return store.ItemList{}, err
	}
	roots = ql.Limit(ql.Order(roots, orderBy, t.resolve), limit, offset)

	list := store.ItemList{Items: make([]store.Item, 0, len(roots))}
	for _, r := range roots {
		k, _ := r[store.AttrKey].(map[string]any)
		e := byKey[t.redisKey(store.ItemKey{ID: k[store.KeyID], PK: k[store.KeyPK]})]
		item := e.item(t.proc, true)
		if sel != nil {
			if item.Value, err = ql.Project(item.Value, sel, t.proc.ResolveField); err != nil {
				return store.ItemList{}, store.NewError(err.Error(), store.WithCode(store.ErrBadRequest), store.WithCause(err))
			}
		}
		list.Items = append(list.Items, item)
	}
	return list, nil
}

func (s *Store) count(ctx context.Context, p *store.OperationParser) (int, error) {
	t, err := s.target(p)
	if err != nil {
		return 0, err
	}
	where, err := p.Where()
	if err != nil {
		return 0, err
	}
	roots, _, err := s.roots(ctx, t, where)
	if err != nil {
		return 0, err
	}
	return len(roots), nil
}

// batch applies puts and deletes in order. Deleting a missing key is not an
// error; its result slot is nil.
func (s *Store) batch(ctx context.Context, p *store.OperationParser) ([]any, error) {
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
			e, err := t.document(sub)
			if err != nil {
				return nil, err
			}
			data, err := json.Marshal(e)
			if err != nil {
				return nil, store.NewBadRequest("cannot encode value: %v", err)
			}
			if err := s.client.Set(ctx, t.redisKey(e.Key), data, ttlOf(sub)).Err(); err != nil {
				return nil, redisError(err, "set %s", t.redisKey(e.Key))
			}
			out = append(out, e.item(t.proc, false))
		case sub.OpEquals(store.OpDelete):
			k, err := t.keyOf(sub)
			if err != nil {
				return nil, err
			}
			if err := s.client.Del(ctx, t.redisKey(k)).Err(); err != nil {
				return nil, redisError(err, "del %s", t.redisKey(k))
			}
			out = append(out, nil)
		}
	}
	return out, nil
}
