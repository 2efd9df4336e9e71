package redis

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	store "github.com/cloudxsgmbh/storage-core-go"
	"github.com/cloudxsgmbh/storage-core-go/ql"
)

// fakeClient keeps string keys in memory and answers with go-redis result
// commands.
type fakeClient struct {
	mu     sync.Mutex
	data   map[string]string
	ttl    map[string]time.Duration
	fail   error
	closed bool
}

func newFake() *fakeClient {
	return &fakeClient{data: map[string]string{}, ttl: map[string]time.Duration{}}
}

func bytesOf(v any) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case string:
		return x
	}
	return fmt.Sprint(v)
}

func (f *fakeClient) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return redis.NewStringResult("", f.fail)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeClient) Set(_ context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return redis.NewStatusResult("", f.fail)
	}
	f.data[key] = bytesOf(value)
	f.ttl[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeClient) SetNX(_ context.Context, key string, value any, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = bytesOf(value)
	f.ttl[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeClient) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			delete(f.ttl, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeClient) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// Scan pages through the sorted matching keys; the cursor is an offset.
func (f *fakeClient) Scan(_ context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.data {
		if ok, _ := path.Match(match, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	end := min(int(cursor)+int(count), len(keys))
	page := keys[min(int(cursor), len(keys)):end]
	var next uint64
	if end < len(keys) {
		next = uint64(end)
	}
	return redis.NewScanCmdResult(page, next, nil)
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func newStore(t *testing.T) (*Store, *fakeClient) {
	t.Helper()
	fake := newFake()
	s, err := New(Params{Client: fake, Collection: "users"})
	require.NoError(t, err)
	return s, fake
}

func run[T any](t *testing.T, s *Store, op *store.Operation) T {
	t.Helper()
	res, err := s.Run(context.Background(), op)
	require.NoError(t, err, op.String())
	if res == nil {
		var zero T
		return zero
	}
	out, ok := res.(T)
	require.True(t, ok, "unexpected result type %T", res)
	return out
}

func TestRedis_PutGet(t *testing.T) {
	s, fake := newStore(t)
	item := run[store.Item](t, s, store.Put(map[string]any{"id": "u1", "name": "Ann"}, store.WithReturning("new")))
	assert.Equal(t, store.ItemKey{ID: "u1"}, item.Key)
	require.NotNil(t, item.Properties)
	assert.NotEmpty(t, item.Properties.Etag)
	assert.Contains(t, fake.data, "users:u1")

	got := run[store.Item](t, s, store.Get("u1"))
	assert.Equal(t, "Ann", got.Value["name"])
	assert.Equal(t, item.Properties.Etag, got.Properties.Etag)

	_, err := s.Run(context.Background(), store.Get("u2"))
	assert.True(t, store.IsNotFound(err))

	assert.True(t, run[bool](t, s, store.Exists("u1")))
	assert.False(t, run[bool](t, s, store.Exists("u2")))

	run[store.Item](t, s, store.Put(map[string]any{"id": "u1", "pk": "t1"}))
	assert.Contains(t, fake.data, "users:u1:t1")
	got = run[store.Item](t, s, store.Get(map[string]any{"id": "u1", "pk": "t1"}))
	assert.Equal(t, store.ItemKey{ID: "u1", PK: "t1"}, got.Key)
}

func TestRedis_Expiry(t *testing.T) {
	s, fake := newStore(t)
	run[store.Item](t, s, store.Put(map[string]any{"id": "e"}, store.WithExpiry(1500)))
	assert.Equal(t, 1500*time.Millisecond, fake.ttl["users:e"])

	run[store.Item](t, s, store.Put(map[string]any{"id": "n"}, store.WithWhere(ql.NotExists()), store.WithExpiry(20)))
	assert.Equal(t, 20*time.Millisecond, fake.ttl["users:n"])

	run[store.Item](t, s, store.Put(map[string]any{"id": "e"}))
	assert.Zero(t, fake.ttl["users:e"])
}

func TestRedis_ConditionalPut(t *testing.T) {
	s, _ := newStore(t)
	doc := map[string]any{"id": "a", "v": 1}

	_, err := s.Run(context.Background(), store.Put(doc, store.WithWhere(ql.Exists())))
	assert.True(t, store.IsPreconditionFailed(err))

	first := run[store.Item](t, s, store.Put(doc, store.WithWhere(ql.NotExists())))
	_, err = s.Run(context.Background(), store.Put(doc, store.WithWhere(ql.NotExists())))
	assert.True(t, store.IsPreconditionFailed(err))

	run[store.Item](t, s, store.Put(map[string]any{"id": "a", "v": 2}, store.WithWhere(ql.Eq(store.SpecialEtag, first.Properties.Etag))))
	_, err = s.Run(context.Background(), store.Put(doc, store.WithWhere(ql.Eq(store.SpecialEtag, first.Properties.Etag))))
	assert.True(t, store.IsPreconditionFailed(err))

	run[store.Item](t, s, store.Put(map[string]any{"id": "a", "v": 3}, store.WithWhere(ql.Eq("v", 2))))
	got := run[store.Item](t, s, store.Get("a"))
	assert.Equal(t, float64(3), got.Value["v"])
}

func TestRedis_Update(t *testing.T) {
	s, _ := newStore(t)
	put := run[store.Item](t, s, store.Put(map[string]any{"id": "a", "n": 1, "tags": []any{"x"}}))

	set := ql.NewUpdate().Increment("n", 2).ArrayUnion("tags", []any{"y"})
	item := run[store.Item](t, s, store.Update("a", set, store.WithReturning("new")))
	assert.EqualValues(t, 3, item.Value["n"])
	assert.Equal(t, []any{"x", "y"}, item.Value["tags"])
	assert.NotEqual(t, put.Properties.Etag, item.Properties.Etag)

	old := run[store.Item](t, s, store.Update("a", ql.NewUpdate().Put("n", 10), store.WithReturning("old")))
	assert.EqualValues(t, 3, old.Value["n"])

	_, err := s.Run(context.Background(), store.Update("missing", set))
	assert.True(t, store.IsNotFound(err))

	_, err = s.Run(context.Background(), store.Update("a", set, store.WithWhere(ql.Eq(store.SpecialEtag, "stale"))))
	assert.True(t, store.IsPreconditionFailed(err))

	_, err = s.Run(context.Background(), store.Update("a", ql.NewUpdate()))
	assert.True(t, store.IsBadRequest(err))
}

func TestRedis_Delete(t *testing.T) {
	s, _ := newStore(t)
	run[store.Item](t, s, store.Put(map[string]any{"id": "a", "n": 1}))

	_, err := s.Run(context.Background(), store.Delete("a", store.WithWhere(ql.Eq("n", 2))))
	assert.True(t, store.IsPreconditionFailed(err))

	_, err = s.Run(context.Background(), store.Delete("a", store.WithWhere(ql.Eq("n", 1))))
	require.NoError(t, err)
	_, err = s.Run(context.Background(), store.Delete("a"))
	assert.True(t, store.IsNotFound(err))
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	for i, name := range []string{"c", "a", "d", "b"} {
		run[store.Item](t, s, store.Put(map[string]any{"id": name, "rank": i, "group": i % 2}))
	}
}

func TestRedis_Query(t *testing.T) {
	s, _ := newStore(t)
	seed(t, s)

	list := run[store.ItemList](t, s, store.Query(
		store.WithWhere(ql.Eq("group", 0)),
		store.WithOrderBy(&ql.OrderBy{Terms: []ql.OrderByTerm{{Field: "rank", Direction: ql.Desc}}}),
	))
	require.Len(t, list.Items, 2)
	assert.Equal(t, "d", list.Items[0].Key.ID)
	assert.Equal(t, "c", list.Items[1].Key.ID)

	list = run[store.ItemList](t, s, store.Query(
		store.WithOrderBy(&ql.OrderBy{Terms: []ql.OrderByTerm{{Field: store.SpecialID}}}),
		store.WithLimit(2), store.WithOffset(1),
	))
	require.Len(t, list.Items, 2)
	assert.Equal(t, "b", list.Items[0].Key.ID)
	assert.Equal(t, "c", list.Items[1].Key.ID)

	list = run[store.ItemList](t, s, store.Query(
		store.WithSelect(&ql.Select{Terms: []ql.SelectTerm{{Field: "id"}, {Field: "rank"}}}),
		store.WithWhere(ql.Eq(store.SpecialID, "a")),
	))
	require.Len(t, list.Items, 1)
	assert.Equal(t, map[string]any{"id": "a", "rank": float64(1)}, list.Items[0].Value)

	assert.Equal(t, 2, run[int](t, s, store.Count(store.WithWhere(ql.Eq("group", 1)))))
	assert.Equal(t, 4, run[int](t, s, store.Count()))

	_, err := s.Run(context.Background(), store.Query(store.WithWhere("rank > 1")))
	assert.True(t, store.IsBadRequest(err))
}

func TestRedis_QueryByPK(t *testing.T) {
	s, _ := newStore(t)
	run[store.Item](t, s, store.Put(map[string]any{"id": "u1", "pk": "t1"}))
	run[store.Item](t, s, store.Put(map[string]any{"id": "u2", "pk": "t2"}))
	run[store.Item](t, s, store.Put(map[string]any{"id": "u3", "pk": "t1"}))

	list := run[store.ItemList](t, s, store.Query(
		store.WithWhere(ql.Eq(store.SpecialPK, "t1")),
		store.WithOrderBy(&ql.OrderBy{Terms: []ql.OrderByTerm{{Field: store.SpecialID}}}),
	))
	require.Len(t, list.Items, 2)
	assert.Equal(t, store.ItemKey{ID: "u1", PK: "t1"}, list.Items[0].Key)
	assert.Equal(t, store.ItemKey{ID: "u3", PK: "t1"}, list.Items[1].Key)

	etag := list.Items[0].Properties.Etag
	assert.Equal(t, 1, run[int](t, s, store.Count(store.WithWhere(ql.Eq(store.SpecialEtag, etag)))))
}

func TestRedis_ScanPages(t *testing.T) {
	s, _ := newStore(t)
	ops := make([]*store.Operation, 0, 250)
	for i := 0; i < 250; i++ {
		ops = append(ops, store.Put(map[string]any{"id": fmt.Sprintf("k%03d", i)}))
	}
	run[[]any](t, s, store.BatchOf(ops))
	run[store.Item](t, s, store.Put(map[string]any{"id": "x"}, store.WithCollection("other")))

	assert.Equal(t, 250, run[int](t, s, store.Count()))
	assert.Equal(t, []string{"other", "users"}, run[[]string](t, s, store.ListCollections()))
}

func TestRedis_Batch(t *testing.T) {
	s, _ := newStore(t)
	run[store.Item](t, s, store.Put(map[string]any{"id": "old"}))

	res := run[[]any](t, s, store.BatchOf([]*store.Operation{
		store.Put(map[string]any{"id": "x"}),
		store.Put(map[string]any{"id": "y"}),
		store.Delete("old"),
		store.Delete("never"),
	}))
	require.Len(t, res, 4)
	assert.Equal(t, "x", res[0].(store.Item).Key.ID)
	assert.Nil(t, res[3])
	assert.Equal(t, 2, run[int](t, s, store.Count()))

	_, err := s.Run(context.Background(), store.BatchOf([]*store.Operation{
		store.Put(map[string]any{"id": "z"}, store.WithWhere(ql.NotExists())),
	}))
	assert.True(t, store.IsBadRequest(err))
}

func TestRedis_Collections(t *testing.T) {
	s, fake := newStore(t)

	res := run[store.CollectionResult](t, s, store.CreateCollection(store.WithCollection("docs")))
	assert.Equal(t, store.CollectionCreated, res.Status)
	assert.False(t, run[bool](t, s, store.HasCollection(store.WithCollection("docs"))))

	run[store.Item](t, s, store.Put(map[string]any{"id": "a"}, store.WithCollection("docs")))
	run[store.Item](t, s, store.Put(map[string]any{"id": "b"}, store.WithCollection("docs")))
	assert.True(t, run[bool](t, s, store.HasCollection(store.WithCollection("docs"))))

	res = run[store.CollectionResult](t, s, store.CreateCollection(store.WithCollection("docs")))
	assert.Equal(t, store.CollectionExists, res.Status)
	_, err := s.Run(context.Background(), store.CreateCollection(store.WithCollection("docs"), store.WithWhere(ql.NotExists())))
	assert.True(t, store.IsConflict(err))

	res = run[store.CollectionResult](t, s, store.DropCollection(store.WithCollection("docs")))
	assert.Equal(t, store.CollectionDropped, res.Status)
	assert.Empty(t, fake.data)
	res = run[store.CollectionResult](t, s, store.DropCollection(store.WithCollection("docs")))
	assert.Equal(t, store.CollectionNotExists, res.Status)
	_, err = s.Run(context.Background(), store.DropCollection(store.WithCollection("docs"), store.WithWhere(ql.Exists())))
	assert.True(t, store.IsNotFound(err))
}

func TestRedis_ClientErrors(t *testing.T) {
	s, fake := newStore(t)
	fake.fail = fmt.Errorf("connection refused")

	_, err := s.Run(context.Background(), store.Get("a"))
	assert.Equal(t, store.ErrInternal, store.CodeOf(err))
	assert.Contains(t, err.Error(), "get users:a: connection refused")

	_, err = s.Run(context.Background(), store.Put(map[string]any{"id": "a"}))
	assert.Equal(t, store.ErrInternal, store.CodeOf(err))
}

func TestRedis_CloseUnsupportedCancelled(t *testing.T) {
	s, fake := newStore(t)
	_, err := s.Run(context.Background(), store.Transact([]*store.Operation{store.Delete("a")}))
	assert.True(t, store.IsNotSupported(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Run(ctx, store.Get("a"))
	assert.ErrorIs(t, err, context.Canceled)

	assert.Len(t, run[string](t, s, store.Generate()), 26)

	_, err = s.Run(context.Background(), store.Close())
	require.NoError(t, err)
	assert.True(t, fake.closed)
}

func TestRedis_FromConfig(t *testing.T) {
	cfg, err := store.ParseConfig([]byte(`
collection = "sessions"

[redis]
addr = "localhost:6379"
db = 2
`))
	require.NoError(t, err)
	fake := newFake()
	s, err := NewFromConfig(cfg, fake, nil, nil)
	require.NoError(t, err)
	run[store.Item](t, s, store.Put(map[string]any{"id": "s1"}))
	assert.Contains(t, fake.data, "sessions:s1")

	client := NewClient(*cfg.Redis)
	assert.Equal(t, "localhost:6379", client.Options().Addr)
	assert.Equal(t, 2, client.Options().DB)
	require.NoError(t, client.Close())

	_, err = NewFromConfig(store.Config{}, fake, nil, nil)
	assert.EqualError(t, err, "redis: section missing")
	_, err = New(Params{})
	assert.EqualError(t, err, "redis: client is required")
}
