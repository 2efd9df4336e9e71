package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	store "github.com/cloudxsgmbh/storage-core-go"
	"github.com/cloudxsgmbh/storage-core-go/ql"
)

// fakeCluster answers the REST calls of the store from memory. Searches
// return every document of the index; the request is recorded.
type fakeCluster struct {
	mu       sync.Mutex
	indices  map[string]map[string]json.RawMessage
	mappings map[string]map[string]any

	lastSearch map[string]any
	lastQuery  url.Values
	lastIndex  url.Values
}

func newCluster(t *testing.T) (*fakeCluster, *httptest.Server) {
	t.Helper()
	c := &fakeCluster{indices: map[string]map[string]json.RawMessage{}, mappings: map[string]map[string]any{}}
	srv := httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(srv.Close)
	return c, srv
}

func reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func osErr(status int, typ, reason string) map[string]any {
	cause := map[string]any{"type": typ, "reason": reason}
	return map[string]any{"error": map[string]any{"root_cause": []any{cause}, "type": typ, "reason": reason}, "status": status}
}

func (c *fakeCluster) serve(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	body, _ := io.ReadAll(r.Body)
	index := parts[0]
	docs, found := c.indices[index]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodHead:
			if found {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		case http.MethodPut:
			if found {
				reply(w, 400, osErr(400, "resource_already_exists_exception", "index ["+index+"] already exists"))
				return
			}
			var m map[string]any
			_ = json.Unmarshal(body, &m)
			c.indices[index] = map[string]json.RawMessage{}
			c.mappings[index] = m
			reply(w, 200, map[string]any{"acknowledged": true, "shards_acknowledged": true, "index": index})
		case http.MethodDelete:
			if !found {
				reply(w, 404, osErr(404, "index_not_found_exception", "no such index ["+index+"]"))
				return
			}
			delete(c.indices, index)
			reply(w, 200, map[string]any{"acknowledged": true})
		}
	case len(parts) == 3 && parts[1] == "_doc":
		id := parts[2]
		meta := map[string]any{"_index": index, "_id": id, "_version": 1, "_seq_no": 0, "_primary_term": 1}
		switch r.Method {
		case http.MethodPut, http.MethodPost:
			if !found {
				docs = map[string]json.RawMessage{}
				c.indices[index] = docs
			}
			docs[id] = append(json.RawMessage(nil), body...)
			c.lastIndex = r.URL.Query()
			meta["result"] = "created"
			meta["_shards"] = map[string]any{"total": 1, "successful": 1, "failed": 0}
			reply(w, 201, meta)
		case http.MethodGet:
			src, ok := docs[id]
			if !ok {
				reply(w, 404, map[string]any{"_index": index, "_id": id, "found": false})
				return
			}
			meta["found"] = true
			meta["_source"] = src
			reply(w, 200, meta)
		case http.MethodDelete:
			if _, ok := docs[id]; !ok {
				meta["result"] = "not_found"
				reply(w, 404, meta)
				return
			}
			delete(docs, id)
			meta["result"] = "deleted"
			reply(w, 200, meta)
		}
	case len(parts) == 2 && parts[1] == "_search":
		if !found {
			reply(w, 404, osErr(404, "index_not_found_exception", "no such index ["+index+"]"))
			return
		}
		c.lastSearch = map[string]any{}
		_ = json.Unmarshal(body, &c.lastSearch)
		c.lastQuery = r.URL.Query()
		ids := make([]string, 0, len(docs))
		for id := range docs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		hits := []any{}
		if c.lastQuery.Get("size") != "0" {
			for _, id := range ids {
				hits = append(hits, map[string]any{"_index": index, "_id": id, "_score": 1.5, "_source": docs[id]})
			}
		}
		reply(w, 200, map[string]any{
			"took":      1,
			"timed_out": false,
			"_shards":   map[string]any{"total": 1, "successful": 1, "skipped": 0, "failed": 0},
			"hits": map[string]any{
				"total":     map[string]any{"value": len(ids), "relation": "eq"},
				"max_score": 1.5,
				"hits":      hits,
			},
		})
	default:
		reply(w, 400, osErr(400, "illegal_argument_exception", "unexpected "+r.Method+" "+r.URL.Path))
	}
}

func newStore(t *testing.T) (*Store, *fakeCluster) {
	t.Helper()
	cluster, srv := newCluster(t)
	client, err := NewClient(store.OpenSearchConfig{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	s, err := New(Params{Client: client, Collection: "docs"})
	require.NoError(t, err)
	return s, cluster
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

// dig walks nested maps and slices of a decoded JSON body.
func dig(v any, path ...any) any {
	for _, p := range path {
		switch k := p.(type) {
		case string:
			m, _ := v.(map[string]any)
			v = m[k]
		case int:
			l, _ := v.([]any)
			if k >= len(l) {
				return nil
			}
			v = l[k]
		}
	}
	return v
}

func TestOpenSearch_Collections(t *testing.T) {
	s, cluster := newStore(t)
	res := run[store.CollectionResult](t, s, store.CreateCollection(store.WithConfig(map[string]any{"indexes": []any{
		map[string]any{"type": "vector", "field": "emb", "dimension": 3, "metric": "cosine"},
		map[string]any{"type": "text", "field": "body"},
		map[string]any{"type": "asc", "field": "rank"},
	}})))
	assert.Equal(t, store.CollectionCreated, res.Status)
	require.Len(t, res.Indexes, 3)
	assert.Equal(t, store.IndexCreated, res.Indexes[0].Status)
	assert.Equal(t, store.IndexCreated, res.Indexes[1].Status)
	assert.Equal(t, store.IndexNotSupported, res.Indexes[2].Status)

	m := cluster.mappings["docs"]
	assert.Equal(t, "knn_vector", dig(m, "mappings", "properties", "emb", "type"))
	assert.Equal(t, float64(3), dig(m, "mappings", "properties", "emb", "dimension"))
	assert.Equal(t, "cosinesimil", dig(m, "mappings", "properties", "emb", "method", "space_type"))
	assert.Equal(t, "text", dig(m, "mappings", "properties", "body", "type"))
	assert.Equal(t, true, dig(m, "settings", "index", "knn"))

	res = run[store.CollectionResult](t, s, store.CreateCollection())
	assert.Equal(t, store.CollectionExists, res.Status)
	_, err := s.Run(context.Background(), store.CreateCollection(store.WithWhere(ql.NotExists())))
	assert.True(t, store.IsConflict(err))

	assert.True(t, run[bool](t, s, store.HasCollection()))
	assert.False(t, run[bool](t, s, store.HasCollection(store.WithCollection("other"))))

	res = run[store.CollectionResult](t, s, store.DropCollection())
	assert.Equal(t, store.CollectionDropped, res.Status)
	res = run[store.CollectionResult](t, s, store.DropCollection())
	assert.Equal(t, store.CollectionNotExists, res.Status)
	_, err = s.Run(context.Background(), store.DropCollection(store.WithWhere(ql.Exists())))
	assert.True(t, store.IsNotFound(err))
}

func TestOpenSearch_PutGetDelete(t *testing.T) {
	s, cluster := newStore(t)
	run[store.CollectionResult](t, s, store.CreateCollection())

	item := run[store.Item](t, s, store.Put(map[string]any{"id": "a", "title": "hello"}, store.WithReturning("new")))
	assert.Equal(t, store.ItemKey{ID: "a"}, item.Key)
	require.NotNil(t, item.Properties)
	assert.NotEmpty(t, item.Properties.Etag)
	assert.Equal(t, "true", cluster.lastIndex.Get("refresh"))

	got := run[store.Item](t, s, store.Get("a"))
	assert.Equal(t, "hello", got.Value["title"])
	assert.Equal(t, item.Properties.Etag, got.Properties.Etag)

	_, err := s.Run(context.Background(), store.Get("zzz"))
	assert.True(t, store.IsNotFound(err))
	assert.True(t, run[bool](t, s, store.Exists("a")))
	assert.False(t, run[bool](t, s, store.Exists("zzz")))

	run[store.Item](t, s, store.Put(map[string]any{"id": "a", "pk": "p1"}))
	assert.Contains(t, cluster.indices["docs"], "a:p1")

	_, err = s.Run(context.Background(), store.Delete("a"))
	require.NoError(t, err)
	_, err = s.Run(context.Background(), store.Delete("a"))
	assert.True(t, store.IsNotFound(err))
}

func TestOpenSearch_ConditionalPut(t *testing.T) {
	s, _ := newStore(t)
	run[store.CollectionResult](t, s, store.CreateCollection())

	first := run[store.Item](t, s, store.Put(map[string]any{"id": "a", "v": 1}, store.WithWhere(ql.NotExists())))
	_, err := s.Run(context.Background(), store.Put(map[string]any{"id": "a"}, store.WithWhere(ql.NotExists())))
	assert.True(t, store.IsPreconditionFailed(err))

	run[store.Item](t, s, store.Put(map[string]any{"id": "a", "v": 2}, store.WithWhere(ql.Eq(store.SpecialEtag, first.Properties.Etag))))
	_, err = s.Run(context.Background(), store.Put(map[string]any{"id": "a"}, store.WithWhere(ql.Eq(store.SpecialEtag, first.Properties.Etag))))
	assert.True(t, store.IsPreconditionFailed(err))
}

func TestOpenSearch_VectorQuery(t *testing.T) {
	s, cluster := newStore(t)
	run[store.CollectionResult](t, s, store.CreateCollection())
	run[store.Item](t, s, store.Put(map[string]any{"id": "a", "lang": "en"}))
	run[store.Item](t, s, store.Put(map[string]any{"id": "b", "lang": "en"}))

	search := ql.Function{Name: ql.FnVectorSearch, NamedArgs: map[string]ql.Expression{
		"field": "emb", "vector": []any{0.1, 0.2, 0.3}, "k": 2,
	}}
	list := run[store.ItemList](t, s, store.Query(
		store.WithSearch(search),
		store.WithWhere(ql.Eq("lang", "en")),
		store.WithLimit(5), store.WithOffset(1),
	))
	require.Len(t, list.Items, 2)
	assert.Equal(t, "a", list.Items[0].Key.ID)
	require.NotNil(t, list.Items[0].Properties.Score)
	assert.InDelta(t, 1.5, *list.Items[0].Properties.Score, 1e-9)

	body := cluster.lastSearch
	assert.Equal(t, float64(2), dig(body, "query", "bool", "must", 0, "knn", "emb", "k"))
	assert.Equal(t, []any{0.1, 0.2, 0.3}, dig(body, "query", "bool", "must", 0, "knn", "emb", "vector"))
	assert.Equal(t, "en", dig(body, "query", "bool", "filter", 0, "term", "lang"))
	assert.Equal(t, float64(5), body["size"])
	assert.Equal(t, float64(1), body["from"])

	// k falls back to the limit
	search = ql.Function{Name: ql.FnVectorSearch, Args: []ql.Expression{ql.F("emb"), []any{1, 2, 3}}}
	run[store.ItemList](t, s, store.Query(store.WithSearch(search), store.WithLimit(7)))
	assert.Equal(t, float64(7), dig(cluster.lastSearch, "query", "bool", "must", 0, "knn", "emb", "k"))
}

func TestOpenSearch_TextQuery(t *testing.T) {
	s, cluster := newStore(t)
	run[store.CollectionResult](t, s, store.CreateCollection())
	run[store.Item](t, s, store.Put(map[string]any{"id": "a"}))

	search := ql.Function{Name: ql.FnTextSearch, NamedArgs: map[string]ql.Expression{"field": "title", "query": "hello"}}
	where := ql.AndAll(
		ql.Cmp("state", ql.OpNEQ, "draft"),
		ql.Cmp("rank", ql.OpBetween, []any{1, 5}),
		ql.Comparison{Op: ql.OpLT, Left: 3, Right: ql.F("views")},
		ql.Builtin(ql.FnStartsWith, ql.F("slug"), "intro"),
		ql.Builtin(ql.FnIsNotDefined, ql.F("deleted")),
	)
	run[store.ItemList](t, s, store.Query(
		store.WithSearch(search),
		store.WithWhere(where),
		store.WithOrderBy(&ql.OrderBy{Terms: []ql.OrderByTerm{{Field: store.SpecialScore, Direction: ql.Desc}, {Field: "rank"}}}),
	))
	body := cluster.lastSearch
	assert.Equal(t, "hello", dig(body, "query", "bool", "must", 0, "match", "title", "query"))
	assert.Equal(t, "draft", dig(body, "query", "bool", "must_not", 0, "term", "state"))
	assert.Equal(t, "deleted", dig(body, "query", "bool", "must_not", 1, "exists", "field"))
	assert.Equal(t, map[string]any{"gte": float64(1), "lte": float64(5)}, dig(body, "query", "bool", "filter", 0, "range", "rank"))
	assert.Equal(t, map[string]any{"gt": float64(3)}, dig(body, "query", "bool", "filter", 1, "range", "views"))
	assert.Equal(t, "intro", dig(body, "query", "bool", "filter", 2, "prefix", "slug"))
	assert.Equal(t, "desc", dig(body, "sort", 0, "_score", "order"))
	assert.Equal(t, "asc", dig(body, "sort", 1, "rank", "order"))
	assert.NotContains(t, body, "size")
}

func TestOpenSearch_PlainQueryAndCount(t *testing.T) {
	s, cluster := newStore(t)
	run[store.CollectionResult](t, s, store.CreateCollection())
	run[store.Item](t, s, store.Put(map[string]any{"id": "a", "n": 1}))
	run[store.Item](t, s, store.Put(map[string]any{"id": "b", "n": 2}))

	list := run[store.ItemList](t, s, store.Query(
		store.WithSelect(&ql.Select{Terms: []ql.SelectTerm{{Field: "n"}}}),
	))
	require.Len(t, list.Items, 2)
	assert.Nil(t, list.Items[0].Properties.Score)
	assert.Equal(t, map[string]any{"n": float64(1)}, list.Items[0].Value)
	assert.Equal(t, map[string]any{}, dig(cluster.lastSearch, "query", "match_all"))

	assert.Equal(t, 2, run[int](t, s, store.Count(store.WithWhere(ql.Cmp("n", ql.OpIn, []any{1, 2})))))
	assert.Equal(t, "0", cluster.lastQuery.Get("size"))
	assert.Equal(t, "true", cluster.lastQuery.Get("track_total_hits"))
	assert.Equal(t, []any{float64(1), float64(2)}, dig(cluster.lastSearch, "query", "bool", "filter", 0, "terms", "n"))
}

func TestOpenSearch_QueryErrors(t *testing.T) {
	s, _ := newStore(t)
	run[store.CollectionResult](t, s, store.CreateCollection())

	cases := []*store.Operation{
		store.Query(store.WithSearch(ql.Function{Name: ql.FnSparseVectorSearch})),
		store.Query(store.WithSearch(ql.Function{Name: ql.FnVectorSearch, NamedArgs: map[string]ql.Expression{"field": "emb", "vector": "x"}})),
		store.Query(store.WithSearch(ql.Function{Name: ql.FnTextSearch})),
		store.Query(store.WithWhere(ql.Or{Left: ql.Eq("a", 1), Right: ql.Eq("b", 2)})),
		store.Query(store.WithWhere(ql.Exists())),
		store.Query(store.WithWhere("a = 1")),
	}
	for _, op := range cases {
		_, err := s.Run(context.Background(), op)
		assert.True(t, store.IsBadRequest(err), op.String())
	}

	_, err := s.Run(context.Background(), store.Query(store.WithCollection("missing")))
	assert.True(t, store.IsNotFound(err))
}

func TestOpenSearch_FromConfigAndUnsupported(t *testing.T) {
	_, err := NewFromConfig(store.Config{}, nil, nil, nil)
	assert.EqualError(t, err, "opensearch: section missing")
	_, err = New(Params{})
	assert.EqualError(t, err, "opensearch: client is required")

	_, srv := newCluster(t)
	cfg, err := store.ParseConfig([]byte(`
collection = "articles"

[opensearch]
addresses = ["` + srv.URL + `"]
`))
	require.NoError(t, err)
	s, err := NewFromConfig(cfg, nil, nil, nil)
	require.NoError(t, err)
	res := run[store.CollectionResult](t, s, store.CreateCollection())
	assert.Equal(t, store.CollectionCreated, res.Status)

	_, err = s.Run(context.Background(), store.Update("a", ql.NewUpdate().Put("x", 1)))
	assert.True(t, store.IsNotSupported(err))
	assert.Len(t, run[string](t, s, store.Generate()), 26)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Run(ctx, store.Get("a"))
	assert.ErrorIs(t, err, context.Canceled)
}
