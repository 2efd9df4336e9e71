/*
Package opensearch – search store on OpenSearch.

Collections are indices. Documents are indexed under an id derived from the
item key and carry a local etag. Queries take one search function
(vector_search or text_search) plus an AND-only where clause, which compile
into a bool query with the search as must clause and the where terms as
filters. Hits carry their relevance in properties.score.
*/
package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
	"github.com/pkg/errors"

	store "github.com/cloudxsgmbh/storage-core-go"
	"github.com/cloudxsgmbh/storage-core-go/internal/uid"
	"github.com/cloudxsgmbh/storage-core-go/ql"
)

// DefaultFields is the field mapping used when Params.Fields is nil.
var DefaultFields = store.FieldMapping{
	IDMapField:     "id",
	PKMapField:     "pk",
	EtagEmbedField: "_etag",
	LocalEtag:      true,
}

// defaultK is the neighbour count of a vector search without k or limit.
const defaultK = 10

// Params configures a Store.
type Params struct {
	Client      *opensearchapi.Client
	Collection  string                        // default collection
	Fields      *store.FieldMapping           // nil → DefaultFields
	Collections map[string]store.FieldMapping // per-collection overrides
	Indexes     map[string][]store.Index      // mappings created by create_collection
	Parser      ql.Parser                     // parses text clauses; nil rejects them
	Logger      store.Logger                  // nil → NopLogger
}

// Store is an OpenSearch-backed search store. It is safe for concurrent use.
type Store struct {
	client *opensearchapi.Client
	params Params
	fields store.FieldMapping
	log    store.Logger

	mu    sync.Mutex
	procs map[string]*store.ItemProcessor
}

// New creates a Store.
func New(params Params) (*Store, error) {
	if params.Client == nil {
		return nil, errors.New("opensearch: client is required")
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

// NewClient creates an API client for cfg.
func NewClient(cfg store.OpenSearchConfig) (*opensearchapi.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client, err := opensearchapi.NewClient(opensearchapi.Config{
		Client: opensearch.Config{
			Addresses: cfg.Addresses,
			Username:  cfg.Username,
			Password:  cfg.Password,
			Transport: transport,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "opensearch: create client")
	}
	return client, nil
}

// NewFromConfig builds a Store from the opensearch section of cfg. A nil
// client is created from the section.
func NewFromConfig(cfg store.Config, client *opensearchapi.Client, parser ql.Parser, log store.Logger) (*Store, error) {
	if cfg.OpenSearch == nil {
		return nil, errors.New("opensearch: section missing")
	}
	if client == nil {
		var err error
		if client, err = NewClient(*cfg.OpenSearch); err != nil {
			return nil, err
		}
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

// ─── dispatch ────────────────────────────────────────────────────────────────

// Run executes op.
func (s *Store) Run(ctx context.Context, op *store.Operation) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := store.NewOperationParser(op, s.params.Parser)
	s.log.Trace("opensearch run", map[string]any{"op": op.String()})

	res, err := s.dispatch(ctx, p)
	if err != nil {
		if c := store.CodeOf(err); c == "" || c == store.ErrInternal {
			s.log.Error("opensearch run failed", map[string]any{"op": p.OpName(), "error": err.Error()})
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
	case p.OpEquals(store.OpHasCollection):
		return s.hasCollection(ctx, p)
	case p.OpEquals(store.OpExists):
		return s.exists(ctx, p)
	case p.OpEquals(store.OpGet):
		return s.get(ctx, p)
	case p.OpEquals(store.OpPut):
		return s.put(ctx, p)
	case p.OpEquals(store.OpDelete):
		return nil, s.delete(ctx, p)
	case p.OpEquals(store.OpQuery):
		return s.query(ctx, p)
	case p.OpEquals(store.OpCount):
		return s.count(ctx, p)
	case p.OpEquals(store.OpGenerate):
		return uid.ULID(), nil
	case p.OpEquals(store.OpClose):
		return nil, nil
	}
	return nil, store.NewNotSupported("%s not supported by opensearch store", p.OpName())
}

// ─── errors ──────────────────────────────────────────────────────────────────

// statusOf returns the HTTP status of a response, or 0.
func statusOf(res *opensearch.Response) int {
	if res == nil {
		return 0
	}
	return res.StatusCode
}

func osError(err error, format string, args ...any) error {
	wrapped := errors.Wrapf(err, format, args...)
	return store.NewError(wrapped.Error(), store.WithCode(store.ErrInternal), store.WithCause(wrapped))
}

func isAlreadyExists(status int, err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "resource_already_exists_exception") ||
		status == http.StatusBadRequest && strings.Contains(msg, "already exists")
}

// ─── collections ─────────────────────────────────────────────────────────────

// indexMappings turns index definitions into index settings and mappings.
// Vector indexes enable k-NN on the index.
func indexMappings(indexes []store.Index) (map[string]any, []store.IndexResult) {
	props := map[string]any{}
	knn := false
	results := make([]store.IndexResult, 0, len(indexes))
	for _, idx := range indexes {
		switch v := idx.(type) {
		case store.VectorIndex:
			method := map[string]any{"name": "hnsw", "space_type": spaceType(v.Metric), "engine": "lucene"}
			props[v.Field] = map[string]any{"type": "knn_vector", "dimension": v.Dimension, "method": method}
			knn = true
		case store.TextIndex:
			props[v.Field] = map[string]any{"type": "text"}
		case store.HashIndex:
			props[v.Field] = map[string]any{"type": "keyword"}
		case store.FieldIndex:
			props[v.Field] = map[string]any{"type": "keyword"}
		default:
			results = append(results, store.IndexResult{Status: store.IndexNotSupported, Index: idx})
			continue
		}
		results = append(results, store.IndexResult{Status: store.IndexCreated})
	}
	body := map[string]any{}
	if len(props) > 0 {
		body["mappings"] = map[string]any{"properties": props}
	}
	if knn {
		body["settings"] = map[string]any{"index": map[string]any{"knn": true}}
	}
	return body, results
}

func spaceType(m store.VectorMetric) string {
	switch m {
	case store.MetricEuclidean:
		return "l2"
	case store.MetricManhattan:
		return "l1"
	case store.MetricDotProduct, store.MetricMaxInnerProduct:
		return "innerproduct"
	}
	return "cosinesimil"
}

func (s *Store) createCollection(ctx context.Context, p *store.OperationParser) (store.CollectionResult, error) {
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
	body, results := indexMappings(indexes)
	data, err := json.Marshal(body)
	if err != nil {
		return store.CollectionResult{}, store.NewBadRequest("cannot encode mappings: %v", err)
	}

	res, err := s.client.Indices.Create(ctx, opensearchapi.IndicesCreateReq{Index: name, Body: bytes.NewReader(data)})
	if err != nil {
		var status int
		if res != nil {
			status = statusOf(res.Inspect().Response)
		}
		if !isAlreadyExists(status, err) {
			return store.CollectionResult{}, osError(err, "create index %s", name)
		}
		if hasExists && !exists {
			return store.CollectionResult{}, store.NewConflict("collection %s exists", name)
		}
		return store.CollectionResult{Status: store.CollectionExists}, nil
	}
	s.log.Info("opensearch index created", map[string]any{"index": name})
	return store.CollectionResult{Status: store.CollectionCreated, Indexes: results}, nil
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
	res, err := s.client.Indices.Delete(ctx, opensearchapi.IndicesDeleteReq{Indices: []string{name}})
	if err != nil {
		if res == nil || statusOf(res.Inspect().Response) != http.StatusNotFound {
			return store.CollectionResult{}, osError(err, "delete index %s", name)
		}
		if hasExists && exists {
			return store.CollectionResult{}, store.NewNotFound("collection %s not found", name)
		}
		return store.CollectionResult{Status: store.CollectionNotExists}, nil
	}
	return store.CollectionResult{Status: store.CollectionDropped}, nil
}

func (s *Store) hasCollection(ctx context.Context, p *store.OperationParser) (bool, error) {
	name, err := store.ResolveCollection(p, s.params.Collection)
	if err != nil {
		return false, err
	}
	res, err := s.client.Indices.Exists(ctx, opensearchapi.IndicesExistsReq{Indices: []string{name}})
	switch statusOf(res) {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	if err == nil {
		err = errors.Errorf("unexpected status %d", statusOf(res))
	}
	return false, osError(err, "index exists %s", name)
}

// ─── items ───────────────────────────────────────────────────────────────────

type target struct {
	index string
	proc  *store.ItemProcessor
}

func (s *Store) target(p *store.OperationParser) (target, error) {
	name, err := store.ResolveCollection(p, s.params.Collection)
	if err != nil {
		return target{}, err
	}
	return target{index: name, proc: s.processor(name)}, nil
}

func keyPart(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// documentID derives the document id from a normalized key. A pk equal to
// the id is left out.
func documentID(normalized map[string]any) (string, error) {
	id, ok := normalized[store.KeyID]
	if !ok || id == nil {
		return "", store.NewBadRequest("key missing")
	}
	docID := keyPart(id)
	if pk, ok := normalized[store.KeyPK]; ok && pk != nil && !ql.Equal(pk, id) {
		docID += ":" + keyPart(pk)
	}
	return docID, nil
}

func (t target) idOf(p *store.OperationParser) (string, error) {
	key, ok := p.Key()
	if !ok {
		return "", store.NewBadRequest("key missing")
	}
	return documentID(t.proc.NormalizedKeyFromKey(key))
}

// load returns the stored document with id, or nil.
func (s *Store) load(ctx context.Context, t target, id string) (map[string]any, error) {
	res, err := s.client.Document.Get(ctx, opensearchapi.DocumentGetReq{Index: t.index, DocumentID: id})
	if res != nil && statusOf(res.Inspect().Response) == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, osError(err, "get %s/%s", t.index, id)
	}
	if !res.Found {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(res.Source, &doc); err != nil {
		return nil, osError(err, "decode %s/%s", t.index, id)
	}
	return doc, nil
}

func (s *Store) exists(ctx context.Context, p *store.OperationParser) (bool, error) {
	t, err := s.target(p)
	if err != nil {
		return false, err
	}
	id, err := t.idOf(p)
	if err != nil {
		return false, err
	}
	doc, err := s.load(ctx, t, id)
	return doc != nil, err
}

func (s *Store) get(ctx context.Context, p *store.OperationParser) (store.Item, error) {
	t, err := s.target(p)
	if err != nil {
		return store.Item{}, err
	}
	id, err := t.idOf(p)
	if err != nil {
		return store.Item{}, err
	}
	doc, err := s.load(ctx, t, id)
	if err != nil {
		return store.Item{}, err
	}
	if doc == nil {
		return store.Item{}, store.NewNotFound("item not found")
	}
	return store.BuildItem(t.proc, doc, true), nil
}

// put indexes the document with refresh so it is searchable at once.
// Preconditions are checked against the stored document before writing.
func (s *Store) put(ctx context.Context, p *store.OperationParser) (store.Item, error) {
	t, err := s.target(p)
	if err != nil {
		return store.Item{}, err
	}
	value, err := store.ValueDocument(p)
	if err != nil {
		return store.Item{}, err
	}
	key, _ := p.Key()
	doc := ql.DeepCopyMap(t.proc.AddEmbedFields(value, key))
	if t.proc.NeedsLocalEtag() {
		doc[t.proc.Mapping().EtagEmbedField] = t.proc.GenerateEtag()
	}
	id, err := documentID(t.proc.NormalizedKeyFromValue(doc))
	if err != nil {
		return store.Item{}, err
	}

	where, err := p.Where()
	if err != nil {
		return store.Item{}, err
	}
	if where != nil {
		current, err := s.load(ctx, t, id)
		if err != nil {
			return store.Item{}, err
		}
		var item any
		if current != nil {
			item = current
		}
		ok, err := ql.Match(item, where, t.proc.ResolveField)
		if err != nil {
			return store.Item{}, store.NewError(err.Error(), store.WithCode(store.ErrBadRequest), store.WithCause(err))
		}
		if !ok {
			return store.Item{}, store.NewPreconditionFailed("put precondition failed")
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return store.Item{}, store.NewBadRequest("cannot encode value: %v", err)
	}
	_, err = s.client.Index(ctx, opensearchapi.IndexReq{
		Index:      t.index,
		DocumentID: id,
		Body:       bytes.NewReader(data),
		Params:     opensearchapi.IndexParams{Refresh: "true"},
	})
	if err != nil {
		return store.Item{}, osError(err, "index %s/%s", t.index, id)
	}
	returning, _ := p.Returning()
	return store.BuildItem(t.proc, doc, returning == "new"), nil
}

func (s *Store) delete(ctx context.Context, p *store.OperationParser) error {
	t, err := s.target(p)
	if err != nil {
		return err
	}
	id, err := t.idOf(p)
	if err != nil {
		return err
	}
	res, err := s.client.Document.Delete(ctx, opensearchapi.DocumentDeleteReq{
		Index:      t.index,
		DocumentID: id,
		Params:     opensearchapi.DocumentDeleteParams{Refresh: "true"},
	})
	if res != nil && statusOf(res.Inspect().Response) == http.StatusNotFound {
		return store.NewNotFound("item not found")
	}
	if err != nil {
		return osError(err, "delete %s/%s", t.index, id)
	}
	return nil
}

// ─── search ──────────────────────────────────────────────────────────────────

func (s *Store) search(ctx context.Context, t target, body map[string]any, params opensearchapi.SearchParams) (*opensearchapi.SearchResp, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, store.NewBadRequest("cannot encode query: %v", err)
	}
	res, err := s.client.Search(ctx, &opensearchapi.SearchReq{
		Indices: []string{t.index},
		Body:    bytes.NewReader(data),
		Params:  params,
	})
	if err != nil {
		if res != nil && statusOf(res.Inspect().Response) == http.StatusNotFound {
			return nil, store.NewNotFound("collection %s not found", t.index)
		}
		return nil, osError(err, "search %s", t.index)
	}
	return res, nil
}

func (s *Store) query(ctx context.Context, p *store.OperationParser) (store.ItemList, error) {
	t, err := s.target(p)
	if err != nil {
		return store.ItemList{}, err
	}
	c := compiler{resolve: t.proc.ResolveField}
	limit, hasLimit := p.Limit()
	if !hasLimit {
		limit = -1
	}
	query, scored, err := c.query(p, limit)
	if err != nil {
		return store.ItemList{}, err
	}
	body := map[string]any{"query": query}
	if hasLimit && limit >= 0 {
		body["size"] = limit
	}
	if offset, ok := p.Offset(); ok && offset > 0 {
		body["from"] = offset
	}
	orderBy, err := p.OrderBy()
	if err != nil {
		return store.ItemList{}, err
	}
	if orderBy != nil {
		body["sort"] = c.sort(orderBy)
	}
	sel, err := p.Select()
	if err != nil {
		return store.ItemList{}, err
	}

	res, err := s.search(ctx, t, body, opensearchapi.SearchParams{})
	if err != nil {
		return store.ItemList{}, err
	}
	list := store.ItemList{Items: make([]store.Item, 0, len(res.Hits.Hits))}
	for _, hit := range res.Hits.Hits {
		var doc map[string]any
		if err := json.Unmarshal(hit.Source, &doc); err != nil {
			return store.ItemList{}, osError(err, "decode hit %s", hit.ID)
		}
		item := store.BuildItem(t.proc, doc, true)
		if scored {
			item = item.WithScore(float64(hit.Score))
		}
		if sel != nil {
			if item.Value, err = ql.Project(item.Value, sel, t.proc.ResolveField); err != nil {
				return store.ItemList{}, store.NewError(err.Error(), store.WithCode(store.ErrBadRequest), store.WithCause(err))
			}
		}
		list.Items = append(list.Items, item)
	}
	return list, nil
}

// count asks for the total only.
func (s *Store) count(ctx context.Context, p *store.OperationParser) (int, error) {
	t, err := s.target(p)
	if err != nil {
		return 0, err
	}
	c := compiler{resolve: t.proc.ResolveField}
	query, _, err := c.query(p, -1)
	if err != nil {
		return 0, err
	}
	res, err := s.search(ctx, t, map[string]any{"query": query}, opensearchapi.SearchParams{
		Size:           opensearchapi.ToPointer(0),
		TrackTotalHits: true,
	})
	if err != nil {
		return 0, err
	}
	return res.Hits.Total.Value, nil
}
