/*
Package dynamodb – DynamoDB document store.

Each collection is a table named TablePrefix + collection. The hash key is the
id embed field of the collection's field mapping and the optional range key
is its pk embed field. Where clauses compile into condition and filter
expressions, set clauses into update expressions. Queries scan the table.
*/
package dynamodb

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"

	store "github.com/cloudxsgmbh/storage-core-go"
	"github.com/cloudxsgmbh/storage-core-go/internal/uid"
	"github.com/cloudxsgmbh/storage-core-go/ql"
)

// DynamoClient is the subset of *dynamodb.Client used by Store.
type DynamoClient interface {
	GetItem(ctx context.Context, params *ddb.GetItemInput, optFns ...func(*ddb.Options)) (*ddb.GetItemOutput, error)
	PutItem(ctx context.Context, params *ddb.PutItemInput, optFns ...func(*ddb.Options)) (*ddb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *ddb.DeleteItemInput, optFns ...func(*ddb.Options)) (*ddb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *ddb.UpdateItemInput, optFns ...func(*ddb.Options)) (*ddb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *ddb.ScanInput, optFns ...func(*ddb.Options)) (*ddb.ScanOutput, error)

	BatchWriteItem(ctx context.Context, params *ddb.BatchWriteItemInput, optFns ...func(*ddb.Options)) (*ddb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *ddb.TransactWriteItemsInput, optFns ...func(*ddb.Options)) (*ddb.TransactWriteItemsOutput, error)

	CreateTable(ctx context.Context, params *ddb.CreateTableInput, optFns ...func(*ddb.Options)) (*ddb.CreateTableOutput, error)
	DeleteTable(ctx context.Context, params *ddb.DeleteTableInput, optFns ...func(*ddb.Options)) (*ddb.DeleteTableOutput, error)
	UpdateTable(ctx context.Context, params *ddb.UpdateTableInput, optFns ...func(*ddb.Options)) (*ddb.UpdateTableOutput, error)
	DescribeTable(ctx context.Context, params *ddb.DescribeTableInput, optFns ...func(*ddb.Options)) (*ddb.DescribeTableOutput, error)
	ListTables(ctx context.Context, params *ddb.ListTablesInput, optFns ...func(*ddb.Options)) (*ddb.ListTablesOutput, error)
}

// DefaultFields maps the id onto the "pk" hash key.
var DefaultFields = store.FieldMapping{
	IDMapField:     "id",
	IDEmbedField:   "pk",
	EtagEmbedField: "_etag",
	LocalEtag:      true,
}

// Params configures a Store.
type Params struct {
	Client      DynamoClient                  // required
	Collection  string                        // default collection
	TablePrefix string                        // prepended to every collection name
	Fields      *store.FieldMapping           // nil → DefaultFields
	Collections map[string]store.FieldMapping // per-collection overrides
	Indexes     map[string][]store.Index      // GSIs created by create_collection
	Parser      ql.Parser                     // parses text clauses; nil rejects them
	Logger      store.Logger                  // nil → NopLogger
}

// Store is a DynamoDB-backed document store. It is safe for concurrent use.
type Store struct {
	client DynamoClient
	params Params
	fields store.FieldMapping
	log    store.Logger

	mu    sync.Mutex
	procs map[string]*store.ItemProcessor
}

// New creates a Store.
func New(params Params) (*Store, error) {
	if params.Client == nil {
		return nil, errors.New("dynamodb: client is required")
	}
	fields := DefaultFields
	if params.Fields != nil {
		fields = *params.Fields
	}
	if fields.IDEmbedField == "" {
		return nil, errors.New("dynamodb: id_embed_field is required as hash key")
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

// NewClient builds an SDK client for cfg. creds may be nil to use the SDK
// default resolution of the caller's environment.
func NewClient(cfg store.DynamoDBConfig, creds aws.CredentialsProvider) *ddb.Client {
	opts := ddb.Options{Region: cfg.Region, Credentials: creds}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return ddb.New(opts)
}

// NewFromConfig builds a Store from the dynamodb section of cfg.
func NewFromConfig(cfg store.Config, client DynamoClient, parser ql.Parser, log store.Logger) (*Store, error) {
	if cfg.DynamoDB == nil {
		return nil, errors.New("dynamodb: section missing")
	}
	fields := cfg.Fields
	if fields.IDMapField == "" && fields.IDEmbedField == "" {
		fields = DefaultFields.Merge(fields)
	}
	if cfg.DynamoDB.HashKey != "" {
		fields.IDEmbedField = cfg.DynamoDB.HashKey
	}
	if cfg.DynamoDB.RangeKey != "" {
		fields.PKEmbedField = cfg.DynamoDB.RangeKey
	}
	params := Params{
		Client:      client,
		Collection:  cfg.Collection,
		TablePrefix: cfg.DynamoDB.TablePrefix,
		Fields:      &fields,
		Parser:      parser,
		Logger:      log,
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

func (s *Store) tableName(collection string) string { return s.params.TablePrefix + collection }

// ─── dispatch ────────────────────────────────────────────────────────────────

// Run executes op.
func (s *Store) Run(ctx context.Context, op *store.Operation) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := store.NewOperationParser(op, s.params.Parser)
	s.log.Trace("dynamodb run", map[string]any{"op": op.String()})

	var (
		res any
		err error
	)
	switch {
	case p.OpEquals(store.OpCreateCollection):
		res, err = s.createCollection(ctx, p)
	case p.OpEquals(store.OpDropCollection):
		res, err = s.dropCollection(ctx, p)
	case p.OpEquals(store.OpListCollections):
		res, err = s.listCollections(ctx)
	case p.OpEquals(store.OpHasCollection):
		res, err = s.hasCollection(ctx, p)
	case p.OpEquals(store.OpCreateIndex):
		res, err = s.createIndex(ctx, p)
	case p.OpEquals(store.OpDropIndex):
		res, err = s.dropIndex(ctx, p)
	case p.OpEquals(store.OpListIndexes):
		res, err = s.listIndexes(ctx, p)
	case p.OpEquals(store.OpExists):
		res, err = s.exists(ctx, p)
	case p.OpEquals(store.OpGet):
		res, err = s.get(ctx, p)
	case p.OpEquals(store.OpPut):
		res, err = s.put(ctx, p)
	case p.OpEquals(store.OpUpdate):
		res, err = s.update(ctx, p)
	case p.OpEquals(store.OpDelete):
		err = s.delete(ctx, p)
	case p.OpEquals(store.OpQuery):
		res, err = s.query(ctx, p)
	case p.OpEquals(store.OpCount):
		res, err = s.count(ctx, p)
	case p.OpEquals(store.OpBatch):
		res, err = s.batch(ctx, p)
	case p.OpEquals(store.OpTransact):
		res, err = s.transact(ctx, p)
	case p.OpEquals(store.OpGenerate):
		res = uid.ULID()
	case p.OpEquals(store.OpClose):
	default:
		return nil, store.NewNotSupported("%s not supported by dynamodb store", p.OpName())
	}
	if code := store.CodeOf(err); err != nil && (code == "" || code == store.ErrInternal) {
		s.log.Error("dynamodb run failed", map[string]any{"op": p.OpName(), "error": err.Error()})
	}
	return res, err
}

// ─── errors ──────────────────────────────────────────────────────────────────

func isConditionalFailed(err error) bool {
	if err == nil {
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	return strings.Contains(err.Error(), "ConditionalCheckFailed")
}

func isTransactionCanceled(err error) bool {
	if err == nil {
		return false
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		return true
	}
	return strings.Contains(err.Error(), "TransactionCanceledException")
}

func isResourceNotFound(err error) bool {
	var rnf *types.ResourceNotFoundException
	return errors.As(err, &rnf) || (err != nil && strings.Contains(err.Error(), "ResourceNotFoundException"))
}

func isResourceInUse(err error) bool {
	var riu *types.ResourceInUseException
	return errors.As(err, &riu) || (err != nil && strings.Contains(err.Error(), "ResourceInUseException"))
}

// storeError wraps a client failure. A missing table is NotFound.
func storeError(err error, format string, args ...any) error {
	wrapped := errors.Wrapf(err, format, args...)
	code := store.ErrInternal
	if isResourceNotFound(err) {
		code = store.ErrNotFound
	}
	return store.NewError(wrapped.Error(), store.WithCode(code), store.WithCause(wrapped))
}

// ─── collections ─────────────────────────────────────────────────────────────

func (s *Store) keySchema(proc *store.ItemProcessor) ([]types.KeySchemaElement, []types.AttributeDefinition) {
	m := proc.Mapping()
	schema := []types.KeySchemaElement{{AttributeName: aws.String(m.IDEmbedField), KeyType: types.KeyTypeHash}}
	defs := []types.AttributeDefinition{{AttributeName: aws.String(m.IDEmbedField), AttributeType: types.ScalarAttributeTypeS}}
	if m.PKEmbedField != "" && m.PKEmbedField != m.IDEmbedField {
		schema = append(schema, types.KeySchemaElement{AttributeName: aws.String(m.PKEmbedField), KeyType: types.KeyTypeRange})
		defs = append(defs, types.AttributeDefinition{AttributeName: aws.String(m.PKEmbedField), AttributeType: types.ScalarAttributeTypeS})
	}
	return schema, defs
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

	schema, defs := s.keySchema(s.processor(name))
	table := s.tableName(name)
	result := store.CollectionResult{Status: store.CollectionCreated}
	_, err = s.client.CreateTable(ctx, &ddb.CreateTableInput{
		TableName:            aws.String(table),
		KeySchema:            schema,
		AttributeDefinitions: defs,
		BillingMode:          types.BillingModePayPerRequest,
	})
	switch {
	case isResourceInUse(err):
		if hasExists && !exists {
			return store.CollectionResult{}, store.NewConflict("collection %s exists", name)
		}
		result.Status = store.CollectionExists
	case err != nil:
		return store.CollectionResult{}, storeError(err, "create table %s", table)
	default:
		s.log.Info("dynamodb table created", map[string]any{"table": table})
	}
	for _, idx := range indexes {
		res, err := s.addIndex(ctx, name, idx)
		if err != nil {
			return store.CollectionResult{}, err
		}
		result.Indexes = append(result.Indexes, res)
	}
	return result, nil
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
	table := s.tableName(name)
	_, err = s.client.DeleteTable(ctx, &ddb.DeleteTableInput{TableName: aws.String(table)})
	switch {
	case isResourceNotFound(err):
		if hasExists && exists {
			return store.CollectionResult{}, store.NewNotFound("collection %s not found", name)
		}
		return store.CollectionResult{Status: store.CollectionNotExists}, nil
	case err != nil:
		return store.CollectionResult{}, storeError(err, "delete table %s", table)
	}
	return store.CollectionResult{Status: store.CollectionDropped}, nil
}

func (s *Store) listCollections(ctx context.Context) ([]string, error) {
	var (
		out   []string
		start *string
	)
	for {
		res, err := s.client.ListTables(ctx, &ddb.ListTablesInput{ExclusiveStartTableName: start})
		if err != nil {
			return nil, storeError(err, "list tables")
		}
		for _, t := range res.TableNames {
			if strings.HasPrefix(t, s.params.TablePrefix) {
				out = append(out, strings.TrimPrefix(t, s.params.TablePrefix))
			}
		}
		if res.LastEvaluatedTableName == nil {
			break
		}
		start = res.LastEvaluatedTableName
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) hasCollection(ctx context.Context, p *store.OperationParser) (bool, error) {
	name, err := store.ResolveCollection(p, s.params.Collection)
	if err != nil {
		return false, err
	}
	table := s.tableName(name)
	_, err = s.client.DescribeTable(ctx, &ddb.DescribeTableInput{TableName: aws.String(table)})
	if isResourceNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, storeError(err, "describe table %s", table)
	}
	return true, nil
}

// ─── items ───────────────────────────────────────────────────────────────────

// target bundles what a single-item call needs.
type target struct {
	table string
	proc  *store.ItemProcessor
}

func (s *Store) target(p *store.OperationParser) (target, error) {
	name, err := store.ResolveCollection(p, s.params.Collection)
	if err != nil {
		return target{}, err
	}
	return target{table: s.tableName(name), proc: s.processor(name)}, nil
}

func (t target) expression() *expression {
	return newExpression(t.proc.Mapping().IDEmbedField, t.proc.ResolveField)
}

func (t target) keyOf(p *store.OperationParser) (map[string]types.AttributeValue, error) {
	key, ok := p.Key()
	if !ok {
		return nil, store.NewBadRequest("key missing")
	}
	return marshalKey(t.proc.KeyFromKey(key))
}

func marshalKey(native map[string]any) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(native)
	if err != nil {
		return nil, store.NewBadRequest("invalid key: %v", err)
	}
	return av, nil
}

// document builds the stored form of a put value.
func (t target) document(p *store.OperationParser) (map[string]any, map[string]types.AttributeValue, error) {
	value, err := store.ValueDocument(p)
	if err != nil {
		return nil, nil, err
	}
	key, _ := p.Key()
	doc := t.proc.AddEmbedFields(value, key)
	if _, ok := doc[t.proc.Mapping().IDEmbedField]; !ok {
		return nil, nil, store.NewBadRequest("key missing")
	}
	item, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return nil, nil, store.NewBadRequest("cannot marshal value: %v", err)
	}
	return doc, item, nil
}

func unmarshal(item map[string]types.AttributeValue) (map[string]any, error) {
	out := map[string]any{}
	if err := attributevalue.UnmarshalMap(item, &out); err != nil {
		return nil, errors.Wrap(err, "unmarshal item")
	}
	return out, nil
}

func (s *Store) exists(ctx context.Context, p *store.OperationParser) (bool, error) {
	t, err := s.target(p)
	if err != nil {
		return false, err
	}
	key, err := t.keyOf(p)
	if err != nil {
		return false, err
	}
	e := t.expression()
	proj, _ := e.path(t.proc.Mapping().IDEmbedField)
	res, err := s.client.GetItem(ctx, &ddb.GetItemInput{
		TableName:                aws.String(t.table),
		Key:                      key,
		ProjectionExpression:     aws.String(proj),
		ExpressionAttributeNames: e.attributeNames(),
	})
	if err != nil {
		return false, storeError(err, "get %s", t.table)
	}
	return len(res.Item) > 0, nil
}

func (s *Store) get(ctx context.Context, p *store.OperationParser) (store.Item, error) {
	t, err := s.target(p)
	if err != nil {
		return store.Item{}, err
	}
	key, err := t.keyOf(p)
	if err != nil {
		return store.Item{}, err
	}
	res, err := s.client.GetItem(ctx, &ddb.GetItemInput{
		TableName:      aws.String(t.table),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return store.Item{}, storeError(err, "get %s", t.table)
	}
	if len(res.Item) == 0 {
		return store.Item{}, store.NewNotFound("item not found")
	}
	doc, err := unmarshal(res.Item)
	if err != nil {
		return store.Item{}, err
	}
	return store.BuildItem(t.proc, doc, true), nil
}

func (s *Store) put(ctx context.Context, p *store.OperationParser) (store.Item, error) {
	t, err := s.target(p)
	if err != nil {
		return store.Item{}, err
	}
	in, doc, err := t.putInput(p)
	if err != nil {
		return store.Item{}, err
	}
	if _, err := s.client.PutItem(ctx, in); err != nil {
		if isConditionalFailed(err) {
			return store.Item{}, store.NewPreconditionFailed("put precondition failed")
		}
		return store.Item{}, storeError(err, "put %s", t.table)
	}
	returning, _ := p.Returning()
	return store.BuildItem(t.proc, doc, returning == "new"), nil
}

func (t target) putInput(p *store.OperationParser) (*ddb.PutItemInput, map[string]any, error) {
	doc, item, err := t.document(p)
	if err != nil {
		return nil, nil, err
	}
	e := t.expression()
	cond, err := e.condition(p, false)
	if err != nil {
		return nil, nil, err
	}
	values, err := e.attributeValues()
	if err != nil {
		return nil, nil, err
	}
	in := &ddb.PutItemInput{
		TableName:                 aws.String(t.table),
		Item:                      item,
		ExpressionAttributeNames:  e.attributeNames(),
		ExpressionAttributeValues: values,
	}
	if cond != "" {
		in.ConditionExpression = aws.String(cond)
	}
	return in, doc, nil
}

func (t target) updateInput(p *store.OperationParser) (*ddb.UpdateItemInput, error) {
	key, err := t.keyOf(p)
	if err != nil {
		return nil, err
	}
	set, err := p.Set()
	if err != nil {
		return nil, err
	}
	if t.proc.NeedsLocalEtag() {
		set = t.proc.AddEtagUpdate(set, t.proc.GenerateEtag())
	}
	e := t.expression()
	upd, err := e.update(set)
	if err != nil {
		return nil, err
	}
	cond, err := e.condition(p, true)
	if err != nil {
		return nil, err
	}
	values, err := e.attributeValues()
	if err != nil {
		return nil, err
	}
	return &ddb.UpdateItemInput{
		TableName:                 aws.String(t.table),
		Key:                       key,
		UpdateExpression:          aws.String(upd),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  e.attributeNames(),
		ExpressionAttributeValues: values,
	}, nil
}

// conditionError maps a failed condition: without a where clause the item
// was missing, otherwise the precondition did not hold.
func conditionError(p *store.OperationParser, op string) error {
	if where, _ := p.Where(); where == nil {
		return store.NewNotFound("item not found")
	}
	return store.NewPreconditionFailed("%s precondition failed", op)
}

func (s *Store) update(ctx context.Context, p *store.OperationParser) (store.Item, error) {
	t, err := s.target(p)
	if err != nil {
		return store.Item{}, err
	}
	in, err := t.updateInput(p)
	if err != nil {
		return store.Item{}, err
	}
	returning, _ := p.Returning()
	in.ReturnValues = types.ReturnValueAllNew
	if returning == "old" {
		in.ReturnValues = types.ReturnValueAllOld
	}
	res, err := s.client.UpdateItem(ctx, in)
	if err != nil {
		if isConditionalFailed(err) {
			return store.Item{}, conditionError(p, "update")
		}
		return store.Item{}, storeError(err, "update %s", t.table)
	}
	doc, err := unmarshal(res.Attributes)
	if err != nil {
		return store.Item{}, err
	}
	return store.BuildItem(t.proc, doc, returning == "new" || returning == "old"), nil
}

func (t target) deleteInput(p *store.OperationParser) (*ddb.DeleteItemInput, error) {
	key, err := t.keyOf(p)
	if err != nil {
		return nil, err
	}
	e := t.expression()
	cond, err := e.condition(p, true)
	if err != nil {
		return nil, err
	}
	values, err := e.attributeValues()
	if err != nil {
		return nil, err
	}
	return &ddb.DeleteItemInput{
		TableName:                 aws.String(t.table),
		Key:                       key,
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  e.attributeNames(),
		ExpressionAttributeValues: values,
	}, nil
}

func (s *Store) delete(ctx context.Context, p *store.OperationParser) error {
	t, err := s.target(p)
	if err != nil {
		return err
	}
	in, err := t.deleteInput(p)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteItem(ctx, in); err != nil {
		if isConditionalFailed(err) {
			return conditionError(p, "delete")
		}
		return storeError(err, "delete %s", t.table)
	}
	return nil
}

// ─── scans ───────────────────────────────────────────────────────────────────

// encodeContinuation renders a start key as base64 JSON.
func encodeContinuation(key map[string]types.AttributeValue) (string, error) {
	plain, err := unmarshal(key)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(plain)
	if err != nil {
		return "", errors.Wrap(err, "encode continuation")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeContinuation(token string) (map[string]types.AttributeValue, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, store.NewBadRequest("invalid continuation")
	}
	var plain map[string]any
	if err := json.Unmarshal(b, &plain); err != nil {
		return nil, store.NewBadRequest("invalid continuation")
	}
	return marshalKey(plain)
}

// scanInput compiles the where clause of p into a scan of the target table.
func (t target) scanInput(p *store.OperationParser) (*ddb.ScanInput, error) {
	where, err := p.Where()
	if err != nil {
		return nil, err
	}
	e := t.expression()
	filter, err := e.filter(where)
	if err != nil {
		return nil, err
	}
	values, err := e.attributeValues()
	if err != nil {
		return nil, err
	}
	in := &ddb.ScanInput{
		TableName:                 aws.String(t.table),
		ExpressionAttributeNames:  e.attributeNames(),
		ExpressionAttributeValues: values,
	}
	if filter != "" {
		in.FilterExpression = aws.String(filter)
	}
	return in, nil
}

func (s *Store) query(ctx context.Context, p *store.OperationParser) (store.ItemList, error) {
	t, err := s.target(p)
	if err != nil {
		return store.ItemList{}, err
	}
	in, err := t.scanInput(p)
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
	if token, ok := p.Continuation(); ok && token != "" {
		if in.ExclusiveStartKey, err = decodeContinuation(token); err != nil {
			return store.ItemList{}, err
		}
	}
	limit, hasLimit := p.Limit()
	offset, _ := p.Offset()
	if offset < 0 {
		offset = 0
	}

	// Ordered results need the whole table; otherwise stop once the page is
	// full and continue after its last item.
	want := -1
	if hasLimit && limit >= 0 && orderBy == nil {
		want = offset + limit
	}
	var docs []map[string]any
	var next map[string]types.AttributeValue
	for want != 0 {
		res, err := s.client.Scan(ctx, in)
		if err != nil {
			return store.ItemList{}, storeError(err, "scan %s", t.table)
		}
		for _, raw := range res.Items {
			doc, err := unmarshal(raw)
			if err != nil {
				return store.ItemList{}, err
			}
			docs = append(docs, doc)
			if want >= 0 && len(docs) == want {
				break
			}
		}
		if want >= 0 && len(docs) == want {
			if len(docs) > 0 {
				last := t.proc.KeyFromValue(docs[len(docs)-1])
				if next, err = marshalKey(last); err != nil {
					return store.ItemList{}, err
				}
			}
			break
		}
		if len(res.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = res.LastEvaluatedKey
	}

	docs = ql.Order(docs, orderBy, t.proc.ResolveField)
	if orderBy != nil && hasLimit {
		docs = ql.Limit(docs, limit, offset)
	} else {
		docs = ql.Limit(docs, -1, offset)
	}
	list := store.ItemList{Items: make([]store.Item, 0, len(docs))}
	for _, d := range docs {
		item := store.BuildItem(t.proc, d, true)
		if sel != nil {
			projected, err := ql.Project(d, sel, t.proc.ResolveField)
			if err != nil {
				return store.ItemList{}, store.NewError(err.Error(), store.WithCode(store.ErrBadRequest), store.WithCause(err))
			}
			item.Value = projected
		}
		list.Items = append(list.Items, item)
	}
	if next != nil {
		if list.Continuation, err = encodeContinuation(next); err != nil {
			return store.ItemList{}, err
		}
	}
	return list, nil
}

func (s *Store) count(ctx context.Context, p *store.OperationParser) (int, error) {
	t, err := s.target(p)
	if err != nil {
		return 0, err
	}
	in, err := t.scanInput(p)
	if err != nil {
		return 0, err
	}
	in.Select = types.SelectCount
	total := 0
	for {
		res, err := s.client.Scan(ctx, in)
		if err != nil {
			return 0, storeError(err, "scan %s", t.table)
		}
		total += int(res.Count)
		if len(res.LastEvaluatedKey) == 0 {
			return total, nil
		}
		in.ExclusiveStartKey = res.LastEvaluatedKey
	}
}
