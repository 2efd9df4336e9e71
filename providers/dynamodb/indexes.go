package dynamodb

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	store "github.com/cloudxsgmbh/storage-core-go"
)

// gsiTypes lists the simple index types a GSI key can serve.
var gsiTypes = map[store.IndexType]bool{
	store.IndexField: true,
	store.IndexHash:  true,
	store.IndexAsc:   true,
	store.IndexDesc:  true,
	store.IndexRange: true,
}

// gsiKeys maps idx onto a GSI key schema: a simple index becomes a hash key,
// a composite of two simple indexes a hash and range key.
func gsiKeys(proc *store.ItemProcessor, idx store.Index) ([]types.KeySchemaElement, []types.AttributeDefinition, bool) {
	var fields []string
	switch v := idx.(type) {
	case store.CompositeIndex:
		if len(v.Fields) == 0 || len(v.Fields) > 2 {
			return nil, nil, false
		}
		for _, part := range v.Fields {
			f, ok := part.(store.FieldIndexer)
			if !ok || !gsiTypes[part.IndexType()] {
				return nil, nil, false
			}
			fields = append(fields, f.FieldPath())
		}
	case store.FieldIndexer:
		if !gsiTypes[v.IndexType()] {
			return nil, nil, false
		}
		fields = []string{v.FieldPath()}
	default:
		return nil, nil, false
	}

	var schema []types.KeySchemaElement
	var defs []types.AttributeDefinition
	for i, f := range fields {
		kt := types.KeyTypeHash
		if i == 1 {
			kt = types.KeyTypeRange
		}
		at := types.ScalarAttributeTypeS
		switch proc.Mapping().FieldTypes[f] {
		case store.FieldTypeInteger, store.FieldTypeFloat, store.FieldTypeNumber:
			at = types.ScalarAttributeTypeN
		}
		schema = append(schema, types.KeySchemaElement{AttributeName: aws.String(f), KeyType: kt})
		defs = append(defs, types.AttributeDefinition{AttributeName: aws.String(f), AttributeType: at})
	}
	return schema, defs, true
}

// describeIndexes reads the GSIs of table back into index definitions,
// sorted by name.
func (s *Store) describeIndexes(ctx context.Context, table string) ([]store.Index, error) {
	res, err := s.client.DescribeTable(ctx, &ddb.DescribeTableInput{TableName: aws.String(table)})
	if err != nil {
		return nil, storeError(err, "describe table %s", table)
	}
	if res.Table == nil {
		return nil, nil
	}
	var out []store.Index
	for _, gsi := range res.Table.GlobalSecondaryIndexes {
		var hash, rng string
		for _, k := range gsi.KeySchema {
			if k.KeyType == types.KeyTypeRange {
				rng = aws.ToString(k.AttributeName)
			} else {
				hash = aws.ToString(k.AttributeName)
			}
		}
		base := store.IndexBase{Name: aws.ToString(gsi.IndexName)}
		if rng == "" {
			idx := store.NewHashIndex(hash)
			idx.IndexBase = base
			out = append(out, idx)
			continue
		}
		idx := store.NewCompositeIndex(store.NewHashIndex(hash), store.NewRangeIndex(rng))
		idx.IndexBase = base
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IndexName() < out[j].IndexName() })
	return out, nil
}

func findIndex(list []store.Index, name string) store.Index {
	for _, idx := range list {
		if idx.IndexName() == name {
			return idx
		}
	}
	return nil
}

// addIndex creates a GSI for idx unless an equal or covering one exists.
func (s *Store) addIndex(ctx context.Context, collection string, idx store.Index) (store.IndexResult, error) {
	proc := s.processor(collection)
	schema, defs, ok := gsiKeys(proc, idx)
	if !ok {
		return store.IndexResult{Status: store.IndexNotSupported, Index: idx}, nil
	}
	table := s.tableName(collection)
	existing, err := s.describeIndexes(ctx, table)
	if err != nil {
		return store.IndexResult{}, err
	}
	name := store.ConvertIndexName(idx, "", store.DefaultIndexPrefix)
	if found := findIndex(existing, name); found != nil {
		return store.IndexResult{Status: store.IndexExists, Index: found}, nil
	}
	if status, match := store.CheckIndexStatus(existing, idx); status != store.IndexNotExists {
		return store.IndexResult{Status: status, Index: match}, nil
	}

	_, tableDefs := s.keySchema(proc)
	_, err = s.client.UpdateTable(ctx, &ddb.UpdateTableInput{
		TableName:            aws.String(table),
		AttributeDefinitions: mergeDefinitions(tableDefs, defs),
		GlobalSecondaryIndexUpdates: []types.GlobalSecondaryIndexUpdate{{
			Create: &types.CreateGlobalSecondaryIndexAction{
				IndexName:  aws.String(name),
				KeySchema:  schema,
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		}},
	})
	if err != nil {
		return store.IndexResult{}, storeError(err, "create index %s on %s", name, table)
	}
	s.log.Info("dynamodb index created", map[string]any{"table": table, "index": name})
	return store.IndexResult{Status: store.IndexCreated}, nil
}

func mergeDefinitions(a, b []types.AttributeDefinition) []types.AttributeDefinition {
	seen := map[string]bool{}
	var out []types.AttributeDefinition
	for _, d := range append(append([]types.AttributeDefinition(nil), a...), b...) {
		name := aws.ToString(d.AttributeName)
		if !seen[name] {
			seen[name] = true
			out = append(out, d)
		}
	}
	return out
}

func (s *Store) createIndex(ctx context.Context, p *store.OperationParser) (store.IndexResult, error) {
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
	res, err := s.addIndex(ctx, name, idx)
	if err != nil {
		return store.IndexResult{}, err
	}
	if res.Status == store.IndexExists && hasExists && !exists {
		return store.IndexResult{}, store.NewConflict("index %s exists", store.ConvertIndexName(idx, "", store.DefaultIndexPrefix))
	}
	return res, nil
}

func (s *Store) dropIndex(ctx context.Context, p *store.OperationParser) (store.IndexResult, error) {
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
	table := s.tableName(name)
	existing, err := s.describeIndexes(ctx, table)
	if err != nil {
		return store.IndexResult{}, err
	}
	indexName := store.ConvertIndexName(idx, "", store.DefaultIndexPrefix)
	if findIndex(existing, indexName) == nil {
		if hasExists && exists {
			return store.IndexResult{}, store.NewNotFound("index %s not found", indexName)
		}
		return store.IndexResult{Status: store.IndexNotExists}, nil
	}
	_, err = s.client.UpdateTable(ctx, &ddb.UpdateTableInput{
		TableName: aws.String(table),
		GlobalSecondaryIndexUpdates: []types.GlobalSecondaryIndexUpdate{{
			Delete: &types.DeleteGlobalSecondaryIndexAction{IndexName: aws.String(indexName)},
		}},
	})
	if err != nil {
		return store.IndexResult{}, storeError(err, "drop index %s on %s", indexName, table)
	}
	return store.IndexResult{Status: store.IndexDropped}, nil
}

func (s *Store) listIndexes(ctx context.Context, p *store.OperationParser) ([]store.Index, error) {
	name, err := store.ResolveCollection(p, s.params.Collection)
	if err != nil {
		return nil, err
	}
	return s.describeIndexes(ctx, s.tableName(name))
}
