/*
Package store – index definitions.

Index is a tagged union: every variant reports its IndexType, and the simple
variants share an IndexField. Raw mappings are decoded with DecodeIndex.
*/
package store

import (
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// IndexType discriminates Index variants.
type IndexType string

const (
	IndexField        IndexType = "field"
	IndexComposite    IndexType = "composite"
	IndexAsc          IndexType = "asc"
	IndexDesc         IndexType = "desc"
	IndexArray        IndexType = "array"
	IndexExclude      IndexType = "exclude"
	IndexTTL          IndexType = "ttl"
	IndexGeospatial   IndexType = "geospatial"
	IndexText         IndexType = "text"
	IndexVector       IndexType = "vector"
	IndexSparseVector IndexType = "sparse_vector"
	IndexRange        IndexType = "range"
	IndexHash         IndexType = "hash"
	IndexWildcard     IndexType = "wildcard"
	IndexRank         IndexType = "rank"
)

// VectorMetric is the distance function of a vector index.
type VectorMetric string

const (
	MetricDotProduct      VectorMetric = "dot_product"
	MetricCosine          VectorMetric = "cosine"
	MetricEuclidean       VectorMetric = "euclidean"
	MetricManhattan       VectorMetric = "manhattan"
	MetricHamming         VectorMetric = "hamming"
	MetricMaxInnerProduct VectorMetric = "max_inner_product"
)

// VectorStructure is the storage structure of a vector index.
type VectorStructure string

const (
	StructureFlat          VectorStructure = "flat"
	StructureHNSW          VectorStructure = "hnsw"
	StructureDiskANN       VectorStructure = "diskann"
	StructureInt8HNSW      VectorStructure = "int8_hnsw"
	StructureInt4HNSW      VectorStructure = "int4_hnsw"
	StructureBQHNSW        VectorStructure = "bbq_hnsw"
	StructureInt8Flat      VectorStructure = "int8_flat"
	StructureInt4Flat      VectorStructure = "int4_flat"
	StructureBQFlat        VectorStructure = "bbq_flat"
	StructureQuantizedFlat VectorStructure = "quantized_flat"
)

// TextSimilarity is the scoring algorithm of a text index.
type TextSimilarity string

const (
	SimilarityBM25    TextSimilarity = "BM25"
	SimilarityBoolean TextSimilarity = "boolean"
)

// RankMethod is the scoring curve of a rank index.
type RankMethod string

const (
	RankLog        RankMethod = "log"
	RankSaturation RankMethod = "saturation"
	RankLinear     RankMethod = "linear"
	RankFreshness  RankMethod = "freshness"
)

// GeospatialFieldType distinguishes point and shape geo fields.
type GeospatialFieldType string

const (
	GeoPoint GeospatialFieldType = "point"
	GeoShape GeospatialFieldType = "shape"
)

// Index is any index definition.
type Index interface {
	IndexType() IndexType
	IndexName() string
}

// FieldIndexer is implemented by every variant indexing a single field.
type FieldIndexer interface {
	Index
	FieldPath() string
}

// IndexBase carries the attributes common to all variants.
type IndexBase struct {
	Name    string `json:"name,omitempty"`
	NConfig any    `json:"nconfig,omitempty"`
}

func (b IndexBase) IndexName() string { return b.Name }

// FieldSpec is the indexed field of a simple variant.
type FieldSpec struct {
	Field     string `json:"field"`
	FieldType string `json:"field_type,omitempty"`
}

func (f FieldSpec) FieldPath() string { return f.Field }

type (
	FieldIndex        struct{ IndexBase; FieldSpec }
	ExcludeIndex      struct{ IndexBase; FieldSpec }
	RangeIndex        struct{ IndexBase; FieldSpec }
	HashIndex         struct{ IndexBase; FieldSpec }
	AscIndex          struct{ IndexBase; FieldSpec }
	DescIndex         struct{ IndexBase; FieldSpec }
	ArrayIndex        struct{ IndexBase; FieldSpec }
	GeospatialIndex   struct{ IndexBase; FieldSpec }
	SparseVectorIndex struct{ IndexBase; FieldSpec }
)

// TTLIndex expires items by a timestamp field.
type TTLIndex struct {
	IndexBase
	Field string `json:"field"`
}

func (i TTLIndex) FieldPath() string { return i.Field }

// TextIndex is a full-text index.
type TextIndex struct {
	IndexBase
	FieldSpec
	Variant    string         `json:"variant,omitempty"`
	Similarity TextSimilarity `json:"similarity,omitempty"`
}

// VectorIndex is a dense vector index.
type VectorIndex struct {
	IndexBase
	FieldSpec
	Dimension          int             `json:"dimension"`
	Metric             VectorMetric    `json:"metric"`
	Structure          VectorStructure `json:"structure,omitempty"`
	M                  int             `json:"m,omitempty"`
	EfConstruction     int             `json:"ef_construction,omitempty"`
	EfRuntime          int             `json:"ef_runtime,omitempty"`
	Epsilon            float64         `json:"epsilon,omitempty"`
	ConfidenceInterval float64         `json:"confidence_interval,omitempty"`
	Partitions         int             `json:"partitions,omitempty"`
}

// WildcardIndex indexes every path under Field except Excluded.
type WildcardIndex struct {
	IndexBase
	Field    string   `json:"field"`
	Excluded []string `json:"excluded,omitempty"`
}

func (i WildcardIndex) FieldPath() string { return i.Field }

// RankIndex boosts scores by a numeric field.
type RankIndex struct {
	IndexBase
	Field      string     `json:"field"`
	Method     RankMethod `json:"method"`
	Weight     float64    `json:"weight,omitempty"`
	RangeStart float64    `json:"range_start,omitempty"`
	RangeEnd   float64    `json:"range_end,omitempty"`
}

func (i RankIndex) FieldPath() string { return i.Field }

// CompositeIndex is an ordered list of simple indexes.
type CompositeIndex struct {
	IndexBase
	Fields []Index `json:"fields"`
}

func (FieldIndex) IndexType() IndexType        { return IndexField }
func (ExcludeIndex) IndexType() IndexType      { return IndexExclude }
func (RangeIndex) IndexType() IndexType        { return IndexRange }
func (HashIndex) IndexType() IndexType         { return IndexHash }
func (AscIndex) IndexType() IndexType          { return IndexAsc }
func (DescIndex) IndexType() IndexType         { return IndexDesc }
func (ArrayIndex) IndexType() IndexType        { return IndexArray }
func (GeospatialIndex) IndexType() IndexType   { return IndexGeospatial }
func (SparseVectorIndex) IndexType() IndexType { return IndexSparseVector }
func (TTLIndex) IndexType() IndexType          { return IndexTTL }
func (TextIndex) IndexType() IndexType         { return IndexText }
func (VectorIndex) IndexType() IndexType       { return IndexVector }
func (WildcardIndex) IndexType() IndexType     { return IndexWildcard }
func (RankIndex) IndexType() IndexType         { return IndexRank }
func (CompositeIndex) IndexType() IndexType    { return IndexComposite }

// ─── constructors ────────────────────────────────────────────────────────────

func NewFieldIndex(field string) FieldIndex { return FieldIndex{FieldSpec: FieldSpec{Field: field}} }
func NewHashIndex(field string) HashIndex   { return HashIndex{FieldSpec: FieldSpec{Field: field}} }
func NewAscIndex(field string) AscIndex     { return AscIndex{FieldSpec: FieldSpec{Field: field}} }
func NewDescIndex(field string) DescIndex   { return DescIndex{FieldSpec: FieldSpec{Field: field}} }
func NewRangeIndex(field string) RangeIndex { return RangeIndex{FieldSpec: FieldSpec{Field: field}} }
func NewArrayIndex(field string) ArrayIndex { return ArrayIndex{FieldSpec: FieldSpec{Field: field}} }
func NewTTLIndex(field string) TTLIndex     { return TTLIndex{Field: field} }
func NewTextIndex(field string) TextIndex   { return TextIndex{FieldSpec: FieldSpec{Field: field}} }

// NewVectorIndex returns a vector index with the default metric.
func NewVectorIndex(field string, dimension int) VectorIndex {
	return VectorIndex{FieldSpec: FieldSpec{Field: field}, Dimension: dimension, Metric: MetricDotProduct}
}

// NewWildcardIndex indexes field ("*" for everything) minus excluded.
func NewWildcardIndex(field string, excluded ...string) WildcardIndex {
	return WildcardIndex{Field: field, Excluded: excluded}
}

// NewCompositeIndex groups fields in order.
func NewCompositeIndex(fields ...Index) CompositeIndex {
	return CompositeIndex{Fields: fields}
}

// ─── status ──────────────────────────────────────────────────────────────────

// IndexStatus is the outcome of an index check or index call.
type IndexStatus string

const (
	IndexCreated      IndexStatus = "created"
	IndexExists       IndexStatus = "exists"
	IndexCovered      IndexStatus = "covered"
	IndexDropped      IndexStatus = "dropped"
	IndexNotExists    IndexStatus = "not_exists"
	IndexNotSupported IndexStatus = "not_supported"
	IndexError        IndexStatus = "error"
)

// IndexResult reports the outcome of an index call.
type IndexResult struct {
	Status IndexStatus `json:"status"`
	Index  Index       `json:"index,omitempty"`
	Err    string      `json:"error,omitempty"`
}

// CollectionStatus is the outcome of a collection call.
type CollectionStatus string

const (
	CollectionCreated   CollectionStatus = "created"
	CollectionExists    CollectionStatus = "exists"
	CollectionDropped   CollectionStatus = "dropped"
	CollectionNotExists CollectionStatus = "not_exists"
)

// CollectionResult reports the outcome of a collection call.
type CollectionResult struct {
	Status  CollectionStatus `json:"status"`
	Indexes []IndexResult    `json:"indexes,omitempty"`
}

// CollectionConfig is the "config" argument of create_collection.
type CollectionConfig struct {
	Indexes []Index `json:"indexes"`
}

// DecodeCollectionConfig accepts a CollectionConfig, a pointer to one, or a
// mapping with an "indexes" list. nil decodes to an empty config.
func DecodeCollectionConfig(raw any) (CollectionConfig, error) {
	switch v := raw.(type) {
	case nil:
		return CollectionConfig{}, nil
	case CollectionConfig:
		return v, nil
	case *CollectionConfig:
		if v == nil {
			return CollectionConfig{}, nil
		}
		return *v, nil
	case map[string]any:
		var cfg CollectionConfig
		list, ok := v["indexes"]
		if !ok || list == nil {
			return cfg, nil
		}
		hooked, err := indexSliceHook(nil, indexSliceType, list)
		if err != nil {
			return cfg, err
		}
		indexes, ok := hooked.([]Index)
		if !ok {
			return cfg, NewBadRequest("Collection config format error")
		}
		cfg.Indexes = indexes
		return cfg, nil
	}
	return CollectionConfig{}, NewBadRequest("Collection config format error")
}

// ─── decoding ────────────────────────────────────────────────────────────────

// newIndexOfType returns a pointer to a zero variant with defaults applied.
func newIndexOfType(t IndexType) (any, bool) {
	switch t {
	case IndexField:
		return &FieldIndex{}, true
	case IndexExclude:
		return &ExcludeIndex{}, true
	case IndexRange:
		return &RangeIndex{}, true
	case IndexHash:
		return &HashIndex{}, true
	case IndexAsc:
		return &AscIndex{}, true
	case IndexDesc:
		return &DescIndex{}, true
	case IndexArray:
		return &ArrayIndex{}, true
	case IndexTTL:
		return &TTLIndex{}, true
	case IndexGeospatial:
		return &GeospatialIndex{}, true
	case IndexText:
		return &TextIndex{}, true
	case IndexVector:
		return &VectorIndex{FieldSpec: FieldSpec{Field: "vector"}, Dimension: 4, Metric: MetricDotProduct}, true
	case IndexSparseVector:
		return &SparseVectorIndex{FieldSpec: FieldSpec{Field: "sparse_vector"}}, true
	case IndexWildcard:
		return &WildcardIndex{Field: "*"}, true
	case IndexComposite:
		return &CompositeIndex{}, true
	case IndexRank:
		return &RankIndex{Method: RankLog}, true
	}
	return nil, false
}

// DecodeIndex turns a raw mapping into its Index variant. Values that are
// already an Index pass through. An unknown or missing "type" is rejected
// with BadRequest "Index format error".
func DecodeIndex(raw any) (Index, error) {
	if idx, ok := raw.(Index); ok {
		return idx, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, NewBadRequest("Index format error")
	}
	t, _ := m["type"].(string)
	target, ok := newIndexOfType(IndexType(t))
	if !ok {
		return nil, NewBadRequest("Index format error")
	}

	config := &mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
		Squash:           true,
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(indexSliceHook),
	}
	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return nil, NewError("Index format error", WithCode(ErrBadRequest), WithCause(err))
	}
	if err := decoder.Decode(m); err != nil {
		return nil, NewError("Index format error", WithCode(ErrBadRequest), WithCause(err))
	}
	return reflect.ValueOf(target).Elem().Interface().(Index), nil
}

var indexSliceType = reflect.TypeOf([]Index{})

// indexSliceHook decodes composite sub-indexes.
func indexSliceHook(_, to reflect.Type, data any) (any, error) {
	if to != indexSliceType {
		return data, nil
	}
	if s, ok := data.([]Index); ok {
		return s, nil
	}
	var raw []any
	switch v := data.(type) {
	case []any:
		raw = v
	case []map[string]any:
		for _, m := range v {
			raw = append(raw, m)
		}
	default:
		return data, nil
	}
	out := make([]Index, 0, len(raw))
	for _, r := range raw {
		idx, err := DecodeIndex(r)
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}
