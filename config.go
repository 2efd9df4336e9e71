/*
Package store – configuration.

Field mappings and provider settings are read from TOML. A Config carries a
default FieldMapping plus optional per-collection overrides.
*/
package store

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Declared field types understood by ItemProcessor.ConvertType.
const (
	FieldTypeObject         = "object"
	FieldTypeArray          = "array"
	FieldTypeInteger        = "integer"
	FieldTypeFloat          = "float"
	FieldTypeNumber         = "number"
	FieldTypeString         = "string"
	FieldTypeBoolean        = "boolean"
	FieldTypeNullableString = "string|null"
)

var fieldTypes = map[string]bool{
	FieldTypeObject:         true,
	FieldTypeArray:          true,
	FieldTypeInteger:        true,
	FieldTypeFloat:          true,
	FieldTypeNumber:         true,
	FieldTypeString:         true,
	FieldTypeBoolean:        true,
	FieldTypeNullableString: true,
}

// FieldMapping describes how logical id/pk/etag/score map onto value fields.
// An empty field name means "not configured".
type FieldMapping struct {
	IDEmbedField      string            `toml:"id_embed_field" json:"id_embed_field,omitempty"`
	PKEmbedField      string            `toml:"pk_embed_field" json:"pk_embed_field,omitempty"`
	EtagEmbedField    string            `toml:"etag_embed_field" json:"etag_embed_field,omitempty"`
	IDMapField        string            `toml:"id_map_field" json:"id_map_field,omitempty"`
	PKMapField        string            `toml:"pk_map_field" json:"pk_map_field,omitempty"`
	ScoreResolveField string            `toml:"score_resolve_field" json:"score_resolve_field,omitempty"`
	LocalEtag         bool              `toml:"local_etag" json:"local_etag,omitempty"`
	SuppressFields    []string          `toml:"suppress_fields" json:"suppress_fields,omitempty"`
	FieldTypes        map[string]string `toml:"field_types" json:"field_types,omitempty"`
}

// Validate checks declared field types and the local etag setting.
func (m *FieldMapping) Validate() error {
	for field, t := range m.FieldTypes {
		if !fieldTypes[t] {
			return fmt.Errorf("field %s: unsupported type %q", field, t)
		}
	}
	if m.LocalEtag && m.EtagEmbedField == "" {
		return fmt.Errorf("local_etag requires etag_embed_field")
	}
	return nil
}

// Merge overlays the non-empty fields of o onto m.
func (m FieldMapping) Merge(o FieldMapping) FieldMapping {
	if o.IDEmbedField != "" {
		m.IDEmbedField = o.IDEmbedField
	}
	if o.PKEmbedField != "" {
		m.PKEmbedField = o.PKEmbedField
	}
	if o.EtagEmbedField != "" {
		m.EtagEmbedField = o.EtagEmbedField
	}
	if o.IDMapField != "" {
		m.IDMapField = o.IDMapField
	}
	if o.PKMapField != "" {
		m.PKMapField = o.PKMapField
	}
	if o.ScoreResolveField != "" {
		m.ScoreResolveField = o.ScoreResolveField
	}
	if o.LocalEtag {
		m.LocalEtag = true
	}
	if o.SuppressFields != nil {
		m.SuppressFields = o.SuppressFields
	}
	if o.FieldTypes != nil {
		m.FieldTypes = o.FieldTypes
	}
	return m
}

// MemoryConfig configures the in-process document store.
type MemoryConfig struct {
	Indexes map[string][]map[string]any `toml:"indexes"`
}

// DynamoDBConfig configures the DynamoDB adapter.
type DynamoDBConfig struct {
	Region      string `toml:"region"`
	Endpoint    string `toml:"endpoint"`
	TablePrefix string `toml:"table_prefix"`
	HashKey     string `toml:"hash_key"`
	RangeKey    string `toml:"range_key"`
}

// RedisConfig configures the Redis adapter.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DB < 0 {
		return fmt.Errorf("db must not be negative")
	}
	return nil
}

// OpenSearchConfig configures the OpenSearch adapter.
type OpenSearchConfig struct {
	Addresses          []string `toml:"addresses"`
	Username           string   `toml:"username"`
	Password           string   `toml:"password"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify"`
}

func (c *OpenSearchConfig) Validate() error {
	if len(c.Addresses) == 0 {
		return fmt.Errorf("addresses is required")
	}
	return nil
}

// Config is the file-level configuration.
type Config struct {
	Collection  string                  `toml:"collection"`
	Fields      FieldMapping            `toml:"fields"`
	Collections map[string]FieldMapping `toml:"collections"`

	Memory     *MemoryConfig     `toml:"memory"`
	DynamoDB   *DynamoDBConfig   `toml:"dynamodb"`
	Redis      *RedisConfig      `toml:"redis"`
	OpenSearch *OpenSearchConfig `toml:"opensearch"`
}

// Validate checks all configured sections.
func (c *Config) Validate() error {
	if err := c.Fields.Validate(); err != nil {
		return fmt.Errorf("fields: %w", err)
	}
	for name, m := range c.Collections {
		merged := c.Fields.Merge(m)
		if err := merged.Validate(); err != nil {
			return fmt.Errorf("collections.%s: %w", name, err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if c.OpenSearch != nil {
		if err := c.OpenSearch.Validate(); err != nil {
			return fmt.Errorf("opensearch: %w", err)
		}
	}
	return nil
}

// FieldMappingFor returns the mapping for collection, with any override
// applied on top of the default.
func (c *Config) FieldMappingFor(collection string) FieldMapping {
	if m, ok := c.Collections[collection]; ok {
		return c.Fields.Merge(m)
	}
	return c.Fields
}

// ParseConfig decodes and validates TOML bytes.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return ParseConfig(data)
}
