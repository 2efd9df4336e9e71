/*
Package store – item processor.

ItemProcessor resolves identity (id, pk, etag) from keys and stored values
according to a FieldMapping, and rewrites special query fields into storage
fields. Every method is a pure function of the mapping and its arguments;
lookups that find nothing report ok=false instead of failing.
*/
package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/cloudxsgmbh/storage-core-go/ql"
)

// ItemProcessor applies a FieldMapping. It holds no mutable state and is safe
// for concurrent use.
type ItemProcessor struct {
	m FieldMapping
}

// NewItemProcessor returns a processor for m.
func NewItemProcessor(m FieldMapping) *ItemProcessor {
	return &ItemProcessor{m: m}
}

// Mapping returns the configured FieldMapping.
func (p *ItemProcessor) Mapping() FieldMapping { return p.m }

// SuppressFieldsIfNeeded drops the configured suppressed fields. The input is
// returned unchanged when nothing is configured.
func (p *ItemProcessor) SuppressFieldsIfNeeded(value map[string]any) map[string]any {
	if p.m.SuppressFields == nil {
		return value
	}
	out := make(map[string]any, len(value))
	for k, v := range value {
		if !contains(p.m.SuppressFields, k) {
			out[k] = v
		}
	}
	return out
}

// AddEmbedFields returns value with identity and etag fields injected. With a
// key, the embed fields are filled from the key and missing map fields are
// back-filled. Without a key, embed fields are copied from the map fields
// already present. The input map is never modified; it is returned as-is when
// nothing needs to change.
func (p *ItemProcessor) AddEmbedFields(value map[string]any, key Key) map[string]any {
	var cp map[string]any
	copyOnce := func() {
		if cp == nil {
			cp = make(map[string]any, len(value)+3)
			for k, v := range value {
				cp[k] = v
			}
		}
	}

	if !key.IsZero() {
		copyOnce()
		id, hasID := p.IDFromKey(key)
		pk, hasPK := p.PKFromKey(key)
		if p.m.IDEmbedField != "" && hasID {
			cp[p.m.IDEmbedField] = id
		}
		if p.m.PKEmbedField != "" && p.m.PKEmbedField != p.m.IDEmbedField && hasPK {
			cp[p.m.PKEmbedField] = pk
		}
		if p.m.IDMapField != "" && hasID {
			if _, ok := value[p.m.IDMapField]; !ok {
				cp[p.m.IDMapField] = id
			}
		}
		if p.m.PKMapField != "" && hasPK {
			if _, ok := value[p.m.PKMapField]; !ok {
				cp[p.m.PKMapField] = pk
			}
		}
	} else if p.m.IDMapField != "" || p.m.PKMapField != "" {
		copyOnce()
		if p.m.IDEmbedField != "" && p.m.IDMapField != "" {
			if v, ok := value[p.m.IDMapField]; ok {
				cp[p.m.IDEmbedField] = v
			}
		}
		if p.m.PKEmbedField != "" && p.m.PKMapField != "" && p.m.IDEmbedField != p.m.PKEmbedField {
			if v, ok := value[p.m.PKMapField]; ok {
				cp[p.m.PKEmbedField] = v
			}
		}
	}

	if p.NeedsLocalEtag() {
		copyOnce()
		cp[p.m.EtagEmbedField] = p.GenerateEtag()
	}
	if cp != nil {
		return cp
	}
	return value
}

// ─── identity from keys ──────────────────────────────────────────────────────

// IDFromKey resolves the id. A scalar key is the id; a structured key is
// probed embed field, map field, "$id", then "id".
func (p *ItemProcessor) IDFromKey(key Key) (any, bool) {
	return p.fromKey(key, p.m.IDEmbedField, p.m.IDMapField, SpecialID, KeyID)
}

// PKFromKey resolves the partition key the same way. A scalar key is also the pk.
func (p *ItemProcessor) PKFromKey(key Key) (any, bool) {
	return p.fromKey(key, p.m.PKEmbedField, p.m.PKMapField, SpecialPK, KeyPK)
}

func (p *ItemProcessor) fromKey(key Key, embed, mapped, special, short string) (any, bool) {
	switch key.Kind() {
	case KeyScalar:
		return key.Scalar(), true
	case KeyStructured:
		for _, f := range []string{embed, mapped, special, short} {
			if f == "" {
				continue
			}
			if v, ok := key.Lookup(f); ok {
				return v, true
			}
		}
	}
	return nil, false
}

// IDPKFromKey resolves both id and pk.
func (p *ItemProcessor) IDPKFromKey(key Key) (id, pk Optional[any]) {
	if v, ok := p.IDFromKey(key); ok {
		id = Some(v)
	}
	if v, ok := p.PKFromKey(key); ok {
		pk = Some(v)
	}
	return id, pk
}

// ─── identity from values ────────────────────────────────────────────────────

// IDFromValue probes the embed field then the map field of a stored value.
func (p *ItemProcessor) IDFromValue(value map[string]any) (any, bool) {
	return fromValue(value, p.m.IDEmbedField, p.m.IDMapField)
}

// PKFromValue probes the pk embed field then the pk map field.
func (p *ItemProcessor) PKFromValue(value map[string]any) (any, bool) {
	return fromValue(value, p.m.PKEmbedField, p.m.PKMapField)
}

func fromValue(value map[string]any, embed, mapped string) (any, bool) {
	if embed != "" {
		if v, ok := value[embed]; ok {
			return v, true
		}
	}
	if mapped != "" {
		if v, ok := value[mapped]; ok {
			return v, true
		}
	}
	return nil, false
}

// IDPKFromValue resolves both id and pk from a stored value.
func (p *ItemProcessor) IDPKFromValue(value map[string]any) (id, pk Optional[any]) {
	if v, ok := p.IDFromValue(value); ok {
		id = Some(v)
	}
	if v, ok := p.PKFromValue(value); ok {
		pk = Some(v)
	}
	return id, pk
}

// ─── key reconstruction ──────────────────────────────────────────────────────

// KeyFromKey builds the backend-native key mapping for key.
func (p *ItemProcessor) KeyFromKey(key Key) map[string]any {
	id, pk := p.IDPKFromKey(key)
	return p.nativeKey(id, pk)
}

// KeyFromValue builds the backend-native key mapping for a stored value.
func (p *ItemProcessor) KeyFromValue(value map[string]any) map[string]any {
	id, pk := p.IDPKFromValue(value)
	return p.nativeKey(id, pk)
}

// nativeKey uses embed names when configured, else map names. The pk is
// omitted when its field coincides with the id field.
func (p *ItemProcessor) nativeKey(id, pk Optional[any]) map[string]any {
	out := map[string]any{}
	if v, ok := id.Get(); ok {
		if p.m.IDEmbedField != "" {
			out[p.m.IDEmbedField] = v
		} else if p.m.IDMapField != "" {
			out[p.m.IDMapField] = v
		}
	}
	if v, ok := pk.Get(); ok {
		if p.m.PKEmbedField != "" && p.m.IDEmbedField != p.m.PKEmbedField {
			out[p.m.PKEmbedField] = v
		} else if p.m.PKMapField != "" && p.m.IDMapField != p.m.PKMapField {
			out[p.m.PKMapField] = v
		}
	}
	return out
}

// NormalizedKeyFromKey builds {"id", "pk"} regardless of backend field names.
func (p *ItemProcessor) NormalizedKeyFromKey(key Key) map[string]any {
	id, pk := p.IDPKFromKey(key)
	return normalizedKey(id, pk)
}

// NormalizedKeyFromValue builds {"id", "pk"} from a stored value.
func (p *ItemProcessor) NormalizedKeyFromValue(value map[string]any) map[string]any {
	id, pk := p.IDPKFromValue(value)
	return normalizedKey(id, pk)
}

func normalizedKey(id, pk Optional[any]) map[string]any {
	out := map[string]any{}
	if v, ok := id.Get(); ok {
		out[KeyID] = v
	}
	if v, ok := pk.Get(); ok {
		out[KeyPK] = v
	}
	return out
}

// ─── etags ───────────────────────────────────────────────────────────────────

// EtagFromValue reads the etag embed field.
func (p *ItemProcessor) EtagFromValue(value map[string]any) (string, bool) {
	if p.m.EtagEmbedField == "" {
		return "", false
	}
	v, ok := value[p.m.EtagEmbedField]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// NeedsLocalEtag reports whether etags are synthesized by this layer.
func (p *ItemProcessor) NeedsLocalEtag() bool {
	return p.m.LocalEtag && p.m.EtagEmbedField != ""
}

// AddEtagUpdate returns u extended with a put of etag on the etag embed
// field when local etags are enabled. u itself is not modified.
func (p *ItemProcessor) AddEtagUpdate(u *ql.Update, etag string) *ql.Update {
	if !p.NeedsLocalEtag() {
		return u
	}
	return u.Clone().Put(p.m.EtagEmbedField, etag)
}

// GenerateEtag returns a fresh random token.
func (p *ItemProcessor) GenerateEtag() string { return uuid.NewString() }

// ─── type coercion ───────────────────────────────────────────────────────────

// ConvertType coerces value to the declared type of field. Fields without a
// declaration pass through unchanged. A value that cannot be parsed is a
// BadRequest.
func (p *ItemProcessor) ConvertType(field string, value any) (any, error) {
	t, ok := p.m.FieldTypes[field]
	if !ok {
		return value, nil
	}
	out, err := convertType(t, value)
	if err != nil {
		return nil, NewError(fmt.Sprintf("cannot convert field %s to %s", field, t),
			WithCode(ErrBadRequest), WithCause(err))
	}
	return out, nil
}

func convertType(t string, value any) (any, error) {
	switch t {
	case FieldTypeObject, FieldTypeArray:
		var raw []byte
		switch v := value.(type) {
		case string:
			raw = []byte(v)
		case []byte:
			raw = v
		default:
			return value, nil
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	case FieldTypeInteger:
		return toInt(value)
	case FieldTypeFloat:
		return toFloat(value)
	case FieldTypeNumber:
		if n, err := toInt(value); err == nil {
			return n, nil
		}
		return toFloat(value)
	case FieldTypeString:
		return toString(value), nil
	case FieldTypeBoolean:
		if s, ok := value.(string); ok {
			switch strings.ToLower(s) {
			case "0", "false":
				return false, nil
			case "1", "true":
				return true, nil
			}
		}
		return ql.Truthy(value), nil
	case FieldTypeNullableString:
		if s, ok := value.(string); ok && s == "null" {
			return nil, nil
		}
		return toString(value), nil
	}
	return value, nil
}

func toInt(value any) (int, error) {
	switch v := value.(type) {
	case string:
		return strconv.Atoi(strings.TrimSpace(v))
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case int:
		return v, nil
	}
	if f, ok := ql.ToFloat(value); ok {
		return int(f), nil
	}
	return 0, fmt.Errorf("invalid integer %v", value)
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	if f, ok := ql.ToFloat(value); ok {
		return f, nil
	}
	return 0, fmt.Errorf("invalid float %v", value)
}

func toString(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

// ─── field resolution ────────────────────────────────────────────────────────

// ResolveField maps a special field onto its storage field. Map fields win
// over embed fields for id and pk. Unmapped fields are returned unchanged.
func (p *ItemProcessor) ResolveField(field string) string {
	switch {
	case field == SpecialID && p.m.IDMapField != "":
		return p.m.IDMapField
	case field == SpecialPK && p.m.PKMapField != "":
		return p.m.PKMapField
	case field == SpecialID && p.m.IDEmbedField != "":
		return p.m.IDEmbedField
	case field == SpecialPK && p.m.PKEmbedField != "":
		return p.m.PKEmbedField
	case field == SpecialEtag && p.m.EtagEmbedField != "":
		return p.m.EtagEmbedField
	case field == SpecialScore && p.m.ScoreResolveField != "":
		return p.m.ScoreResolveField
	}
	return field
}

// ResolveAttributeField strips a "$attribute." prefix.
func (p *ItemProcessor) ResolveAttributeField(field, attribute string) string {
	prefix := "$" + attribute + "."
	if strings.HasPrefix(field, prefix) {
		return strings.TrimPrefix(field, prefix)
	}
	return field
}

// ResolveMetadataField strips a "$metadata." prefix.
func (p *ItemProcessor) ResolveMetadataField(field string) string {
	return p.ResolveAttributeField(field, AttrMetadata)
}

// ResolveRootField rewrites a field for evaluation against an item shaped
// {key, value, properties}.
func (p *ItemProcessor) ResolveRootField(field string) string {
	switch {
	case field == SpecialID:
		return AttrKey + "." + KeyID
	case field == SpecialLabel:
		return AttrKey + "." + KeyLabel
	case field == SpecialScore:
		return AttrProperties + ".score"
	case IsSpecial(field):
		return field[1:]
	}
	return AttrValue + "." + field
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
