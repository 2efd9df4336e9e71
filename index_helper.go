/*
Package store – index matching and naming.

CheckIndexStatus decides whether a requested index is already present
(exists), satisfied by a more general index (covered), or missing.
ConvertIndexName derives the stable name used to create and recognize
indexes.
*/
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// coverage lists (requested, existing) pairs where the existing index
// serves the request. It is directed: the reverse pairs do not hold.
var coverage = map[[2]IndexType]bool{
	{IndexHash, IndexAsc}:   true,
	{IndexHash, IndexDesc}:  true,
	{IndexAsc, IndexRange}:  true,
	{IndexDesc, IndexRange}: true,
	{IndexHash, IndexField}: true,
	{IndexAsc, IndexField}:  true,
	{IndexDesc, IndexField}: true,
}

// Covers reports whether an existing index of type existing serves a request
// for an index of type requested.
func Covers(requested, existing IndexType) bool {
	return coverage[[2]IndexType{requested, existing}]
}

// CheckIndexStatus compares candidate against existing indexes. It returns
// IndexExists with the identical index, IndexCovered with the first covering
// index, or IndexNotExists with nil.
func CheckIndexStatus(existing []Index, candidate Index) (IndexStatus, Index) {
	if m := MatchIndex(existing, candidate, false); m != nil {
		return IndexExists, m
	}
	if m := MatchIndex(existing, candidate, true); m != nil {
		return IndexCovered, m
	}
	return IndexNotExists, nil
}

// MatchIndex returns the first index in existing matching candidate.
func MatchIndex(existing []Index, candidate Index, superset bool) Index {
	for _, idx := range existing {
		if IsIndex(idx, candidate, superset) {
			return idx
		}
	}
	return nil
}

// IsIndex reports whether existing matches requested. Without superset the
// types must be equal; with it, the coverage table also applies.
// Composite indexes match position by position and must have equal length.
func IsIndex(existing, requested Index, superset bool) bool {
	if existing == nil || requested == nil {
		return false
	}
	et, rt := existing.IndexType(), requested.IndexType()
	if et != rt && !(superset && Covers(rt, et)) {
		return false
	}

	ec, eok := existing.(CompositeIndex)
	rc, rok := requested.(CompositeIndex)
	if eok && rok {
		if len(ec.Fields) != len(rc.Fields) {
			return false
		}
		for i := range ec.Fields {
			if !IsIndex(ec.Fields[i], rc.Fields[i], superset) {
				return false
			}
		}
		return true
	}
	if eok != rok {
		return false
	}

	if indexField(existing) != indexField(requested) {
		return false
	}
	ew, ewok := existing.(WildcardIndex)
	rw, rwok := requested.(WildcardIndex)
	if ewok && rwok && !sameSet(ew.Excluded, rw.Excluded) {
		return false
	}
	return true
}

func indexField(idx Index) string {
	if f, ok := idx.(FieldIndexer); ok {
		return f.FieldPath()
	}
	return ""
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// ─── naming ──────────────────────────────────────────────────────────────────

// DefaultIndexPrefix is prepended to derived index names.
const DefaultIndexPrefix = "idx"

var arrayIndexRe = regexp.MustCompile(`\[\d+\]`)

// ConvertIndexName returns the explicit name of idx, or derives one:
//
//	simple     {type}_{field}            dots become "_", "[n]" is removed
//	composite  composite_{n}_{types…}_{hash}
//	wildcard   wildcard_{field}          "*" and trailing "_" removed
//
// A non-empty prefix is prepended as "{prefix}_" and a non-empty collection
// appended as "_{collection}".
func ConvertIndexName(idx Index, collection, prefix string) string {
	if n := idx.IndexName(); n != "" {
		return n
	}
	var name string
	switch v := idx.(type) {
	case CompositeIndex:
		var b strings.Builder
		b.WriteString(string(IndexComposite))
		b.WriteString("_")
		b.WriteString(strconv.Itoa(len(v.Fields)))
		fields := make([]string, 0, len(v.Fields))
		for _, part := range v.Fields {
			b.WriteString("_")
			b.WriteString(string(part.IndexType()))
			fields = append(fields, indexField(part))
		}
		b.WriteString("_")
		b.WriteString(HashFields(fields))
		name = b.String()
	case WildcardIndex:
		field := strings.ReplaceAll(strings.ReplaceAll(v.Field, ".", "_"), "*", "")
		field = arrayIndexRe.ReplaceAllString(field, "")
		name = strings.TrimRight(string(IndexWildcard)+"_"+field, "_")
	case FieldIndexer:
		if v.IndexType() == IndexTTL || v.IndexType() == IndexRank {
			name = "idx"
			break
		}
		field := arrayIndexRe.ReplaceAllString(strings.ReplaceAll(v.FieldPath(), ".", "_"), "")
		name = string(v.IndexType()) + "_" + field
	default:
		name = "idx"
	}
	if prefix != "" {
		name = prefix + "_" + name
	}
	if collection != "" {
		name = name + "_" + collection
	}
	return name
}

// HashFields returns the first 8 hex characters of the SHA-256 of the
// comma-joined field paths.
func HashFields(fields []string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, ",")))
	return hex.EncodeToString(sum[:])[:8]
}

// TypeFromName returns the index type encoded in a prefixed derived name.
func TypeFromName(name string) (string, bool) {
	splits := strings.Split(name, "_")
	if len(splits) > 1 {
		return splits[1], true
	}
	return "", false
}

// CompositeTypesFromName returns the sub-index types encoded in a prefixed
// derived composite name, or nil.
func CompositeTypesFromName(name string) []string {
	splits := strings.Split(name, "_")
	if len(splits) <= 3 || splits[1] != string(IndexComposite) {
		return nil
	}
	n, err := strconv.Atoi(splits[2])
	if err != nil || n < 0 {
		return nil
	}
	end := 3 + n
	if end > len(splits) {
		end = len(splits)
	}
	return splits[3:end]
}
