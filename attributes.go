/*
Package store – attribute vocabulary.

Canonical names shared by operations, key resolution and query rewriting.
*/
package store

// Attribute names the top-level parts of a stored item.
const (
	AttrKey        = "key"
	AttrValue      = "value"
	AttrMetadata   = "metadata"
	AttrProperties = "properties"
	AttrVersions   = "versions"
)

// Key sub-fields.
const (
	KeyID      = "id"
	KeyPK      = "pk"
	KeyVersion = "version"
	KeyLabel   = "label"
)

// Update targets for attribute-scoped updates.
const (
	UpdateValueAttr      = "$value"
	UpdateMetadataAttr   = "$metadata"
	UpdatePropertiesAttr = "$properties"
)

// Special query-facing fields. These are resolved to storage fields by the
// ItemProcessor before a backend sees them.
const (
	SpecialID         = "$id"
	SpecialPK         = "$pk"
	SpecialVersion    = "$version"
	SpecialLabel      = "$label"
	SpecialEtag       = "$etag"
	SpecialModified   = "$modified"
	SpecialScore      = "$score"
	SpecialValue      = "$value"
	SpecialMetadata   = "$metadata"
	SpecialProperties = "$properties"
)

// Root returns the special spelling of an attribute ("id" → "$id").
func Root(attribute string) string { return "$" + attribute }

// Unroot strips a leading "$".
func Unroot(attribute string) string {
	if len(attribute) > 0 && attribute[0] == '$' {
		return attribute[1:]
	}
	return attribute
}

// IsSpecial reports whether field uses the "$" spelling.
func IsSpecial(field string) bool {
	return len(field) > 0 && field[0] == '$'
}
