/*
Package store – result shapes.

Providers shape native responses into Item and ItemList.
*/
package store

// ItemKey is the normalized identity of a stored item.
type ItemKey struct {
	ID any `json:"id"`
	PK any `json:"pk,omitempty"`
}

// ItemProperties carries store-assigned attributes.
type ItemProperties struct {
	Etag  string   `json:"etag,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// Item is one stored document.
type Item struct {
	Key        ItemKey         `json:"key"`
	Value      map[string]any  `json:"value,omitempty"`
	Properties *ItemProperties `json:"properties,omitempty"`
}

// ItemList is a page of items.
type ItemList struct {
	Items        []Item `json:"items"`
	Continuation string `json:"continuation,omitempty"`
}

// BuildItem shapes a stored value into an Item: the key is normalized, the
// etag is lifted into properties, and with includeValue the value is returned
// with suppressed fields removed.
func BuildItem(p *ItemProcessor, value map[string]any, includeValue bool) Item {
	var item Item
	nk := p.NormalizedKeyFromValue(value)
	item.Key = ItemKey{ID: nk[KeyID], PK: nk[KeyPK]}
	if etag, ok := p.EtagFromValue(value); ok {
		item.Properties = &ItemProperties{Etag: etag}
	}
	if includeValue {
		item.Value = p.SuppressFieldsIfNeeded(value)
	}
	return item
}

// WithScore returns item with properties.score set.
func (i Item) WithScore(score float64) Item {
	props := ItemProperties{}
	if i.Properties != nil {
		props = *i.Properties
	}
	props.Score = &score
	i.Properties = &props
	return i
}

// Root returns the item as {key, value, properties} for evaluation against
// root-resolved fields.
func (i Item) Root() map[string]any {
	key := map[string]any{KeyID: i.Key.ID}
	if i.Key.PK != nil {
		key[KeyPK] = i.Key.PK
	}
	props := map[string]any{}
	if i.Properties != nil {
		if i.Properties.Etag != "" {
			props["etag"] = i.Properties.Etag
		}
		if i.Properties.Score != nil {
			props["score"] = *i.Properties.Score
		}
	}
	value := i.Value
	if value == nil {
		value = map[string]any{}
	}
	return map[string]any{AttrKey: key, AttrValue: value, AttrProperties: props}
}
