package store

// CollectionParameter returns values[collection] when present, else fallback.
// It lets a store carry one setting per collection with a shared default.
func CollectionParameter[T any](values map[string]T, fallback T, collection string) T {
	if v, ok := values[collection]; ok {
		return v
	}
	return fallback
}

// ResolveCollection returns the collection argument of p, else fallback.
// With neither it fails with BadRequest.
func ResolveCollection(p *OperationParser, fallback string) (string, error) {
	if name, ok := p.CollectionName(); ok {
		return name, nil
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", NewBadRequest("Collection name must be specified")
}

// ValueDocument returns the value argument as a document.
func ValueDocument(p *OperationParser) (map[string]any, error) {
	v, ok := p.Value()
	if !ok || v == nil {
		return nil, NewBadRequest("value missing")
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return nil, NewBadRequest("value must be an object")
}
