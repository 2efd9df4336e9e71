/*
Package store – document comparison.
*/
package store

import (
	"encoding/json"

	"github.com/cloudxsgmbh/storage-core-go/ql"
)

// Contains reports whether every field of subset is present in doc with an
// equal value. Nested objects are compared recursively; lists must have the
// same length and match element by element.
func Contains(subset, doc map[string]any) bool {
	for k, v := range subset {
		dv, ok := doc[k]
		if !ok {
			return false
		}
		if !containsValue(v, dv) {
			return false
		}
	}
	return true
}

func containsValue(v, dv any) bool {
	switch x := v.(type) {
	case map[string]any:
		dm, ok := dv.(map[string]any)
		return ok && Contains(x, dm)
	case []any:
		dl, ok := dv.([]any)
		if !ok || len(dl) != len(x) {
			return false
		}
		for i := range x {
			if !containsValue(x[i], dl[i]) {
				return false
			}
		}
		return true
	}
	return ql.Equal(v, dv)
}

// Equals reports whether a and b have the same canonical JSON encoding. Map
// key order does not matter.
func Equals(a, b map[string]any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ja) == string(jb)
}
