/*
Package ql – record paths.

Paths are dotted with optional array indexes: "a.b[0].c". A trailing "-"
segment addresses the end of an array.
*/
package ql

import (
	"strconv"
	"strings"
)

func splitPath(path string) []string {
	p := strings.NewReplacer("[", "/", "]", "", ".", "/").Replace(path)
	p = strings.TrimRight(p, "/")
	return strings.Split(p, "/")
}

func isIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	for _, c := range seg {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(seg)
	return n, err == nil
}

// GetField reads path from item. Missing paths yield Undefined.
func GetField(item any, path string) any {
	if item == nil {
		return Undefined{}
	}
	cur := item
	for _, seg := range splitPath(path) {
		switch c := cur.(type) {
		case []any:
			if seg == "-" {
				if len(c) == 0 {
					return Undefined{}
				}
				cur = c[len(c)-1]
				continue
			}
			idx, ok := isIndex(seg)
			if !ok || idx >= len(c) {
				return Undefined{}
			}
			cur = c[idx]
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return Undefined{}
			}
			cur = v
		default:
			return Undefined{}
		}
	}
	return cur
}

// UpdateField applies op at path inside item, creating intermediate objects
// as needed. item is modified in place.
func UpdateField(item map[string]any, path string, op UpdateOp, value any) error {
	if item == nil {
		return errorf("Cannot update field %s of a missing item", path)
	}
	_, err := updateAt(item, splitPath(path), op, value)
	return err
}

func updateAt(cur any, segs []string, op UpdateOp, value any) (any, error) {
	seg := segs[0]
	last := len(segs) == 1
	switch c := cur.(type) {
	case []any:
		return updateArray(c, seg, last, segs, op, value)
	case map[string]any:
		if !last {
			child, ok := c[seg]
			if !ok || child == nil {
				child = map[string]any{}
			}
			nc, err := updateAt(child, segs[1:], op, value)
			if err != nil {
				return nil, err
			}
			c[seg] = nc
			return c, nil
		}
		return c, updateMapField(c, seg, op, value)
	}
	return nil, errorf("Field %s is not an object or array", seg)
}

func updateArray(c []any, seg string, last bool, segs []string, op UpdateOp, value any) (any, error) {
	if seg == "-" {
		if !last {
			return nil, errorf("- can be used only as a suffix in field path")
		}
		switch op {
		case UpdatePut:
			if len(c) == 0 {
				return nil, errorf("Array is empty for SET operation")
			}
			c[len(c)-1] = value
		case UpdateInsert:
			c = append(c, value)
		case UpdateDelete:
			if len(c) == 0 {
				return nil, errorf("Array is empty for DELETE operation")
			}
			c = c[:len(c)-1]
		default:
			return nil, errorf("Operation not supported on arrays")
		}
		return c, nil
	}
	idx, ok := isIndex(seg)
	if !ok {
		return nil, errorf("Invalid array index %s", seg)
	}
	if !last {
		if idx >= len(c) {
			return nil, errorf("Index %d more than length of the array", idx)
		}
		nc, err := updateAt(c[idx], segs[1:], op, value)
		if err != nil {
			return nil, err
		}
		c[idx] = nc
		return c, nil
	}
	switch op {
	case UpdatePut:
		if idx >= len(c) {
			return nil, errorf("Index %d is out of range", idx)
		}
		c[idx] = value
	case UpdateInsert:
		if idx > len(c) {
			return nil, errorf("Index %d is out of range", idx)
		}
		c = append(c, nil)
		copy(c[idx+1:], c[idx:])
		c[idx] = value
	case UpdateDelete:
		if idx >= len(c) {
			return nil, errorf("Index %d is out of range", idx)
		}
		c = append(c[:idx], c[idx+1:]...)
	case UpdateIncrement:
		if idx >= len(c) {
			return nil, errorf("Index %d is out of range", idx)
		}
		sum, err := addNumbers(c[idx], value)
		if err != nil {
			return nil, err
		}
		c[idx] = sum
	default:
		return nil, errorf("Operation not supported on arrays")
	}
	return c, nil
}

func updateMapField(c map[string]any, seg string, op UpdateOp, value any) error {
	switch op {
	case UpdatePut, UpdateInsert:
		c[seg] = value
	case UpdateDelete:
		delete(c, seg)
	case UpdateIncrement:
		sum, err := addNumbers(c[seg], value)
		if err != nil {
			return err
		}
		c[seg] = sum
	case UpdateArrayUnion, UpdateArrayRemove:
		lst, ok := c[seg].([]any)
		if !ok {
			return errorf("Field %s must be an array", seg)
		}
		args, ok := value.([]any)
		if !ok {
			args = []any{value}
		}
		if op == UpdateArrayUnion {
			for _, a := range args {
				if indexOf(lst, a) < 0 {
					lst = append(lst, a)
				}
			}
		} else {
			for _, a := range args {
				if i := indexOf(lst, a); i >= 0 {
					lst = append(lst[:i], lst[i+1:]...)
				}
			}
		}
		c[seg] = lst
	case UpdateAppend, UpdatePrepend:
		switch cur := c[seg].(type) {
		case string:
			s, ok := value.(string)
			if !ok {
				return errorf("Field %s is a string; %s needs a string", seg, op)
			}
			if op == UpdateAppend {
				c[seg] = cur + s
			} else {
				c[seg] = s + cur
			}
		case []any:
			if op == UpdateAppend {
				c[seg] = append(cur, value)
			} else {
				c[seg] = append([]any{value}, cur...)
			}
		default:
			return errorf("Field %s must be a string or an array", seg)
		}
	default:
		return errorf("Update operation %s not supported", op)
	}
	return nil
}

func addNumbers(a, b any) (any, error) {
	if x, ok := a.(int); ok {
		if y, ok := b.(int); ok {
			return x + y, nil
		}
	}
	ai, aInt := toInt64(a)
	bi, bInt := toInt64(b)
	if aInt && bInt {
		return ai + bi, nil
	}
	af, aok := ToFloat(a)
	bf, bok := ToFloat(b)
	if !aok || !bok {
		return nil, errorf("Increment field should be a number")
	}
	return af + bf, nil
}

func indexOf(lst []any, v any) int {
	for i, x := range lst {
		if Equal(x, v) {
			return i
		}
	}
	return -1
}
