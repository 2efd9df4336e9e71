/*
Package store – optional values.

Optional keeps "not supplied" distinct from "supplied as zero" for operation
arguments and derived match conditions.
*/
package store

import "fmt"

// Optional holds a value that may be absent.
type Optional[T any] struct {
	value T
	set   bool
}

// Some wraps a present value.
func Some[T any](v T) Optional[T] { return Optional[T]{value: v, set: true} }

// None returns an absent value.
func None[T any]() Optional[T] { return Optional[T]{} }

// IsSet reports whether a value is present.
func (o Optional[T]) IsSet() bool { return o.set }

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) { return o.value, o.set }

// OrElse returns the value or def when absent.
func (o Optional[T]) OrElse(def T) T {
	if o.set {
		return o.value
	}
	return def
}

func (o Optional[T]) String() string {
	if !o.set {
		return "<unset>"
	}
	return fmt.Sprintf("%v", o.value)
}
