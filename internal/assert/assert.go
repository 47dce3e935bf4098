// Package assert implements the invariant-check discipline described in
// spec.md §7: programming errors (null pointers, misaligned buffers,
// self-referential operations) are asserted rather than handled, and a
// failing assertion is a programming bug, not a recoverable condition.
//
// This is the Go stand-in for the C sources' UK_ASSERT macro. Where the
// original compiles UK_ASSERT out entirely in release builds, this package
// always checks: Go has no equivalent "release build" notion for a library,
// and a silently-skipped invariant is worse than a panic with caller
// context.
package assert

import (
	"fmt"
	"reflect"

	"github.com/go-stack/stack"
)

// That panics with msg (formatted like fmt.Sprintf) and the caller's frame
// when cond is false.
func That(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	c := stack.Caller(1)
	panic(fmt.Sprintf("assertion failed at %+v: %s", c, fmt.Sprintf(format, args...)))
}

// NotNil panics with the given name if p is a nil pointer, map, slice,
// chan, func or interface. Unlike a bare `p == nil` check, this also
// catches a typed nil pointer boxed in the interface{} parameter.
func NotNil(p interface{}, name string) {
	if p == nil || isNilValue(p) {
		c := stack.Caller(1)
		panic(fmt.Sprintf("assertion failed at %+v: %s must not be nil", c, name))
	}
}

func isNilValue(p interface{}) bool {
	v := reflect.ValueOf(p)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}
