package utils

import "reflect"

// IsNil reports whether c is nil or an interface wrapping a nil pointer,
// map, slice or chan.
func IsNil(c interface{}) bool {
	if c == nil {
		return true
	}
	switch reflect.TypeOf(c).Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Slice, reflect.Func, reflect.Interface:
		return reflect.ValueOf(c).IsNil()
	default:
		return false
	}
}
