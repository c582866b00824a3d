package grc

import (
	"errors"
	"reflect"
)

var (
	// ErrNoProvider is returned by New when no backend provider was configured.
	ErrNoProvider = errors.New("grc: no backend provider configured")
	// ErrExceedDepth is returned for containers nested more than two levels deep.
	ErrExceedDepth = errors.New("grc: only two levels of map/slice are supported")
	// ErrNestedDynamic is returned when a dynamic type is used inside a map or slice.
	ErrNestedDynamic = errors.New("grc: dynamic types cannot be nested in a map or slice")
	// ErrClosed is returned when the client is used after Close.
	ErrClosed = errors.New("grc: client closed")
)

// An InvalidConfigError describes an invalid argument passed to RegisterConfig.
// (The argument must be a non-nil pointer to a struct.)
type InvalidConfigError struct {
	Type reflect.Type
}

func (e *InvalidConfigError) Error() string {
	if e.Type == nil {
		return "grc: config type(nil)"
	}
	if e.Type.Kind() != reflect.Ptr {
		return "grc: config type(non-pointer " + e.Type.String() + ")"
	}
	return "grc: config type(nil or non-struct " + e.Type.String() + ")"
}

// An UnsupportedTypeError is returned for a config field whose type cannot be
// bound to a backend value.
type UnsupportedTypeError struct {
	Field string
	Type  reflect.Type
}

func (e *UnsupportedTypeError) Error() string {
	return "grc: unsupported type " + e.Type.String() + " of field " + e.Field
}
