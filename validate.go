// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package renkei

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// A Validator accepts or rejects a raw value and, on acceptance, returns a
// typed value. The raw value is a generic JSON value as produced by
// encoding/json: nil, bool, float64, string, []any, or map[string]any.
//
// A Validator should report failures using a *ValidationError, but any error
// is treated as a rejection.
type Validator[T any] func(raw any) (T, error)

// ValidationError is the concrete type of errors reported by the validators
// in this package.
type ValidationError struct {
	Err error
}

// Error satisfies the error interface.
func (v *ValidationError) Error() string { return "validation failed: " + v.Err.Error() }

// Unwrap reports the underlying cause of v.
func (v *ValidationError) Unwrap() error { return v.Err }

func validationErrorf(msg string, args ...any) error {
	return &ValidationError{Err: fmt.Errorf(msg, args...)}
}

// JSON returns a validator that decodes the raw value into a T by way of its
// JSON encoding, then applies each of the checks in order. Fields of raw that
// do not correspond to T are ignored; a field whose type does not match is a
// validation failure.
func JSON[T any](checks ...func(T) error) Validator[T] {
	return func(raw any) (T, error) {
		var out T
		data, err := json.Marshal(raw)
		if err != nil {
			return out, &ValidationError{Err: err}
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return out, &ValidationError{Err: err}
		}
		for _, check := range checks {
			if err := check(out); err != nil {
				return out, &ValidationError{Err: err}
			}
		}
		return out, nil
	}
}

// Required wraps v so that it also reports an error unless raw is a JSON
// object in which each of the named keys is present with a non-null value.
//
// This is useful because encoding/json silently leaves fields that are absent
// or null in the input at their zero value.
func Required[T any](v Validator[T], keys ...string) Validator[T] {
	return func(raw any) (T, error) {
		var zero T
		obj, ok := raw.(map[string]any)
		if !ok {
			return zero, validationErrorf("got %T, want object", raw)
		}
		for _, key := range keys {
			if obj[key] == nil {
				return zero, validationErrorf("missing required field %q", key)
			}
		}
		return v(raw)
	}
}

// None is the type of a value that is always encoded as JSON null. It is the
// input type of routes that take no input.
type None struct{}

// MarshalJSON implements the json.Marshaler interface.
func (None) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// Null returns a validator that accepts only a nil (JSON null) value. It is
// the input validator for routes that take no input.
func Null() Validator[None] {
	return func(raw any) (None, error) {
		if raw != nil {
			return None{}, validationErrorf("got %T, want null", raw)
		}
		return None{}, nil
	}
}

// Any returns a validator that accepts every value unchanged.
func Any() Validator[any] { return func(raw any) (any, error) { return raw, nil } }

// jsonParseOr decodes data as a JSON value, or returns fallback if data is
// not valid JSON.
func jsonParseOr(fallback any, data []byte) any {
	if len(bytes.TrimSpace(data)) == 0 {
		return fallback
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fallback
	}
	return v
}

// roundTrip encodes v as JSON and decodes the result as a generic value, so
// that typed values can be passed to a [Validator].
func roundTrip(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
