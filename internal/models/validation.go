package models

import (
	"errors"
	"strings"
)

// FieldError is one rejected connection parameter.
type FieldError struct {
	Field string
	Err   error
}

func (f FieldError) Error() string {
	return f.Field + ": " + f.Err.Error()
}

// ValidationErrors collects every rejected parameter so a caller sees all
// problems in one reply.
type ValidationErrors struct {
	Fields []FieldError
}

// Add records err against field. A nil err is ignored.
func (v *ValidationErrors) Add(field string, err error) {
	if err != nil {
		v.Fields = append(v.Fields, FieldError{Field: field, Err: err})
	}
}

// Err returns v as an error, or nil when nothing was recorded.
func (v *ValidationErrors) Err() error {
	if v == nil || len(v.Fields) == 0 {
		return nil
	}
	return v
}

func (v *ValidationErrors) Error() string {
	parts := make([]string, len(v.Fields))
	for i, f := range v.Fields {
		parts[i] = f.Error()
	}
	return strings.Join(parts, "; ")
}

// Is matches any recorded cause, so errors.Is(err, ErrInvalidPort) works on
// the aggregate.
func (v *ValidationErrors) Is(target error) bool {
	for _, f := range v.Fields {
		if errors.Is(f.Err, target) {
			return true
		}
	}
	return false
}
