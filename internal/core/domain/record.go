package domain

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// UnknownName replaces missing display names so rendering never fails.
const UnknownName = "Unknown"

// Record is one row of a view's list, as decoded from the REST API or a change payload.
type Record map[string]any

// ID returns the record identifier as a string. Numeric and string ids
// compare equal after normalization ("42" and 42 are the same record).
func (r Record) ID() string {
	v, ok := r["id"]
	if !ok || v == nil {
		return ""
	}
	return scalarString(v)
}

// String returns the field as a trimmed string, or fallback when it is missing or blank.
func (r Record) String(key, fallback string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return fallback
	}
	s := strings.TrimSpace(scalarString(v))
	if s == "" {
		return fallback
	}
	return s
}

// Clone returns a copy of the record's top-level fields.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge copies every field present in patch into r and reports whether any
// value changed. Fields absent from patch are left untouched.
func (r Record) Merge(patch Record) bool {
	changed := false
	for k, v := range patch {
		if cur, ok := r[k]; ok && valuesEqual(cur, v) {
			continue
		}
		r[k] = v
		changed = true
	}
	return changed
}

// Equal reports whether r and other hold the same fields with equal values,
// using the same numeric leniency as Merge.
func (r Record) Equal(other Record) bool {
	if len(r) != len(other) {
		return false
	}
	for k, v := range r {
		ov, ok := other[k]
		if !ok || !valuesEqual(v, ov) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	// JSON numbers decode as float64 while optimistic patches are often ints
	// or numeric strings ("42" for id 42).
	as, aok := scalarKey(a)
	bs, bok := scalarKey(b)
	return aok && bok && as == bs
}

func scalarKey(v any) (string, bool) {
	switch t := v.(type) {
	case string, float64, float32, int, int32, int64, json.Number:
		return scalarString(t), true
	}
	return "", false
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
