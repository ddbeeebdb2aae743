package types

import (
	"reflect"
	"sort"

	"github.com/pkg/errors"
)

var (
	// ErrArgumentMissing is returned when a requested argument was never provided
	ErrArgumentMissing = errors.New("job argument not present")
	// ErrArgumentType is returned when the stored value cannot be read as the requested type
	ErrArgumentType = errors.New("job argument has an incompatible type")
)

// JobArguments is an immutable, typed view over the arguments a job was queued with.
// The zero value is an empty argument set.
type JobArguments struct {
	values map[string]any
}

// NewJobArguments copies values into a new argument set
func NewJobArguments(values map[string]any) JobArguments {
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = CopyValue(v)
	}
	return JobArguments{values: copied}
}

// Len returns the number of arguments
func (a JobArguments) Len() int {
	return len(a.values)
}

// Has reports whether key is present, even if its value is nil
func (a JobArguments) Has(key string) bool {
	_, ok := a.values[key]
	return ok
}

// Get returns the raw value stored under key
func (a JobArguments) Get(key string) (any, bool) {
	v, ok := a.values[key]
	return CopyValue(v), ok
}

// Keys returns the argument names in sorted order
func (a JobArguments) Keys() []string {
	keys := make([]string, 0, len(a.values))
	for k := range a.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToMap returns a deep copy of the underlying values
func (a JobArguments) ToMap() map[string]any {
	out := make(map[string]any, len(a.values))
	for k, v := range a.values {
		out[k] = CopyValue(v)
	}
	return out
}

// Equal reports whether both argument sets hold deeply equal values
func (a JobArguments) Equal(other JobArguments) bool {
	if a.Len() != other.Len() {
		return false
	}
	for k, v := range a.values {
		ov, ok := other.values[k]
		if !ok || !reflect.DeepEqual(v, ov) {
			return false
		}
	}
	return true
}

func (a JobArguments) lookup(key string) (any, error) {
	v, ok := a.values[key]
	if !ok {
		return nil, errors.Wrapf(ErrArgumentMissing, "argument %q", key)
	}
	return v, nil
}

func typeError(key string, v any, want string) error {
	return errors.Wrapf(ErrArgumentType, "argument %q: stored %T, requested %s", key, v, want)
}

// GetAsString reads a string argument
func (a JobArguments) GetAsString(key string) (string, error) {
	v, err := a.lookup(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", typeError(key, v, "string")
	}
	return s, nil
}

// GetAsBool reads a boolean argument
func (a JobArguments) GetAsBool(key string) (bool, error) {
	v, err := a.lookup(key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, typeError(key, v, "bool")
	}
	return b, nil
}

// GetAsInt64 reads an integer argument stored as any Go integer kind
func (a JobArguments) GetAsInt64(key string) (int64, error) {
	v, err := a.lookup(key)
	if err != nil {
		return 0, err
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > 1<<63-1 {
			return 0, typeError(key, v, "int64")
		}
		return int64(u), nil
	}
	return 0, typeError(key, v, "int64")
}

// GetAsInt reads an integer argument
func (a JobArguments) GetAsInt(key string) (int, error) {
	n, err := a.GetAsInt64(key)
	return int(n), err
}

// GetAsFloat reads a floating point argument. Integers are not converted.
func (a JobArguments) GetAsFloat(key string) (float64, error) {
	v, err := a.lookup(key)
	if err != nil {
		return 0, err
	}
	switch f := v.(type) {
	case float64:
		return f, nil
	case float32:
		return float64(f), nil
	}
	return 0, typeError(key, v, "float64")
}

// GetAsStrings reads a list of strings, stored either as []string or as a
// []any holding only strings
func (a JobArguments) GetAsStrings(key string) ([]string, error) {
	v, err := a.lookup(key)
	if err != nil {
		return nil, err
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, typeError(key, v, "[]string")
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, typeError(key, v, "[]string")
}

// GetAsMap reads a string-keyed object argument
func (a JobArguments) GetAsMap(key string) (map[string]any, error) {
	v, err := a.lookup(key)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, typeError(key, v, "map[string]any")
	}
	return CopyValue(m).(map[string]any), nil
}

// GetAs reads an argument by exact type assertion
func GetAs[T any](a JobArguments, key string) (T, error) {
	var zero T
	v, err := a.lookup(key)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, typeError(key, v, reflect.TypeOf((*T)(nil)).Elem().String())
	}
	return t, nil
}

// CopyValue deep-copies the container types of the job value grammar. Other
// values are returned as-is.
func CopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = CopyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CopyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, item := range t {
			out[k] = item
		}
		return out
	}
	return v
}
