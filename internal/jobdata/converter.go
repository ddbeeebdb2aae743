// ============================================================================
// Job data converter
// ============================================================================
//
// Package: internal/jobdata
// File: converter.go
// Purpose: At-rest encoding of a job status's dynamic payload.
//
// Layout:
//   {
//     "metadata":        { string: string },
//     "job_arguments":   { string: value },
//     "job_constraints": { string: { string: value } },
//     "job_output":      value | null
//   }
//
// Value grammar:
//   null | bool | integer | float | string | array | object (string keys)
//
// Numbers:
//   Integers decode as int64 and floats as float64. Integral floats are
//   written with a trailing ".0" so they keep their type across a round trip.
//
// Unknown top-level fields are skipped with a warning so that older nodes can
// read rows written by newer ones.
//
// ============================================================================

package jobdata

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

// Top-level field names of the serialized job data object
const (
	FieldMetadata    = "metadata"
	FieldArguments   = "job_arguments"
	FieldConstraints = "job_constraints"
	FieldOutput      = "job_output"
)

var (
	// ErrUnsupportedValue is returned when a value falls outside the job value grammar
	ErrUnsupportedValue = errors.New("unsupported job data value")
	// ErrMalformedData is returned when stored job data cannot be parsed
	ErrMalformedData = errors.New("malformed job data")
)

// Data is the decoded form of a job status payload
type Data struct {
	Metadata    map[string]string
	Arguments   map[string]any
	Constraints map[string]map[string]any
	Output      any
}

// Converter encodes and decodes job data
type Converter struct {
	logger logrus.FieldLogger
}

// NewConverter creates a converter that reports unknown fields to logger
func NewConverter(logger logrus.FieldLogger) *Converter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Converter{logger: logger.WithField("component", "jobdata")}
}

// FromStatus collects the dynamic payload of a status
func FromStatus(status *types.JobStatus) Data {
	return Data{
		Metadata:    status.Metadata,
		Arguments:   status.Arguments.ToMap(),
		Constraints: status.Constraints,
		Output:      status.Result,
	}
}

// Apply copies the payload into status
func (d Data) Apply(status *types.JobStatus) {
	status.Metadata = d.Metadata
	if status.Metadata == nil {
		status.Metadata = map[string]string{}
	}
	status.Arguments = types.NewJobArguments(d.Arguments)
	status.Constraints = d.Constraints
	status.Result = d.Output
}

// Encode writes d as a JSON object with the four job data fields
func (c *Converter) Encode(d Data) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString(`"` + FieldMetadata + `":`)
	if err := writeStringMap(&buf, d.Metadata); err != nil {
		return nil, err
	}

	buf.WriteString(`,"` + FieldArguments + `":`)
	if err := writeValue(&buf, orEmpty(d.Arguments), FieldArguments); err != nil {
		return nil, err
	}

	buf.WriteString(`,"` + FieldConstraints + `":`)
	constraints := make(map[string]any, len(d.Constraints))
	for name, snapshot := range d.Constraints {
		constraints[name] = orEmpty(snapshot)
	}
	if err := writeValue(&buf, constraints, FieldConstraints); err != nil {
		return nil, err
	}

	buf.WriteString(`,"` + FieldOutput + `":`)
	if err := writeValue(&buf, d.Output, FieldOutput); err != nil {
		return nil, err
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// EncodeStatus encodes the dynamic payload of status
func (c *Converter) EncodeStatus(status *types.JobStatus) ([]byte, error) {
	return c.Encode(FromStatus(status))
}

// Decode parses stored job data. Empty input and JSON null decode to empty data.
func (c *Converter) Decode(data []byte) (Data, error) {
	out := Data{
		Metadata:    map[string]string{},
		Arguments:   map[string]any{},
		Constraints: map[string]map[string]any{},
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return out, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Data{}, errors.Wrap(ErrMalformedData, err.Error())
	}

	for name, raw := range fields {
		switch name {
		case FieldMetadata:
			if isNull(raw) {
				continue
			}
			if err := json.Unmarshal(raw, &out.Metadata); err != nil {
				return Data{}, errors.Wrapf(ErrMalformedData, "%s: %v", name, err)
			}
		case FieldArguments:
			args, err := decodeObject(raw, name)
			if err != nil {
				return Data{}, err
			}
			if args != nil {
				out.Arguments = args
			}
		case FieldConstraints:
			obj, err := decodeObject(raw, name)
			if err != nil {
				return Data{}, err
			}
			for key, v := range obj {
				snapshot, ok := v.(map[string]any)
				if !ok && v != nil {
					return Data{}, errors.Wrapf(ErrMalformedData, "%s.%s is not an object", name, key)
				}
				out.Constraints[key] = snapshot
			}
		case FieldOutput:
			v, err := DecodeValue(raw)
			if err != nil {
				return Data{}, errors.Wrapf(err, "%s", name)
			}
			out.Output = v
		default:
			c.logger.WithField("field", name).Warn("Ignoring unknown field in serialized job data")
		}
	}

	return out, nil
}

// DecodeInto decodes data and applies it to status
func (c *Converter) DecodeInto(data []byte, status *types.JobStatus) error {
	d, err := c.Decode(data)
	if err != nil {
		return err
	}
	d.Apply(status)
	return nil
}

// EncodeValue encodes a single grammar value
func EncodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v, "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes a single grammar value, normalising numbers to int64 or float64
func DecodeValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(ErrMalformedData, err.Error())
	}
	return normalize(v), nil
}

// CanonicalString renders v for equality comparisons: strings as-is, anything
// else as its encoded JSON form
func CanonicalString(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := EncodeValue(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeObject(raw json.RawMessage, field string) (map[string]any, error) {
	if isNull(raw) {
		return nil, nil
	}
	v, err := DecodeValue(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", field)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.Wrapf(ErrMalformedData, "%s is not an object", field)
	}
	return obj, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		s := t.String()
		if !strings.ContainsAny(s, ".eE") {
			if n, err := t.Int64(); err == nil {
				return n
			}
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, item := range t {
			t[k] = normalize(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = normalize(item)
		}
		return t
	}
	return v
}

func writeStringMap(buf *bytes.Buffer, m map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, k)
		buf.WriteByte(':')
		writeString(buf, m[k])
	}
	buf.WriteByte('}')
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

func writeFloat(buf *bytes.Buffer, f float64, bits int, path string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return errors.Wrapf(ErrUnsupportedValue, "%s: non-finite float %v", path, f)
	}
	s := strconv.FormatFloat(f, 'g', -1, bits)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	buf.WriteString(s)
	return nil
}

func writeValue(buf *bytes.Buffer, v any, path string) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		buf.WriteString(strconv.FormatBool(t))
		return nil
	case string:
		writeString(buf, t)
		return nil
	case json.Number:
		if _, err := t.Float64(); err != nil {
			return errors.Wrapf(ErrUnsupportedValue, "%s: invalid number %q", path, t)
		}
		buf.WriteString(t.String())
		return nil
	case float64:
		return writeFloat(buf, t, 64, path)
	case float32:
		return writeFloat(buf, float64(t), 32, path)
	case map[string]any:
		return writeObject(buf, len(t), func(yield func(string, any) error) error {
			for k, item := range t {
				if err := yield(k, item); err != nil {
					return err
				}
			}
			return nil
		}, path)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(rv.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
		return nil
	case reflect.Bool:
		buf.WriteString(strconv.FormatBool(rv.Bool()))
		return nil
	case reflect.String:
		writeString(buf, rv.String())
		return nil
	case reflect.Float32, reflect.Float64:
		return writeFloat(buf, rv.Float(), rv.Type().Bits(), path)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		buf.WriteByte('[')
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, rv.Index(i).Interface(), path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return errors.Wrapf(ErrUnsupportedValue, "%s: map key type %s", path, rv.Type().Key())
		}
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return writeObject(buf, rv.Len(), func(yield func(string, any) error) error {
			iter := rv.MapRange()
			for iter.Next() {
				if err := yield(iter.Key().String(), iter.Value().Interface()); err != nil {
					return err
				}
			}
			return nil
		}, path)
	}

	return errors.Wrapf(ErrUnsupportedValue, "%s: type %T", path, v)
}

// writeObject writes entries in key order so encodings are deterministic
func writeObject(buf *bytes.Buffer, size int, each func(func(string, any) error) error, path string) error {
	entries := make(map[string]any, size)
	keys := make([]string, 0, size)
	_ = each(func(k string, v any) error {
		entries[k] = v
		keys = append(keys, k)
		return nil
	})
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, k)
		buf.WriteByte(':')
		if err := writeValue(buf, entries[k], path+"."+k); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}
