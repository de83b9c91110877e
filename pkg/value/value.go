// Package value implements the tagged-union value model, entity rows and
// relation schemas shared by the cache, compiler and sync layers.
package value

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/zeebo/errs"
)

// ValueError is the class of errors produced by value conversions.
var ValueError = errs.Class("value")

// Sentinel errors surfaced through ValueError.
var (
	// ErrNaN is returned when a float value is NaN or infinite.
	ErrNaN = fmt.Errorf("float is NaN or infinite")
	// ErrKindMismatch is returned when two values of different kinds
	// are compared or a conversion would narrow the value.
	ErrKindMismatch = fmt.Errorf("kind mismatch")
)

// Kind discriminates the variants of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInteger
	KindFloat
	KindBoolean
	KindDateTime
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindBoolean:
		return "boolean"
	case KindDateTime:
		return "datetime"
	case KindJSON:
		return "json"
	}
	return "unknown"
}

// Value is an immutable tagged union. The zero Value is Null.
//
// DateTime values carry the instant as UTC epoch milliseconds. JSON
// values carry the canonical serialization of the tree (keys sorted),
// so equality and ordering on the text agree with structural equality.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Integer returns an integer value.
func Integer(i int64) Value { return Value{kind: KindInteger, i: i} }

// Boolean returns a boolean value.
func Boolean(b bool) Value { return Value{kind: KindBoolean, b: b} }

// DateTime returns a datetime value from UTC epoch milliseconds.
func DateTime(epochMillis int64) Value { return Value{kind: KindDateTime, i: epochMillis} }

// FromTime returns a datetime value for t, truncated to milliseconds.
func FromTime(t time.Time) Value { return DateTime(t.UnixMilli()) }

// Float returns a float value. NaN and infinities are rejected.
func Float(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, ValueError.Wrap(fmt.Errorf("%v: %w", f, ErrNaN))
	}
	return Value{kind: KindFloat, f: f}, nil
}

// JSON returns a json value holding the canonical form of raw.
func JSON(raw string) (Value, error) {
	canonical, err := canonicalJSON(raw)
	if err != nil {
		return Value{}, ValueError.Wrap(fmt.Errorf("invalid json: %w", err))
	}
	return Value{kind: KindJSON, s: canonical}, nil
}

// canonicalJSON re-encodes raw through encoding/json so object keys are
// sorted and whitespace is normalized.
func canonicalJSON(raw string) (string, error) {
	var tree interface{}
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return "", err
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the string content of a string or json value.
func (v Value) AsString() (string, error) {
	if v.kind != KindString && v.kind != KindJSON {
		return "", ValueError.Wrap(fmt.Errorf("%s is not a string: %w", v.kind, ErrKindMismatch))
	}
	return v.s, nil
}

// AsInt returns the integer content of an integer or datetime value.
func (v Value) AsInt() (int64, error) {
	if v.kind != KindInteger && v.kind != KindDateTime {
		return 0, ValueError.Wrap(fmt.Errorf("%s is not an integer: %w", v.kind, ErrKindMismatch))
	}
	return v.i, nil
}

// AsFloat returns the float content. Integers widen to float.
func (v Value) AsFloat() (float64, error) {
	switch v.kind {
	case KindFloat:
		return v.f, nil
	case KindInteger:
		return float64(v.i), nil
	}
	return 0, ValueError.Wrap(fmt.Errorf("%s is not a float: %w", v.kind, ErrKindMismatch))
}

// AsBool returns the boolean content.
func (v Value) AsBool() (bool, error) {
	if v.kind != KindBoolean {
		return false, ValueError.Wrap(fmt.Errorf("%s is not a boolean: %w", v.kind, ErrKindMismatch))
	}
	return v.b, nil
}

// AsTime returns the instant of a datetime value in UTC.
func (v Value) AsTime() (time.Time, error) {
	if v.kind != KindDateTime {
		return time.Time{}, ValueError.Wrap(fmt.Errorf("%s is not a datetime: %w", v.kind, ErrKindMismatch))
	}
	return time.UnixMilli(v.i).UTC(), nil
}

// Equal reports whether v and o have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString, KindJSON:
		return v.s == o.s
	case KindInteger, KindDateTime:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindBoolean:
		return v.b == o.b
	}
	return false
}

// Compare orders v against o within one kind. Comparing values of
// different kinds fails; null compares equal only to null.
func (v Value) Compare(o Value) (int, error) {
	if v.kind != o.kind {
		return 0, ValueError.Wrap(fmt.Errorf("cannot compare %s with %s: %w", v.kind, o.kind, ErrKindMismatch))
	}
	switch v.kind {
	case KindNull:
		return 0, nil
	case KindString, KindJSON:
		return compareOrdered(v.s, o.s), nil
	case KindInteger, KindDateTime:
		return compareOrdered(v.i, o.i), nil
	case KindFloat:
		return compareOrdered(v.f, o.f), nil
	case KindBoolean:
		return compareOrdered(boolToInt(v.b), boolToInt(o.b)), nil
	}
	return 0, ValueError.New("unknown kind %d", v.kind)
}

func compareOrdered[T string | int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// String renders the value for debugging. Use Render for serialization.
func (v Value) String() string {
	s, err := v.Render(v.kind.fieldType())
	if err != nil {
		return "<" + v.kind.String() + ">"
	}
	return s
}

func (k Kind) fieldType() FieldType {
	switch k {
	case KindString:
		return TypeText
	case KindInteger:
		return TypeInteger
	case KindFloat:
		return TypeReal
	case KindBoolean:
		return TypeBoolean
	case KindDateTime:
		return TypeDateTime
	case KindJSON:
		return TypeJSON
	}
	return TypeText
}

// Parse parses text into a value of the target field type.
func Parse(text string, t FieldType) (Value, error) {
	switch t {
	case TypeText:
		return String(text), nil
	case TypeInteger:
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Value{}, ValueError.Wrap(fmt.Errorf("parsing integer %q: %w", text, err))
		}
		return Integer(i), nil
	case TypeReal:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, ValueError.Wrap(fmt.Errorf("parsing float %q: %w", text, err))
		}
		return Float(f)
	case TypeBoolean:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return Value{}, ValueError.Wrap(fmt.Errorf("parsing boolean %q: %w", text, err))
		}
		return Boolean(b), nil
	case TypeDateTime:
		// Epoch milliseconds, matching the storage representation, so
		// the instant survives a round trip exactly.
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Value{}, ValueError.Wrap(fmt.Errorf("parsing datetime %q: %w", text, err))
		}
		return DateTime(i), nil
	case TypeJSON:
		return JSON(text)
	}
	return Value{}, ValueError.New("unknown field type %d", t)
}

// Render serializes the value as text for the target field type.
// Integer values widen to real; narrowing conversions fail.
func (v Value) Render(t FieldType) (string, error) {
	switch t {
	case TypeText:
		if v.kind != KindString {
			return "", renderMismatch(v.kind, t)
		}
		return v.s, nil
	case TypeInteger:
		if v.kind != KindInteger {
			return "", renderMismatch(v.kind, t)
		}
		return strconv.FormatInt(v.i, 10), nil
	case TypeReal:
		f, err := v.AsFloat()
		if err != nil {
			return "", renderMismatch(v.kind, t)
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	case TypeBoolean:
		if v.kind != KindBoolean {
			return "", renderMismatch(v.kind, t)
		}
		return strconv.FormatBool(v.b), nil
	case TypeDateTime:
		if v.kind != KindDateTime {
			return "", renderMismatch(v.kind, t)
		}
		return strconv.FormatInt(v.i, 10), nil
	case TypeJSON:
		if v.kind != KindJSON {
			return "", renderMismatch(v.kind, t)
		}
		return v.s, nil
	}
	return "", ValueError.New("unknown field type %d", t)
}

func renderMismatch(k Kind, t FieldType) error {
	return ValueError.Wrap(fmt.Errorf("cannot render %s as %s: %w", k, t, ErrKindMismatch))
}

// SQLParam returns the driver-level representation used to bind v as a
// prepared-statement parameter.
func (v Value) SQLParam() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindString, KindJSON:
		return v.s
	case KindInteger, KindDateTime:
		return v.i
	case KindFloat:
		return v.f
	case KindBoolean:
		return boolToInt(v.b)
	}
	return nil
}

// FromSQL converts a scanned database column back into a Value of the
// declared field type.
func FromSQL(raw interface{}, t FieldType) (Value, error) {
	if raw == nil {
		return Null(), nil
	}
	switch t {
	case TypeText:
		s, err := sqlText(raw)
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	case TypeJSON:
		s, err := sqlText(raw)
		if err != nil {
			return Value{}, err
		}
		return JSON(s)
	case TypeInteger:
		i, err := sqlInt(raw)
		if err != nil {
			return Value{}, err
		}
		return Integer(i), nil
	case TypeDateTime:
		i, err := sqlInt(raw)
		if err != nil {
			return Value{}, err
		}
		return DateTime(i), nil
	case TypeBoolean:
		i, err := sqlInt(raw)
		if err != nil {
			return Value{}, err
		}
		return Boolean(i != 0), nil
	case TypeReal:
		switch n := raw.(type) {
		case float64:
			return Float(n)
		case int64:
			return Float(float64(n))
		}
		return Value{}, ValueError.New("cannot read %T as real", raw)
	}
	return Value{}, ValueError.New("unknown field type %d", t)
}

func sqlText(raw interface{}) (string, error) {
	switch s := raw.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	}
	return "", ValueError.New("cannot read %T as text", raw)
}

func sqlInt(raw interface{}) (int64, error) {
	switch i := raw.(type) {
	case int64:
		return i, nil
	case bool:
		return boolToInt(i), nil
	}
	return 0, ValueError.New("cannot read %T as integer", raw)
}
