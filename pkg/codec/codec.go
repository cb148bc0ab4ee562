package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/aretw0/tendril/pkg/domain"
	"github.com/mitchellh/mapstructure"
)

const (
	StringPrefix  = "[STRING]"
	ComplexPrefix = "[COMPLEX]"
)

var (
	// ErrUndefined is returned when encoding a nil value. Callers skip undefined fields instead.
	ErrUndefined = errors.New("codec: undefined value")
	// ErrUnsupported is returned for values with no wire form (channels, funcs, NaN).
	ErrUnsupported = errors.New("codec: unsupported value")
	// ErrMalformed is returned when an encoded value carries no recognizable form.
	ErrMalformed = errors.New("codec: malformed encoded value")
)

// Kind is the wire type of an encoded value.
type Kind int

const (
	KindInvalid Kind = iota
	KindNumber
	KindBool
	KindString
	KindComplex
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindComplex:
		return "complex"
	default:
		return "invalid"
	}
}

// Encode returns the tagged wire form of v.
func Encode(v any) (domain.EncodedValue, error) {
	if v == nil {
		return "", ErrUndefined
	}

	switch x := v.(type) {
	case json.Number:
		if _, err := x.Float64(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return domain.EncodedValue(x.String()), nil
	case json.RawMessage:
		if !json.Valid(x) {
			return "", fmt.Errorf("%w: invalid raw json", ErrUnsupported)
		}
		return domain.EncodedValue(ComplexPrefix + string(x)), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return domain.EncodedValue(StringPrefix + rv.String()), nil
	case reflect.Bool:
		return domain.EncodedValue(strconv.FormatBool(rv.Bool())), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return domain.EncodedValue(strconv.FormatInt(rv.Int(), 10)), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return domain.EncodedValue(strconv.FormatUint(rv.Uint(), 10)), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", fmt.Errorf("%w: %v", ErrUnsupported, f)
		}
		return domain.EncodedValue(strconv.FormatFloat(f, 'g', -1, 64)), nil
	case reflect.Chan, reflect.Func, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return "", fmt.Errorf("%w: %T", ErrUnsupported, v)
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return "", ErrUndefined
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return domain.EncodedValue(ComplexPrefix + string(data)), nil
}

// KindOf reports the wire type of an encoded value without decoding it.
func KindOf(e domain.EncodedValue) Kind {
	s := string(e)
	switch {
	case strings.HasPrefix(s, StringPrefix):
		return KindString
	case strings.HasPrefix(s, ComplexPrefix):
		return KindComplex
	case s == "true" || s == "false":
		return KindBool
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return KindNumber
	}
	return KindInvalid
}

// Validate reports whether e is a well-formed encoded value without building it.
func Validate(e domain.EncodedValue) error {
	switch KindOf(e) {
	case KindInvalid:
		return fmt.Errorf("%w: %q", ErrMalformed, truncate(string(e), 32))
	case KindComplex:
		if !json.Valid([]byte(strings.TrimPrefix(string(e), ComplexPrefix))) {
			return fmt.Errorf("%w: invalid json", ErrMalformed)
		}
	}
	return nil
}

// Decode rebuilds the native value. Numbers decode to float64 and composites to
// map[string]any / []any trees, the same shapes encoding/json produces.
func Decode(e domain.EncodedValue) (any, error) {
	s := string(e)
	switch KindOf(e) {
	case KindString:
		return strings.TrimPrefix(s, StringPrefix), nil
	case KindComplex:
		var out any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(s, ComplexPrefix)), &out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return out, nil
	case KindBool:
		return s == "true", nil
	case KindNumber:
		f, _ := strconv.ParseFloat(s, 64)
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrMalformed, truncate(s, 32))
	}
}

// DecodeInto decodes e and stores the result in out, which must be a pointer.
// Composite values are mapped onto structs using their json tags.
func DecodeInto(e domain.EncodedValue, out any) error {
	v, err := Decode(e)
	if err != nil {
		return err
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("codec: decode into %T: %w", out, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
