package diffing

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/pkg/errors"
)

// ErrUnsupportedValue is returned when a value outside the Tree grammar is
// given to Prepare.
var ErrUnsupportedValue = errors.New("unsupported value kind")

func newNumberDecoder(raw []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec
}

// DecodeTree unmarshals JSON into a prepared Tree, keeping the int/float
// distinction that a plain json.Unmarshal would lose.
func DecodeTree(raw []byte) (map[string]any, error) {
	var v any
	if err := newNumberDecoder(raw).Decode(&v); err != nil {
		return nil, err
	}
	prepared, err := Prepare(v)
	if err != nil {
		return nil, err
	}
	m, ok := prepared.(map[string]any)
	if !ok {
		return nil, errors.New("tree root must be a map")
	}
	return m, nil
}

func stripInvalid(s string) string {
	return strings.Map(func(r rune) rune {
		// unicode control characters are dropped, except \n, \r, and \t
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if unicode.In(r, unicode.C) {
			return -1
		}
		return r
	}, s)
}

// Prepare normalises a value into the Tree grammar:
//
//   - strings have control characters removed
//   - every integer kind becomes int64, every float kind float64;
//     unsigned values above the int64 range are rejected
//   - json.Number becomes int64 when integral, float64 otherwise
//   - time.Time becomes its RFC 3339 string
//   - maps and slices are rebuilt with prepared contents
//
// Values outside the grammar return ErrUnsupportedValue.
func Prepare(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return stripInvalid(v), nil
	case bool:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return nil, errors.Wrapf(ErrUnsupportedValue, "unsigned value %d overflows int64", v)
		}
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, errors.Wrapf(ErrUnsupportedValue, "unsigned value %d overflows int64", v)
		}
		return int64(v), nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, errors.Wrapf(ErrUnsupportedValue, "bad number %q", v)
		}
		return f, nil
	case time.Time:
		return v.Format(time.RFC3339Nano), nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, elem := range v {
			prepared, err := Prepare(elem)
			if err != nil {
				return nil, err
			}
			out[key] = prepared
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			prepared, err := Prepare(elem)
			if err != nil {
				return nil, err
			}
			out[i] = prepared
		}
		return out, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedValue, "%T", value)
	}
}

// Kind names the Tree kind of a prepared value, as used in data_types.
func Kind(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "str"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	default:
		return "unknown"
	}
}
