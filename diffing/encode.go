package diffing

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// EncodeTree marshals a Tree to JSON, rendering integral floats with a
// trailing ".0" so DecodeTree recovers the exact kinds. encoding/json would
// write float64(7) as "7", which reads back as an int.
func EncodeTree(tree map[string]any) ([]byte, error) {
	return EncodeValue(tree)
}

// EncodeValue marshals any Tree value; see EncodeTree.
func EncodeValue(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeTo(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeTo(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(v))
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrap(ErrUnsupportedValue, "non-finite float")
		}
		s := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		buf.WriteString(s)
	case string:
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(raw)
	case []any:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeTo(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			raw, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buf.Write(raw)
			buf.WriteByte(':')
			if err := encodeTo(buf, v[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return errors.Wrapf(ErrUnsupportedValue, "%T", value)
	}
	return nil
}
