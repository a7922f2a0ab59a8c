package diffing

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Op codes. A stored diff transforms the data at version V into the data at
// the previous version.
const (
	// OpSet sets the value at path (map key add/replace, list element replace)
	OpSet = "s"
	// OpDelete removes the map key at path
	OpDelete = "d"
	// OpListInsert inserts the payload values into the parent list starting
	// at the index the path ends with
	OpListInsert = "li"
	// OpListRemove truncates the parent list at the index the path ends with
	OpListRemove = "lr"
	// OpGrow replaces a scalar (or differently shaped container) with a container
	OpGrow = "rc"
	// OpShrink replaces a container with a scalar
	OpShrink = "rs"
)

// Op is a single patch operation. Path elements are map keys (string) or
// list indices (int). It serialises as a [code, path, payload] triple.
type Op struct {
	Code  string
	Path  []any
	Value any
}

func (o Op) MarshalJSON() ([]byte, error) {
	path := o.Path
	if path == nil {
		path = []any{}
	}
	pathRaw, err := json.Marshal(path)
	if err != nil {
		return nil, err
	}
	valueRaw, err := EncodeValue(o.Value)
	if err != nil {
		return nil, err
	}
	out := append([]byte{'['}, strconv.Quote(o.Code)...)
	out = append(out, ',')
	out = append(out, pathRaw...)
	out = append(out, ',')
	out = append(out, valueRaw...)
	return append(out, ']'), nil
}

func (o *Op) UnmarshalJSON(data []byte) error {
	var triple [3]json.RawMessage
	if err := json.Unmarshal(data, &triple); err != nil {
		return err
	}
	if err := json.Unmarshal(triple[0], &o.Code); err != nil {
		return err
	}
	var rawPath []any
	if err := json.Unmarshal(triple[1], &rawPath); err != nil {
		return err
	}
	o.Path = make([]any, len(rawPath))
	for i, elem := range rawPath {
		switch e := elem.(type) {
		case string:
			o.Path[i] = e
		case float64:
			o.Path[i] = int(e)
		default:
			return fmt.Errorf("invalid path element %T", elem)
		}
	}
	value, err := decodeValue(triple[2])
	if err != nil {
		return err
	}
	o.Value = value
	return nil
}

// decodeValue unmarshals a JSON payload and normalises it into Tree values
// so that patched data compares equal to freshly prepared data.
func decodeValue(raw json.RawMessage) (any, error) {
	var v any
	dec := newNumberDecoder(raw)
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return Prepare(v)
}
