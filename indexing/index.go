package indexing

import (
	"encoding/json"
	"fmt"

	"github.com/splitgill/splitgill/diffing"
	"github.com/splitgill/splitgill/store"
)

// ArcCount is the number of archive indices each database's historical
// documents are spread over.
const ArcCount = 5

// LatestIndex is the index holding the current state of every record.
func LatestIndex(database string) string {
	return fmt.Sprintf("data-%s-latest", database)
}

// ArcIndex is the archive index assigned to a record, derived from the byte
// sum of its id so a record's history always lands in the same index.
func ArcIndex(database, recordID string) string {
	var sum int
	for _, b := range []byte(recordID) {
		sum += int(b)
	}
	return fmt.Sprintf("data-%s-arc-%03d", database, sum%ArcCount)
}

// ArcIndices returns every archive index name for a database.
func ArcIndices(database string) []string {
	names := make([]string, ArcCount)
	for i := range names {
		names[i] = fmt.Sprintf("data-%s-arc-%03d", database, i)
	}
	return names
}

// AllIndices returns the latest index plus every arc index.
func AllIndices(database string) []string {
	return append([]string{LatestIndex(database)}, ArcIndices(database)...)
}

// IndexPattern matches all of a database's data indices, for templates.
func IndexPattern(database string) string {
	return fmt.Sprintf("data-%s-*", database)
}

// TemplateName is the index template covering a database's data indices.
func TemplateName(database string) string {
	return fmt.Sprintf("data-%s", database)
}

// ResolveIndex picks the index a record state at the given version belongs
// in. The current state lives in latest, everything older in the arc.
func ResolveIndex(database string, record *store.StoredRecord, version int64) string {
	if version == record.Version {
		return LatestIndex(database)
	}
	return ArcIndex(database, record.ID)
}

// DocID is the search document id for one record state. Stable ids make
// re-indexing idempotent.
func DocID(recordID string, version int64) string {
	return fmt.Sprintf("%s:%d", recordID, version)
}

// Document is a search document describing one state of a record.
type Document struct {
	ID          string         `json:"id"`
	Version     int64          `json:"version"`
	Next        *int64         `json:"next,omitempty"`
	Versions    map[string]any `json:"versions"`
	Data        map[string]any `json:"data"`
	DataTypes   []string       `json:"data_types"`
	ParsedTypes []string       `json:"parsed_types"`
}

// MarshalJSON routes the parsed tree through diffing.EncodeTree so the
// unparsed originals keep their float kinds.
func (d Document) MarshalJSON() ([]byte, error) {
	type shadow struct {
		ID          string          `json:"id"`
		Version     int64           `json:"version"`
		Next        *int64          `json:"next,omitempty"`
		Versions    map[string]any  `json:"versions"`
		Data        json.RawMessage `json:"data"`
		DataTypes   []string        `json:"data_types"`
		ParsedTypes []string        `json:"parsed_types"`
	}
	data, err := diffing.EncodeTree(d.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(shadow{
		ID:          d.ID,
		Version:     d.Version,
		Next:        d.Next,
		Versions:    d.Versions,
		Data:        data,
		DataTypes:   d.DataTypes,
		ParsedTypes: d.ParsedTypes,
	})
}

// UnmarshalJSON decodes the parsed data tree with int/float fidelity so the
// unparsed originals survive a round trip through the engine.
func (d *Document) UnmarshalJSON(data []byte) error {
	type shadow struct {
		ID          string          `json:"id"`
		Version     int64           `json:"version"`
		Next        *int64          `json:"next"`
		Versions    map[string]any  `json:"versions"`
		Data        json.RawMessage `json:"data"`
		DataTypes   []string        `json:"data_types"`
		ParsedTypes []string        `json:"parsed_types"`
	}
	var s shadow
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	d.ID = s.ID
	d.Version = s.Version
	d.Next = s.Next
	d.Versions = s.Versions
	d.DataTypes = s.DataTypes
	d.ParsedTypes = s.ParsedTypes
	if s.Data != nil {
		tree, err := diffing.DecodeTree(s.Data)
		if err != nil {
			return err
		}
		d.Data = tree
	}
	return nil
}

// NewDocument builds the search document for a record state. next is nil for
// the record's current state.
func NewDocument(recordID string, version int64, next *int64, parsed ParsedData) Document {
	versions := map[string]any{"gte": version}
	if next != nil {
		versions["lt"] = *next
	}
	return Document{
		ID:          recordID,
		Version:     version,
		Next:        next,
		Versions:    versions,
		Data:        parsed.Parsed,
		DataTypes:   parsed.DataTypes,
		ParsedTypes: parsed.ParsedTypes,
	}
}

// BulkAction discriminates bulk operations.
type BulkAction string

const (
	ActionIndex  BulkAction = "index"
	ActionDelete BulkAction = "delete"
)

// BulkOp is one operation destined for the search engine's bulk endpoint.
type BulkOp struct {
	Action BulkAction
	Index  string
	DocID  string
	// Doc is set for index actions only.
	Doc *Document
}

func IndexOp(index string, doc Document) BulkOp {
	return BulkOp{Action: ActionIndex, Index: index, DocID: DocID(doc.ID, doc.Version), Doc: &doc}
}

func DeleteOp(index, docID string) BulkOp {
	return BulkOp{Action: ActionDelete, Index: index, DocID: docID}
}
