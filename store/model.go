package store

import (
	"encoding/json"
	"iter"
	"sort"
	"strconv"

	"github.com/splitgill/splitgill/diffing"
)

// Record is a record before it becomes managed by splitgill.
type Record struct {
	ID   string
	Data map[string]any
}

// IsDelete reports whether ingesting this record deletes it (empty data).
func (r Record) IsDelete() bool {
	return len(r.Data) == 0
}

// VersionedData is one historical state of a record.
type VersionedData struct {
	Version int64
	Data    map[string]any
}

// StoredRecord is a record as held in the document store. Data is the current
// committed state; Diffs maps each older version to the patch that rebuilds
// it from the following version's data. Next holds staged, uncommitted data.
type StoredRecord struct {
	ID      string                   `json:"id"`
	Data    map[string]any           `json:"data"`
	Version int64                    `json:"version"`
	Diffs   map[string][]diffing.Op  `json:"diffs,omitempty"`
	Next    map[string]any           `json:"next,omitempty"`
	HasNext bool                     `json:"has_next,omitempty"`
}

// HasNext is carried explicitly because a staged delete stages an empty map,
// which is indistinguishable from "nothing staged" after JSON round-tripping.

// MarshalJSON routes the data trees through diffing.EncodeTree so float
// kinds survive storage.
func (r StoredRecord) MarshalJSON() ([]byte, error) {
	type shadow struct {
		ID      string                  `json:"id"`
		Data    json.RawMessage         `json:"data"`
		Version int64                   `json:"version"`
		Diffs   map[string][]diffing.Op `json:"diffs,omitempty"`
		Next    json.RawMessage         `json:"next,omitempty"`
		HasNext bool                    `json:"has_next,omitempty"`
	}
	data, err := diffing.EncodeTree(r.Data)
	if err != nil {
		return nil, err
	}
	s := shadow{
		ID:      r.ID,
		Data:    data,
		Version: r.Version,
		Diffs:   r.Diffs,
		HasNext: r.HasNext,
	}
	if r.Next != nil || r.HasNext {
		next, err := diffing.EncodeTree(r.Next)
		if err != nil {
			return nil, err
		}
		s.Next = next
	}
	return json.Marshal(s)
}

func (r *StoredRecord) UnmarshalJSON(data []byte) error {
	type shadow struct {
		ID      string                     `json:"id"`
		Data    json.RawMessage            `json:"data"`
		Version int64                      `json:"version"`
		Diffs   map[string][]diffing.Op    `json:"diffs"`
		Next    json.RawMessage            `json:"next"`
		HasNext bool                       `json:"has_next"`
	}
	var s shadow
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	r.ID = s.ID
	r.Version = s.Version
	r.Diffs = s.Diffs
	r.HasNext = s.HasNext
	if s.Data != nil {
		tree, err := diffing.DecodeTree(s.Data)
		if err != nil {
			return err
		}
		r.Data = tree
	}
	if s.Next != nil {
		tree, err := diffing.DecodeTree(s.Next)
		if err != nil {
			return err
		}
		r.Next = tree
	}
	return nil
}

// IsDeleted reports whether the record's current committed state is a delete.
func (r *StoredRecord) IsDeleted() bool {
	return len(r.Data) == 0
}

// Versions returns the record's committed versions in descending order.
func (r *StoredRecord) Versions() []int64 {
	versions := make([]int64, 0, len(r.Diffs)+1)
	versions = append(versions, r.Version)
	for key := range r.Diffs {
		v, err := strconv.ParseInt(key, 10, 64)
		if err == nil {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	return versions
}

// History yields the record's states newest first, patching backwards through
// the diff chain.
func (r *StoredRecord) History() iter.Seq[VersionedData] {
	return func(yield func(VersionedData) bool) {
		if !yield(VersionedData{Version: r.Version, Data: r.Data}) {
			return
		}

		diffVersions := make([]int64, 0, len(r.Diffs))
		for key := range r.Diffs {
			v, err := strconv.ParseInt(key, 10, 64)
			if err == nil {
				diffVersions = append(diffVersions, v)
			}
		}
		sort.Slice(diffVersions, func(i, j int) bool { return diffVersions[i] > diffVersions[j] })

		base := r.Data
		for _, version := range diffVersions {
			data := diffing.Patch(base, r.Diffs[strconv.FormatInt(version, 10)])
			if !yield(VersionedData{Version: version, Data: data}) {
				return
			}
			base = data
		}
	}
}

// DataAt materialises the record's data at the given version. Returns false
// if the record did not exist yet at that version.
func (r *StoredRecord) DataAt(version int64) (map[string]any, bool) {
	for state := range r.History() {
		if state.Version <= version {
			return state.Data, true
		}
	}
	return nil, false
}

// Status is the per-database bookkeeping document.
type Status struct {
	Name               string `json:"name"`
	CommittedVersion   int64  `json:"committed_version"`
	LastIndexedVersion int64  `json:"last_indexed_version"`
	OptionsVersion     int64  `json:"options_version"`
}

// IngestResult summarises one ingest batch.
type IngestResult struct {
	Upserted int
	Modified int
	Same     int
	// Version is the committed version assigned to the batch, 0 when the
	// batch was left uncommitted or contained no changes.
	Version int64
}
