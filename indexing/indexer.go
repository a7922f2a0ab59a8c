package indexing

import (
	"iter"

	"github.com/splitgill/splitgill/store"
)

// GenerateIndexOps yields the bulk ops that bring the search indices up to
// date for one record, covering the states committed in (since, until].
//
// Every touched (id, version) pair gets delete ops in both candidate indices
// before any upsert, so re-running after a crash or an options change never
// leaves duplicates. When a newer version displaces a record's previous
// current state, the old state's document is removed from the latest index
// and re-created in the record's arc with its next version filled in.
func GenerateIndexOps(database string, record *store.StoredRecord, since, until int64, parser *Parser) iter.Seq[BulkOp] {
	return func(yield func(BulkOp) bool) {
		states := statesAscending(record)

		// index of the first state inside the window
		first := len(states)
		for i, state := range states {
			if state.Version > since && state.Version <= until {
				first = i
				break
			}
		}
		if first == len(states) {
			return
		}

		// the state just before the window was the record's current state
		// last time it was indexed, so it has to move out of latest
		start := first
		if first > 0 {
			start = first - 1
		}

		latest := LatestIndex(database)
		arc := ArcIndex(database, record.ID)

		for i := start; i < len(states); i++ {
			state := states[i]
			docID := DocID(record.ID, state.Version)

			if !yield(DeleteOp(latest, docID)) {
				return
			}
			if !yield(DeleteOp(arc, docID)) {
				return
			}

			if len(state.Data) == 0 {
				continue
			}

			var next *int64
			if i+1 < len(states) {
				v := states[i+1].Version
				next = &v
			}
			target := ResolveIndex(database, record, state.Version)
			doc := NewDocument(record.ID, state.Version, next, parser.Parse(state.Data))
			if !yield(IndexOp(target, doc)) {
				return
			}
		}
	}
}

func statesAscending(record *store.StoredRecord) []store.VersionedData {
	var states []store.VersionedData
	for state := range record.History() {
		states = append(states, state)
	}
	for i, j := 0, len(states)-1; i < j; i, j = i+1, j-1 {
		states[i], states[j] = states[j], states[i]
	}
	return states
}
