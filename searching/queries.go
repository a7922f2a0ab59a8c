package searching

import (
	"strings"
	"time"

	"github.com/splitgill/splitgill/indexing"
)

type queryKind int

const (
	kindAll queryKind = iota
	kindTerm
	kindNumberRange
	kindDateRange
	kindText
	kindID
	kindVersion
	kindGeoDistance
	kindGeoBox
)

// Query is a predicate over search documents. Queries are built with the
// package's builder functions and combined with And.
type Query struct {
	kind queryKind
	sub  []Query

	// the parsed sub-field the query targets, e.g. "data.height._n"
	path string

	term    any
	lo, hi  *float64
	text    string
	id      string
	version int64

	lon, lat, radius       float64
	minLon, minLat         float64
	maxLon, maxLat         float64
}

// All matches every document.
func All() Query {
	return Query{kind: kindAll}
}

// And matches documents satisfying every given query.
func And(queries ...Query) Query {
	if len(queries) == 1 {
		return queries[0]
	}
	return Query{kind: kindAll, sub: queries}
}

// VersionQuery matches the documents describing each record's state at the
// given version, via the versions range each document carries.
func VersionQuery(version int64) Query {
	return Query{kind: kindVersion, version: version}
}

// IDQuery matches all documents of one record.
func IDQuery(recordID string) Query {
	return Query{kind: kindID, id: recordID}
}

// TermQuery matches an exact value at a field path, picking the parsed
// sub-field from the value's kind.
func TermQuery(path string, value any) Query {
	var typeField string
	switch value.(type) {
	case bool:
		typeField = indexing.Boolean
	case int64, float64:
		typeField = indexing.Number
	default:
		typeField = indexing.Keyword
	}
	return Query{
		kind: kindTerm,
		path: indexing.ParsedPath(path, typeField),
		term: normaliseTerm(value),
	}
}

// RangeQuery matches numbers at a field path within [lo, hi]. Either bound
// may be nil for an open end.
func RangeQuery(path string, lo, hi *float64) Query {
	return Query{
		kind: kindNumberRange,
		path: indexing.ParsedPath(path, indexing.Number),
		lo:   lo,
		hi:   hi,
	}
}

// DateRangeQuery matches parsed dates at a field path within [lo, hi].
func DateRangeQuery(path string, lo, hi *time.Time) Query {
	var loMs, hiMs *float64
	if lo != nil {
		v := float64(lo.UnixMilli())
		loMs = &v
	}
	if hi != nil {
		v := float64(hi.UnixMilli())
		hiMs = &v
	}
	return Query{
		kind: kindDateRange,
		path: indexing.ParsedPath(path, indexing.Date),
		lo:   loMs,
		hi:   hiMs,
	}
}

// TextQuery matches documents whose text at the field path contains every
// word of the given query string. An empty path searches all text.
func TextQuery(path, text string) Query {
	target := indexing.FieldAllText
	if path != "" {
		target = indexing.ParsedPath(path, indexing.Text)
	}
	return Query{kind: kindText, path: target, text: text}
}

// GeoDistanceQuery matches documents whose point at the field path lies
// within radius metres of lon/lat.
func GeoDistanceQuery(path string, lon, lat, radiusMetres float64) Query {
	target := indexing.FieldAllPoints
	if path != "" {
		target = indexing.ParsedPath(path, indexing.GeoPoint)
	}
	return Query{kind: kindGeoDistance, path: target, lon: lon, lat: lat, radius: radiusMetres}
}

// GeoBoxQuery matches documents whose point at the field path lies inside
// the bounding box.
func GeoBoxQuery(path string, minLon, minLat, maxLon, maxLat float64) Query {
	target := indexing.FieldAllPoints
	if path != "" {
		target = indexing.ParsedPath(path, indexing.GeoPoint)
	}
	return Query{
		kind: kindGeoBox, path: target,
		minLon: minLon, minLat: minLat, maxLon: maxLon, maxLat: maxLat,
	}
}

func normaliseTerm(value any) any {
	switch v := value.(type) {
	case string:
		return strings.ToLower(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	default:
		return value
	}
}
