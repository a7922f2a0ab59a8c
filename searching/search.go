package searching

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"

	"github.com/splitgill/splitgill/indexing"
	"github.com/splitgill/splitgill/kv"
)

const DefaultSearchLimit = 200

// Search runs a query across the given indices and returns matching
// documents, at most limit of them, ordered by (id, version).
func (e *Embedded) Search(ctx context.Context, indices []string, query Query, limit int) ([]indexing.Document, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	r := e.kv.Read()
	defer r.Close()

	var matches []indexing.Document
	for _, index := range indices {
		docs, err := e.searchIndex(ctx, r, index, query)
		if err != nil {
			return nil, err
		}
		matches = append(matches, docs...)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].ID != matches[j].ID {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Version < matches[j].Version
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Count returns how many documents in the indices match the query.
func (e *Embedded) Count(ctx context.Context, indices []string, query Query) (int, error) {
	r := e.kv.Read()
	defer r.Close()

	total := 0
	for _, index := range indices {
		docs, err := e.searchIndex(ctx, r, index, query)
		if err != nil {
			return 0, err
		}
		total += len(docs)
	}
	return total, nil
}

func (e *Embedded) searchIndex(ctx context.Context, r kv.Read, index string, query Query) ([]indexing.Document, error) {
	candidates, scanned, err := e.candidates(ctx, r, index, query)
	if err != nil {
		return nil, err
	}
	if !scanned {
		return e.scanMatching(ctx, r, index, query)
	}

	keys := make([][]byte, len(candidates))
	for i, docID := range candidates {
		keys[i] = docKey(index, docID)
	}
	found, err := r.BatchGet(ctx, keys)
	if err != nil {
		return nil, err
	}

	var docs []indexing.Document
	for _, key := range keys {
		raw, ok := found[string(key)]
		if !ok || raw == nil {
			continue
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		if matchDocument(doc, query) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// candidates tries to drive the search from the postings of one clause.
// Returns scanned=false when no clause can, in which case the caller falls
// back to scanning the whole index.
func (e *Embedded) candidates(ctx context.Context, r kv.Read, index string, query Query) ([]string, bool, error) {
	clause, ok := drivingClause(query)
	if !ok {
		return nil, false, nil
	}

	var start, end []byte
	switch clause.kind {
	case kindID:
		start, end = postingRange(index, indexing.FieldID, keywordBytes(clause.id))
	case kindTerm:
		value := termBytes(clause.term)
		if value == nil {
			return nil, false, nil
		}
		start, end = postingRange(index, clause.path, value)
	case kindText:
		tokens := Tokenize(clause.text)
		if len(tokens) == 0 {
			return nil, false, nil
		}
		// drive from the first token, the rest is verified in memory
		start, end = postingRange(index, clause.path, keywordBytes(tokens[0]))
	case kindNumberRange, kindDateRange:
		start, end = numberRangeScan(index, clause.path, clause.lo, clause.hi)
	case kindVersion:
		// everything with versions.gte <= version is a candidate
		lo := math.Inf(-1)
		hi := float64(clause.version)
		start, end = numberRangeScan(index, indexing.FieldVersions+".gte", &lo, &hi)
	default:
		return nil, false, nil
	}

	seen := map[string]bool{}
	var ids []string
	for pair, err := range r.Iter(ctx, start, end) {
		if err != nil {
			return nil, false, err
		}
		parts := bytes.Split(pair.K, []byte{0xff})
		if len(parts) < 2 {
			continue
		}
		docID := string(parts[len(parts)-1])
		if !seen[docID] {
			seen[docID] = true
			ids = append(ids, docID)
		}
	}
	return ids, true, nil
}

// drivingClause picks the first postings-drivable clause of a query.
func drivingClause(query Query) (Query, bool) {
	if len(query.sub) > 0 {
		for _, sub := range query.sub {
			if clause, ok := drivingClause(sub); ok {
				return clause, true
			}
		}
		return Query{}, false
	}
	switch query.kind {
	case kindID, kindTerm, kindText, kindNumberRange, kindDateRange, kindVersion:
		return query, true
	}
	return Query{}, false
}

// numberRangeScan builds the posting scan bounds for a numeric interval.
func numberRangeScan(index, path string, lo, hi *float64) ([]byte, []byte) {
	prefix := joinKey(postingPrefix, []byte(index), []byte(path))
	prefix = append(prefix, 0xff)

	start := append(bytes.Clone(prefix), sortableNumber(math.Inf(-1))...)
	if lo != nil {
		start = append(bytes.Clone(prefix), sortableNumber(*lo)...)
	}
	var end []byte
	if hi != nil {
		// one bit past hi so hi itself is included
		end = append(bytes.Clone(prefix), sortableNumber(*hi)...)
		end = append(end, 0xff, 0xff)
	} else {
		end = kv.PrefixEnd(prefix)
	}
	return start, end
}

func termBytes(term any) []byte {
	switch v := term.(type) {
	case string:
		return keywordBytes(v)
	case float64:
		return sortableNumber(v)
	case bool:
		if v {
			return []byte{1}
		}
		return []byte{0}
	default:
		return nil
	}
}

func (e *Embedded) scanMatching(ctx context.Context, r kv.Read, index string, query Query) ([]indexing.Document, error) {
	prefix := joinKey(docPrefix, []byte(index))
	prefix = append(prefix, 0xff)

	var docs []indexing.Document
	for pair, err := range r.Iter(ctx, prefix, kv.PrefixEnd(prefix)) {
		if err != nil {
			return nil, err
		}
		doc, err := decodeDocument(pair.V)
		if err != nil {
			return nil, err
		}
		if matchDocument(doc, query) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// matchDocument is the authoritative predicate; postings only narrow the
// candidate set.
func matchDocument(doc indexing.Document, query Query) bool {
	if len(query.sub) > 0 {
		for _, sub := range query.sub {
			if !matchDocument(doc, sub) {
				return false
			}
		}
		return true
	}

	switch query.kind {
	case kindAll:
		return true
	case kindID:
		return doc.ID == query.id
	case kindVersion:
		gte, ok := numberIn(doc.Versions["gte"])
		if !ok || float64(query.version) < gte {
			return false
		}
		if lt, ok := numberIn(doc.Versions["lt"]); ok && float64(query.version) >= lt {
			return false
		}
		return true
	case kindTerm:
		for _, value := range valuesAt(doc, query.path) {
			if termEquals(value, query.term) {
				return true
			}
		}
		return false
	case kindNumberRange, kindDateRange:
		for _, value := range valuesAt(doc, query.path) {
			if n, ok := numberIn(value); ok && inRange(n, query.lo, query.hi) {
				return true
			}
		}
		return false
	case kindText:
		tokens := Tokenize(query.text)
		if len(tokens) == 0 {
			return false
		}
		present := map[string]bool{}
		for _, value := range valuesAt(doc, query.path) {
			if text, ok := value.(string); ok {
				for _, token := range Tokenize(text) {
					present[token] = true
				}
			}
		}
		for _, token := range tokens {
			if !present[token] {
				return false
			}
		}
		return true
	case kindGeoDistance:
		for _, value := range valuesAt(doc, query.path) {
			if lon, lat, ok := pointOf(value); ok {
				if haversineMetres(query.lon, query.lat, lon, lat) <= query.radius {
					return true
				}
			}
		}
		return false
	case kindGeoBox:
		for _, value := range valuesAt(doc, query.path) {
			if lon, lat, ok := pointOf(value); ok {
				if lon >= query.minLon && lon <= query.maxLon &&
					lat >= query.minLat && lat <= query.maxLat {
					return true
				}
			}
		}
		return false
	}
	return false
}

// valuesAt collects the values at a dotted path in a document, fanning out
// through lists. The "all_text" and "all_points" pseudo fields gather every
// matching projection in the data tree.
func valuesAt(doc indexing.Document, path string) []any {
	switch path {
	case indexing.FieldID:
		return []any{doc.ID}
	case indexing.FieldVersion:
		return []any{doc.Version}
	case indexing.FieldAllText:
		return collectTyped(doc.Data, indexing.Text)
	case indexing.FieldAllPoints:
		return collectTyped(doc.Data, indexing.GeoPoint)
	case indexing.FieldAllShapes:
		return collectTyped(doc.Data, indexing.GeoShape)
	}

	segments := strings.Split(path, ".")
	if len(segments) < 2 || segments[0] != indexing.FieldData {
		return nil
	}
	nodes := []any{map[string]any(doc.Data)}
	for _, segment := range segments[1:] {
		var next []any
		for _, node := range nodes {
			next = append(next, childrenOf(node, segment)...)
		}
		nodes = next
	}
	return nodes
}

func childrenOf(node any, key string) []any {
	switch v := node.(type) {
	case map[string]any:
		if child, ok := v[key]; ok {
			return []any{child}
		}
	case []any:
		var out []any
		for _, item := range v {
			out = append(out, childrenOf(item, key)...)
		}
		return out
	}
	return nil
}

// collectTyped gathers every value of one typed sub-field across the tree,
// mirroring the engine-side copy_to fields.
func collectTyped(node any, typeField string) []any {
	var out []any
	switch v := node.(type) {
	case map[string]any:
		if value, ok := v[typeField]; ok {
			out = append(out, value)
		}
		for key, child := range v {
			if strings.HasPrefix(key, "_") {
				continue
			}
			out = append(out, collectTyped(child, typeField)...)
		}
	case []any:
		for _, item := range v {
			out = append(out, collectTyped(item, typeField)...)
		}
	}
	return out
}

func termEquals(value, term any) bool {
	switch t := term.(type) {
	case string:
		s, ok := value.(string)
		return ok && strings.ToLower(s) == t
	case float64:
		n, ok := numberIn(value)
		return ok && n == t
	case bool:
		b, ok := value.(bool)
		return ok && b == t
	}
	return false
}

func inRange(n float64, lo, hi *float64) bool {
	if lo != nil && n < *lo {
		return false
	}
	if hi != nil && n > *hi {
		return false
	}
	return true
}

func pointOf(value any) (lon, lat float64, ok bool) {
	s, isString := value.(string)
	if !isString {
		return 0, 0, false
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return 0, 0, false
	}
	point, isPoint := g.(*geom.Point)
	if !isPoint {
		return 0, 0, false
	}
	c := point.Coords()
	return c.X(), c.Y(), true
}

func haversineMetres(lon1, lat1, lon2, lat2 float64) float64 {
	const earthRadius = 6371008.8
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(a))
}

func decodeDocument(raw []byte) (indexing.Document, error) {
	var doc indexing.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return indexing.Document{}, err
	}
	return doc, nil
}
