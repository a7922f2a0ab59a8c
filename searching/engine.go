package searching

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/splitgill/splitgill/indexing"
	"github.com/splitgill/splitgill/kv"
)

// Key prefixes for the embedded engine's keyspace. All parts are separated
// with 0xff, which cannot appear in valid utf8.
const (
	indexPrefix    = 'x'
	templatePrefix = 'm'
	docPrefix      = 'e'
	postingPrefix  = 'i'
	settingsPrefix = 'g'
)

// Embedded is a search engine over the shared kv store. It satisfies the
// indexing.Engine contract directly, no external search cluster needed.
// Documents are stored whole and candidates are found through postings keyed
// by (index, field path, encoded value, doc id); matches are always verified
// against the document itself, so postings only have to be supersets.
type Embedded struct {
	kv  kv.KV
	log *zap.Logger
}

func NewEmbedded(db kv.KV, log *zap.Logger) *Embedded {
	if log == nil {
		log = zap.NewNop()
	}
	return &Embedded{kv: db, log: log}
}

func joinKey(prefix byte, parts ...[]byte) []byte {
	k := []byte{prefix}
	for _, part := range parts {
		k = append(k, 0xff)
		k = append(k, part...)
	}
	return k
}

func indexKey(name string) []byte    { return joinKey(indexPrefix, []byte(name)) }
func templateKey(name string) []byte { return joinKey(templatePrefix, []byte(name)) }
func settingsKey(name string) []byte { return joinKey(settingsPrefix, []byte(name)) }

func docKey(index, docID string) []byte {
	return joinKey(docPrefix, []byte(index), []byte(docID))
}

func postingKey(index, path string, value, docID []byte) []byte {
	return joinKey(postingPrefix, []byte(index), []byte(path), value, docID)
}

// postingRange is the scan range covering every posting for one value.
func postingRange(index, path string, value []byte) ([]byte, []byte) {
	start := joinKey(postingPrefix, []byte(index), []byte(path), value)
	start = append(start, 0xff)
	return start, kv.PrefixEnd(start)
}

func (e *Embedded) EnsureTemplate(ctx context.Context, template indexing.Template) error {
	raw, err := json.Marshal(template)
	if err != nil {
		return err
	}
	w := e.kv.Write()
	defer w.Close()
	if err := w.Put(templateKey(template.Name), raw); err != nil {
		return err
	}
	return w.Commit(ctx)
}

func (e *Embedded) EnsureIndex(ctx context.Context, name string) error {
	w := e.kv.Write()
	defer w.Close()

	existing, err := w.Get(ctx, indexKey(name))
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if err := w.Put(indexKey(name), []byte{1}); err != nil {
		return err
	}
	return w.Commit(ctx)
}

func (e *Embedded) DeleteIndex(ctx context.Context, name string) error {
	w := e.kv.Write()
	defer w.Close()

	// drop the marker, every doc and every posting; keys are collected
	// before deleting, mutating a write while iterating it is not safe
	if err := w.Del(indexKey(name)); err != nil {
		return err
	}
	var doomed [][]byte
	for _, prefix := range [][]byte{
		joinKey(docPrefix, []byte(name)),
		joinKey(postingPrefix, []byte(name)),
	} {
		start := append(prefix, 0xff)
		for pair, err := range w.Iter(ctx, start, kv.PrefixEnd(start)) {
			if err != nil {
				return err
			}
			doomed = append(doomed, pair.K)
		}
	}
	for _, key := range doomed {
		if err := w.Del(key); err != nil {
			return err
		}
	}
	return w.Commit(ctx)
}

func (e *Embedded) ListIndices(ctx context.Context, prefix string) ([]string, error) {
	r := e.kv.Read()
	defer r.Close()

	start := []byte{indexPrefix, 0xff}
	var names []string
	for pair, err := range r.Iter(ctx, start, kv.PrefixEnd(start)) {
		if err != nil {
			return nil, err
		}
		name := string(pair.K[2:])
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (e *Embedded) Bulk(ctx context.Context, ops []indexing.BulkOp) (indexing.BulkResult, error) {
	var result indexing.BulkResult

	w := e.kv.Write()
	defer w.Close()

	for _, op := range ops {
		switch op.Action {
		case indexing.ActionIndex:
			if err := e.removeDoc(ctx, w, op.Index, op.DocID); err != nil {
				return result, err
			}
			if err := e.putDoc(w, op.Index, *op.Doc); err != nil {
				result.Failures = append(result.Failures, indexing.BulkFailure{
					Op: op, Reason: err.Error(),
				})
				continue
			}
			result.Indexed++
		case indexing.ActionDelete:
			removed, err := e.removeDocCounting(ctx, w, op.Index, op.DocID)
			if err != nil {
				return result, err
			}
			if removed {
				result.Deleted++
			}
		}
	}
	return result, w.Commit(ctx)
}

func (e *Embedded) putDoc(w kv.Write, index string, doc indexing.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	docID := indexing.DocID(doc.ID, doc.Version)
	if err := w.Put(docKey(index, docID), raw); err != nil {
		return err
	}
	for _, posting := range docPostings(doc) {
		if err := w.Put(postingKey(index, posting.path, posting.value, []byte(docID)), []byte{0}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Embedded) removeDoc(ctx context.Context, w kv.Write, index, docID string) error {
	_, err := e.removeDocCounting(ctx, w, index, docID)
	return err
}

func (e *Embedded) removeDocCounting(ctx context.Context, w kv.Write, index, docID string) (bool, error) {
	raw, err := w.Get(ctx, docKey(index, docID))
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	var doc indexing.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, errors.Wrapf(err, "corrupt document %s in %s", docID, index)
	}
	for _, posting := range docPostings(doc) {
		if err := w.Del(postingKey(index, posting.path, posting.value, []byte(docID))); err != nil {
			return false, err
		}
	}
	if err := w.Del(docKey(index, docID)); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Embedded) Refresh(ctx context.Context, names ...string) error {
	// writes are immediately visible, nothing to flush
	return nil
}

func (e *Embedded) SetRefreshInterval(ctx context.Context, interval string, names ...string) error {
	return e.putSettings(ctx, names, "refresh_interval", interval)
}

func (e *Embedded) SetReplicas(ctx context.Context, replicas int, names ...string) error {
	return e.putSettings(ctx, names, "replicas", replicas)
}

// putSettings records tuning values for parity with a remote engine; the
// embedded engine has no replication or refresh machinery to act on them.
func (e *Embedded) putSettings(ctx context.Context, names []string, setting string, value any) error {
	w := e.kv.Write()
	defer w.Close()

	for _, name := range names {
		settings := map[string]any{}
		if raw, err := w.Get(ctx, settingsKey(name)); err == nil && raw != nil {
			_ = json.Unmarshal(raw, &settings)
		}
		settings[setting] = value
		raw, err := json.Marshal(settings)
		if err != nil {
			return err
		}
		if err := w.Put(settingsKey(name), raw); err != nil {
			return err
		}
	}
	return w.Commit(ctx)
}

// posting is one (path, encoded value) pair extracted from a document.
type posting struct {
	path  string
	value []byte
}

// docPostings flattens a document into its candidate-retrieval postings.
func docPostings(doc indexing.Document) []posting {
	var postings []posting
	add := func(path string, value []byte) {
		if value == nil {
			return
		}
		postings = append(postings, posting{path: path, value: value})
	}

	add(indexing.FieldID, keywordBytes(doc.ID))
	add(indexing.FieldVersion, sortableNumber(float64(doc.Version)))
	if gte, ok := numberIn(doc.Versions["gte"]); ok {
		add(indexing.FieldVersions+".gte", sortableNumber(gte))
	}

	var walk func(path string, value any)
	walk = func(path string, value any) {
		switch v := value.(type) {
		case map[string]any:
			if _, isLeaf := v[indexing.Unparsed]; isLeaf {
				addLeafPostings(add, path, v)
				return
			}
			for key, child := range v {
				if strings.HasPrefix(key, "_") {
					// map-level geo synthesis
					if key == indexing.GeoPoint {
						if s, ok := child.(string); ok {
							add(path+"."+indexing.GeoPoint, keywordBytes(s))
							add(indexing.FieldAllPoints, keywordBytes(s))
						}
					}
					continue
				}
				walk(path+"."+key, child)
			}
		case []any:
			for _, item := range v {
				walk(path, item)
			}
		}
	}
	for key, child := range doc.Data {
		walk(indexing.FieldData+"."+key, child)
	}
	return postings
}

func addLeafPostings(add func(string, []byte), path string, leaf map[string]any) {
	if text, ok := leaf[indexing.Text].(string); ok {
		for _, token := range Tokenize(text) {
			add(path+"."+indexing.Text, keywordBytes(token))
			add(indexing.FieldAllText, keywordBytes(token))
		}
	}
	if keyword, ok := leaf[indexing.Keyword].(string); ok {
		add(path+"."+indexing.Keyword, keywordBytes(strings.ToLower(keyword)))
	}
	if number, ok := numberIn(leaf[indexing.Number]); ok {
		add(path+"."+indexing.Number, sortableNumber(number))
	}
	if date, ok := numberIn(leaf[indexing.Date]); ok {
		add(path+"."+indexing.Date, sortableNumber(date))
	}
	if boolean, ok := leaf[indexing.Boolean].(bool); ok {
		b := byte(0)
		if boolean {
			b = 1
		}
		add(path+"."+indexing.Boolean, []byte{b})
	}
	if point, ok := leaf[indexing.GeoPoint].(string); ok {
		add(path+"."+indexing.GeoPoint, keywordBytes(point))
		add(indexing.FieldAllPoints, keywordBytes(point))
	}
	if shapeWKT, ok := leaf[indexing.GeoShape].(string); ok {
		add(path+"."+indexing.GeoShape, keywordBytes(shapeWKT))
		add(indexing.FieldAllShapes, keywordBytes(shapeWKT))
	}
}

// keywordBytes makes a string safe for embedding in a posting key. Values
// are truncated; matching is verified against the document anyway.
func keywordBytes(s string) []byte {
	b := []byte(s)
	if bytes.IndexByte(b, 0xff) >= 0 {
		return nil
	}
	if len(b) > 128 {
		b = b[:128]
	}
	return b
}

// sortableNumber encodes a float64 so byte order matches numeric order.
func sortableNumber(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, bits)
	return out
}

func numberIn(value any) (float64, bool) {
	switch v := value.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Tokenize splits text into lowercased alphanumeric words.
func Tokenize(text string) []string {
	var tokens []string
	var current []rune
	flush := func() {
		if len(current) > 0 {
			tokens = append(tokens, string(current))
			current = current[:0]
		}
	}
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127 {
			current = append(current, r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}
