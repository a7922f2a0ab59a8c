package indexing

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/maypok86/otter"

	"github.com/splitgill/splitgill/diffing"
)

const leafCacheCapacity = 100000

// ParsedData is the output of parsing one record's data tree.
type ParsedData struct {
	// Parsed mirrors the data tree with every leaf replaced by its parsed
	// object and geo fields synthesised at map level.
	Parsed map[string]any
	// DataTypes holds "path:kind" entries describing the source tree.
	DataTypes []string
	// ParsedTypes holds "path:code" entries describing the typed projections
	// that were emitted.
	ParsedTypes []string
}

// Parser converts data trees into parsed trees under one set of options.
// Parsed leaf objects are cached by source value, so a parser is cheap to
// run over many records sharing scalar values. Safe for concurrent use.
type Parser struct {
	options ParsingOptions
	cache   otter.Cache[string, map[string]any]

	trueValues  map[string]struct{}
	falseValues map[string]struct{}
}

func NewParser(options ParsingOptions) *Parser {
	cache, err := otter.MustBuilder[string, map[string]any](leafCacheCapacity).
		WithTTL(60 * time.Minute).
		Build()
	if err != nil {
		panic(err)
	}
	p := &Parser{
		options:     options,
		cache:       cache,
		trueValues:  make(map[string]struct{}, len(options.TrueValues)),
		falseValues: make(map[string]struct{}, len(options.FalseValues)),
	}
	for _, v := range options.TrueValues {
		p.trueValues[strings.ToLower(v)] = struct{}{}
	}
	for _, v := range options.FalseValues {
		p.falseValues[strings.ToLower(v)] = struct{}{}
	}
	return p
}

func (p *Parser) Options() ParsingOptions {
	return p.options
}

// Parse converts a record's data into its parsed form.
func (p *Parser) Parse(data map[string]any) ParsedData {
	acc := &typeAccumulator{
		dataTypes:   map[string]struct{}{},
		parsedTypes: map[string]struct{}{},
	}
	parsed := p.parseMap(data, "", true, acc)
	return ParsedData{
		Parsed:      parsed,
		DataTypes:   acc.sortedDataTypes(),
		ParsedTypes: acc.sortedParsedTypes(),
	}
}

type typeAccumulator struct {
	dataTypes   map[string]struct{}
	parsedTypes map[string]struct{}
}

func (a *typeAccumulator) data(path, kind string) {
	a.dataTypes[path+":"+kind] = struct{}{}
}

func (a *typeAccumulator) parsed(path, typeField string) {
	a.parsedTypes[path+":"+typeCodes[typeField]] = struct{}{}
}

func (a *typeAccumulator) sortedDataTypes() []string {
	return sortedKeys(a.dataTypes)
}

func (a *typeAccumulator) sortedParsedTypes() []string {
	return sortedKeys(a.parsedTypes)
}

func (p *Parser) parseMap(value map[string]any, path string, isRoot bool, acc *typeAccumulator) map[string]any {
	parsed := make(map[string]any, len(value))
	for key, child := range value {
		childPath := joinPath(path, key)
		parsed[key] = p.parseValue(child, childPath, acc)
	}

	// the root map never doubles as a GeoJSON geometry
	if !isRoot {
		if s := parseGeoJSONShape(value); s != nil {
			parsed[GeoShape] = s.WKT
			parsed[GeoPoint] = mustWKTPoint(s.Centroid.X(), s.Centroid.Y())
			acc.parsed(path, GeoShape)
			acc.parsed(path, GeoPoint)
		}
	}

	p.applyGeoHints(value, parsed, path, acc)
	return parsed
}

// applyGeoHints combines hinted lat/lon(/radius) fields of a map into geo
// projections attached to the lat field's parsed leaf.
func (p *Parser) applyGeoHints(source map[string]any, parsed map[string]any, path string, acc *typeAccumulator) {
	for _, hint := range p.options.GeoHints {
		lat, latOK := asFloat(source[hint.LatField])
		lon, lonOK := asFloat(source[hint.LonField])
		if !latOK || !lonOK {
			continue
		}
		point := pointShape(lon, lat)
		if point == nil {
			continue
		}

		leaf, ok := parsed[hint.LatField].(map[string]any)
		if !ok {
			continue
		}
		// cached leaves are shared between records, never mutate in place
		leaf = cloneLeaf(leaf)
		leaf[GeoPoint] = point.WKT

		shapeWKT := point.WKT
		if hint.RadiusField != "" {
			if radius, ok := asFloat(source[hint.RadiusField]); ok && radius > 0 {
				if circle := circleShape(lon, lat, radius, hint.Segments); circle != nil {
					shapeWKT = circle.WKT
				}
			}
		}
		leaf[GeoShape] = shapeWKT
		parsed[hint.LatField] = leaf

		latPath := joinPath(path, hint.LatField)
		acc.parsed(latPath, GeoPoint)
		acc.parsed(latPath, GeoShape)
	}
}

func (p *Parser) parseValue(value any, path string, acc *typeAccumulator) any {
	switch v := value.(type) {
	case nil:
		acc.data(path, "null")
		return nil
	case map[string]any:
		acc.data(path, "dict")
		return p.parseMap(v, path, false, acc)
	case []any:
		acc.data(path, "list")
		out := make([]any, len(v))
		// list elements share the list's path
		for i, item := range v {
			out[i] = p.parseValue(item, path, acc)
		}
		return out
	default:
		acc.data(path, diffing.Kind(value))
		leaf := p.parseLeaf(value)
		for typeField := range leaf {
			if typeField != Unparsed {
				acc.parsed(path, typeField)
			}
		}
		return leaf
	}
}

// parseLeaf produces the parsed object for a scalar, from the cache when the
// same value has been seen before. Callers must not mutate the result.
func (p *Parser) parseLeaf(value any) map[string]any {
	key := leafCacheKey(value)
	if cached, ok := p.cache.Get(key); ok {
		return cached
	}
	leaf := p.parseLeafUncached(value)
	p.cache.Set(key, leaf)
	return leaf
}

func (p *Parser) parseLeafUncached(value any) map[string]any {
	leaf := map[string]any{Unparsed: value}

	switch v := value.(type) {
	case bool:
		text := strconv.FormatBool(v)
		leaf[Boolean] = v
		leaf[Text] = text
		leaf[Keyword] = p.keyword(text)
	case int64:
		text := strconv.FormatInt(v, 10)
		leaf[Number] = float64(v)
		leaf[Text] = text
		leaf[Keyword] = p.keyword(text)
	case float64:
		text := fmt.Sprintf(p.options.FloatFormat, v)
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			leaf[Number] = v
		}
		leaf[Text] = text
		leaf[Keyword] = p.keyword(text)
	case string:
		if v == "" {
			// keep the unparsed original only, so the source survives
			return leaf
		}
		leaf[Text] = v
		leaf[Keyword] = p.keyword(v)
		if number, err := strconv.ParseFloat(v, 64); err == nil &&
			!math.IsNaN(number) && !math.IsInf(number, 0) {
			leaf[Number] = number
		}
		if millis, ok := p.parseDate(v); ok {
			leaf[Date] = millis
		}
		if b, ok := p.parseBool(v); ok {
			leaf[Boolean] = b
		}
		if s := parseWKTShape(v); s != nil {
			leaf[GeoShape] = s.WKT
			leaf[GeoPoint] = mustWKTPoint(s.Centroid.X(), s.Centroid.Y())
		}
	}
	return leaf
}

func (p *Parser) keyword(text string) string {
	runes := []rune(text)
	if len(runes) > p.options.KeywordLength {
		runes = runes[:p.options.KeywordLength]
	}
	return string(runes)
}

// parseDate tries each configured layout in order, returning epoch millis.
// Layouts without a zone are read as UTC.
func (p *Parser) parseDate(value string) (int64, bool) {
	for _, layout := range p.options.DateFormats {
		t, err := time.ParseInLocation(layout, value, time.UTC)
		if err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

func (p *Parser) parseBool(value string) (bool, bool) {
	lowered := strings.ToLower(value)
	if _, ok := p.trueValues[lowered]; ok {
		return true, true
	}
	if _, ok := p.falseValues[lowered]; ok {
		return false, true
	}
	return false, false
}

func leafCacheKey(value any) string {
	switch v := value.(type) {
	case bool:
		return "b:" + strconv.FormatBool(v)
	case int64:
		return "i:" + strconv.FormatInt(v, 10)
	case float64:
		return "f:" + strconv.FormatUint(math.Float64bits(v), 16)
	case string:
		return "s:" + v
	default:
		return fmt.Sprintf("?:%v", v)
	}
}

func cloneLeaf(leaf map[string]any) map[string]any {
	out := make(map[string]any, len(leaf)+2)
	for k, v := range leaf {
		out[k] = v
	}
	return out
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func mustWKTPoint(lon, lat float64) string {
	if s := pointShape(lon, lat); s != nil {
		return s.WKT
	}
	return ""
}
