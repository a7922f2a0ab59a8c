package indexing

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// MaxKeywordLength is the Lucene term byte limit, the hard ceiling for the
// keyword_length option.
const MaxKeywordLength = 32766

// DefaultKeywordLength is half a Lucene term, plenty for any sane keyword.
const DefaultKeywordLength = 8191

// DefaultFloatFormat renders floats with 15 significant digits, matching the
// precision of a search engine double.
const DefaultFloatFormat = "%.15g"

var DefaultDateFormats = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
}

var (
	DefaultTrueValues  = []string{"true", "yes", "y"}
	DefaultFalseValues = []string{"false", "no", "n"}
)

// GeoHint names a lat/lon (and optionally radius) field combination that
// should be combined into a geo value wherever it appears in a record.
type GeoHint struct {
	LatField    string `json:"lat_field"`
	LonField    string `json:"lon_field"`
	RadiusField string `json:"radius_field,omitempty"`
	Segments    int    `json:"segments,omitempty"`
}

// ParsingOptions controls how record data is parsed into typed projections.
// Options are immutable once built; use the builder.
type ParsingOptions struct {
	KeywordLength int               `json:"keyword_length"`
	FloatFormat   string            `json:"float_format"`
	DateFormats   []string          `json:"date_formats"`
	TrueValues    []string          `json:"true_values"`
	FalseValues   []string          `json:"false_values"`
	GeoHints      []GeoHint         `json:"geo_hints"`
}

// ToDoc serialises the options for persistence in the options history.
func (o ParsingOptions) ToDoc() (json.RawMessage, error) {
	return json.Marshal(o)
}

// OptionsFromDoc is the inverse of ToDoc.
func OptionsFromDoc(raw json.RawMessage) (ParsingOptions, error) {
	var o ParsingOptions
	if err := json.Unmarshal(raw, &o); err != nil {
		return ParsingOptions{}, err
	}
	return o, nil
}

// ParsingOptionsBuilder accumulates options; zero value starts from the
// defaults.
type ParsingOptionsBuilder struct {
	keywordLength int
	floatFormat   string
	dateFormats   []string
	trueValues    map[string]struct{}
	falseValues   map[string]struct{}
	geoHints      []GeoHint
	err           error
}

func NewParsingOptionsBuilder() *ParsingOptionsBuilder {
	b := &ParsingOptionsBuilder{
		keywordLength: DefaultKeywordLength,
		floatFormat:   DefaultFloatFormat,
		trueValues:    map[string]struct{}{},
		falseValues:   map[string]struct{}{},
	}
	b.dateFormats = append(b.dateFormats, DefaultDateFormats...)
	for _, v := range DefaultTrueValues {
		b.trueValues[v] = struct{}{}
	}
	for _, v := range DefaultFalseValues {
		b.falseValues[v] = struct{}{}
	}
	return b
}

func (b *ParsingOptionsBuilder) SetKeywordLength(length int) *ParsingOptionsBuilder {
	if length < 1 || length > MaxKeywordLength {
		b.err = errors.Errorf("keyword_length must be within [1, %d], got %d", MaxKeywordLength, length)
		return b
	}
	b.keywordLength = length
	return b
}

func (b *ParsingOptionsBuilder) SetFloatFormat(format string) *ParsingOptionsBuilder {
	if format != "" {
		b.floatFormat = format
	}
	return b
}

func (b *ParsingOptionsBuilder) AddDateFormat(layout string) *ParsingOptionsBuilder {
	if layout == "" {
		return b
	}
	for _, existing := range b.dateFormats {
		if existing == layout {
			return b
		}
	}
	b.dateFormats = append(b.dateFormats, layout)
	return b
}

func (b *ParsingOptionsBuilder) ClearDateFormats() *ParsingOptionsBuilder {
	b.dateFormats = nil
	return b
}

func (b *ParsingOptionsBuilder) ResetDateFormats() *ParsingOptionsBuilder {
	b.dateFormats = append([]string(nil), DefaultDateFormats...)
	return b
}

func (b *ParsingOptionsBuilder) AddTrueValue(value string) *ParsingOptionsBuilder {
	if value != "" {
		b.trueValues[strings.ToLower(value)] = struct{}{}
	}
	return b
}

func (b *ParsingOptionsBuilder) AddFalseValue(value string) *ParsingOptionsBuilder {
	if value != "" {
		b.falseValues[strings.ToLower(value)] = struct{}{}
	}
	return b
}

func (b *ParsingOptionsBuilder) AddGeoHint(hint GeoHint) *ParsingOptionsBuilder {
	if hint.LatField == "" || hint.LonField == "" {
		return b
	}
	if hint.Segments <= 0 {
		hint.Segments = 16
	}
	for _, existing := range b.geoHints {
		if existing.LatField == hint.LatField {
			b.err = errors.Errorf("duplicate geo hint lat field %q", hint.LatField)
			return b
		}
	}
	b.geoHints = append(b.geoHints, hint)
	return b
}

func (b *ParsingOptionsBuilder) ClearGeoHints() *ParsingOptionsBuilder {
	b.geoHints = nil
	return b
}

func (b *ParsingOptionsBuilder) Build() (ParsingOptions, error) {
	if b.err != nil {
		return ParsingOptions{}, b.err
	}
	return ParsingOptions{
		KeywordLength: b.keywordLength,
		FloatFormat:   b.floatFormat,
		DateFormats:   append([]string(nil), b.dateFormats...),
		TrueValues:    sortedKeys(b.trueValues),
		FalseValues:   sortedKeys(b.falseValues),
		GeoHints:      append([]GeoHint(nil), b.geoHints...),
	}, nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// DefaultParsingOptions returns the options used when a database has none.
func DefaultParsingOptions() ParsingOptions {
	options, _ := NewParsingOptionsBuilder().Build()
	return options
}

// OptionsRange resolves the parsing options in force at any given version.
type OptionsRange struct {
	versions []int64
	values   []ParsingOptions
}

func NewOptionsRange(history map[int64]ParsingOptions) *OptionsRange {
	versions := make([]int64, 0, len(history))
	for version := range history {
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	values := make([]ParsingOptions, len(versions))
	for i, version := range versions {
		values[i] = history[version]
	}
	return &OptionsRange{versions: versions, values: values}
}

// Latest returns the newest options, or the defaults if none exist.
func (r *OptionsRange) Latest() ParsingOptions {
	if len(r.values) == 0 {
		return DefaultParsingOptions()
	}
	return r.values[len(r.values)-1]
}

// Get returns the options in force at the given version.
func (r *OptionsRange) Get(version int64) ParsingOptions {
	index := sort.Search(len(r.versions), func(i int) bool { return r.versions[i] > version })
	if index == 0 {
		return DefaultParsingOptions()
	}
	return r.values[index-1]
}

// Versions returns the versions at which options changed, ascending.
func (r *OptionsRange) Versions() []int64 {
	return r.versions
}
