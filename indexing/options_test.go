package indexing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderDefaults(t *testing.T) {
	options, err := NewParsingOptionsBuilder().Build()
	require.NoError(t, err)

	assert.Equal(t, DefaultKeywordLength, options.KeywordLength)
	assert.Equal(t, DefaultFloatFormat, options.FloatFormat)
	assert.Equal(t, DefaultDateFormats, options.DateFormats)
	assert.ElementsMatch(t, []string{"true", "yes", "y"}, options.TrueValues)
	assert.ElementsMatch(t, []string{"false", "no", "n"}, options.FalseValues)
	assert.Empty(t, options.GeoHints)
}

func TestBuilderKeywordLengthBounds(t *testing.T) {
	_, err := NewParsingOptionsBuilder().SetKeywordLength(0).Build()
	assert.Error(t, err)

	_, err = NewParsingOptionsBuilder().SetKeywordLength(MaxKeywordLength + 1).Build()
	assert.Error(t, err)

	options, err := NewParsingOptionsBuilder().SetKeywordLength(1).Build()
	require.NoError(t, err)
	assert.Equal(t, 1, options.KeywordLength)
}

func TestBuilderBoolValuesCaseFolded(t *testing.T) {
	options, err := NewParsingOptionsBuilder().
		AddTrueValue("WAHR").
		AddTrueValue("SÍ").
		AddFalseValue("FAUX").
		Build()
	require.NoError(t, err)

	// folding is full unicode, matching the parser's own lowering
	assert.Contains(t, options.TrueValues, "wahr")
	assert.Contains(t, options.TrueValues, "sí")
	assert.Contains(t, options.FalseValues, "faux")
}

func TestBuilderDateFormats(t *testing.T) {
	options, err := NewParsingOptionsBuilder().
		ClearDateFormats().
		AddDateFormat("02/01/2006").
		AddDateFormat("02/01/2006").
		Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"02/01/2006"}, options.DateFormats)

	options, err = NewParsingOptionsBuilder().
		ClearDateFormats().
		ResetDateFormats().
		Build()
	require.NoError(t, err)
	assert.Equal(t, DefaultDateFormats, options.DateFormats)
}

func TestBuilderGeoHints(t *testing.T) {
	options, err := NewParsingOptionsBuilder().
		AddGeoHint(GeoHint{LatField: "lat", LonField: "lon"}).
		Build()
	require.NoError(t, err)
	require.Len(t, options.GeoHints, 1)
	assert.Equal(t, 16, options.GeoHints[0].Segments)

	_, err = NewParsingOptionsBuilder().
		AddGeoHint(GeoHint{LatField: "lat", LonField: "lon"}).
		AddGeoHint(GeoHint{LatField: "lat", LonField: "longitude"}).
		Build()
	assert.Error(t, err)
}

func TestOptionsDocRoundTrip(t *testing.T) {
	options, err := NewParsingOptionsBuilder().
		SetKeywordLength(100).
		AddGeoHint(GeoHint{LatField: "lat", LonField: "lon", RadiusField: "r", Segments: 8}).
		Build()
	require.NoError(t, err)

	raw, err := options.ToDoc()
	require.NoError(t, err)

	decoded, err := OptionsFromDoc(raw)
	require.NoError(t, err)
	assert.Equal(t, options, decoded)
}

func TestOptionsRange(t *testing.T) {
	early, err := NewParsingOptionsBuilder().SetKeywordLength(10).Build()
	require.NoError(t, err)
	late, err := NewParsingOptionsBuilder().SetKeywordLength(20).Build()
	require.NoError(t, err)

	r := NewOptionsRange(map[int64]ParsingOptions{100: early, 200: late})

	assert.Equal(t, DefaultKeywordLength, r.Get(50).KeywordLength)
	assert.Equal(t, 10, r.Get(100).KeywordLength)
	assert.Equal(t, 10, r.Get(199).KeywordLength)
	assert.Equal(t, 20, r.Get(200).KeywordLength)
	assert.Equal(t, 20, r.Get(5000).KeywordLength)
	assert.Equal(t, 20, r.Latest().KeywordLength)
	assert.Equal(t, []int64{100, 200}, r.Versions())
}

func TestOptionsRangeEmpty(t *testing.T) {
	r := NewOptionsRange(nil)
	assert.Equal(t, DefaultParsingOptions(), r.Latest())
	assert.Equal(t, DefaultParsingOptions(), r.Get(12345))
}
