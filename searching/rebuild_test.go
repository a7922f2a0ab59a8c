package searching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitgill/splitgill/indexing"
)

func TestRebuildDataRoundTrip(t *testing.T) {
	data := map[string]any{
		"name":   "spruce",
		"height": 12.5,
		"count":  int64(4),
		"alive":  true,
		"gone":   nil,
		"blank":  "",
		"tags":   []any{"tall", nil, int64(7)},
		"nested": map[string]any{
			"lat": 51.5,
			"lon": -0.1,
		},
	}

	options, err := indexing.NewParsingOptionsBuilder().
		AddGeoHint(indexing.GeoHint{LatField: "lat", LonField: "lon"}).
		Build()
	require.NoError(t, err)

	parsed := indexing.NewParser(options).Parse(data)
	rebuilt := RebuildData(parsed.Parsed)

	assert.Equal(t, data, rebuilt)
}

func TestRebuildDataStripsGeoJSONSynthesis(t *testing.T) {
	data := map[string]any{
		"where": map[string]any{
			"type":        "Point",
			"coordinates": []any{-0.1, 51.5},
		},
	}
	parsed := indexing.NewParser(indexing.DefaultParsingOptions()).Parse(data)
	assert.Equal(t, data, RebuildData(parsed.Parsed))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world"}, Tokenize("Hello, World!"))
	assert.Equal(t, []string{"a1", "b2"}, Tokenize("a1 b2"))
	assert.Empty(t, Tokenize("  ...  "))
}
