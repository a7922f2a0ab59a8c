package searching

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQueryClauses(t *testing.T) {
	lo := 10.0
	hi := 40.0

	cases := []struct {
		input string
		want  Query
	}{
		{``, All()},
		{`   `, All()},
		{`name="oak"`, TermQuery("name", "oak")},
		{`name=oak`, TermQuery("name", "oak")},
		{`height=30`, TermQuery("height", 30.0)},
		{`ratio=-0.5`, TermQuery("ratio", -0.5)},
		{`alive=true`, TermQuery("alive", true)},
		{`alive="true"`, TermQuery("alive", "true")},
		{`height>10`, RangeQuery("height", &lo, nil)},
		{`height<40`, RangeQuery("height", nil, &hi)},
		{`notes~"old bridge"`, TextQuery("notes", "old bridge")},
		{`notes~bridge`, TextQuery("notes", "bridge")},
		{`~"near the river"`, TextQuery("", "near the river")},
		{`id=r1`, IDQuery("r1")},
		{`version=1700000000000`, VersionQuery(1700000000000)},
		{
			`name="oak" height>10, height<40`,
			And(TermQuery("name", "oak"),
				RangeQuery("height", &lo, nil),
				RangeQuery("height", nil, &hi)),
		},
		{
			`id=r1 version=150`,
			And(IDQuery("r1"), VersionQuery(150)),
		},
	}

	for _, tc := range cases {
		got, err := ParseQuery(tc.input)
		require.NoError(t, err, tc.input)
		assert.Equal(t, tc.want, got, tc.input)
	}
}

func TestParseQueryErrors(t *testing.T) {
	for _, input := range []string{
		`name`,
		`name=`,
		`=oak`,
		`name="unterminated`,
		`height>tall`,
		`height>"10"`,
		`version=soon`,
		`name?oak`,
		`notes~`,
	} {
		_, err := ParseQuery(input)
		assert.Error(t, err, input)
	}
}

func TestParseQueryMatchesDocuments(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	indexDoc(t, e, "idx", "r1", 100, nil, map[string]any{
		"name": "Oak", "height": int64(30),
	})
	indexDoc(t, e, "idx", "r2", 100, nil, map[string]any{
		"name": "Birch", "height": int64(12),
	})

	q, err := ParseQuery(`name="oak" height>20`)
	require.NoError(t, err)

	docs, err := e.Search(ctx, []string{"idx"}, q, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "r1", docs[0].ID)
}
