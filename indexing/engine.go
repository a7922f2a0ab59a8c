package indexing

import (
	"context"
)

// Template is the schema shared by all of a database's data indices.
type Template struct {
	Name     string         `json:"name"`
	Pattern  string         `json:"pattern"`
	Settings map[string]any `json:"settings"`
	Mappings map[string]any `json:"mappings"`
}

// BulkFailure reports one op the engine rejected.
type BulkFailure struct {
	Op     BulkOp
	Reason string
	// Transient failures (connection reset, 429, 503) are worth retrying;
	// permanent ones (mapping conflict, 400) are not.
	Transient bool
}

// BulkResult summarises one bulk submission.
type BulkResult struct {
	Indexed  int
	Deleted  int
	Failures []BulkFailure
}

// Engine is the search engine surface the indexing pipeline needs. The
// embedded implementation lives in the searching package; a remote engine
// would satisfy the same interface.
type Engine interface {
	// EnsureTemplate installs or replaces the index template.
	EnsureTemplate(ctx context.Context, template Template) error
	// EnsureIndex creates the index if it does not exist.
	EnsureIndex(ctx context.Context, name string) error
	// DeleteIndex removes the index and all its documents. Deleting a
	// missing index is not an error.
	DeleteIndex(ctx context.Context, name string) error
	// ListIndices returns the existing index names with the given prefix.
	ListIndices(ctx context.Context, prefix string) ([]string, error)
	// Bulk applies the ops in order. Per-op failures come back in the
	// result; the error is reserved for whole-request failures.
	Bulk(ctx context.Context, ops []BulkOp) (BulkResult, error)
	// Refresh makes all writes to the named indices visible to search.
	Refresh(ctx context.Context, names ...string) error
	// SetRefreshInterval tunes the refresh interval of the named indices.
	// "-1" disables refresh, "" restores the default.
	SetRefreshInterval(ctx context.Context, interval string, names ...string) error
	// SetReplicas sets the replica count of the named indices. A negative
	// count restores the default.
	SetReplicas(ctx context.Context, replicas int, names ...string) error
}

// BuildTemplate assembles the template for a database under the given
// options. Top-level fields are mapped statically; parsed data fields are
// covered by dynamic templates keyed on the typed sub-field suffix.
func BuildTemplate(database string, options ParsingOptions) Template {
	dynamic := []map[string]any{
		{
			"parsed_text": map[string]any{
				"path_match": "data.*." + Text,
				"mapping":    map[string]any{"type": "text", "copy_to": FieldAllText},
			},
		},
		{
			"parsed_keyword": map[string]any{
				"path_match": "data.*." + Keyword,
				"mapping": map[string]any{
					"type":         "keyword",
					"ignore_above": options.KeywordLength,
					"normalizer":   "lowercase_normalizer",
				},
			},
		},
		{
			"parsed_number": map[string]any{
				"path_match": "data.*." + Number,
				"mapping":    map[string]any{"type": "double"},
			},
		},
		{
			"parsed_date": map[string]any{
				"path_match": "data.*." + Date,
				"mapping":    map[string]any{"type": "date", "format": "epoch_millis"},
			},
		},
		{
			"parsed_boolean": map[string]any{
				"path_match": "data.*." + Boolean,
				"mapping":    map[string]any{"type": "boolean"},
			},
		},
		{
			"parsed_geo_point": map[string]any{
				"path_match": "data.*." + GeoPoint,
				"mapping":    map[string]any{"type": "geo_point", "copy_to": FieldAllPoints},
			},
		},
		{
			"parsed_geo_shape": map[string]any{
				"path_match": "data.*." + GeoShape,
				"mapping":    map[string]any{"type": "geo_shape", "copy_to": FieldAllShapes},
			},
		},
		{
			"unparsed": map[string]any{
				"path_match": "data.*." + Unparsed,
				"mapping":    map[string]any{"type": "object", "enabled": false},
			},
		},
	}

	return Template{
		Name:    TemplateName(database),
		Pattern: IndexPattern(database),
		Settings: map[string]any{
			"index.codec":  "best_compression",
			"index.mapping.dynamic_template.match_pattern": "simple",
			"analysis": map[string]any{
				"normalizer": map[string]any{
					"lowercase_normalizer": map[string]any{
						"type":   "custom",
						"filter": []string{"lowercase"},
					},
				},
			},
		},
		Mappings: map[string]any{
			"dynamic_templates": dynamic,
			"properties": map[string]any{
				FieldID:          map[string]any{"type": "keyword"},
				FieldVersion:     map[string]any{"type": "date", "format": "epoch_millis"},
				FieldNext:        map[string]any{"type": "date", "format": "epoch_millis"},
				FieldVersions:    map[string]any{"type": "date_range", "format": "epoch_millis"},
				FieldDataTypes:   map[string]any{"type": "keyword"},
				FieldParsedTypes: map[string]any{"type": "keyword"},
				FieldAllText:     map[string]any{"type": "text"},
				FieldAllPoints:   map[string]any{"type": "geo_point"},
				FieldAllShapes:   map[string]any{"type": "geo_shape"},
			},
		},
	}
}
