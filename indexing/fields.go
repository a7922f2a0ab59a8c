// Package indexing converts record data into search documents and drives the
// synchronisation of the document store into the search engine.
package indexing

// Top-level search document fields.
const (
	FieldID          = "id"
	FieldVersion     = "version"
	FieldNext        = "next"
	FieldVersions    = "versions"
	FieldData        = "data"
	FieldDataTypes   = "data_types"
	FieldParsedTypes = "parsed_types"
	FieldAllText     = "all_text"
	FieldAllPoints   = "all_points"
	FieldAllShapes   = "all_shapes"
)

// Parsed leaf sub-fields. Every leaf keeps its unparsed original under
// Unparsed plus zero or more typed projections.
const (
	Unparsed = "_u"
	Text     = "_t"
	Keyword  = "_k"
	Number   = "_n"
	Date     = "_d"
	Boolean  = "_b"
	GeoPoint = "_gp"
	GeoShape = "_gs"
)

// parsed type codes as they appear in parsed_types entries
var typeCodes = map[string]string{
	Text:     "t",
	Keyword:  "k",
	Number:   "n",
	Date:     "d",
	Boolean:  "b",
	GeoPoint: "gp",
	GeoShape: "gs",
}

// ParsedPath returns the full dotted path of a typed projection of a field,
// e.g. ParsedPath("height", Number) -> "data.height._n".
func ParsedPath(field, typeField string) string {
	return FieldData + "." + field + "." + typeField
}
