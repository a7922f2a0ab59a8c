package indexing

import (
	"math"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"
)

const earthRadiusMetres = 6371008.8

// shape is a validated geometry ready for indexing, carried as WKT plus a
// representative point.
type shape struct {
	WKT      string
	Centroid geom.Coord
}

func validLonLat(lon, lat float64) bool {
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}

// parseWKTShape parses a WKT string into a shape if it is a valid Point,
// LineString or Polygon. Anything else returns nil.
func parseWKTShape(value string) *shape {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	// cheap prefix check before handing off to the real parser
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "POINT") &&
		!strings.HasPrefix(upper, "LINESTRING") &&
		!strings.HasPrefix(upper, "POLYGON") {
		return nil
	}
	g, err := wkt.Unmarshal(trimmed)
	if err != nil {
		return nil
	}
	return shapeFromGeom(g)
}

// parseGeoJSONShape inspects a map for the GeoJSON geometry form, a map with
// exactly the keys "type" and "coordinates" and a supported geometry type.
func parseGeoJSONShape(value map[string]any) *shape {
	if len(value) != 2 {
		return nil
	}
	typeName, ok := value["type"].(string)
	if !ok {
		return nil
	}
	coords, ok := value["coordinates"]
	if !ok {
		return nil
	}
	switch typeName {
	case "Point":
		coord := decodeCoord(coords)
		if coord == nil {
			return nil
		}
		return shapeFromGeom(geom.NewPointFlat(geom.XY, coord))
	case "LineString":
		line := decodeCoordList(coords)
		if len(line) < 2 {
			return nil
		}
		return shapeFromGeom(geom.NewLineString(geom.XY).MustSetCoords(line))
	case "Polygon":
		rings := decodeCoordRings(coords)
		if rings == nil {
			return nil
		}
		return shapeFromGeom(geom.NewPolygon(geom.XY).MustSetCoords(rings))
	default:
		return nil
	}
}

// shapeFromGeom validates the geometry and renders it as WKT with a centroid.
// Returns nil when the geometry is out of range or malformed.
func shapeFromGeom(g geom.T) *shape {
	switch t := g.(type) {
	case *geom.Point:
		c := t.Coords()
		if !validLonLat(c.X(), c.Y()) {
			return nil
		}
		return &shape{WKT: mustWKT(geom.NewPointFlat(geom.XY, []float64{c.X(), c.Y()})), Centroid: geom.Coord{c.X(), c.Y()}}
	case *geom.LineString:
		coords := dropZ(t.Coords())
		if len(coords) < 2 || !allValid(coords) {
			return nil
		}
		line := geom.NewLineString(geom.XY).MustSetCoords(coords)
		return &shape{WKT: mustWKT(line), Centroid: lineCentroid(coords)}
	case *geom.Polygon:
		rings := make([][]geom.Coord, 0, t.NumLinearRings())
		for i := 0; i < t.NumLinearRings(); i++ {
			rings = append(rings, dropZ(t.LinearRing(i).Coords()))
		}
		if !validPolygonRings(rings) {
			return nil
		}
		poly := geom.NewPolygon(geom.XY).MustSetCoords(rings)
		return &shape{WKT: mustWKT(poly), Centroid: ringCentroid(rings[0])}
	default:
		return nil
	}
}

func mustWKT(g geom.T) string {
	s, err := wkt.Marshal(g)
	if err != nil {
		return ""
	}
	return s
}

func dropZ(coords []geom.Coord) []geom.Coord {
	out := make([]geom.Coord, len(coords))
	for i, c := range coords {
		out[i] = geom.Coord{c.X(), c.Y()}
	}
	return out
}

func allValid(coords []geom.Coord) bool {
	for _, c := range coords {
		if !validLonLat(c.X(), c.Y()) {
			return false
		}
	}
	return true
}

// validPolygonRings checks closure, coordinate ranges and RFC 7946 winding:
// exterior ring anticlockwise, holes clockwise.
func validPolygonRings(rings [][]geom.Coord) bool {
	if len(rings) == 0 {
		return false
	}
	for i, ring := range rings {
		if len(ring) < 4 || !allValid(ring) {
			return false
		}
		first, last := ring[0], ring[len(ring)-1]
		if first.X() != last.X() || first.Y() != last.Y() {
			return false
		}
		area := signedArea(ring)
		if area == 0 {
			return false
		}
		if i == 0 && area < 0 {
			return false
		}
		if i > 0 && area > 0 {
			return false
		}
	}
	return true
}

// signedArea is the shoelace sum, positive for anticlockwise rings.
func signedArea(ring []geom.Coord) float64 {
	var sum float64
	for i := 0; i < len(ring)-1; i++ {
		sum += ring[i].X()*ring[i+1].Y() - ring[i+1].X()*ring[i].Y()
	}
	return sum / 2
}

func lineCentroid(coords []geom.Coord) geom.Coord {
	var total float64
	var cx, cy float64
	for i := 0; i < len(coords)-1; i++ {
		a, b := coords[i], coords[i+1]
		length := math.Hypot(b.X()-a.X(), b.Y()-a.Y())
		total += length
		cx += length * (a.X() + b.X()) / 2
		cy += length * (a.Y() + b.Y()) / 2
	}
	if total == 0 {
		return geom.Coord{coords[0].X(), coords[0].Y()}
	}
	return geom.Coord{cx / total, cy / total}
}

func ringCentroid(ring []geom.Coord) geom.Coord {
	area := signedArea(ring)
	if area == 0 {
		return geom.Coord{ring[0].X(), ring[0].Y()}
	}
	var cx, cy float64
	for i := 0; i < len(ring)-1; i++ {
		a, b := ring[i], ring[i+1]
		cross := a.X()*b.Y() - b.X()*a.Y()
		cx += (a.X() + b.X()) * cross
		cy += (a.Y() + b.Y()) * cross
	}
	return geom.Coord{cx / (6 * area), cy / (6 * area)}
}

// pointShape builds a POINT shape from a lon/lat pair, nil if out of range.
func pointShape(lon, lat float64) *shape {
	if !validLonLat(lon, lat) {
		return nil
	}
	return shapeFromGeom(geom.NewPointFlat(geom.XY, []float64{lon, lat}))
}

// circleShape approximates a circle of the given radius in metres around
// lon/lat as a polygon with 4*segments vertices, using spherical destination
// points so the shape holds up away from the equator.
func circleShape(lon, lat, radiusMetres float64, segments int) *shape {
	if !validLonLat(lon, lat) || radiusMetres <= 0 {
		return nil
	}
	if segments <= 0 {
		segments = 16
	}
	steps := 4 * segments

	lat1 := lat * math.Pi / 180
	lon1 := lon * math.Pi / 180
	angular := radiusMetres / earthRadiusMetres

	ring := make([]geom.Coord, 0, steps+1)
	// anticlockwise for RFC 7946 winding
	for i := steps; i > 0; i-- {
		bearing := 2 * math.Pi * float64(i) / float64(steps)
		lat2 := math.Asin(math.Sin(lat1)*math.Cos(angular) +
			math.Cos(lat1)*math.Sin(angular)*math.Cos(bearing))
		lon2 := lon1 + math.Atan2(
			math.Sin(bearing)*math.Sin(angular)*math.Cos(lat1),
			math.Cos(angular)-math.Sin(lat1)*math.Sin(lat2))
		x := lon2 * 180 / math.Pi
		y := lat2 * 180 / math.Pi
		// normalise longitudes that wrapped past the antimeridian
		if x > 180 {
			x -= 360
		} else if x < -180 {
			x += 360
		}
		ring = append(ring, geom.Coord{x, y})
	}
	ring = append(ring, ring[0])
	if signedArea(ring) < 0 {
		reverseCoords(ring)
	}
	return shapeFromGeom(geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{ring}))
}

func reverseCoords(coords []geom.Coord) {
	for i, j := 0, len(coords)-1; i < j; i, j = i+1, j-1 {
		coords[i], coords[j] = coords[j], coords[i]
	}
}

func decodeCoord(value any) []float64 {
	list, ok := value.([]any)
	if !ok || len(list) < 2 {
		return nil
	}
	coord := make([]float64, 0, 2)
	// extra Z (or beyond) coordinates are ignored
	for _, item := range list[:2] {
		f, ok := asFloat(item)
		if !ok {
			return nil
		}
		coord = append(coord, f)
	}
	return coord
}

func decodeCoordList(value any) []geom.Coord {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	coords := make([]geom.Coord, 0, len(list))
	for _, item := range list {
		c := decodeCoord(item)
		if c == nil {
			return nil
		}
		coords = append(coords, geom.Coord(c))
	}
	return coords
}

func decodeCoordRings(value any) [][]geom.Coord {
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	rings := make([][]geom.Coord, 0, len(list))
	for _, item := range list {
		ring := decodeCoordList(item)
		if ring == nil {
			return nil
		}
		rings = append(rings, ring)
	}
	return rings
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int64:
		return float64(v), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	default:
		return 0, false
	}
}
