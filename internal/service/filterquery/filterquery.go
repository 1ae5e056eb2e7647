// Package filterquery evaluates the Mongo-style filter subset used by
// monitor elements against a single record. It backs the event trigger
// path, where a changed record must be tested against an element's stored
// filter without a round trip to the feature store.
package filterquery

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"
)

// Match reports whether record satisfies query. An empty or nil query
// matches everything.
//
// Supported operators: $and, $or, $not, $in, $nin, $ne, $gt, $gte, $lt,
// $lte, $exists, and $geoWithin with either $centerSphere or $geometry
// over Point record geometries. Field keys may use dotted paths.
func Match(record map[string]any, query map[string]any) bool {
	for key, cond := range query {
		switch key {
		case "$and":
			clauses, ok := cond.([]any)
			if !ok {
				return false
			}
			for _, c := range clauses {
				sub, ok := c.(map[string]any)
				if !ok || !Match(record, sub) {
					return false
				}
			}
		case "$or":
			clauses, ok := cond.([]any)
			if !ok {
				return false
			}
			matched := false
			for _, c := range clauses {
				if sub, ok := c.(map[string]any); ok && Match(record, sub) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			value, present := lookup(record, key)
			if !matchField(value, present, cond) {
				return false
			}
		}
	}
	return true
}

func matchField(value any, present bool, cond any) bool {
	ops, isOps := cond.(map[string]any)
	if !isOps || !hasOperator(ops) {
		return present && equal(value, cond)
	}
	for op, operand := range ops {
		switch op {
		case "$ne":
			if present && equal(value, operand) {
				return false
			}
		case "$not":
			sub, ok := operand.(map[string]any)
			if !ok || matchField(value, present, sub) {
				return false
			}
		case "$exists":
			want, _ := operand.(bool)
			if present != want {
				return false
			}
		case "$in":
			if !present || !inList(value, operand) {
				return false
			}
		case "$nin":
			if present && inList(value, operand) {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !present || !compareNumeric(value, op, operand) {
				return false
			}
		case "$geoWithin":
			if !present || !matchGeoWithin(value, operand) {
				return false
			}
		default:
			// Unknown operator: never matches, mirroring a store that
			// rejects the clause.
			return false
		}
	}
	return true
}

func hasOperator(m map[string]any) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func lookup(record map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = record
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	if fa, oka := toFloat(a); oka {
		if fb, okb := toFloat(b); okb {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func inList(value any, operand any) bool {
	list, ok := operand.([]any)
	if !ok {
		return false
	}
	for _, e := range list {
		if equal(value, e) {
			return true
		}
	}
	return false
}

func compareNumeric(value any, op string, operand any) bool {
	v, okV := toFloat(value)
	t, okT := toFloat(operand)
	if !okV || !okT {
		return false
	}
	switch op {
	case "$gt":
		return v > t
	case "$gte":
		return v >= t
	case "$lt":
		return v < t
	case "$lte":
		return v <= t
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// matchGeoWithin evaluates $geoWithin against a Point record geometry.
// Non-point geometries never match locally; the store handles those.
func matchGeoWithin(value any, operand any) bool {
	lon, lat, ok := pointOf(value)
	if !ok {
		return false
	}
	spec, ok := operand.(map[string]any)
	if !ok {
		return false
	}
	if cs, ok := spec["$centerSphere"]; ok {
		return withinCenterSphere(lon, lat, cs)
	}
	if g, ok := spec["$geometry"]; ok {
		return withinGeometry(lon, lat, g)
	}
	return false
}

func pointOf(value any) (lon, lat float64, ok bool) {
	g, isMap := value.(map[string]any)
	if !isMap {
		return 0, 0, false
	}
	if t, _ := g["type"].(string); t != "Point" {
		return 0, 0, false
	}
	coords, isList := g["coordinates"].([]any)
	if !isList || len(coords) < 2 {
		return 0, 0, false
	}
	lon, okLon := toFloat(coords[0])
	lat, okLat := toFloat(coords[1])
	return lon, lat, okLon && okLat
}

// withinCenterSphere tests [[lon, lat], angularRadius] membership using
// the haversine central angle.
func withinCenterSphere(lon, lat float64, operand any) bool {
	args, ok := operand.([]any)
	if !ok || len(args) != 2 {
		return false
	}
	center, ok := args[0].([]any)
	if !ok || len(center) < 2 {
		return false
	}
	cLon, okLon := toFloat(center[0])
	cLat, okLat := toFloat(center[1])
	radius, okR := toFloat(args[1])
	if !okLon || !okLat || !okR {
		return false
	}
	return centralAngle(lon, lat, cLon, cLat) <= radius
}

func centralAngle(lon1, lat1, lon2, lat2 float64) float64 {
	const deg = math.Pi / 180
	phi1, phi2 := lat1*deg, lat2*deg
	dPhi := (lat2 - lat1) * deg
	dLambda := (lon2 - lon1) * deg
	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// withinGeometry tests point membership in a Polygon or MultiPolygon by
// ray casting over the outer ring(s). Holes are ignored; element filters
// in practice use simple fence polygons.
func withinGeometry(lon, lat float64, operand any) bool {
	g, ok := operand.(map[string]any)
	if !ok {
		return false
	}
	t, _ := g["type"].(string)
	coords, _ := g["coordinates"].([]any)
	switch t {
	case "Polygon":
		return inPolygon(lon, lat, coords)
	case "MultiPolygon":
		for _, poly := range coords {
			rings, ok := poly.([]any)
			if ok && inPolygon(lon, lat, rings) {
				return true
			}
		}
	}
	return false
}

func inPolygon(lon, lat float64, rings []any) bool {
	if len(rings) == 0 {
		return false
	}
	outer, ok := rings[0].([]any)
	if !ok {
		return false
	}
	inside := false
	n := len(outer)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi, okI := coordAt(outer[i])
		xj, yj, okJ := coordAt(outer[j])
		if !okI || !okJ {
			return false
		}
		if (yi > lat) != (yj > lat) &&
			lon < (xj-xi)*(lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

func coordAt(v any) (x, y float64, ok bool) {
	pair, isList := v.([]any)
	if !isList || len(pair) < 2 {
		return 0, 0, false
	}
	x, okX := toFloat(pair[0])
	y, okY := toFloat(pair[1])
	return x, y, okX && okY
}
