// Package predicate converts a monitor's evaluation spec and one zone
// feature's geometry into the Mongo-style query predicate understood by
// the backing feature store.
package predicate

import (
	"errors"

	"github.com/geokatch/geokatch/internal/apperr"
	"github.com/geokatch/geokatch/internal/model"
)

// EarthRadiusMeters converts a linear distance into the angular radius
// used by $centerSphere.
const EarthRadiusMeters = 6378137.0

// ErrUnusableGeometry signals that this particular geometry cannot be used
// with the requested predicate type. The feature is skipped, not the run.
var ErrUnusableGeometry = errors.New("geometry unusable for predicate type")

// Build returns the store-level predicate for one zone geometry.
//
// geoWithin requires a Polygon or MultiPolygon zone, near requires a Point
// zone; both return ErrUnusableGeometry otherwise. An unknown predicate
// type is a configuration error, not a skip.
func Build(eval model.Evaluation, g model.Geometry) (map[string]any, error) {
	switch eval.PredicateType {
	case model.GeoWithin:
		if g.Type != "Polygon" && g.Type != "MultiPolygon" {
			return nil, ErrUnusableGeometry
		}
		return map[string]any{
			"geometry": map[string]any{
				"$geoWithin": map[string]any{"$geometry": g.AsMap()},
			},
		}, nil

	case model.GeoIntersects:
		return map[string]any{
			"geometry": map[string]any{
				"$geoIntersects": map[string]any{"$geometry": g.AsMap()},
			},
		}, nil

	case model.Near:
		if g.Type != "Point" {
			return nil, ErrUnusableGeometry
		}
		lon, lat, err := g.Point()
		if err != nil {
			return nil, ErrUnusableGeometry
		}
		center := []any{lon, lat}
		// Annulus: within maxDistance of the point and not within
		// minDistance, giving "near but not too near" semantics.
		return map[string]any{
			"$and": []any{
				map[string]any{
					"geometry": map[string]any{
						"$geoWithin": map[string]any{
							"$centerSphere": []any{center, eval.MaxDistanceMeters() / EarthRadiusMeters},
						},
					},
				},
				map[string]any{
					"geometry": map[string]any{
						"$not": map[string]any{
							"$geoWithin": map[string]any{
								"$centerSphere": []any{center, eval.MinDistanceMeters() / EarthRadiusMeters},
							},
						},
					},
				},
			},
		}, nil

	default:
		return nil, apperr.Newf(apperr.KindBadRequest, "unrecognized evaluation type %q", eval.PredicateType)
	}
}
