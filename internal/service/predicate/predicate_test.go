package predicate

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/geokatch/geokatch/internal/apperr"
	"github.com/geokatch/geokatch/internal/model"
)

func geometry(t *testing.T, typ, coords string) model.Geometry {
	t.Helper()
	return model.Geometry{Type: typ, Coordinates: json.RawMessage(coords)}
}

func TestBuildGeoWithin(t *testing.T) {
	eval := model.Evaluation{PredicateType: model.GeoWithin}

	q, err := Build(eval, geometry(t, "Polygon", `[[[0,0],[1,0],[1,1],[0,0]]]`))
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	geo, ok := q["geometry"].(map[string]any)
	if !ok {
		t.Fatal("predicate is missing a geometry clause")
	}
	within, ok := geo["$geoWithin"].(map[string]any)
	if !ok {
		t.Fatal("geometry clause is not $geoWithin")
	}
	g, ok := within["$geometry"].(map[string]any)
	if !ok || g["type"] != "Polygon" {
		t.Errorf("$geometry = %v, want Polygon shape", within["$geometry"])
	}
}

func TestBuildGeoWithinRejectsNonArealZones(t *testing.T) {
	eval := model.Evaluation{PredicateType: model.GeoWithin}

	for _, typ := range []string{"Point", "LineString"} {
		_, err := Build(eval, geometry(t, typ, `[0,0]`))
		if !errors.Is(err, ErrUnusableGeometry) {
			t.Errorf("Build with %s zone: error = %v, want ErrUnusableGeometry", typ, err)
		}
	}
}

func TestBuildGeoIntersectsAcceptsAnyGeometry(t *testing.T) {
	eval := model.Evaluation{PredicateType: model.GeoIntersects}

	for _, typ := range []string{"Point", "LineString", "Polygon"} {
		q, err := Build(eval, geometry(t, typ, `[0,0]`))
		if err != nil {
			t.Fatalf("Build with %s zone returned error: %v", typ, err)
		}
		geo := q["geometry"].(map[string]any)
		if _, ok := geo["$geoIntersects"]; !ok {
			t.Errorf("predicate for %s zone is not $geoIntersects", typ)
		}
	}
}

func TestBuildNearAnnulus(t *testing.T) {
	maxDist, minDist := 2500.0, 500.0
	eval := model.Evaluation{
		PredicateType: model.Near,
		MaxDistance:   &maxDist,
		MinDistance:   &minDist,
	}

	q, err := Build(eval, geometry(t, "Point", `[-84.1, 9.9]`))
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	and, ok := q["$and"].([]any)
	if !ok || len(and) != 2 {
		t.Fatalf("near predicate is not a two-clause $and: %v", q)
	}

	outer := and[0].(map[string]any)["geometry"].(map[string]any)
	sphere := outer["$geoWithin"].(map[string]any)["$centerSphere"].([]any)
	if got := sphere[1].(float64); got != maxDist/EarthRadiusMeters {
		t.Errorf("outer radius = %v, want %v", got, maxDist/EarthRadiusMeters)
	}
	center := sphere[0].([]any)
	if center[0].(float64) != -84.1 || center[1].(float64) != 9.9 {
		t.Errorf("center = %v, want [-84.1 9.9]", center)
	}

	inner := and[1].(map[string]any)["geometry"].(map[string]any)
	notSphere := inner["$not"].(map[string]any)["$geoWithin"].(map[string]any)["$centerSphere"].([]any)
	if got := notSphere[1].(float64); got != minDist/EarthRadiusMeters {
		t.Errorf("inner radius = %v, want %v", got, minDist/EarthRadiusMeters)
	}
}

func TestBuildNearDefaults(t *testing.T) {
	eval := model.Evaluation{PredicateType: model.Near}

	q, err := Build(eval, geometry(t, "Point", `[0, 0]`))
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	and := q["$and"].([]any)
	outer := and[0].(map[string]any)["geometry"].(map[string]any)
	sphere := outer["$geoWithin"].(map[string]any)["$centerSphere"].([]any)
	if got := sphere[1].(float64); got != model.DefaultMaxDistance/EarthRadiusMeters {
		t.Errorf("default outer radius = %v, want %v", got, model.DefaultMaxDistance/EarthRadiusMeters)
	}
	inner := and[1].(map[string]any)["geometry"].(map[string]any)
	notSphere := inner["$not"].(map[string]any)["$geoWithin"].(map[string]any)["$centerSphere"].([]any)
	if got := notSphere[1].(float64); got != 0.0 {
		t.Errorf("default inner radius = %v, want 0", got)
	}
}

func TestBuildNearRejectsNonPointZones(t *testing.T) {
	eval := model.Evaluation{PredicateType: model.Near}

	_, err := Build(eval, geometry(t, "Polygon", `[[[0,0],[1,0],[1,1],[0,0]]]`))
	if !errors.Is(err, ErrUnusableGeometry) {
		t.Errorf("Build with Polygon zone: error = %v, want ErrUnusableGeometry", err)
	}
}

func TestBuildUnknownPredicateType(t *testing.T) {
	eval := model.Evaluation{PredicateType: "touches"}

	_, err := Build(eval, geometry(t, "Point", `[0,0]`))
	if err == nil {
		t.Fatal("Build accepted an unknown predicate type")
	}
	if errors.Is(err, ErrUnusableGeometry) {
		t.Error("unknown predicate type must not be reported as a skippable geometry")
	}
	if apperr.KindOf(err) != apperr.KindBadRequest {
		t.Errorf("error kind = %v, want KindBadRequest", apperr.KindOf(err))
	}
}
