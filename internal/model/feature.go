package model

import (
	"encoding/json"
	"fmt"
)

// Geometry is a GeoJSON geometry. Coordinates are kept raw because the
// engine rarely computes with them locally; predicates are passed through
// to the feature store, with Point lookups on the event path the exception.
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates,omitempty"`
	Geometries  []Geometry      `json:"geometries,omitempty"`
}

// Point returns the lon/lat pair of a Point geometry.
func (g Geometry) Point() (lon, lat float64, err error) {
	if g.Type != "Point" {
		return 0, 0, fmt.Errorf("geometry type %q is not a Point", g.Type)
	}
	var coords []float64
	if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
		return 0, 0, fmt.Errorf("decode point coordinates: %w", err)
	}
	if len(coords) < 2 {
		return 0, 0, fmt.Errorf("point has %d coordinates, want 2", len(coords))
	}
	return coords[0], coords[1], nil
}

// AsMap converts the geometry to the generic map shape used inside
// store-level predicates.
func (g Geometry) AsMap() map[string]any {
	out := map[string]any{"type": g.Type}
	if g.Coordinates != nil {
		var coords any
		if err := json.Unmarshal(g.Coordinates, &coords); err == nil {
			out["coordinates"] = coords
		}
	}
	if g.Geometries != nil {
		geoms := make([]any, len(g.Geometries))
		for i, sub := range g.Geometries {
			geoms[i] = sub.AsMap()
		}
		out["geometries"] = geoms
	}
	return out
}

type Feature struct {
	ID         string         `json:"_id,omitempty"`
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties,omitempty"`
	// Layer scopes the feature inside the generic multi-layer store.
	Layer string `json:"layer,omitempty"`
}

type FeatureCollection struct {
	Type     string    `json:"type"`
	Total    int       `json:"total,omitempty"`
	Features []Feature `json:"features"`
}
