package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/geokatch/geokatch/internal/model"
)

// Posts a handful of sample monitors against a running server. Useful
// for exercising the API by hand during development.
func main() {
	apiURL := os.Getenv("API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}

	maxDist := 2500.0

	samples := []model.Monitor{
		{
			Name:        "vehicles-in-restricted-area",
			Description: "Fires when any tracked vehicle enters the restricted polygon",
			Target:      model.Element{LayerName: "Vehicles"},
			Zone:        model.Element{LayerName: "Restricted Areas"},
			Trigger:     model.Trigger{Kind: model.TriggerSchedule, Schedule: "*/30 * * * * *"},
			Enabled:     true,
			Evaluation: model.Evaluation{
				PredicateType: model.GeoWithin,
				AlertOn:       model.AlertOnData,
			},
			Action: model.Action{Kind: model.ActionNone},
		},
		{
			Name:        "patrol-left-sector",
			Description: "Fires when the patrol layer stops intersecting its sector",
			Target:      model.Element{LayerName: "Patrols"},
			Zone:        model.Element{LayerName: "Sectors"},
			Trigger:     model.Trigger{Kind: model.TriggerEvent, Events: []model.EventName{model.EventPatched, model.EventUpdated}},
			Enabled:     true,
			Evaluation: model.Evaluation{
				PredicateType: model.GeoIntersects,
				AlertOn:       model.AlertOnNoData,
			},
			Action: model.Action{Kind: model.ActionNone},
		},
		{
			Name:        "assets-near-incident",
			Description: "Fires when any asset comes within 2.5 km of an incident point",
			Target:      model.Element{LayerName: "Assets"},
			Zone:        model.Element{LayerName: "Incidents"},
			Trigger:     model.Trigger{Kind: model.TriggerSchedule, Schedule: "@every 1m"},
			Enabled:     true,
			Evaluation: model.Evaluation{
				PredicateType: model.Near,
				AlertOn:       model.AlertOnData,
				MaxDistance:   &maxDist,
			},
			Action: model.Action{Kind: model.ActionNone},
		},
	}

	for _, m := range samples {
		body, err := json.Marshal(m)
		if err != nil {
			log.Fatalf("marshal %s: %v", m.Name, err)
		}
		resp, err := http.Post(apiURL+"/api/v1/monitors", "application/json", bytes.NewReader(body))
		if err != nil {
			log.Fatalf("post %s: %v", m.Name, err)
		}
		out, _ := json.Marshal(map[string]any{"monitor": m.Name, "status": resp.StatusCode})
		fmt.Println(string(out))
		resp.Body.Close()
	}
}
