// Package eval computes, for one monitor, the set of zone features whose
// spatial predicate matches at least one target feature.
package eval

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/geokatch/geokatch/internal/apperr"
	"github.com/geokatch/geokatch/internal/model"
	"github.com/geokatch/geokatch/internal/service/predicate"
)

type layerProvider interface {
	ResolveLayer(ctx context.Context, name string) (*model.LayerInfo, error)
	QueryFeatures(ctx context.Context, info *model.LayerInfo, query map[string]any) (*model.FeatureCollection, error)
}

// Result is the outcome of one evaluation. The emptiness of Matches is
// the only fact the firing state machine consumes.
type Result struct {
	Matches []model.Match `json:"matches"`
}

type Engine struct {
	provider    layerProvider
	concurrency int
}

func New(provider layerProvider, concurrency int) *Engine {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Engine{provider: provider, concurrency: concurrency}
}

// Evaluate resolves both layers, fetches the zone features and queries
// the target layer once per usable zone geometry. It refreshes the
// LayerInfo of both elements on m, which must be the run-local working
// copy. Zone features whose geometry cannot serve the predicate type are
// skipped with a warning; any resolution or query error aborts the whole
// evaluation.
func (e *Engine) Evaluate(ctx context.Context, m *model.Monitor) (*Result, error) {
	zoneFeatures, err := e.zoneFeatures(ctx, m)
	if err != nil {
		return nil, err
	}

	if !m.Target.Inline() {
		info, err := e.provider.ResolveLayer(ctx, m.Target.LayerName)
		if err != nil {
			return nil, err
		}
		m.Target.LayerInfo = info
	}

	// One slot per zone feature keeps match order stable even though the
	// queries run concurrently.
	slots := make([]*model.Match, len(zoneFeatures))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range zoneFeatures {
		i := i
		g.Go(func() error {
			zone := zoneFeatures[i]
			pred, err := predicate.Build(m.Evaluation, zone.Geometry)
			if err != nil {
				if errors.Is(err, predicate.ErrUnusableGeometry) {
					slog.Warn("zone geometry unusable for predicate type, skipping",
						"monitor", m.Name,
						"predicateType", m.Evaluation.PredicateType,
						"geometryType", zone.Geometry.Type,
					)
					return nil
				}
				return err
			}

			query := pred
			if m.Target.Filter != nil {
				query = map[string]any{"$and": []any{m.Target.Filter, pred}}
			}

			fc, err := e.provider.QueryFeatures(gctx, m.Target.LayerInfo, query)
			if err != nil {
				return err
			}
			if len(fc.Features) > 0 {
				mu.Lock()
				slots[i] = &model.Match{Zone: zone, Targets: fc.Features}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	matches := make([]model.Match, 0, len(slots))
	for _, s := range slots {
		if s != nil {
			matches = append(matches, *s)
		}
	}
	return &Result{Matches: matches}, nil
}

func (e *Engine) zoneFeatures(ctx context.Context, m *model.Monitor) ([]model.Feature, error) {
	if m.Zone.Inline() {
		if m.Zone.Features == nil {
			return nil, apperr.New(apperr.KindBadRequest, "zone element has no in-request features")
		}
		return m.Zone.Features.Features, nil
	}

	info, err := e.provider.ResolveLayer(ctx, m.Zone.LayerName)
	if err != nil {
		return nil, err
	}
	m.Zone.LayerInfo = info

	var filter map[string]any
	if m.Zone.Filter != nil {
		filter = map[string]any{}
		for k, v := range m.Zone.Filter {
			filter[k] = v
		}
	}
	fc, err := e.provider.QueryFeatures(ctx, info, filter)
	if err != nil {
		return nil, err
	}
	return fc.Features, nil
}
