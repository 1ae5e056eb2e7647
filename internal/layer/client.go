// Package layer is the client for the external layer provider: the
// catalog that resolves layer names and the feature services that hold
// the geometries. The engine only ever talks to the provider through the
// narrow interface exposed here.
package layer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/geokatch/geokatch/internal/apperr"
	"github.com/geokatch/geokatch/internal/model"
)

// GenericCollection is the provider's multi-layer feature store. Queries
// against it need an explicit layer-id scoping clause; dedicated probe
// collections do not.
const GenericCollection = "features"

type Client struct {
	baseURL    string
	apiPrefix  string
	httpClient *http.Client
}

func NewClient(baseURL, apiPrefix string, timeout time.Duration) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiPrefix: strings.Trim(apiPrefix, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) endpoint(parts ...string) string {
	return c.baseURL + "/" + c.apiPrefix + "/" + strings.Join(parts, "/")
}

// Ready probes the catalog endpoint. The provider is considered ready as
// soon as the catalog answers at all.
func (c *Client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("catalog"), nil)
	if err != nil {
		return fmt.Errorf("create readiness request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindUnavailable, err, "layer provider is not ready")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperr.Newf(apperr.KindUnavailable, "layer provider readiness returned status %d", resp.StatusCode)
	}
	return nil
}

// WaitReady polls Ready until it succeeds or the context expires.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.Ready(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindUnavailable, ctx.Err(), "layer provider did not become ready")
		case <-ticker.C:
		}
	}
}

type catalogEntry struct {
	ID           string `json:"_id"`
	Name         string `json:"name"`
	Service      string `json:"service"`
	ProbeService string `json:"probeService"`
}

// ResolveLayer looks a layer up in the catalog by exact name or by the
// canonical uppercase form "Layers.NAME".
func (c *Client) ResolveLayer(ctx context.Context, name string) (*model.LayerInfo, error) {
	if name == "" {
		return nil, apperr.New(apperr.KindBadRequest, "layer name is required")
	}

	q := url.Values{}
	q.Set("names", name+","+"Layers."+strings.ToUpper(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("catalog")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create catalog request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, err, "catalog lookup failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.KindUnavailable, "catalog returned status %d", resp.StatusCode)
	}

	var result struct {
		Total int            `json:"total"`
		Data  []catalogEntry `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode catalog response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, apperr.New(apperr.KindNotFound, "layer not found").With("layer", name)
	}

	entry := result.Data[0]
	collection := entry.ProbeService
	if collection == "" {
		collection = entry.Service
	}
	return &model.LayerInfo{
		LayerID:     entry.ID,
		Collection:  collection,
		DisplayName: entry.Name,
	}, nil
}

// QueryFeatures runs a query against the feature service backing info.
// The layer-id scoping clause is added only for the generic multi-layer
// store. A result set whose length disagrees with the reported total is a
// DataIntegrity failure: an inconsistent answer would corrupt the
// monitor's correctness guarantee.
func (c *Client) QueryFeatures(ctx context.Context, info *model.LayerInfo, query map[string]any) (*model.FeatureCollection, error) {
	if info == nil {
		return nil, apperr.New(apperr.KindBadRequest, "layer info is required")
	}
	if query == nil {
		query = map[string]any{}
	}
	if info.Collection == GenericCollection {
		query["layer"] = info.LayerID
	}

	body, err := json.Marshal(map[string]any{"query": query})
	if err != nil {
		return nil, fmt.Errorf("encode feature query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint(info.Collection, "query"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create feature query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, err, "feature query failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.KindUnavailable, "feature service %q returned status %d", info.Collection, resp.StatusCode)
	}

	var fc model.FeatureCollection
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		return nil, fmt.Errorf("decode feature collection: %w", err)
	}

	if fc.Total != len(fc.Features) {
		return nil, apperr.New(apperr.KindDataIntegrity, "query result count does not match the reported total").
			With("service", info.Collection).
			With("total", fc.Total).
			With("returned", len(fc.Features))
	}
	return &fc, nil
}
