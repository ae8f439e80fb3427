package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

// OSRMClient asks an OSRM server for the driving time from a driver to a
// pickup. Profile defaults to "driving".
type OSRMClient struct {
	Endpoint string
	Profile  string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Profile: "driving", Client: &http.Client{Timeout: 2 * time.Second}}
}

type osrmRoute struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
	} `json:"routes"`
}

func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	profile := o.Profile
	if profile == "" {
		profile = "driving"
	}
	// OSRM takes lon,lat pairs.
	url := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, profile, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, errs.Wrap(errs.UpstreamService, err, "osrm route")
	}
	defer resp.Body.Close()

	var route osrmRoute
	if err := json.NewDecoder(resp.Body).Decode(&route); err != nil {
		return 0, errs.Wrap(errs.UpstreamService, err, fmt.Sprintf("osrm route: status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK || route.Code != "Ok" || len(route.Routes) == 0 {
		return 0, errs.New(errs.UpstreamService, "osrm route: %s %s", route.Code, route.Message)
	}
	return route.Routes[0].Duration, nil
}
