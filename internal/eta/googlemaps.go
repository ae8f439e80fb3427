package eta

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/models"
)

// GoogleMapsClient asks the Directions API for a driving route.
type GoogleMapsClient struct {
	client *maps.Client
}

func NewGoogleMapsClient(apiKey string) (*GoogleMapsClient, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleMapsClient{client: c}, nil
}

func latLng(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

func (g *GoogleMapsClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	routes, _, err := g.client.Directions(ctx, &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	})
	if err != nil {
		return 0, fmt.Errorf("directions: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, fmt.Errorf("directions: no route")
	}
	var total float64
	for _, leg := range routes[0].Legs {
		total += leg.Duration.Seconds()
	}
	return total, nil
}
