package routing

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/models"
)

// GoogleClient resolves routes through the Google Directions API.
// Selected over OSRM when an API key is configured.
type GoogleClient struct {
	client *maps.Client
}

func NewGoogleClient(apiKey string) (*GoogleClient, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("maps client: %w", err)
	}
	return &GoogleClient{client: c}, nil
}

func (g *GoogleClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	req := &maps.DirectionsRequest{
		Origin:      fmt.Sprintf("%.6f,%.6f", from.Lat, from.Lon),
		Destination: fmt.Sprintf("%.6f,%.6f", to.Lat, to.Lon),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := g.client.Directions(ctx, req)
	if err != nil {
		return Route{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, fmt.Errorf("%w: no route found", ErrUnavailable)
	}
	leg := routes[0].Legs[0]
	var path []models.Coord
	if pts, err := routes[0].OverviewPolyline.Decode(); err == nil {
		path = make([]models.Coord, 0, len(pts))
		for _, p := range pts {
			path = append(path, models.Coord{Lat: p.Lat, Lon: p.Lng})
		}
	}
	return Route{
		DistanceMeters:  float64(leg.Distance.Meters),
		DurationSeconds: leg.Duration.Seconds(),
		Path:            path,
	}, nil
}
