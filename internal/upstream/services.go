package upstream

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/nirbhaya/internal/geo"
	"github.com/mbd888/nirbhaya/internal/retry"
	"github.com/mbd888/nirbhaya/internal/routes"
)

// Directions fetches walking routes.
type Directions struct{ c *client }

// NewDirections creates a directions client.
func NewDirections(cfg Config) (*Directions, error) {
	c, err := newClient("directions", cfg)
	if err != nil {
		return nil, err
	}
	return &Directions{c: c}, nil
}

// Routes returns candidate polylines, primary first.
// GET {base}/routes?origin=lat,lon&destination=lat,lon&mode=walking
func (d *Directions) Routes(ctx context.Context, origin, destination geo.Point) ([][]geo.Point, error) {
	q := url.Values{}
	q.Set("origin", formatPoint(origin))
	q.Set("destination", formatPoint(destination))
	q.Set("mode", "walking")
	q.Set("alternatives", "true")

	var resp struct {
		Routes []struct {
			Points []geo.Point `json:"points"`
		} `json:"routes"`
	}
	if err := d.c.getJSON(ctx, "/routes", q, &resp); err != nil {
		return nil, err
	}
	out := make([][]geo.Point, 0, len(resp.Routes))
	for _, r := range resp.Routes {
		out = append(out, r.Points)
	}
	return out, nil
}

// Crime queries the crime-history registry.
type Crime struct{ c *client }

// NewCrime creates a crime registry client.
func NewCrime(cfg Config) (*Crime, error) {
	c, err := newClient("crime", cfg)
	if err != nil {
		return nil, err
	}
	return &Crime{c: c}, nil
}

// IncidentsNear returns incidents within the query radius.
// GET {base}/incidents?lat&lon&radius_m&category&since
func (cr *Crime) IncidentsNear(ctx context.Context, q routes.CrimeQuery) ([]routes.CrimeIncident, error) {
	v := pointQuery(q.Center)
	v.Set("radius_m", strconv.FormatFloat(q.RadiusM, 'f', 0, 64))
	if q.Category != "" {
		v.Set("category", q.Category)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}

	var resp struct {
		Incidents []struct {
			Lat        float64   `json:"lat"`
			Lon        float64   `json:"lon"`
			Severity   float64   `json:"severity"`
			Category   string    `json:"category"`
			OccurredAt time.Time `json:"occurred_at"`
		} `json:"incidents"`
	}
	if err := cr.c.getJSON(ctx, "/incidents", v, &resp); err != nil {
		return nil, err
	}

	out := make([]routes.CrimeIncident, 0, len(resp.Incidents))
	for _, inc := range resp.Incidents {
		p := geo.Point{Lat: inc.Lat, Lon: inc.Lon}
		if p.Validate() != nil {
			continue
		}
		out = append(out, routes.CrimeIncident{
			Location:   p,
			Severity:   inc.Severity,
			Category:   inc.Category,
			OccurredAt: inc.OccurredAt,
		})
	}
	return out, nil
}

// Places counts open venues.
type Places struct{ c *client }

// NewPlaces creates a places client.
func NewPlaces(cfg Config) (*Places, error) {
	c, err := newClient("places", cfg)
	if err != nil {
		return nil, err
	}
	return &Places{c: c}, nil
}

// OpenVenuesNear returns how many venues are open now within radiusM.
// GET {base}/venues/open?lat&lon&radius_m
func (p *Places) OpenVenuesNear(ctx context.Context, center geo.Point, radiusM float64) (int, error) {
	v := pointQuery(center)
	v.Set("radius_m", strconv.FormatFloat(radiusM, 'f', 0, 64))

	var resp struct {
		Count int `json:"count"`
	}
	if err := p.c.getJSON(ctx, "/venues/open", v, &resp); err != nil {
		return 0, err
	}
	if resp.Count < 0 {
		return 0, retry.Permanent(fmt.Errorf("places: negative count %d", resp.Count))
	}
	return resp.Count, nil
}

// Imagery reads street-level brightness.
type Imagery struct{ c *client }

// NewImagery creates an imagery client.
func NewImagery(cfg Config) (*Imagery, error) {
	c, err := newClient("imagery", cfg)
	if err != nil {
		return nil, err
	}
	return &Imagery{c: c}, nil
}

// Brightness returns the mean brightness (0-100) of the image facing heading at p.
// GET {base}/brightness?lat&lon&heading
func (im *Imagery) Brightness(ctx context.Context, p geo.Point, headingDeg float64) (float64, error) {
	v := pointQuery(p)
	v.Set("heading", strconv.FormatFloat(headingDeg, 'f', 1, 64))

	var resp struct {
		Brightness *float64 `json:"brightness"`
	}
	if err := im.c.getJSON(ctx, "/brightness", v, &resp); err != nil {
		return 0, err
	}
	if resp.Brightness == nil {
		return 0, retry.Permanent(fmt.Errorf("imagery: no image at location"))
	}
	return *resp.Brightness, nil
}

var (
	_ routes.DirectionsProvider = (*Directions)(nil)
	_ routes.CrimeRegistry      = (*Crime)(nil)
	_ routes.CommercialLookup   = (*Places)(nil)
	_ routes.ImageryService     = (*Imagery)(nil)
)
