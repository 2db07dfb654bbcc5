package zones

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nirbhaya/internal/apperr"
	"github.com/mbd888/nirbhaya/internal/geo"
)

// Handler serves density zones.
type Handler struct {
	store *Store
}

// NewHandler creates a zones handler
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up zone endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/zones", h.ListZones)
	r.GET("/zones/density", h.Density)
}

// ListZones returns the live zone set, optionally filtered by a bounding box.
// GET /v1/zones?min_lat=..&min_lon=..&max_lat=..&max_lon=..
func (h *Handler) ListZones(c *gin.Context) {
	var within *geo.Bounds
	if c.Query("min_lat") != "" {
		b, err := parseBounds(c)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		within = &b
	}
	zones := h.store.List(within)
	c.JSON(http.StatusOK, gin.H{"zones": zones, "count": len(zones)})
}

// Density returns the member count of the zone containing a point.
// GET /v1/zones/density?lat=..&lon=..
func (h *Handler) Density(c *gin.Context) {
	lat, err1 := strconv.ParseFloat(c.Query("lat"), 64)
	lon, err2 := strconv.ParseFloat(c.Query("lon"), 64)
	p := geo.Point{Lat: lat, Lon: lon}
	if err1 != nil || err2 != nil || p.Validate() != nil {
		apperr.Respond(c, apperr.Validation("zones.density", "", "lat and lon must be valid coordinates"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"member_count": h.store.DensityAt(p)})
}

func parseBounds(c *gin.Context) (geo.Bounds, error) {
	vals := make([]float64, 4)
	for i, k := range []string{"min_lat", "min_lon", "max_lat", "max_lon"} {
		v, err := strconv.ParseFloat(c.Query(k), 64)
		if err != nil {
			return geo.Bounds{}, apperr.Validation("zones.list", "", k+" must be a number")
		}
		vals[i] = v
	}
	b := geo.Bounds{MinLat: vals[0], MinLon: vals[1], MaxLat: vals[2], MaxLon: vals[3]}
	if b.MinLat > b.MaxLat || b.MinLon > b.MaxLon {
		return geo.Bounds{}, apperr.Validation("zones.list", "", "bounds are inverted")
	}
	return b, nil
}
