package zones

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nirbhaya/internal/clock"
	"github.com/mbd888/nirbhaya/internal/geo"
	"github.com/mbd888/nirbhaya/internal/notify"
	"github.com/mbd888/nirbhaya/internal/telemetry"
)

var (
	epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	grid  = geo.NewGrid(DefaultCellSizeM)
	// Anchor a cell and use its centre so offsets stay inside known cells.
	home = grid.Center(grid.CellOf(geo.Point{Lat: 28.6139, Lon: 77.2090}))
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pings puts n records near p (within 10 m of the cell centre).
func pings(prefix string, p geo.Point, n int) []telemetry.Record {
	out := make([]telemetry.Record, n)
	for i := range out {
		out[i] = telemetry.Record{
			EntityID:   fmt.Sprintf("%s-%d", prefix, i),
			Location:   geo.Offset(p, float64(i%10), float64(i*36)),
			RecordedAt: epoch,
			ExpiresAt:  epoch.Add(time.Minute),
		}
	}
	return out
}

func build(records []telemetry.Record) []Zone {
	return Build(grid, records, epoch, MinMembers, DefaultTTL)
}

func TestBuild_NoPingsNoZones(t *testing.T) {
	assert.Empty(t, build(nil))
}

func TestBuild_SingleCellAboveMinimum(t *testing.T) {
	zones := build(pings("a", home, 7))
	require.Len(t, zones, 1)
	assert.Equal(t, 7, zones[0].MemberCount)
	assert.Equal(t, grid.ID(grid.CellOf(home)), zones[0].ZoneID)
	assert.Equal(t, epoch, zones[0].LastUpdated)
	assert.Equal(t, epoch.Add(DefaultTTL), zones[0].ExpiresAt)
}

func TestBuild_LoneUndersizedGroupNotPublished(t *testing.T) {
	assert.Empty(t, build(pings("a", home, 4)))
}

func TestBuild_MergesUndersizedNeighbour(t *testing.T) {
	east := geo.Offset(home, 100, 90)
	records := append(pings("a", home, 6), pings("b", east, 2)...)

	zones := build(records)
	require.Len(t, zones, 1)
	z := zones[0]
	assert.Equal(t, 8, z.MemberCount)
	assert.Equal(t, grid.ID(grid.CellOf(home)), z.ZoneID, "absorbing cell keeps its id")
	assert.True(t, z.Bounds.Covers(grid.Bounds(grid.CellOf(home))))
	assert.True(t, z.Bounds.Covers(grid.Bounds(grid.CellOf(east))))
}

func TestBuild_MergesIntoNearestGroup(t *testing.T) {
	near := geo.Offset(home, 100, 0)
	far := geo.Offset(home, 400, 180)
	records := append(pings("a", home, 2), pings("n", near, 6)...)
	records = append(records, pings("f", far, 9)...)

	zones := build(records)
	require.Len(t, zones, 2)
	counts := map[string]int{}
	for _, z := range zones {
		counts[z.ZoneID] = z.MemberCount
	}
	assert.Equal(t, 8, counts[grid.ID(grid.CellOf(near))])
	assert.Equal(t, 9, counts[grid.ID(grid.CellOf(far))])
}

func TestBuild_ChainOfSmallCells(t *testing.T) {
	var records []telemetry.Record
	// Five adjacent cells of two members each: 10 members, none eligible alone.
	for i := 0; i < 5; i++ {
		records = append(records, pings(fmt.Sprintf("c%d", i), geo.Offset(home, float64(i*100), 90), 2)...)
	}
	zones := build(records)
	require.NotEmpty(t, zones)
	total := 0
	for _, z := range zones {
		assert.GreaterOrEqual(t, z.MemberCount, MinMembers)
		total += z.MemberCount
	}
	assert.Equal(t, 10, total)
}

func TestBuild_IsDeterministic(t *testing.T) {
	var records []telemetry.Record
	for i := 0; i < 12; i++ {
		records = append(records, pings(fmt.Sprintf("c%d", i), geo.Offset(home, float64(i*130), float64(i*40)), i%6+1)...)
	}
	first := build(records)

	// Reverse input order.
	rev := make([]telemetry.Record, len(records))
	for i, r := range records {
		rev[len(records)-1-i] = r
	}
	assert.Equal(t, first, build(rev))
	for _, z := range first {
		assert.GreaterOrEqual(t, z.MemberCount, MinMembers)
	}
}

type stubSource struct {
	records []telemetry.Record
	err     error
}

func (s *stubSource) Snapshot(context.Context) ([]telemetry.Record, error) {
	return s.records, s.err
}

func TestAggregator_RunOncePublishesAndStores(t *testing.T) {
	clk := clock.NewManual(epoch)
	store := NewStore(clk)
	rec := &notify.Recorder{}
	src := &stubSource{records: pings("a", home, 6)}
	agg := NewAggregator(src, store, rec, clk, DefaultConfig(), quietLogger())

	zones, err := agg.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, zones, 1)

	assert.Len(t, store.List(nil), 1)
	assert.Equal(t, 6, store.DensityAt(home))
	require.Len(t, rec.OfType(notify.TypeZonesPublished), 1)

	// Zones outlive nothing: gone after 120s even without a new run.
	clk.Advance(DefaultTTL)
	assert.Empty(t, store.List(nil))
	assert.Equal(t, 0, store.DensityAt(home))
}

func TestAggregator_SnapshotErrorKeepsPreviousSet(t *testing.T) {
	clk := clock.NewManual(epoch)
	store := NewStore(clk)
	src := &stubSource{records: pings("a", home, 6)}
	agg := NewAggregator(src, store, nil, clk, DefaultConfig(), quietLogger())

	_, err := agg.RunOnce(context.Background())
	require.NoError(t, err)

	src.err = errors.New("redis down")
	_, err = agg.RunOnce(context.Background())
	require.Error(t, err)
	assert.Len(t, store.List(nil), 1)
}

func TestAggregator_LoopRunsOnTicker(t *testing.T) {
	clk := clock.NewManual(epoch)
	store := NewStore(clk)
	rec := &notify.Recorder{}
	agg := NewAggregator(&stubSource{records: pings("a", home, 5)}, store, rec, clk, DefaultConfig(), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Start(ctx)
	require.Eventually(t, func() bool { return clk.Tickers() == 1 }, time.Second, time.Millisecond)

	clk.Advance(DefaultInterval)
	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, time.Second, time.Millisecond)
	assert.True(t, agg.Running())

	agg.Stop()
	require.Eventually(t, func() bool { return !agg.Running() }, time.Second, time.Millisecond)
}

func TestHandler_ListZones(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clk := clock.NewManual(epoch)
	store := NewStore(clk)
	store.Replace(build(pings("a", home, 6)))

	r := gin.New()
	NewHandler(store).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/zones", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.NotContains(t, w.Body.String(), "a-0", "entity ids never leave the aggregator")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/zones?min_lat=0&min_lon=0&max_lat=1&max_lon=1", nil))
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/zones?min_lat=5&min_lon=0&max_lat=1&max_lon=1", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/zones/density?lat=%f&lon=%f", home.Lat, home.Lon), nil))
	assert.JSONEq(t, `{"member_count":6}`, w.Body.String())
}
