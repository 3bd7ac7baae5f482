package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/liquiditylab/aggbook/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBooks is a canned BookReader with one configured venue.
type fakeBooks struct {
	venue   domain.Venue
	bbo     domain.BBO
	crossed bool
}

func (f *fakeBooks) Symbol() string { return "BTC-USD" }

func (f *fakeBooks) VenueDepth(venue domain.Venue, n int) ([]domain.PriceLevel, []domain.PriceLevel, error) {
	if venue != f.venue {
		return nil, nil, domain.ErrUnknownVenue
	}
	return []domain.PriceLevel{{Price: 100, Size: 1}}, []domain.PriceLevel{{Price: 101, Size: 2}}, nil
}

func (f *fakeBooks) VenueBBO(venue domain.Venue) (domain.BBO, error) {
	if venue != f.venue {
		return domain.BBO{}, domain.ErrUnknownVenue
	}
	return f.bbo, nil
}

func (f *fakeBooks) AggregateDepth(n int) ([]domain.DepthLevel, []domain.DepthLevel) {
	bids := []domain.DepthLevel{{Price: 100, Size: 3, Sources: map[domain.Venue]float64{f.venue: 3}}}
	asks := []domain.DepthLevel{{Price: 101, Size: 2, Sources: map[domain.Venue]float64{f.venue: 2}}}
	return bids, asks
}

func (f *fakeBooks) AggregateBBO() domain.BBO { return f.bbo }

func (f *fakeBooks) BestSources() ([]domain.Venue, []domain.Venue) {
	return []domain.Venue{f.venue}, []domain.Venue{f.venue}
}

func (f *fakeBooks) Crossed() bool { return f.crossed }

func (f *fakeBooks) VenueMetrics() map[domain.Venue]domain.VenueMetrics {
	return map[domain.Venue]domain.VenueMetrics{
		f.venue: {Venue: f.venue, State: domain.BookStateLive, Updates: 10},
	}
}

func (f *fakeBooks) VenueStates() map[domain.Venue]domain.BookState {
	return map[domain.Venue]domain.BookState{f.venue: domain.BookStateLive}
}

func newFakeBooks() *fakeBooks {
	return &fakeBooks{
		venue: domain.VenueBinance,
		bbo:   domain.BBO{BidPrice: 100, BidSize: 1, AskPrice: 101, AskSize: 2},
	}
}

// fakeResyncer records resync requests.
type fakeResyncer struct {
	running map[domain.Venue]bool
	venues  []domain.Venue
	all     int
}

func (f *fakeResyncer) Resync(venue domain.Venue) bool {
	if !f.running[venue] {
		return false
	}
	f.venues = append(f.venues, venue)
	return true
}

func (f *fakeResyncer) ResyncAll() { f.all++ }

// fakeLocks can be scripted to report the lock as held.
type fakeLocks struct {
	held bool
}

func (f *fakeLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if f.held {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

// newMux registers handlers with the same method+pattern routes the server
// uses, so PathValue works in tests.
func newMux(book *BookHandler, agg *AggregateHandler, cross *CrossingHandler, status *StatusHandler) *http.ServeMux {
	mux := http.NewServeMux()
	if book != nil {
		mux.HandleFunc("GET /api/book/{venue}/depth", book.Depth)
		mux.HandleFunc("GET /api/book/{venue}/bbo", book.BBO)
		mux.HandleFunc("GET /api/metrics/venues", book.VenueMetrics)
	}
	if agg != nil {
		mux.HandleFunc("GET /api/aggregate/depth", agg.Depth)
		mux.HandleFunc("GET /api/aggregate/bbo", agg.BBO)
		mux.HandleFunc("POST /api/aggregate/resync", agg.Resync)
	}
	if cross != nil {
		mux.HandleFunc("GET /api/crossings/recent", cross.ListRecent)
	}
	if status != nil {
		mux.HandleFunc("GET /api/status", status.GetStatus)
	}
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("response not JSON: %v\n%s", err, rec.Body.String())
		}
	}
	return rec, out
}

func TestBookDepth(t *testing.T) {
	mux := newMux(NewBookHandler(newFakeBooks(), testLogger()), nil, nil, nil)

	rec, body := doJSON(t, mux, http.MethodGet, "/api/book/binance/depth?levels=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["symbol"] != "BTC-USD" {
		t.Errorf("symbol = %v, want BTC-USD", body["symbol"])
	}
	if bids := body["bids"].([]any); len(bids) != 1 {
		t.Errorf("bids = %d levels, want 1", len(bids))
	}
}

func TestBookDepthUnknownVenue(t *testing.T) {
	mux := newMux(NewBookHandler(newFakeBooks(), testLogger()), nil, nil, nil)

	rec, _ := doJSON(t, mux, http.MethodGet, "/api/book/kraken/depth", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid venue status = %d, want 400", rec.Code)
	}

	// okx is a known venue, but this node has only binance configured.
	rec, _ = doJSON(t, mux, http.MethodGet, "/api/book/okx/depth", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unconfigured venue status = %d, want 404", rec.Code)
	}
}

func TestBookBBO(t *testing.T) {
	mux := newMux(NewBookHandler(newFakeBooks(), testLogger()), nil, nil, nil)

	rec, body := doJSON(t, mux, http.MethodGet, "/api/book/binance/bbo", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	bbo := body["bbo"].(map[string]any)
	if bbo["bid_price"].(float64) != 100 || bbo["ask_price"].(float64) != 101 {
		t.Errorf("bbo = %v, want bid 100 / ask 101", bbo)
	}
	if bbo["mid"].(float64) != 100.5 {
		t.Errorf("mid = %v, want 100.5", bbo["mid"])
	}
}

func TestAggregateDepthAttribution(t *testing.T) {
	books := newFakeBooks()
	mux := newMux(nil, NewAggregateHandler(books, nil, nil, testLogger()), nil, nil)

	_, body := doJSON(t, mux, http.MethodGet, "/api/aggregate/depth", "")
	lv := body["bids"].([]any)[0].(map[string]any)
	if _, ok := lv["sources"]; ok {
		t.Error("sources present without attribution=true")
	}

	_, body = doJSON(t, mux, http.MethodGet, "/api/aggregate/depth?attribution=true", "")
	lv = body["bids"].([]any)[0].(map[string]any)
	sources, ok := lv["sources"].(map[string]any)
	if !ok {
		t.Fatalf("sources missing with attribution=true: %v", lv)
	}
	if sources["binance"].(float64) != 3 {
		t.Errorf("binance contribution = %v, want 3", sources["binance"])
	}
}

func TestAggregateBBOVenues(t *testing.T) {
	mux := newMux(nil, NewAggregateHandler(newFakeBooks(), nil, nil, testLogger()), nil, nil)

	rec, body := doJSON(t, mux, http.MethodGet, "/api/aggregate/bbo", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	bv := body["bid_venues"].([]any)
	if len(bv) != 1 || bv[0] != "binance" {
		t.Errorf("bid_venues = %v, want [binance]", bv)
	}
}

func TestResyncWithoutFeeds(t *testing.T) {
	mux := newMux(nil, NewAggregateHandler(newFakeBooks(), nil, nil, testLogger()), nil, nil)

	rec, _ := doJSON(t, mux, http.MethodPost, "/api/aggregate/resync", "")
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

func TestResyncAll(t *testing.T) {
	rs := &fakeResyncer{running: map[domain.Venue]bool{domain.VenueBinance: true}}
	mux := newMux(nil, NewAggregateHandler(newFakeBooks(), rs, &fakeLocks{}, testLogger()), nil, nil)

	rec, body := doJSON(t, mux, http.MethodPost, "/api/aggregate/resync", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if body["scope"] != "all" {
		t.Errorf("scope = %v, want all", body["scope"])
	}
	if rs.all != 1 {
		t.Errorf("ResyncAll calls = %d, want 1", rs.all)
	}
}

func TestResyncSingleVenue(t *testing.T) {
	rs := &fakeResyncer{running: map[domain.Venue]bool{domain.VenueBinance: true}}
	mux := newMux(nil, NewAggregateHandler(newFakeBooks(), rs, &fakeLocks{}, testLogger()), nil, nil)

	rec, body := doJSON(t, mux, http.MethodPost, "/api/aggregate/resync", `{"venue":"binance"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %v", rec.Code, body)
	}
	if body["scope"] != "binance" {
		t.Errorf("scope = %v, want binance", body["scope"])
	}

	// A known venue that is not running on this node.
	rec, _ = doJSON(t, mux, http.MethodPost, "/api/aggregate/resync", `{"venue":"okx"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	rec, _ = doJSON(t, mux, http.MethodPost, "/api/aggregate/resync", `{"venue":"kraken"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestResyncLockHeld(t *testing.T) {
	rs := &fakeResyncer{running: map[domain.Venue]bool{domain.VenueBinance: true}}
	mux := newMux(nil, NewAggregateHandler(newFakeBooks(), rs, &fakeLocks{held: true}, testLogger()), nil, nil)

	rec, _ := doJSON(t, mux, http.MethodPost, "/api/aggregate/resync", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if rs.all != 0 {
		t.Errorf("ResyncAll calls = %d, want 0 while lock held", rs.all)
	}
}

// fakeLister serves canned crossings and records the requested limit.
type fakeLister struct {
	crossings []domain.Crossing
	lastLimit int
	lastVenue domain.Venue
}

func (f *fakeLister) ListRecent(ctx context.Context, limit int) ([]domain.Crossing, error) {
	f.lastLimit = limit
	return f.crossings, nil
}

func (f *fakeLister) ListByVenue(ctx context.Context, venue domain.Venue, opts domain.ListOpts) ([]domain.Crossing, error) {
	f.lastVenue = venue
	f.lastLimit = opts.Limit
	return f.crossings, nil
}

func TestCrossingsListRecent(t *testing.T) {
	lister := &fakeLister{crossings: []domain.Crossing{{ID: "c-1", Symbol: "BTC-USD"}}}
	mux := newMux(nil, nil, NewCrossingHandler(lister, testLogger()), nil)

	rec, body := doJSON(t, mux, http.MethodGet, "/api/crossings/recent", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if lister.lastLimit != 20 {
		t.Errorf("default limit = %d, want 20", lister.lastLimit)
	}
	if got := body["crossings"].([]any); len(got) != 1 {
		t.Errorf("crossings = %d, want 1", len(got))
	}

	doJSON(t, mux, http.MethodGet, "/api/crossings/recent?limit=9999", "")
	if lister.lastLimit != 200 {
		t.Errorf("capped limit = %d, want 200", lister.lastLimit)
	}

	doJSON(t, mux, http.MethodGet, "/api/crossings/recent?venue=okx&limit=5", "")
	if lister.lastVenue != domain.VenueOKX || lister.lastLimit != 5 {
		t.Errorf("venue filter = (%s, %d), want (okx, 5)", lister.lastVenue, lister.lastLimit)
	}

	rec, _ = doJSON(t, mux, http.MethodGet, "/api/crossings/recent?venue=kraken", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid venue status = %d, want 400", rec.Code)
	}
}

type staleRates struct{}

func (staleRates) Fresh(currency string) bool { return false }

func TestStatus(t *testing.T) {
	h := NewStatusHandler("full", "USDT", newFakeBooks(), staleRates{}, time.Now().Add(-90*time.Second))
	mux := newMux(nil, nil, nil, h)

	rec, body := doJSON(t, mux, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["mode"] != "full" {
		t.Errorf("mode = %v, want full", body["mode"])
	}
	if body["rate_fresh"] != false {
		t.Errorf("rate_fresh = %v, want false", body["rate_fresh"])
	}
	if up := body["uptime_seconds"].(float64); up < 89 || up > 120 {
		t.Errorf("uptime_seconds = %v, want about 90", up)
	}
	venues := body["venues"].(map[string]any)
	if venues["binance"] != "live" {
		t.Errorf("venues = %v, want binance live", venues)
	}
}

// fakeBlobReader serves archived objects from a map keyed by object path.
type fakeBlobReader struct {
	objects map[string]string
}

func (f *fakeBlobReader) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	body, ok := f.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeBlobReader) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for k, v := range f.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *fakeBlobReader) Exists(ctx context.Context, path string) (bool, error) {
	_, ok := f.objects[path]
	return ok, nil
}

type fakeTrigger struct{ triggered int }

func (f *fakeTrigger) Trigger() { f.triggered++ }

func newArchiveMux(h *ArchiveHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/archive/trigger", h.TriggerArchive)
	mux.HandleFunc("GET /api/archive/objects", h.ListObjects)
	mux.HandleFunc("GET /api/archive/objects/{key...}", h.GetObject)
	return mux
}

func newTestArchive() (*ArchiveHandler, *fakeTrigger) {
	trigger := &fakeTrigger{}
	blobs := &fakeBlobReader{objects: map[string]string{
		"archive/crossings/2025-01.jsonl":      `{"id":"c-1"}` + "\n",
		"archive/sessions/2025-01.jsonl":       `{"id":"s-1"}` + "\n",
		"depth/BTC-USD/2025-01-02/120000.json": `{"symbol":"BTC-USD"}`,
	}}
	return NewArchiveHandler(trigger, blobs, testLogger()), trigger
}

func TestArchiveTrigger(t *testing.T) {
	h, trigger := newTestArchive()
	mux := newArchiveMux(h)

	rec, body := doJSON(t, mux, http.MethodPost, "/api/archive/trigger", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if body["status"] != "accepted" {
		t.Errorf("status field = %v, want accepted", body["status"])
	}
	if trigger.triggered != 1 {
		t.Errorf("triggered = %d, want 1", trigger.triggered)
	}
}

func TestArchiveListObjects(t *testing.T) {
	h, _ := newTestArchive()
	mux := newArchiveMux(h)

	// Default prefix confines the listing to archive/.
	rec, body := doJSON(t, mux, http.MethodGet, "/api/archive/objects", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := body["count"].(float64); got != 2 {
		t.Errorf("count = %v, want 2", got)
	}

	rec, body = doJSON(t, mux, http.MethodGet, "/api/archive/objects?prefix=depth/BTC-USD/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("depth prefix status = %d, want 200", rec.Code)
	}
	objects := body["objects"].([]any)
	if len(objects) != 1 {
		t.Fatalf("objects = %d, want 1", len(objects))
	}
	entry := objects[0].(map[string]any)
	if entry["key"] != "depth/BTC-USD/2025-01-02/120000.json" {
		t.Errorf("key = %v", entry["key"])
	}

	rec, _ = doJSON(t, mux, http.MethodGet, "/api/archive/objects?prefix=secrets/", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("foreign prefix status = %d, want 400", rec.Code)
	}
}

func TestArchiveGetObject(t *testing.T) {
	h, _ := newTestArchive()
	mux := newArchiveMux(h)

	req := httptest.NewRequest(http.MethodGet, "/api/archive/objects/archive/crossings/2025-01.jsonl", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/x-ndjson" {
		t.Errorf("content type = %q, want application/x-ndjson", got)
	}
	if rec.Body.String() != `{"id":"c-1"}`+"\n" {
		t.Errorf("body = %q", rec.Body.String())
	}

	rec, _ = doJSON(t, mux, http.MethodGet, "/api/archive/objects/archive/crossings/2024-01.jsonl", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing object status = %d, want 404", rec.Code)
	}

	rec, _ = doJSON(t, mux, http.MethodGet, "/api/archive/objects/etc/passwd", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("foreign key status = %d, want 400", rec.Code)
	}
}
