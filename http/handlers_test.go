package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"cropcast/apierr"
	"cropcast/config"
	"cropcast/ml"
	"cropcast/pipeline"
	"cropcast/telemetry"
)

const testDevices = 5

type upstream struct {
	slow    atomic.Bool
	streams atomic.Int32
	calls   atomic.Int32
}

// ServeHTTP answers /1 through /5. Device i reports 10*i, 10*i+1 and so on.
func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.calls.Add(1)
	if u.slow.Load() {
		time.Sleep(500 * time.Millisecond)
	}
	if r.Header.Get(telemetry.KeyHeader) == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/"))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	base := 10 * float64(idx)
	names := []string{"carbon", "nitrogen", "phosphorus"}
	n := int(u.streams.Load())
	if n == 0 {
		n = len(names)
	}
	fmt.Fprint(w, `{"streams":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			fmt.Fprint(w, ",")
		}
		fmt.Fprintf(w, `{"name":%q,"created":"2018-05-01T10:00:00.000Z","value":%v}`, names[i%len(names)], base+float64(i))
	}
	fmt.Fprint(w, `]}`)
}

func writeTestModel(t *testing.T, dir string) string {
	t.Helper()
	x := [][]float64{{10, 35, 6}, {12, 33, 7}, {14, 31, 8}, {35, 12, 17}, {33, 14, 16}, {31, 16, 18}}
	y := []int{0, 0, 0, 1, 1, 1}
	forest, err := ml.TrainRandomForest(x, y, pipeline.FeatureNames(), pipeline.ClassNames(), ml.ForestOptions{Trees: 5, MaxDepth: 3, Seed: 1})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	path := filepath.Join(dir, "model.json")
	if err := ml.SaveModel(forest, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	return path
}

type service struct {
	up     *upstream
	snap   *pipeline.Snapshot
	server *httptest.Server
}

func newService(t *testing.T, mode string, withModel bool) *service {
	t.Helper()
	up := &upstream{}
	m2x := httptest.NewServer(up)
	t.Cleanup(m2x.Close)

	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.json")
	if withModel {
		modelPath = writeTestModel(t, dir)
	}

	devices := make([]telemetry.Device, testDevices)
	for i := range devices {
		devices[i] = telemetry.Device{
			Name:     fmt.Sprintf("sgMyDD%d", i+1),
			Endpoint: fmt.Sprintf("%s/%d", m2x.URL, i+1),
			Key:      fmt.Sprintf("k%d", i+1),
		}
	}
	fetcher := telemetry.NewFetcher(devices, telemetry.Options{Timeout: 100 * time.Millisecond}, nil)
	models := ml.NewModelHolder(modelPath, 16, nil)
	p := pipeline.New(fetcher, models, nil)

	svc := &service{up: up}
	cfg := ServerConfig{Mode: mode, Models: models, Runner: p}
	if mode == config.ModeCached {
		svc.snap = &pipeline.Snapshot{}
		svc.snap.Warm(context.Background(), p)
		cfg.Snapshot = svc.snap
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	svc.server = httptest.NewServer(srv.Handler())
	t.Cleanup(svc.server.Close)
	return svc
}

func get(t *testing.T, url string) (int, []byte, http.Header) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, body, resp.Header
}

func decodeError(t *testing.T, body []byte) errorBody {
	t.Helper()
	var e errorBody
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("error body is not JSON: %s", body)
	}
	return e
}

func TestHealthHandler(t *testing.T) {
	svc := newService(t, config.ModeOnDemand, true)

	status, body, header := get(t, svc.server.URL+"/api/health")
	if status != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	var health healthBody
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Mode != config.ModeOnDemand {
		t.Errorf("unexpected health body: %s", body)
	}
	if header.Get(RequestIDHeader) == "" {
		t.Error("expected a request id header")
	}
	if header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestOutputOnDemand(t *testing.T) {
	svc := newService(t, config.ModeOnDemand, true)

	status, body, header := get(t, svc.server.URL+OutputPath)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	if ct := header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var rows []pipeline.EnrichedRow
	if err := json.Unmarshal(body, &rows); err != nil {
		t.Fatalf("body is not a JSON array: %v", err)
	}
	if len(rows) != testDevices {
		t.Fatalf("expected %d rows, got %+v", testDevices, rows)
	}
	for i, row := range rows {
		if want := fmt.Sprintf("sgMyDD%d", i+1); row.Device != want {
			t.Fatalf("row %d: expected device %s, got %s", i, want, row.Device)
		}
	}
	if rows[0].Carbon != 10 || rows[0].Nitrogen != 11 || rows[0].Phosphorus != 12 {
		t.Fatalf("unexpected features: %+v", rows[0])
	}
	for _, row := range rows {
		if sum := row.Chicken + row.Cabbage; sum < 1-1e-6 || sum > 1+1e-6 {
			t.Fatalf("probabilities do not sum to 1: %+v", row)
		}
	}
}

func TestOutputErrors(t *testing.T) {
	tests := []struct {
		name      string
		withModel bool
		prepare   func(*upstream)
		status    int
		kind      apierr.Kind
	}{
		{"upstream timeout", true, func(u *upstream) { u.slow.Store(true) }, http.StatusBadGateway, apierr.TelemetryUnavailable},
		{"single stream devices", true, func(u *upstream) { u.streams.Store(1) }, http.StatusBadGateway, apierr.FeatureCountMismatch},
		{"missing model", false, func(*upstream) {}, http.StatusInternalServerError, apierr.ArtifactNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newService(t, config.ModeOnDemand, tt.withModel)
			tt.prepare(svc.up)

			status, body, _ := get(t, svc.server.URL+OutputPath)
			if status != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, status, body)
			}
			if e := decodeError(t, body); e.Kind != string(tt.kind) || e.Message == "" {
				t.Fatalf("unexpected error body: %+v", e)
			}
		})
	}
}

func TestOutputCachedSurvivesUpstreamOutage(t *testing.T) {
	svc := newService(t, config.ModeCached, true)
	if got := svc.up.calls.Load(); got != testDevices {
		t.Fatalf("expected %d upstream calls at startup, got %d", testDevices, got)
	}
	startup, err := svc.snap.Get()
	if err != nil {
		t.Fatalf("startup run failed: %v", err)
	}
	svc.up.slow.Store(true)

	const workers = 8
	bodies := make([][]byte, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Get(svc.server.URL + OutputPath)
			if err != nil {
				t.Errorf("GET: %v", err)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("expected 200, got %d", resp.StatusCode)
			}
			bodies[i], _ = io.ReadAll(resp.Body)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if string(bodies[i]) != string(startup.Body) {
			t.Fatalf("body %d differs from the startup run:\n%s\n%s", i, startup.Body, bodies[i])
		}
	}
	if got := svc.up.calls.Load(); got != testDevices {
		t.Fatalf("cached requests reached upstream: %d calls", got)
	}
}

func TestOutputCachedStartupFailure(t *testing.T) {
	svc := newService(t, config.ModeCached, false)

	for i := 0; i < 2; i++ {
		status, body, _ := get(t, svc.server.URL+OutputPath)
		if status != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", status)
		}
		if e := decodeError(t, body); e.Kind != string(apierr.ArtifactNotFound) {
			t.Fatalf("unexpected kind %s", e.Kind)
		}
	}
}

func TestNewServerRejectsBadConfig(t *testing.T) {
	configs := map[string]ServerConfig{
		"unknown mode":       {Mode: "sometimes"},
		"cached no snapshot": {Mode: config.ModeCached},
		"on demand no run":   {Mode: config.ModeOnDemand},
	}
	for name, cfg := range configs {
		if _, err := NewServer(cfg); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := Chain(RecoveryMiddleware(zap.NewNop()))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, OutputPath, nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if e := decodeError(t, rr.Body.Bytes()); e.Kind != "Internal" {
		t.Fatalf("unexpected kind %s", e.Kind)
	}
}
