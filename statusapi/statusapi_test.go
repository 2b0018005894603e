package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/domscout/driver"
	"github.com/hazyhaar/domscout/monitor"
	"github.com/hazyhaar/domscout/selector"
	"github.com/hazyhaar/domscout/session"
	"github.com/hazyhaar/domscout/snapshot"
)

type fakeBrowser struct {
	tabs int
}

func (b *fakeBrowser) OpenTab(ctx context.Context) (driver.Driver, error) {
	b.tabs++
	return driver.NewFake(), nil
}

func (b *fakeBrowser) CloseTab(ctx context.Context, drv driver.Driver) error { return nil }
func (b *fakeBrowser) Close(ctx context.Context) error                       { return nil }
func (b *fakeBrowser) Handles() []io.Closer                                  { return nil }

func newTestManager(t *testing.T) *session.Manager {
	t.Helper()
	m := session.NewManager(session.Config{
		Factory: func(ctx context.Context, cfg session.SessionConfig, deps session.BrowserDeps) (session.Browser, error) {
			return &fakeBrowser{}, nil
		},
	}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(cfg).Router())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, Config{})
	var body map[string]string
	if code := getJSON(t, srv.URL+"/healthz", &body); code != http.StatusOK {
		t.Fatalf("healthz status = %d", code)
	}
	if body["status"] != "ok" {
		t.Fatalf("healthz body = %v", body)
	}
}

func TestListSessions(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := mgr.Create(ctx, session.SessionConfig{}); err != nil {
			t.Fatalf("create session: %v", err)
		}
	}
	srv := newTestServer(t, Config{Sessions: mgr})

	var infos []session.Info
	if code := getJSON(t, srv.URL+"/api/sessions", &infos); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if len(infos) != 2 {
		t.Fatalf("listed %d sessions, want 2", len(infos))
	}

	var active []session.Info
	getJSON(t, srv.URL+"/api/sessions?state=active", &active)
	if len(active) != 2 {
		t.Fatalf("active filter returned %d, want 2", len(active))
	}
	var closed []session.Info
	getJSON(t, srv.URL+"/api/sessions?state=terminated", &closed)
	if len(closed) != 0 {
		t.Fatalf("terminated filter returned %d, want 0", len(closed))
	}
}

func TestSessionDetail(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	s, err := mgr.Create(ctx, session.SessionConfig{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	tc, err := mgr.OpenContext(ctx, s.ID())
	if err != nil {
		t.Fatalf("open context: %v", err)
	}
	srv := newTestServer(t, Config{Sessions: mgr})

	var detail struct {
		ID          string `json:"id"`
		ContextList []struct {
			ID string `json:"id"`
		} `json:"context_list"`
	}
	if code := getJSON(t, srv.URL+"/api/sessions/"+s.ID(), &detail); code != http.StatusOK {
		t.Fatalf("detail status = %d", code)
	}
	if detail.ID != s.ID() {
		t.Fatalf("detail id = %s, want %s", detail.ID, s.ID())
	}
	if len(detail.ContextList) != 1 || detail.ContextList[0].ID != tc.ContextID() {
		t.Fatalf("detail contexts = %+v, want %s", detail.ContextList, tc.ContextID())
	}

	if code := getJSON(t, srv.URL+"/api/sessions/no-such-id", nil); code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", code)
	}
}

func TestSelectorStatsEndpoint(t *testing.T) {
	stats := selector.NewStats()
	stats.Success("home.search", "css", 0.92, 12*time.Millisecond)
	stats.Failure("home.search", 40*time.Millisecond)
	srv := newTestServer(t, Config{Stats: stats})

	var report []selector.NameStats
	if code := getJSON(t, srv.URL+"/api/selectors/stats", &report); code != http.StatusOK {
		t.Fatalf("stats status = %d", code)
	}
	if len(report) != 1 || report[0].Name != "home.search" {
		t.Fatalf("report = %+v", report)
	}
	if report[0].Resolutions != 1 || report[0].Failures != 1 {
		t.Fatalf("counters = %+v", report[0])
	}
}

type fakeVerifier struct {
	report snapshot.Report
	err    error
}

func (v *fakeVerifier) Verify(ctx context.Context, manifestPath string) (snapshot.Report, error) {
	return v.report, v.err
}

func postVerify(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url+"/api/snapshots/verify", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST verify: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestVerifyEndpoint(t *testing.T) {
	v := &fakeVerifier{report: snapshot.Report{
		SnapshotID:      "detail_0a1b2c3d_20260824_120000",
		ManifestPresent: true,
		SchemaOK:        true,
		HTMLPresent:     true,
		ChecksumOK:      true,
	}}
	srv := newTestServer(t, Config{Snapshots: v})

	resp, data := postVerify(t, srv.URL, `{"manifest_path": "/snapshots/x.json"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d, body %s", resp.StatusCode, data)
	}
	var rep snapshot.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !rep.OK() {
		t.Fatalf("report = %+v, want OK", rep)
	}

	resp, _ = postVerify(t, srv.URL, `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing path status = %d, want 400", resp.StatusCode)
	}

	v.err = fmt.Errorf("/snapshots/gone.json: %w", snapshot.ErrManifestMissing)
	resp, _ = postVerify(t, srv.URL, `{"manifest_path": "/snapshots/gone.json"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing manifest status = %d, want 404", resp.StatusCode)
	}
}

type fakeMetrics struct{ samples []monitor.Metrics }

func (f *fakeMetrics) Latest() []monitor.Metrics { return f.samples }

func TestMetricsEndpoint(t *testing.T) {
	src := &fakeMetrics{samples: []monitor.Metrics{{SessionID: "s1", MemoryMB: 512}}}
	srv := newTestServer(t, Config{Metrics: src})

	var out []monitor.Metrics
	if code := getJSON(t, srv.URL+"/api/metrics", &out); code != http.StatusOK {
		t.Fatalf("metrics status = %d", code)
	}
	if len(out) != 1 || out[0].SessionID != "s1" {
		t.Fatalf("metrics = %+v", out)
	}
}

func TestDisabledEndpointsReturn503(t *testing.T) {
	srv := newTestServer(t, Config{})
	for _, path := range []string{"/api/sessions", "/api/selectors/stats", "/api/metrics"} {
		if code := getJSON(t, srv.URL+path, nil); code != http.StatusServiceUnavailable {
			t.Fatalf("%s status = %d, want 503", path, code)
		}
	}
}
