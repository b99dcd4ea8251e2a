package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/twinsync/internal/api"
	"github.com/kalambet/twinsync/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) last(t *testing.T) recordedRequest {
	t.Helper()
	if len(ts.requests) == 0 {
		t.Fatal("no requests recorded")
	}
	return ts.requests[len(ts.requests)-1]
}

var ctx = context.Background()

func TestStateCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /sync/state": `{"nodeId":"node-a","lastSeq":12,"pendingConflicts":1,"syncEnabled":true,"desktopMode":"local-primary","vaultEpoch":3,"remoteCursor":{"lastPulledSeq":4,"lastPushedSeq":12,"lastPulledAt":null,"lastPushedAt":"2026-01-02T03:04:05Z","lastMediaAt":null,"lastError":"","updatedAt":null}}`,
	})

	var out bytes.Buffer
	if err := runState(ctx, ts.client(), &out, true); err != nil {
		t.Fatalf("runState: %v", err)
	}

	req := ts.last(t)
	if req.Method != "GET" || req.Path != "/sync/state" {
		t.Errorf("request = %s %s", req.Method, req.Path)
	}
	if req.Auth != "Bearer test-token" {
		t.Errorf("Authorization = %q", req.Auth)
	}

	var got map[string]any
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if got["nodeId"] != "node-a" || got["vaultEpoch"] != float64(3) {
		t.Errorf("state output = %v", got)
	}

	if err := runState(ctx, ts.client(), &out, false); err != nil {
		t.Fatalf("runState text: %v", err)
	}
}

func TestPushAndPullCommands(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /admin/push": `{"disabled":false,"sent":3,"response":{"accepted":2,"skipped":1,"conflicts":0,"lastSeq":3},"lastSeq":3}`,
		"POST /admin/pull": `{"received":2,"result":{"accepted":1,"skipped":0,"conflicts":1,"maxSeq":9},"lastSeq":9}`,
	})

	if err := runPush(ctx, ts.client()); err != nil {
		t.Fatalf("runPush: %v", err)
	}
	if req := ts.last(t); req.Method != "POST" || req.Path != "/admin/push" {
		t.Errorf("push request = %s %s", req.Method, req.Path)
	}
	if err := runPull(ctx, ts.client()); err != nil {
		t.Fatalf("runPull: %v", err)
	}
	if req := ts.last(t); req.Path != "/admin/pull" {
		t.Errorf("pull path = %s", req.Path)
	}
}

func TestPushCommandServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":{"message":"push failed: peer unreachable","type":"api_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}
	err := runPush(ctx, client)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "peer unreachable") {
		t.Errorf("error = %v", err)
	}
}

func TestConflictsListCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /admin/conflicts": `[{"id":"c-1","model_label":"core.holiday","object_pk":"7","incoming_change":{},"existing_snapshot":{},"chosen_source":"local","reason":"incoming change is older than local record","status":"pending","created_at":"2026-01-02T03:04:05Z"}]`,
	})

	var out bytes.Buffer
	if err := runConflictsList(ctx, ts.client(), &out, "all", 5); err != nil {
		t.Fatalf("runConflictsList: %v", err)
	}

	u, err := url.Parse(ts.last(t).Path)
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("status") != "all" || u.Query().Get("limit") != "5" {
		t.Errorf("query = %s", u.RawQuery)
	}
	if !strings.Contains(out.String(), "c-1") || !strings.Contains(out.String(), "core.holiday") {
		t.Errorf("table missing row:\n%s", out.String())
	}
}

func TestConflictsListEmpty(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /admin/conflicts": `[]`,
	})

	var out bytes.Buffer
	if err := runConflictsList(ctx, ts.client(), &out, "pending", 20); err != nil {
		t.Fatalf("runConflictsList: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no table, got:\n%s", out.String())
	}
}

func TestConflictResolveCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /admin/conflicts/c-1/resolve": `{"id":"c-1","status":"dismissed","model_label":"core.holiday","object_pk":"7","created_at":"2026-01-02T03:04:05Z"}`,
	})

	if err := runConflictResolve(ctx, ts.client(), "c-1", true, "kept local"); err != nil {
		t.Fatalf("runConflictResolve: %v", err)
	}

	var body api.ResolveRequest
	if err := json.Unmarshal([]byte(ts.last(t).Body), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Status != "dismissed" || body.Note != "kept local" {
		t.Errorf("body = %+v", body)
	}
}

func TestConflictResolveNotFound(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	err := runConflictResolve(ctx, ts.client(), "missing", false, "")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want 404", err)
	}
}

func TestMediaCommands(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /admin/media/refresh": `{"scanned":4,"updated":1}`,
		"GET /sync/media/manifest":  `{"items":[{"path":"photos/a.jpg","checksum":"0123456789abcdef","size":2048,"modified_at":"2026-01-02T03:04:05Z","encrypted":false,"storage_backend":"local","source_node":"node-a","updated_at":"2026-01-02T03:04:06Z"}],"count":1,"refreshed":false}`,
	})

	if err := runMediaRefresh(ctx, ts.client()); err != nil {
		t.Fatalf("runMediaRefresh: %v", err)
	}

	var out bytes.Buffer
	if err := runMediaManifest(ctx, ts.client(), &out, 10); err != nil {
		t.Fatalf("runMediaManifest: %v", err)
	}
	u, _ := url.Parse(ts.last(t).Path)
	if u.Query().Get("refresh") != "false" {
		t.Errorf("manifest listing must not trigger a rescan, query = %s", u.RawQuery)
	}
	if !strings.Contains(out.String(), "photos/a.jpg") || !strings.Contains(out.String(), "2.0 kB") {
		t.Errorf("table:\n%s", out.String())
	}
	if strings.Contains(out.String(), "0123456789abcdef") {
		t.Errorf("checksum should be shortened:\n%s", out.String())
	}
}

func TestBootstrapAndEpochCommands(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /admin/bootstrap": `{"entries":5}`,
		"POST /admin/epoch":     `{"settings":{"enabled":true,"desktop_mode":"local-primary","vault_epoch":2,"updated_at":"2026-01-02T03:04:05Z"},"bootstrapped":6}`,
	})

	if err := runBootstrap(ctx, ts.client(), true); err != nil {
		t.Fatalf("runBootstrap: %v", err)
	}
	var body api.BootstrapRequest
	if err := json.Unmarshal([]byte(ts.last(t).Body), &body); err != nil || !body.Force {
		t.Errorf("bootstrap body = %q (err %v)", ts.last(t).Body, err)
	}

	if err := runEpochBump(ctx, ts.client()); err != nil {
		t.Fatalf("runEpochBump: %v", err)
	}
}

func TestSettingsPatchCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PATCH /admin/settings": `{"enabled":false,"desktop_mode":"remote-primary","vault_epoch":0,"updated_at":"2026-01-02T03:04:05Z"}`,
		"GET /admin/settings":   `{"enabled":true,"desktop_mode":"local-primary","vault_epoch":0,"updated_at":"0001-01-01T00:00:00Z"}`,
	})

	mode := "remote-primary"
	if err := runSettingsPatch(ctx, ts.client(), api.SettingsPatch{DesktopMode: &mode}); err != nil {
		t.Fatalf("runSettingsPatch: %v", err)
	}
	req := ts.last(t)
	if req.Method != "PATCH" {
		t.Errorf("method = %s", req.Method)
	}
	if strings.Contains(req.Body, `"enabled"`) && !strings.Contains(req.Body, `"enabled":null`) {
		t.Errorf("unset field sent: %s", req.Body)
	}
	if !strings.Contains(req.Body, `"desktop_mode":"remote-primary"`) {
		t.Errorf("body = %s", req.Body)
	}

	if err := runSettingsShow(ctx, ts.client()); err != nil {
		t.Fatalf("runSettingsShow: %v", err)
	}
}

func TestIssueToken(t *testing.T) {
	var out bytes.Buffer
	if err := issueToken(&out, "s3cret", "laptop", api.RoleService, time.Hour); err != nil {
		t.Fatalf("issueToken: %v", err)
	}
	token := strings.TrimSpace(out.String())

	p, err := api.NewAuthenticator("s3cret").Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Subject != "laptop" || p.Role != api.RoleService {
		t.Errorf("principal = %+v", p)
	}

	if err := issueToken(&out, "", "laptop", api.RoleService, time.Hour); err == nil {
		t.Error("expected error without a shared secret")
	}
	if err := issueToken(&out, "s3cret", "laptop", api.RoleService, 0); err == nil {
		t.Error("expected error for zero ttl")
	}
}

func TestLocalBaseURL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"127.0.0.1", "http://127.0.0.1:8765"},
		{"0.0.0.0", "http://127.0.0.1:8765"},
		{"", "http://127.0.0.1:8765"},
		{"10.0.0.5", "http://10.0.0.5:8765"},
	}
	for _, tt := range tests {
		cfg := config.Config{Server: config.ServerConfig{Host: tt.host, Port: 8765}}
		if got := localBaseURL(cfg); got != tt.want {
			t.Errorf("localBaseURL(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestColorize(t *testing.T) {
	noColor = true
	if got := colorize(colorRed, "x"); got != "x" {
		t.Errorf("colorize with noColor = %q", got)
	}
	noColor = false
	if got := colorize(colorRed, "x"); got != colorRed+"x"+colorReset {
		t.Errorf("colorize = %q", got)
	}
}

func TestAgo(t *testing.T) {
	if got := ago(nil); got != "never" {
		t.Errorf("ago(nil) = %q", got)
	}
	bad := "yesterday"
	if got := ago(&bad); got != "yesterday" {
		t.Errorf("ago(unparseable) = %q", got)
	}
	ts := time.Now().Add(-3 * time.Hour).UTC().Format(time.RFC3339Nano)
	if got := ago(&ts); !strings.Contains(got, "hours ago") {
		t.Errorf("ago = %q", got)
	}
}

func TestIsSecretKey(t *testing.T) {
	if !isSecretKey("auth.shared_secret") {
		t.Error("auth.shared_secret should be secret")
	}
	if isSecretKey("server.port") {
		t.Error("server.port should not be secret")
	}
}

func TestMediaJobTimeout(t *testing.T) {
	tests := []struct {
		timeout, interval time.Duration
		want              time.Duration
	}{
		{15 * time.Second, 5 * time.Minute, time.Minute},
		{30 * time.Second, time.Minute, time.Minute},
		{15 * time.Second, 0, time.Minute},
	}
	for _, tt := range tests {
		got := mediaJobTimeout(config.SyncConfig{Timeout: tt.timeout, MediaInterval: tt.interval})
		if got != tt.want {
			t.Errorf("mediaJobTimeout(%v, %v) = %v, want %v", tt.timeout, tt.interval, got, tt.want)
		}
	}
}
