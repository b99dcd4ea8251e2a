package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/kalambet/twinsync/internal/apply"
	"github.com/kalambet/twinsync/internal/capture"
	"github.com/kalambet/twinsync/internal/catalog"
	"github.com/kalambet/twinsync/internal/entity"
	"github.com/kalambet/twinsync/internal/media"
	"github.com/kalambet/twinsync/internal/replication"
	"github.com/kalambet/twinsync/internal/settings"
	"github.com/kalambet/twinsync/internal/storage"
)

const testSecret = "test-secret-12345"

type testNode struct {
	deps    Deps
	gateway *capture.Gateway
	fs      afero.Fs
}

func newTestNode(t *testing.T, nodeID, peerID string) *testNode {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := entity.NewRegistry()
	if err := catalog.Register(registry); err != nil {
		t.Fatalf("catalog.Register failed: %v", err)
	}
	if err := settings.Register(registry); err != nil {
		t.Fatalf("settings.Register failed: %v", err)
	}
	gateway := capture.NewGateway(store, registry, capture.NewCapturer(nodeID, nil), nil)
	ingester, err := replication.NewIngester(store, apply.NewEngine(store, gateway, nil), nodeID, nil)
	if err != nil {
		t.Fatalf("NewIngester failed: %v", err)
	}
	mgr, err := settings.NewManager(store, gateway, settings.Settings{Enabled: true}, nil)
	if err != nil {
		t.Fatalf("settings.NewManager failed: %v", err)
	}
	fs := afero.NewMemMapFs()
	rec := media.NewReconciler(fs, store, media.Options{Root: "/media", NodeID: nodeID})

	return &testNode{
		deps: Deps{
			Store:     store,
			Ingester:  ingester,
			Settings:  mgr,
			Media:     rec,
			Auth:      NewAuthenticator(testSecret),
			Bootstrap: gateway.Bootstrap,
			NodeID:    nodeID,
			PeerID:    peerID,
		},
		gateway: gateway,
		fs:      fs,
	}
}

func (n *testNode) handler() http.Handler {
	return NewHandler(n.deps)
}

func (n *testNode) saveHoliday(t *testing.T, rec entity.Record) {
	t.Helper()
	if _, err := n.gateway.Save(context.Background(), catalog.HolidayLabel, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(out); err != nil {
		t.Fatalf("decoding response: %v; body = %s", err, rr.Body.String())
	}
}
