package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestConfig(routes map[string]*RouteConfig) *Config {
	config := &Config{
		Overlay: &OverlayConfig{
			Name:    "overlay-test",
			Version: "0.0.1",
		},
		Routes: routes,
	}
	if err := validateConfig(config); err != nil {
		panic(err)
	}
	return config
}

func newTestServer(t *testing.T, routes map[string]*RouteConfig) *overlayServer {
	t.Helper()
	config := newTestConfig(routes)
	server := newOverlayServer(config, NewEndpointRegistry())
	if err := server.registerRoutes(); err != nil {
		t.Fatalf("register routes: %v", err)
	}
	return server
}

func overlayRoutesForTest(t *testing.T) map[string]*RouteConfig {
	t.Helper()
	catalogPath := writeCatalogFile(t, t.TempDir(), sampleCatalogPayload())
	return map[string]*RouteConfig{
		"odata": {Prefix: "odata", Catalog: catalogPath},
		"apiV1": {Prefix: "api/v1"},
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v\n%s", err, rec.Body.String())
	}
	return out
}

func TestHandleOverlayInfo(t *testing.T) {
	server := newTestServer(t, overlayRoutesForTest(t))

	rec := httptest.NewRecorder()
	server.handleOverlay(rec, httptest.NewRequest(http.MethodGet, "/odata/mcp", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("mcp-session-id") == "" {
		t.Fatalf("expected a session id header")
	}
	doc := decodeBody(t, rec)
	links, _ := doc["links"].(map[string]any)
	if links["self"] != "/odata/mcp" {
		t.Fatalf("expected self link, got %v", links["self"])
	}
	if links["commands"] != "/odata/mcp/commands" {
		t.Fatalf("expected commands link, got %v", links["commands"])
	}
	if links["metadata"] != "/odata/$metadata" {
		t.Fatalf("expected $metadata link, got %v", links["metadata"])
	}
	options, _ := doc["reservedOptions"].([]any)
	if len(options) == 0 || options[0] != "$select" {
		t.Fatalf("expected $-prefixed reserved options, got %v", options)
	}
}

func TestHandleOverlayInfoOmitsReservedMarkers(t *testing.T) {
	server := newTestServer(t, overlayRoutesForTest(t))
	server.config.Overlay.OmitReservedMarkers = true

	rec := httptest.NewRecorder()
	server.handleOverlay(rec, httptest.NewRequest(http.MethodGet, "/odata/mcp", nil))

	doc := decodeBody(t, rec)
	links, _ := doc["links"].(map[string]any)
	if links["metadata"] != "/odata/metadata" {
		t.Fatalf("expected unmarked metadata link, got %v", links["metadata"])
	}
	options, _ := doc["reservedOptions"].([]any)
	if len(options) == 0 || options[0] != "select" {
		t.Fatalf("expected unmarked reserved options, got %v", options)
	}
}

func TestHandleOverlayListCommands(t *testing.T) {
	server := newTestServer(t, overlayRoutesForTest(t))

	rec := httptest.NewRecorder()
	server.handleOverlay(rec, httptest.NewRequest(http.MethodGet, "/odata/mcp/commands", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	doc := decodeBody(t, rec)
	if doc["route"] != "odata" {
		t.Fatalf("expected route odata, got %v", doc["route"])
	}
	commands, _ := doc["commands"].([]any)
	if len(commands) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(commands))
	}
}

func TestHandleOverlayCommandDetail(t *testing.T) {
	server := newTestServer(t, overlayRoutesForTest(t))

	rec := httptest.NewRecorder()
	server.handleOverlay(rec, httptest.NewRequest(http.MethodGet, "/odata/mcp/commands/getCustomer", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	doc := decodeBody(t, rec)
	if doc["name"] != "getCustomer" {
		t.Fatalf("expected getCustomer descriptor, got %v", doc["name"])
	}

	rec = httptest.NewRecorder()
	server.handleOverlay(rec, httptest.NewRequest(http.MethodGet, "/odata/mcp/commands/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown command, got %d", rec.Code)
	}
}

func TestHandleOverlayExecute(t *testing.T) {
	server := newTestServer(t, overlayRoutesForTest(t))
	server.invoke = func(_ context.Context, route *overlayRoute, command string, _ json.RawMessage) (map[string]any, error) {
		return map[string]any{"route": route.name, "command": command}, nil
	}

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"getCustomer","arguments":{"id":"42"}}}`
	rec := httptest.NewRecorder()
	server.handleOverlay(rec, httptest.NewRequest(http.MethodPost, "/odata/mcp/commands/execute", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	doc := decodeBody(t, rec)
	result, _ := doc["result"].(map[string]any)
	if result["command"] != "getCustomer" || result["route"] != "odata" {
		t.Fatalf("expected invoker result, got %v", doc)
	}
}

func TestHandleOverlayExecuteUnknownCommand(t *testing.T) {
	server := newTestServer(t, overlayRoutesForTest(t))

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope"}}`
	rec := httptest.NewRecorder()
	server.handleOverlay(rec, httptest.NewRequest(http.MethodPost, "/odata/mcp/commands/execute", strings.NewReader(body)))

	doc := decodeBody(t, rec)
	rpcErr, _ := doc["error"].(map[string]any)
	if rpcErr == nil || rpcErr["code"].(float64) != -32601 {
		t.Fatalf("expected -32601 for unknown command, got %v", doc)
	}
}

func TestHandleOverlayExecuteWithoutInvoker(t *testing.T) {
	server := newTestServer(t, overlayRoutesForTest(t))

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"getCustomer"}}`
	rec := httptest.NewRecorder()
	server.handleOverlay(rec, httptest.NewRequest(http.MethodPost, "/odata/mcp/commands/execute", strings.NewReader(body)))

	doc := decodeBody(t, rec)
	rpcErr, _ := doc["error"].(map[string]any)
	if rpcErr == nil {
		t.Fatalf("expected an error without a configured invoker, got %v", doc)
	}
}

func TestHandleOverlayExecuteNotification(t *testing.T) {
	server := newTestServer(t, overlayRoutesForTest(t))

	body := `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	rec := httptest.NewRecorder()
	server.handleOverlay(rec, httptest.NewRequest(http.MethodPost, "/odata/mcp/commands/execute", strings.NewReader(body)))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for a notification, got %d", rec.Code)
	}
}

func TestHandleOverlayExecuteRejectsBatch(t *testing.T) {
	server := newTestServer(t, overlayRoutesForTest(t))

	body := `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`
	rec := httptest.NewRecorder()
	server.handleOverlay(rec, httptest.NewRequest(http.MethodPost, "/odata/mcp/commands/execute", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with per-request errors, got %d", rec.Code)
	}
	var out []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || len(out) != 1 {
		t.Fatalf("expected one batch error entry: %v %s", err, rec.Body.String())
	}
}

func TestHandleOverlayMethodNotAllowed(t *testing.T) {
	server := newTestServer(t, overlayRoutesForTest(t))

	rec := httptest.NewRecorder()
	server.handleOverlay(rec, httptest.NewRequest(http.MethodGet, "/odata/mcp/commands/execute", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET execute, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.handleOverlay(rec, httptest.NewRequest(http.MethodDelete, "/odata/mcp", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for DELETE info, got %d", rec.Code)
	}
}

func TestHandleOverlayFallthrough(t *testing.T) {
	server := newTestServer(t, overlayRoutesForTest(t))

	for _, path := range []string{"/health", "/odata/mcpx", "/unrelated/mcp"} {
		rec := httptest.NewRecorder()
		server.handleOverlay(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", path, rec.Code)
		}
	}
}

func TestHandleOverlayDiscoveredRoute(t *testing.T) {
	server := newTestServer(t, overlayRoutesForTest(t))

	// the sample catalog declares a discovered sibling at legacy/v1
	rec := httptest.NewRecorder()
	server.handleOverlay(rec, httptest.NewRequest(http.MethodGet, "/legacy/v1/mcp", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected discovered route to resolve, got %d", rec.Code)
	}
	doc := decodeBody(t, rec)
	route, _ := doc["route"].(map[string]any)
	if route["name"] != "legacy" || route["explicit"] != false {
		t.Fatalf("expected automatic legacy route, got %v", route)
	}
}

func TestHandleOverlayAuth(t *testing.T) {
	routes := overlayRoutesForTest(t)
	routes["odata"].Options.AuthTokens = []string{"secret"}
	server := newTestServer(t, routes)

	rec := httptest.NewRecorder()
	server.handleOverlay(rec, httptest.NewRequest(http.MethodGet, "/odata/mcp", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/odata/mcp", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	server.handleOverlay(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d", rec.Code)
	}

	// the sibling route stays open
	rec = httptest.NewRecorder()
	server.handleOverlay(rec, httptest.NewRequest(http.MethodGet, "/api/v1/mcp", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected open route to stay open, got %d", rec.Code)
	}
}

func TestHandleManifest(t *testing.T) {
	server := newTestServer(t, overlayRoutesForTest(t))

	rec := httptest.NewRecorder()
	server.handleManifest(rec, httptest.NewRequest(http.MethodGet, "/.well-known/mcp/manifest.json", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	doc := decodeBody(t, rec)
	if doc["name"] != "overlay-test" {
		t.Fatalf("expected overlay name, got %v", doc["name"])
	}
	endpoints, _ := doc["endpoints"].([]any)
	if len(endpoints) != 3 {
		t.Fatalf("expected 3 endpoints (2 explicit + 1 discovered), got %d", len(endpoints))
	}
	commands, _ := doc["commands"].([]any)
	if len(commands) != 2 {
		t.Fatalf("expected aggregated commands in manifest, got %d", len(commands))
	}
}
