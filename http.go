package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ===== infra helpers =====

type MiddlewareFunc func(http.Handler) http.Handler

func chainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

func loggerMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("<%s> %s %s", prefix, r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

func recoverMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Printf("<%s> panic: %v", prefix, err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type readinessSnapshot struct {
	ReadyAt    time.Time
	RouteCount int
}

// ===== JSON-RPC helpers =====

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

func rpcError(id any, code int, msg string) jsonrpcResponse {
	return jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg},
	}
}

func rpcOK(id any, result any) jsonrpcResponse {
	return jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

func handleNotification(w http.ResponseWriter, req *jsonrpcRequest) bool {
	if req == nil || req.ID != nil {
		return false
	}
	w.WriteHeader(http.StatusNoContent)
	return true
}

// ===== overlay server =====

// overlayRoute pairs a registered route with its loaded command catalog and
// per-route options.
type overlayRoute struct {
	name    string
	config  *RouteConfig
	catalog *commandCatalog
}

// commandInvoker executes one command against whatever backs the route. The
// default server carries none: the overlay surface describes and addresses
// commands but leaves execution to an embedding process that plugs one in.
type commandInvoker func(ctx context.Context, route *overlayRoute, command string, args json.RawMessage) (map[string]any, error)

type overlayServer struct {
	config   *Config
	registry *EndpointRegistry
	invoke   commandInvoker

	routesMu sync.RWMutex
	routes   map[string]*overlayRoute // folded route name

	ready atomic.Pointer[readinessSnapshot]
	debug bool
}

func newOverlayServer(config *Config, registry *EndpointRegistry) *overlayServer {
	return &overlayServer{
		config:   config,
		registry: registry,
		routes:   make(map[string]*overlayRoute),
		debug:    envEnabled("OVERLAY_DEBUG"),
	}
}

func (s *overlayServer) addRoute(route *overlayRoute) {
	s.routesMu.Lock()
	s.routes[strings.ToLower(route.name)] = route
	s.routesMu.Unlock()
}

func (s *overlayServer) route(name string) *overlayRoute {
	s.routesMu.RLock()
	route := s.routes[strings.ToLower(name)]
	s.routesMu.RUnlock()
	return route
}

func (s *overlayServer) catalogsByRoute() map[string]*commandCatalog {
	s.routesMu.RLock()
	out := make(map[string]*commandCatalog, len(s.routes))
	for name, route := range s.routes {
		out[name] = route.catalog
	}
	s.routesMu.RUnlock()
	return out
}

// handleOverlay is the single entry point for every request: the registry
// decides whether the path is an overlay path at all and which route and
// command it addresses. Anything else falls through to a plain 404.
func (s *overlayServer) handleOverlay(w http.ResponseWriter, r *http.Request) {
	entry, cmd, ok := s.registry.TryGetEndpoint(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if s.debug {
		log.Printf("<overlay> matched %s -> route=%s command=%s", r.URL.Path, entry.RouteName, cmd.Kind)
	}

	route := s.route(entry.RouteName)
	if route == nil {
		// automatic registration without a loaded catalog
		route = &overlayRoute{name: entry.RouteName}
	}
	if route.config != nil && route.config.Options.LogEnabled.OrElse(false) {
		log.Printf("<%s> %s %s", route.name, r.Method, r.URL.Path)
	}
	if !s.authorized(route, r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	switch cmd.Kind {
	case CommandInfo:
		s.handleInfo(w, r, entry, route)
	case CommandList:
		s.handleList(w, r, route)
	case CommandDetail:
		s.handleDetail(w, r, route, cmd.Name)
	case CommandExecute:
		s.handleExecute(w, r, route)
	default:
		http.NotFound(w, r)
	}
}

// authorized checks the route's bearer tokens; routes without tokens are open.
func (s *overlayServer) authorized(route *overlayRoute, r *http.Request) bool {
	if route.config == nil || len(route.config.Options.AuthTokens) == 0 {
		return true
	}
	token := r.Header.Get("Authorization")
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return false
	}
	for _, allowed := range route.config.Options.AuthTokens {
		if token == allowed {
			return true
		}
	}
	return false
}

func (s *overlayServer) handleInfo(w http.ResponseWriter, r *http.Request, entry RouteEntry, route *overlayRoute) {
	switch r.Method {
	case http.MethodHead:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("mcp-session-id", uuid.New().String())
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("mcp-session-id", uuid.New().String())
		_ = json.NewEncoder(w).Encode(s.buildInfoDocument(entry, route))
	case http.MethodOptions:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (s *overlayServer) buildInfoDocument(entry RouteEntry, route *overlayRoute) map[string]any {
	omit := s.config.Overlay.OmitReservedMarkers

	links := map[string]any{}
	if link, ok := s.registry.GetMcpUrl(entry.RouteName, Command{Kind: CommandInfo}); ok {
		links["self"] = link
	}
	if link, ok := s.registry.GetMcpUrl(entry.RouteName, Command{Kind: CommandList}); ok {
		links["commands"] = link
	}
	if link, ok := s.registry.GetMcpUrl(entry.RouteName, Command{Kind: CommandExecute}); ok {
		links["execute"] = link
	}
	if entry.RoutePrefix != "" {
		links["metadata"] = "/" + entry.RoutePrefix + "/" + metadataPath(omit)
	} else {
		links["metadata"] = "/" + metadataPath(omit)
	}

	routes := make([]map[string]any, 0)
	for _, other := range s.registry.GetAllEndpoints() {
		record := map[string]any{
			"name":     other.RouteName,
			"prefix":   other.RoutePrefix,
			"explicit": other.IsExplicit,
		}
		if link, ok := s.registry.GetMcpUrl(other.RouteName, Command{Kind: CommandInfo}); ok {
			record["url"] = link
		}
		routes = append(routes, record)
	}

	commandCount := 0
	if route.catalog != nil {
		commandCount = len(route.catalog.Commands)
	}

	doc := map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo": map[string]any{
			"name":    s.config.Overlay.Name,
			"version": s.config.Overlay.Version,
		},
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"route": map[string]any{
			"name":     entry.RouteName,
			"prefix":   entry.RoutePrefix,
			"explicit": entry.IsExplicit,
			"commands": commandCount,
		},
		"links": links,
		"routes": routes,
		"reservedOptions": []string{
			formatReservedOption("select", omit),
			formatReservedOption("filter", omit),
			formatReservedOption("top", omit),
			formatReservedOption("skip", omit),
			formatReservedOption("orderby", omit),
			formatReservedOption("count", omit),
		},
	}
	if snapshot := s.ready.Load(); snapshot != nil {
		doc["ready"] = true
		doc["readyAt"] = snapshot.ReadyAt.Format(time.RFC3339Nano)
		doc["routeCount"] = snapshot.RouteCount
	} else {
		doc["ready"] = false
	}
	return doc
}

func (s *overlayServer) handleList(w http.ResponseWriter, r *http.Request, route *overlayRoute) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	commands := collectCommands(route.catalog)
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"route":    route.name,
		"commands": commands,
		"count":    len(commands),
	})
}

func (s *overlayServer) handleDetail(w http.ResponseWriter, r *http.Request, route *overlayRoute, name string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	tool, ok := route.catalog.findCommand(name)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "unknown command: " + name})
		log.Printf("<%s> unknown command %s", route.name, name)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(commandDescriptor(tool))
}

func (s *overlayServer) handleExecute(w http.ResponseWriter, r *http.Request, route *overlayRoute) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if len(body) == 0 {
		body = []byte(`{}`)
	}

	if body[0] == '[' {
		var batch []jsonrpcRequest
		if err := json.Unmarshal(body, &batch); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		out := make([]jsonrpcResponse, 0, len(batch))
		for _, req := range batch {
			out = append(out, rpcError(req.ID, -32601, "Batch not supported"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
		return
	}

	var req jsonrpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if handleNotification(w, &req) {
		log.Printf("<%s> notification %s", route.name, req.Method)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch req.Method {
	case "initialize":
		entry, _, _ := s.registry.TryGetEndpoint(r.URL.Path)
		_ = json.NewEncoder(w).Encode(rpcOK(req.ID, s.buildInfoDocument(entry, route)))

	case "tools/list":
		_ = json.NewEncoder(w).Encode(rpcOK(req.ID, map[string]any{"tools": collectCommands(route.catalog)}))

	case "ping":
		_ = json.NewEncoder(w).Encode(rpcOK(req.ID, map[string]any{}))

	case "tools/call":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params, &p)
		}
		if p.Name == "" {
			_ = json.NewEncoder(w).Encode(rpcError(req.ID, -32602, "Missing command name"))
			return
		}
		if _, ok := route.catalog.findCommand(p.Name); !ok {
			_ = json.NewEncoder(w).Encode(rpcError(req.ID, -32601, "Unknown command: "+p.Name))
			log.Printf("<%s> tools/call unknown command=%s", route.name, p.Name)
			return
		}
		if s.invoke == nil {
			_ = json.NewEncoder(w).Encode(rpcError(req.ID, -32601, "Command execution is not configured"))
			return
		}
		result, err := s.invoke(r.Context(), route, p.Name, p.Arguments)
		if err != nil {
			_ = json.NewEncoder(w).Encode(rpcError(req.ID, -32004, err.Error()))
			log.Printf("<%s> tools/call failed command=%s: %v", route.name, p.Name, err)
			return
		}
		_ = json.NewEncoder(w).Encode(rpcOK(req.ID, result))
		log.Printf("<%s> tools/call command=%s", route.name, p.Name)

	default:
		_ = json.NewEncoder(w).Encode(rpcError(req.ID, -32601, "Method not found"))
	}
}

// handleManifest serves the aggregate service manifest across all routes.
func (s *overlayServer) handleManifest(w http.ResponseWriter, r *http.Request) {
	endpoints := make([]map[string]any, 0)
	for _, entry := range s.registry.GetAllEndpoints() {
		record := map[string]any{
			"name":   entry.RouteName,
			"prefix": entry.RoutePrefix,
		}
		if link, ok := s.registry.GetMcpUrl(entry.RouteName, Command{Kind: CommandInfo}); ok {
			record["url"] = link
		}
		if link, ok := s.registry.GetMcpUrl(entry.RouteName, Command{Kind: CommandExecute}); ok {
			record["execute"] = link
		}
		endpoints = append(endpoints, record)
	}
	doc := map[string]any{
		"name":      s.config.Overlay.Name,
		"version":   s.config.Overlay.Version,
		"endpoints": endpoints,
		"commands":  collectAllCommands(s.catalogsByRoute()),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

// ===== startup =====

// registerRoutes runs the startup burst: every configured route loads its
// catalog and registers concurrently, catalog-discovered siblings register as
// automatic entries.
func (s *overlayServer) registerRoutes() error {
	var eg errgroup.Group
	for name, routeConfig := range s.config.Routes {
		nameCopy := name
		configCopy := routeConfig
		eg.Go(func() error {
			route := &overlayRoute{name: nameCopy, config: configCopy}
			if configCopy.Catalog != "" {
				catalog, err := loadCommandCatalog(resolveCatalogPath(configCopy.Catalog))
				if err != nil {
					log.Printf("<%s> failed to load catalog: %v", nameCopy, err)
					if configCopy.Options.PanicIfInvalid.OrElse(false) {
						return fmt.Errorf("route %s: %w", nameCopy, err)
					}
				} else {
					route.catalog = catalog
				}
			}
			if _, err := s.registry.Register(RouteEntry{
				RouteName:   nameCopy,
				RoutePrefix: configCopy.Prefix,
				IsExplicit:  true,
			}); err != nil {
				return fmt.Errorf("route %s: %w", nameCopy, err)
			}
			s.addRoute(route)
			log.Printf("<%s> Registered at prefix %q", nameCopy, configCopy.Prefix)

			if route.catalog != nil {
				for _, discovered := range route.catalog.Discovered {
					accepted, err := s.registry.Register(RouteEntry{
						RouteName:   discovered.Name,
						RoutePrefix: discovered.Prefix,
					})
					if err != nil {
						log.Printf("<%s> discovered route rejected: %v", nameCopy, err)
						continue
					}
					if accepted {
						log.Printf("<%s> Discovered route %s at prefix %q", nameCopy, discovered.Name, discovered.Prefix)
					}
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

func (s *overlayServer) writeLiveSnapshot() {
	base, err := snapshotBasePath()
	if err != nil {
		log.Printf("<overlay> snapshot path: %v", err)
		return
	}
	snapshot := buildRouteSnapshot(s.config, s.registry, s.catalogsByRoute(), time.Now().UTC())
	history := envInt("OVERLAY_SNAPSHOT_HISTORY", 3)
	home := stateHome()
	if !strings.HasPrefix(base, home) {
		home = configHome()
	}
	if path, err := writeSnapshotWithHistory(home, base, snapshot, history, time.Now().UTC()); err != nil {
		log.Printf("<overlay> failed to write snapshot: %v", err)
	} else {
		log.Printf("<overlay> wrote route snapshot to %s", path)
	}
}

func startHTTPServer(config *Config) error {
	if config.Overlay.BaseURL != "" {
		if _, err := url.Parse(config.Overlay.BaseURL); err != nil {
			return err
		}
	}

	registry := NewEndpointRegistry()
	server := newOverlayServer(config, registry)

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/.well-known/mcp/manifest.json", server.handleManifest)
	httpMux.Handle("/", chainMiddleware(
		http.HandlerFunc(server.handleOverlay),
		recoverMiddleware("overlay"),
		loggerMiddleware("overlay"),
	))

	go func() {
		if err := server.registerRoutes(); err != nil {
			log.Fatalf("Failed to register routes: %v", err)
		}
		snapshot := &readinessSnapshot{
			ReadyAt:    time.Now().UTC(),
			RouteCount: len(registry.GetAllEndpoints()),
		}
		server.ready.Store(snapshot)
		log.Printf("<overlay> Ready: routes=%d readyAt=%s", snapshot.RouteCount, snapshot.ReadyAt.Format(time.RFC3339Nano))
		server.writeLiveSnapshot()
	}()

	httpServer := &http.Server{
		Addr:    config.Overlay.Addr,
		Handler: httpMux,
	}

	go func() {
		log.Printf("Overlay server listening on %s", config.Overlay.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("ListenAndServe: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
