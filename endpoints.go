package main

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// EndpointRegistry is the point of truth for registered backend routes. It is
// consulted on every inbound request, so reads go through an atomically
// swapped RouteMatcher snapshot; only Register takes the write lock.
type EndpointRegistry struct {
	mu      sync.Mutex
	entries map[string]RouteEntry // keyed by folded route name
	matcher atomic.Pointer[RouteMatcher]
}

func NewEndpointRegistry() *EndpointRegistry {
	return &EndpointRegistry{entries: make(map[string]RouteEntry)}
}

var errInvalidRouteEntry = errors.New("route entry must carry a route name")

// Register inserts or updates the entry keyed by its route name
// (case-insensitive). An existing entry is replaced only when the incoming
// one is explicit and the existing one is not; among equally-explicit or
// equally-automatic registrations the first writer wins and the newcomer is
// silently dropped. The returned bool reports whether the write was accepted.
//
// A registration without a route name is a programming error in the caller
// and is rejected loudly instead of being ignored.
func (r *EndpointRegistry) Register(entry RouteEntry) (bool, error) {
	entry.RouteName = strings.TrimSpace(entry.RouteName)
	if entry.RouteName == "" {
		return false, errInvalidRouteEntry
	}
	entry.RoutePrefix = normalizeRoutePrefix(entry.RoutePrefix)

	key := strings.ToLower(entry.RouteName)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[key]; ok {
		if !entry.IsExplicit || existing.IsExplicit {
			return false, nil
		}
	}
	r.entries[key] = entry
	// discard the cached snapshot inside the same critical section so no
	// reader can rebuild from a half-applied write
	r.matcher.Store(nil)
	return true, nil
}

// TryGetEndpoint resolves a raw request path against the current snapshot.
// Unrecognized paths are a normal outcome, reported through the bool.
func (r *EndpointRegistry) TryGetEndpoint(path string) (RouteEntry, Command, bool) {
	return r.currentMatcher().TryMatch(path)
}

// GetAllEndpoints returns a stable copy of the registered entries, sorted by
// route name, safe to enumerate while writers run elsewhere.
func (r *EndpointRegistry) GetAllEndpoints() []RouteEntry {
	r.mu.Lock()
	entries := make([]RouteEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].RouteName < entries[j].RouteName })
	return entries
}

// HasEndpoint reports whether a route is registered under the given name.
func (r *EndpointRegistry) HasEndpoint(routeName string) bool {
	r.mu.Lock()
	_, ok := r.entries[strings.ToLower(routeName)]
	r.mu.Unlock()
	return ok
}

// GetMcpUrl builds the canonical overlay URL for a registered route,
// optionally addressing a command. The bool is false for unknown routes.
func (r *EndpointRegistry) GetMcpUrl(routeName string, cmd Command) (string, bool) {
	r.mu.Lock()
	entry, ok := r.entries[strings.ToLower(routeName)]
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	return r.currentMatcher().BuildMcpUrl(entry.RoutePrefix, cmd), true
}

// currentMatcher returns the cached snapshot, rebuilding it at most once per
// invalidation. Readers that already hold a matcher keep using it unchanged
// even if a concurrent Register stores nil here.
func (r *EndpointRegistry) currentMatcher() *RouteMatcher {
	if m := r.matcher.Load(); m != nil {
		return m
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.matcher.Load(); m != nil {
		return m
	}
	entries := make([]RouteEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	m := newRouteMatcher(entries)
	r.matcher.Store(m)
	return m
}

func normalizeRoutePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}
