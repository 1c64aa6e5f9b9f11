package main

import (
	"sort"
	"strings"
)

// RouteEntry describes one registered backend route. Entries are immutable
// values; the registry replaces them wholesale, never mutates them.
type RouteEntry struct {
	RouteName   string
	RoutePrefix string // normalized: no leading or trailing slash, "" for root
	IsExplicit  bool
}

// RouteMatcher is a point-in-time snapshot of registered routes. It is built
// once from an ordered snapshot, never mutated, and superseded by a fresh
// instance when the registry changes. A matcher reference obtained by a
// reader stays valid and consistent even if the registry invalidates it
// concurrently.
type RouteMatcher struct {
	entries []matcherEntry
}

type matcherEntry struct {
	entry    RouteEntry
	segments int
}

func newRouteMatcher(entries []RouteEntry) *RouteMatcher {
	m := &RouteMatcher{entries: make([]matcherEntry, 0, len(entries))}
	for _, e := range entries {
		m.entries = append(m.entries, matcherEntry{entry: e, segments: countSegments(e.RoutePrefix)})
	}
	// longest prefix first; name as a deterministic tie-break
	sort.Slice(m.entries, func(i, j int) bool {
		if m.entries[i].segments != m.entries[j].segments {
			return m.entries[i].segments > m.entries[j].segments
		}
		return m.entries[i].entry.RouteName < m.entries[j].entry.RouteName
	})
	return m
}

func countSegments(prefix string) int {
	if prefix == "" {
		return 0
	}
	return strings.Count(prefix, "/") + 1
}

// TryMatch resolves a raw request path to a registered route and a command.
// The route whose prefix is the longest segment-boundary prefix of the parsed
// route prefix wins; "api/v1" never matches a request prefix of "api/v12".
func (m *RouteMatcher) TryMatch(path string) (RouteEntry, Command, bool) {
	routePrefix, commandSuffix, ok := splitOverlayPath(path)
	if !ok {
		return RouteEntry{}, Command{}, false
	}
	cmd := classifyCommand(commandSuffix)
	if cmd.Kind == CommandUnknown {
		return RouteEntry{}, Command{}, false
	}
	for _, candidate := range m.entries {
		if prefixMatches(candidate.entry.RoutePrefix, routePrefix) {
			return candidate.entry, cmd, true
		}
	}
	return RouteEntry{}, Command{}, false
}

// prefixMatches reports whether entryPrefix is a case-insensitive prefix of
// requestPrefix ending exactly at a segment boundary. The empty entry prefix
// is the zero-segment prefix of every request, so a root-level route acts as
// the final fallback after all longer prefixes have been tried.
func prefixMatches(entryPrefix, requestPrefix string) bool {
	if entryPrefix == "" {
		return true
	}
	if len(requestPrefix) < len(entryPrefix) {
		return false
	}
	if !strings.EqualFold(requestPrefix[:len(entryPrefix)], entryPrefix) {
		return false
	}
	return len(requestPrefix) == len(entryPrefix) || requestPrefix[len(entryPrefix)] == '/'
}

// BuildMcpUrl is the inverse of TryMatch: it renders the canonical overlay
// URL for a route prefix, optionally addressing a specific command.
func (m *RouteMatcher) BuildMcpUrl(routePrefix string, cmd Command) string {
	suffix := cmd.canonicalSuffix()
	var b strings.Builder
	b.Grow(len(routePrefix) + len(markerSegment) + len(suffix) + 3)
	if routePrefix != "" {
		b.WriteByte('/')
		b.WriteString(routePrefix)
	}
	b.WriteByte('/')
	b.WriteString(markerSegment)
	if suffix != "" {
		b.WriteByte('/')
		b.WriteString(suffix)
	}
	return b.String()
}
