package main

import "strings"

// markerSegment is the reserved path segment that marks the overlay protocol
// beneath a backend route's own prefix. Matching is case-insensitive and per
// whole segment: "mcpx" is never the marker.
const markerSegment = "mcp"

// splitOverlayPath scans the '/'-delimited segments of path for the first
// occurrence of the marker segment. It returns the route prefix (everything
// strictly before the marker, no surrounding slashes), the command suffix
// (everything strictly after the marker and its slash), and whether the path
// is an overlay path at all.
//
// Both returned strings are sub-slices of path; the function never copies or
// builds strings, so it is safe on the per-request hot path.
func splitOverlayPath(path string) (routePrefix, commandSuffix string, ok bool) {
	start := 0
	if start < len(path) && path[start] == '/' {
		start++
	}
	prefixStart := start

	for start <= len(path) {
		end := indexByteFrom(path, start, '/')
		if end < 0 {
			end = len(path)
		}
		if strings.EqualFold(path[start:end], markerSegment) {
			prefixEnd := start
			if prefixEnd > prefixStart {
				prefixEnd-- // drop the slash before the marker
			}
			routePrefix = path[prefixStart:prefixEnd]
			if end < len(path) {
				commandSuffix = path[end+1:]
			}
			return routePrefix, commandSuffix, true
		}
		if end == len(path) {
			break
		}
		start = end + 1
	}
	return "", "", false
}

// indexByteFrom is strings.IndexByte with a start offset, keeping the caller
// free of re-slicing arithmetic.
func indexByteFrom(s string, from int, c byte) int {
	for i := from; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}
