package main

import "strings"

// CommandKind is the closed set of overlay operations addressable through the
// command suffix. It is a classification result, not a state machine.
type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandInfo
	CommandList
	CommandExecute
	CommandDetail
)

func (k CommandKind) String() string {
	switch k {
	case CommandInfo:
		return "info"
	case CommandList:
		return "list"
	case CommandExecute:
		return "execute"
	case CommandDetail:
		return "detail"
	default:
		return "unknown"
	}
}

// Command pairs a kind with the command name extracted for detail requests.
// Name is a sub-slice of the request path and must not be retained beyond the
// request that produced it.
type Command struct {
	Kind CommandKind
	Name string
}

const (
	listSuffix      = "commands"
	executeSuffix   = "commands/execute"
	detailPrefixLen = len(listSuffix) + 1 // "commands/"
	executeSegment  = "execute"
)

// classifyCommand maps a command suffix from splitOverlayPath to a Command.
// Reserved words compare case-insensitively; the detail name is opaque and
// kept verbatim. Anything outside the grammar classifies as CommandUnknown,
// which callers treat as "not an overlay request", never as an error.
//
// A single trailing slash is forgiven before classification, so
// "commands/" addresses the same operation as "commands". This is a
// deliberate leniency for hand-typed URLs; a second trailing slash is not
// part of the grammar and stays CommandUnknown.
func classifyCommand(suffix string) Command {
	if suffix != "" && suffix[len(suffix)-1] == '/' {
		suffix = suffix[:len(suffix)-1]
	}
	if suffix == "" {
		return Command{Kind: CommandInfo}
	}
	if strings.EqualFold(suffix, listSuffix) {
		return Command{Kind: CommandList}
	}
	if len(suffix) < detailPrefixLen || !strings.EqualFold(suffix[:detailPrefixLen], listSuffix+"/") {
		return Command{Kind: CommandUnknown}
	}
	rest := suffix[detailPrefixLen:]
	if strings.EqualFold(rest, executeSegment) {
		return Command{Kind: CommandExecute}
	}
	// "commands/execute/..." still addresses the execute endpoint
	if len(rest) > len(executeSegment) && rest[len(executeSegment)] == '/' &&
		strings.EqualFold(rest[:len(executeSegment)], executeSegment) {
		return Command{Kind: CommandExecute}
	}
	if rest == "" || strings.IndexByte(rest, '/') >= 0 {
		return Command{Kind: CommandUnknown}
	}
	return Command{Kind: CommandDetail, Name: rest}
}

// canonicalSuffix is the inverse of classifyCommand for URL building.
func (c Command) canonicalSuffix() string {
	switch c.Kind {
	case CommandList:
		return listSuffix
	case CommandExecute:
		return executeSuffix
	case CommandDetail:
		return listSuffix + "/" + c.Name
	default:
		return ""
	}
}

// ===== reserved marker conventions =====

// reservedMarker prefixes system-reserved words in backend URLs unless the
// deployment suppresses it.
const reservedMarker = "$"

// metadataPath returns the conventional metadata segment of a backend route.
func metadataPath(omitReservedMarkers bool) string {
	if omitReservedMarkers {
		return "metadata"
	}
	return reservedMarker + "metadata"
}

// formatReservedOption renders a reserved query option name with or without
// the marker character.
func formatReservedOption(name string, omitReservedMarkers bool) string {
	if omitReservedMarkers {
		return name
	}
	return reservedMarker + name
}
