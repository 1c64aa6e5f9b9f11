package main

import (
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
)

// commandDescriptor renders a catalog command as the wire-level descriptor
// map used by the commands listing and detail responses.
func commandDescriptor(tool mcp.Tool) map[string]any {
	descriptor := map[string]any{
		"name": tool.Name,
	}
	if tool.Description != "" {
		descriptor["description"] = tool.Description
	}
	if len(tool.RawInputSchema) > 0 {
		descriptor["inputSchema"] = tool.RawInputSchema
	} else if declaredInputSchema(tool) {
		descriptor["inputSchema"] = tool.InputSchema
	}
	if len(tool.RawOutputSchema) > 0 {
		descriptor["outputSchema"] = tool.RawOutputSchema
	} else if declaredOutputSchema(tool) {
		descriptor["outputSchema"] = tool.OutputSchema
	}
	descriptor["annotations"] = commandAnnotations(tool)
	return descriptor
}

// commandAnnotations renders the annotation block with every hint present,
// defaulting undeclared hints to false so clients never have to guess.
func commandAnnotations(tool mcp.Tool) map[string]any {
	a := tool.Annotations
	annotations := map[string]any{
		"readOnlyHint":    hintValue(a.ReadOnlyHint),
		"destructiveHint": hintValue(a.DestructiveHint),
		"idempotentHint":  hintValue(a.IdempotentHint),
		"openWorldHint":   hintValue(a.OpenWorldHint),
	}
	if a.Title != "" {
		annotations["title"] = a.Title
	}
	return annotations
}

func hintValue(hint *bool) bool {
	return hint != nil && *hint
}

func declaredInputSchema(tool mcp.Tool) bool {
	if len(tool.RawInputSchema) > 0 {
		return true
	}
	s := tool.InputSchema
	return s.Type != "" || len(s.Properties) > 0 || len(s.Required) > 0 || len(s.Defs) > 0
}

func declaredOutputSchema(tool mcp.Tool) bool {
	if len(tool.RawOutputSchema) > 0 {
		return true
	}
	s := tool.OutputSchema
	return s.Type != "" || len(s.Properties) > 0 || len(s.Required) > 0 || len(s.Defs) > 0
}

// collectCommands returns the route's descriptors sorted by name. Duplicate
// names were already collapsed at catalog load, so this is a plain mapping.
func collectCommands(catalog *commandCatalog) []map[string]any {
	if catalog == nil {
		return []map[string]any{}
	}
	tools := append([]mcp.Tool(nil), catalog.Commands...)
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	result := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		result = append(result, commandDescriptor(tool))
	}
	return result
}

type aggregatedCommand struct {
	tool   mcp.Tool
	routes []string
}

// collectAllCommands aggregates descriptors across every route for the
// manifest. A command name advertised by several routes collapses into one
// merged command tagged with the contributing routes.
func collectAllCommands(catalogs map[string]*commandCatalog) []map[string]any {
	seen := make(map[string]*aggregatedCommand)
	for routeName, catalog := range catalogs {
		if catalog == nil {
			continue
		}
		for _, tool := range catalog.Commands {
			entry := seen[tool.Name]
			if entry == nil {
				seen[tool.Name] = &aggregatedCommand{tool: tool, routes: []string{routeName}}
				continue
			}
			entry.tool = mergeCommandTools(entry.tool, tool)
			entry.routes = append(entry.routes, routeName)
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		entry := seen[name]
		descriptor := commandDescriptor(entry.tool)
		sort.Strings(entry.routes)
		descriptor["routes"] = entry.routes
		result = append(result, descriptor)
	}
	return result
}

// mergeCommandTools folds a second route's declaration of the same command
// into the first before rendering. Text fields and schemas keep the first
// declared value; annotation hints combine with or, so a hint set true by
// any contributing route stays true in the aggregate.
func mergeCommandTools(existing, candidate mcp.Tool) mcp.Tool {
	merged := existing
	if merged.Description == "" {
		merged.Description = candidate.Description
	}
	if !declaredInputSchema(merged) && declaredInputSchema(candidate) {
		merged.RawInputSchema = candidate.RawInputSchema
		merged.InputSchema = candidate.InputSchema
	}
	if !declaredOutputSchema(merged) && declaredOutputSchema(candidate) {
		merged.RawOutputSchema = candidate.RawOutputSchema
		merged.OutputSchema = candidate.OutputSchema
	}
	if merged.Annotations.Title == "" {
		merged.Annotations.Title = candidate.Annotations.Title
	}
	merged.Annotations.ReadOnlyHint = orHint(merged.Annotations.ReadOnlyHint, candidate.Annotations.ReadOnlyHint)
	merged.Annotations.DestructiveHint = orHint(merged.Annotations.DestructiveHint, candidate.Annotations.DestructiveHint)
	merged.Annotations.IdempotentHint = orHint(merged.Annotations.IdempotentHint, candidate.Annotations.IdempotentHint)
	merged.Annotations.OpenWorldHint = orHint(merged.Annotations.OpenWorldHint, candidate.Annotations.OpenWorldHint)
	return merged
}

func orHint(a, b *bool) *bool {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	v := *a || *b
	return &v
}
