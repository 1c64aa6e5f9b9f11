package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// commandCatalog holds the command descriptors one backend route advertises,
// loaded from a catalog file generated out of the backend's metadata.
type commandCatalog struct {
	Path        string
	LoadedAt    time.Time
	GeneratedAt time.Time
	Commands    []mcp.Tool
	// Discovered lists sibling routes the catalog generator saw in the
	// backend metadata; they register as automatic entries.
	Discovered []DiscoveredRoute
}

type DiscoveredRoute struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
}

func loadCommandCatalog(path string) (*commandCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw struct {
		GeneratedAt string            `json:"generatedAt"`
		Commands    []json.RawMessage `json:"commands"`
		Routes      []DiscoveredRoute `json:"routes,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(raw.Commands) == 0 {
		return nil, errors.New("catalog contains no commands")
	}
	commands := make([]mcp.Tool, 0, len(raw.Commands))
	seen := make(map[string]struct{}, len(raw.Commands))
	for _, entry := range raw.Commands {
		var desc map[string]any
		if err := json.Unmarshal(entry, &desc); err != nil {
			continue
		}
		tool, ok := toolFromDescriptor(desc)
		if !ok {
			continue
		}
		if _, dup := seen[tool.Name]; dup {
			continue
		}
		seen[tool.Name] = struct{}{}
		commands = append(commands, tool)
	}
	if len(commands) == 0 {
		return nil, errors.New("catalog contains no usable commands")
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i].Name < commands[j].Name })
	catalog := &commandCatalog{
		Path:       path,
		LoadedAt:   time.Now().UTC(),
		Commands:   commands,
		Discovered: raw.Routes,
	}
	if raw.GeneratedAt != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw.GeneratedAt); err == nil {
			catalog.GeneratedAt = parsed
		}
	}
	return catalog, nil
}

// toolFromDescriptor rebuilds an mcp.Tool from a catalog descriptor map.
func toolFromDescriptor(desc map[string]any) (mcp.Tool, bool) {
	name, _ := desc["name"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return mcp.Tool{}, false
	}
	tool := mcp.Tool{Name: name}
	if description, ok := desc["description"].(string); ok {
		tool.Description = description
	}
	if schema, ok := desc["inputSchema"]; ok && schema != nil {
		if data, err := json.Marshal(schema); err == nil {
			tool.RawInputSchema = data
		}
	}
	if schema, ok := desc["outputSchema"]; ok && schema != nil {
		if data, err := json.Marshal(schema); err == nil {
			tool.RawOutputSchema = data
		}
	}
	if annotations, ok := desc["annotations"].(map[string]any); ok {
		tool.Annotations = annotationFromDescriptor(annotations)
	}
	return tool, true
}

func annotationFromDescriptor(raw map[string]any) mcp.ToolAnnotation {
	var out mcp.ToolAnnotation
	if title, ok := raw["title"].(string); ok {
		out.Title = title
	}
	if v, ok := raw["readOnlyHint"].(bool); ok {
		out.ReadOnlyHint = boolPtr(v)
	}
	if v, ok := raw["destructiveHint"].(bool); ok {
		out.DestructiveHint = boolPtr(v)
	}
	if v, ok := raw["idempotentHint"].(bool); ok {
		out.IdempotentHint = boolPtr(v)
	}
	if v, ok := raw["openWorldHint"].(bool); ok {
		out.OpenWorldHint = boolPtr(v)
	}
	return out
}

func boolPtr(b bool) *bool { return &b }

// findCommand looks up a command by its exact name; detail names are opaque.
func (c *commandCatalog) findCommand(name string) (mcp.Tool, bool) {
	if c == nil {
		return mcp.Tool{}, false
	}
	for _, tool := range c.Commands {
		if tool.Name == name {
			return tool, true
		}
	}
	return mcp.Tool{}, false
}

// ===== live snapshots =====

func writeSnapshotWithHistory(home, basePath string, payload any, historyCount int, stamp time.Time) (string, error) {
	if stamp.IsZero() {
		stamp = time.Now().UTC()
	}
	resolvedBase, err := mkdirAllUnder(home, basePath)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	data = append(data, '\n')
	if err := writeAtomic(resolvedBase, data); err != nil {
		return "", err
	}
	if historyCount > 0 {
		ts := stamp.UTC().Format("20060102-150405")
		stamped := fmt.Sprintf("%s.%s.json", strings.TrimSuffix(resolvedBase, ".json"), ts)
		if stampedPath, err := mkdirAllUnder(home, stamped); err == nil {
			_ = writeAtomic(stampedPath, data)
		}
		_ = pruneHistory(resolvedBase, historyCount)
	}
	return resolvedBase, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func pruneHistory(basePath string, keep int) error {
	if keep < 0 {
		return nil
	}
	dir := filepath.Dir(basePath)
	prefix := strings.TrimSuffix(filepath.Base(basePath), ".json") + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	history := make([]string, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		full := filepath.Join(dir, name)
		if full == basePath {
			continue
		}
		history = append(history, full)
	}
	if len(history) <= keep {
		return nil
	}
	sort.Strings(history)
	for i := 0; i < len(history)-keep; i++ {
		_ = os.Remove(history[i])
	}
	return nil
}

// buildRouteSnapshot captures every registered route with its overlay URL and
// command descriptors, suitable for the live state snapshot.
func buildRouteSnapshot(config *Config, registry *EndpointRegistry, catalogs map[string]*commandCatalog, generatedAt time.Time) map[string]any {
	routes := make([]map[string]any, 0)
	for _, entry := range registry.GetAllEndpoints() {
		record := map[string]any{
			"name":     entry.RouteName,
			"prefix":   entry.RoutePrefix,
			"explicit": entry.IsExplicit,
		}
		if link, ok := registry.GetMcpUrl(entry.RouteName, Command{Kind: CommandInfo}); ok {
			record["url"] = link
		}
		if catalog := catalogs[strings.ToLower(entry.RouteName)]; catalog != nil {
			descriptors := collectCommands(catalog)
			for _, descriptor := range descriptors {
				if hash := hashSchema(descriptor); hash != "" {
					descriptor["schemaHash"] = hash
				}
			}
			record["commands"] = descriptors
		}
		routes = append(routes, record)
	}
	snapshot := map[string]any{
		"generatedAt": generatedAt.UTC().Format(time.RFC3339Nano),
		"routes":      routes,
	}
	if config != nil && config.Overlay != nil {
		snapshot["serverInfo"] = map[string]any{
			"name":    config.Overlay.Name,
			"version": config.Overlay.Version,
		}
	}
	return snapshot
}

func hashSchema(record map[string]any) string {
	data, err := json.Marshal(record)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
