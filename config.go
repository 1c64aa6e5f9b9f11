package main

import (
	"fmt"
	"strings"

	optional "github.com/TBXark/optional-go"
	"github.com/go-sphere/confstore"
	"github.com/go-sphere/confstore/codec"
	"github.com/go-sphere/confstore/provider/file"
)

type Config struct {
	Overlay *OverlayConfig          `json:"overlay"`
	Routes  map[string]*RouteConfig `json:"routes"`
}

type OverlayConfig struct {
	Addr    string `json:"addr"`
	BaseURL string `json:"baseURL"`
	Name    string `json:"name"`
	Version string `json:"version"`
	// OmitReservedMarkers drops the marker character from system-reserved
	// words in generated URLs ("metadata" instead of "$metadata").
	OmitReservedMarkers bool `json:"omitReservedMarkers"`
}

type RouteConfig struct {
	// Prefix is the backend route's own path prefix; empty mounts the
	// overlay at the server root.
	Prefix string `json:"prefix"`
	// Catalog points at a command-descriptor catalog file, absolute or
	// relative to the config home.
	Catalog string       `json:"catalog,omitempty"`
	Options RouteOptions `json:"options"`
}

type RouteOptions struct {
	LogEnabled     optional.Field[bool] `json:"logEnabled,omitempty"`
	PanicIfInvalid optional.Field[bool] `json:"panicIfInvalid,omitempty"`
	AuthTokens     []string             `json:"authTokens,omitempty"`
}

func loadConfig(path string) (*Config, error) {
	config, err := confstore.Load[Config](file.New(path), codec.JsonCodec())
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func validateConfig(config *Config) error {
	if config.Overlay == nil {
		config.Overlay = &OverlayConfig{}
	}
	if config.Overlay.Addr == "" {
		config.Overlay.Addr = ":8080"
	}
	if config.Overlay.Name == "" {
		config.Overlay.Name = "mcp-overlay"
	}
	seen := make(map[string]string, len(config.Routes))
	for name, route := range config.Routes {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("route with empty name in config")
		}
		if route == nil {
			return fmt.Errorf("route %s: missing body", name)
		}
		route.Prefix = normalizeRoutePrefix(route.Prefix)
		// two routes sharing a prefix would be indistinguishable at match
		// time; reject rather than let one shadow the other
		if prior, ok := seen[strings.ToLower(route.Prefix)]; ok {
			return fmt.Errorf("route %s: prefix %q already used by route %s", name, route.Prefix, prior)
		}
		seen[strings.ToLower(route.Prefix)] = name
	}
	return nil
}
