package main

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func configHome() string {
	if v := strings.TrimSpace(os.Getenv("OVERLAY_CONFIG_HOME")); v != "" {
		return filepath.Clean(v)
	}
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "mcp-overlay")
	}
	return filepath.Join(os.Getenv("HOME"), ".config", "mcp-overlay")
}

func stateHome() string {
	if v := strings.TrimSpace(os.Getenv("OVERLAY_STATE_HOME")); v != "" {
		return filepath.Clean(v)
	}
	return filepath.Join(configHome(), ".state")
}

func requireHomePath(home, target string) (string, error) {
	if strings.TrimSpace(home) == "" {
		return "", errors.New("empty home path")
	}
	absHome, err := filepath.Abs(home)
	if err != nil {
		return "", err
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absHome, absTarget)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(rel, "..") {
		return "", errors.New("path escapes configured home")
	}
	return absTarget, nil
}

func mkdirAllUnder(home, target string) (string, error) {
	path, err := requireHomePath(home, target)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func envEnabled(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

// resolveCatalogPath anchors a relative catalog path at the config home.
func resolveCatalogPath(target string) string {
	if target == "" || filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(configHome(), target)
}

// snapshotBasePath is where the live route snapshot lands. An override must
// stay under the config or state home.
func snapshotBasePath() (string, error) {
	if v := strings.TrimSpace(os.Getenv("OVERLAY_SNAPSHOT_PATH")); v != "" {
		if resolved, err := requireHomePath(configHome(), v); err == nil {
			return resolved, nil
		}
		if resolved, err := requireHomePath(stateHome(), v); err == nil {
			return resolved, nil
		}
		return "", errors.New("snapshot path must be under config or state home")
	}
	return filepath.Join(stateHome(), "routes", "live_catalog.json"), nil
}
