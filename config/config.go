// Package config manages the global, persisted kernel configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Data holds the serialisable global configuration recognized by the
// kernel.
type Data struct {
	Port               int    `json:"port"`
	WorkspacesRoot     string `json:"workspaces_root"`
	RetentionDays      int    `json:"retention_days"`
	MaxSubscriberQueue int    `json:"max_subscriber_queue"`
	SpawnTimeoutMS     int    `json:"spawn_timeout_ms"`
	HeartbeatMS        int    `json:"heartbeat_ms"`
	PongDeadlineMS     int    `json:"pong_deadline_ms"`
	DefaultShell       string `json:"default_shell"`
	BypassPermissions  bool   `json:"bypass_permissions"`

	// Crash-loop / restart policy, applied by the orchestrator to every
	// adapter kind.
	RestartDelay      string `json:"restart_delay"`
	ReconcileInterval string `json:"reconcile_interval"`
	ErrorThreshold    int    `json:"error_threshold"`
	ErrorWindow       string `json:"error_window"`

	// Store selection.
	StoreDriver string `json:"store_driver"` // "sqlite" | "postgres"
	DatabaseURL string `json:"database_url"` // postgres DSN; ignored for sqlite

	// Assistant adapter.
	AssistantCommand string `json:"assistant_command"`
}

// Global is a thread-safe, disk-backed wrapper around Data.
type Global struct {
	mu      sync.RWMutex
	data    Data
	confDir string
}

// Load reads the config from confDir/config.json, filling in defaults for
// any missing fields. Creates the directory if it does not exist.
func Load(confDir string) (*Global, error) {
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		return nil, err
	}

	g := &Global{confDir: confDir, data: defaults()}

	raw, err := os.ReadFile(filepath.Join(confDir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(raw, &g.data); err != nil {
		return nil, err
	}
	return g, nil
}

func defaults() Data {
	return Data{
		Port:               8080,
		WorkspacesRoot:     "/data/workspaces",
		RetentionDays:      30,
		MaxSubscriberQueue: 1024,
		SpawnTimeoutMS:     10_000,
		HeartbeatMS:        20_000,
		PongDeadlineMS:     30_000,
		DefaultShell:       "/bin/sh",
		BypassPermissions:  false,
		RestartDelay:       "30s",
		ReconcileInterval:  "60s",
		ErrorThreshold:     5,
		ErrorWindow:        "5m",
		StoreDriver:        "sqlite",
		AssistantCommand:   "assistant-cli",
	}
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the current configuration and persists it to disk.
func (g *Global) Set(d Data) error {
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return g.save()
}

func (g *Global) save() error {
	g.mu.RLock()
	raw, err := json.MarshalIndent(g.data, "", "  ")
	g.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(g.confDir, "config.json"), raw, 0o644)
}
