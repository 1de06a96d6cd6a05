package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

const defaultListenAddr = ":7655"

// serverConfig holds the bridge server configuration, assembled from
// flags and environment (a .env file is loaded first when present).
type serverConfig struct {
	Listen     string
	AgentsFile string
	APIToken   string
	LogLevel   string
	LogFormat  string
}

func (c *serverConfig) applyEnv() {
	if c.Listen == "" {
		c.Listen = os.Getenv("OP15_BRIDGE_LISTEN")
	}
	if c.Listen == "" {
		c.Listen = defaultListenAddr
	}
	if c.AgentsFile == "" {
		c.AgentsFile = os.Getenv("OP15_BRIDGE_AGENTS_FILE")
	}
	if c.APIToken == "" {
		c.APIToken = os.Getenv("OP15_BRIDGE_API_TOKEN")
	}
}

// registryEntry is one installed agent: the secret minted at install
// time and, when known, the loopback base URL the agent listens on.
type registryEntry struct {
	SharedSecret     string `json:"sharedSecret"`
	LoopbackEndpoint string `json:"loopbackEndpoint"`
}

// agentRegistry maps user IDs to install credentials. Entries come from
// a JSON file; OP15_SHARED_SECRET acts as a catch-all secret for
// single-user deployments without a registry file.
type agentRegistry struct {
	mu            sync.RWMutex
	entries       map[string]registryEntry
	defaultSecret string
}

func loadRegistry(path string) (*agentRegistry, error) {
	r := &agentRegistry{
		entries:       make(map[string]registryEntry),
		defaultSecret: os.Getenv("OP15_SHARED_SECRET"),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read agents file: %w", err)
		}
		if err := json.Unmarshal(data, &r.entries); err != nil {
			return nil, fmt.Errorf("parse agents file %s: %w", path, err)
		}
		log.Info().
			Str("agents_file", path).
			Int("agent_count", len(r.entries)).
			Msg("Loaded agent registry")
	}

	if len(r.entries) == 0 && r.defaultSecret == "" {
		return nil, fmt.Errorf("no agent credentials configured: provide an agents file or OP15_SHARED_SECRET")
	}
	return r, nil
}

// SecretFor returns the shared secret installed for a user.
func (r *agentRegistry) SecretFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.entries[userID]; ok {
		return entry.SharedSecret, true
	}
	if r.defaultSecret != "" {
		return r.defaultSecret, true
	}
	return "", false
}

// LoopbackEndpoint returns the agent's loopback base URL, or empty when
// the registry does not record one.
func (r *agentRegistry) LoopbackEndpoint(userID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[userID].LoopbackEndpoint
}
