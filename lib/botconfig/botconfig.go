// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package botconfig reads per-bot configuration files.
//
// A deployment can run several bots from one tree; the supervisor's
// bot_name selects the file <bot_config_directory>/<bot_name>.jsonc.
// Files are JSON extended with // line comments, /* block comments */
// and trailing commas.
//
// Workers read the file at startup, so every restart picks up the
// current contents. The reload bus endpoint re-reads it in place
// through a Holder.
package botconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/jsonc"
)

// TokenEnvironmentVariable supplies the bot token when the file leaves
// it empty, so the token can be kept out of the configuration tree.
const TokenEnvironmentVariable = "SHARDVISOR_BOT_TOKEN"

// BotConfig is the content of one bot configuration file.
type BotConfig struct {
	// Name is the display name of the bot. Defaults to the file name.
	Name string `json:"name"`

	// Token authenticates against the chat service REST and gateway
	// APIs.
	Token string `json:"token"`

	// Prefix is the command prefix the application layer responds to.
	Prefix string `json:"prefix"`

	// OwnerIDs lists the user ids with operator privileges.
	OwnerIDs []string `json:"owner_ids"`

	// CurrencyRates maps an ISO currency code to its value in the
	// base currency, used by the convert_currency endpoint.
	CurrencyRates map[string]float64 `json:"currency_rates"`
}

// Path returns the configuration file path for botName.
func Path(directory, botName string) string {
	return filepath.Join(directory, botName+".jsonc")
}

// Parse strips JSONC comments and trailing commas and decodes data.
func Parse(data []byte) (*BotConfig, error) {
	var content BotConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &content); err != nil {
		return nil, fmt.Errorf("parsing bot config: %w", err)
	}
	return &content, nil
}

// ReadFile reads and parses the file at path, filling Name from the
// file name and Token from TokenEnvironmentVariable when they are
// empty.
func ReadFile(path string) (*BotConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	content, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if content.Name == "" {
		content.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if content.Token == "" {
		content.Token = os.Getenv(TokenEnvironmentVariable)
	}
	return content, nil
}

// Load reads the configuration for botName from directory.
func Load(directory, botName string) (*BotConfig, error) {
	if botName == "" {
		return nil, errors.New("bot name is required")
	}
	return ReadFile(Path(directory, botName))
}

// Holder owns the live configuration of a worker process. Reads are
// concurrent; Reload swaps the whole value so readers never observe a
// half-updated config.
type Holder struct {
	path string

	mu      sync.RWMutex
	current *BotConfig
}

// NewHolder reads path and returns a Holder for it.
func NewHolder(path string) (*Holder, error) {
	content, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &Holder{path: path, current: content}, nil
}

// Current returns the most recently loaded configuration. Callers must
// not modify it.
func (h *Holder) Current() *BotConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the file. On error the previous configuration stays
// in effect.
func (h *Holder) Reload() error {
	content, err := ReadFile(h.path)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.current = content
	h.mu.Unlock()
	return nil
}
