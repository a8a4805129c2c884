// Package userconf reads and writes the daemon's user config record
// (~/.config/peerdrive/config.json). The controller never interprets it;
// it is exposed for display and editing only.
package userconf

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"peerdrivectl/internal/fsutil"
)

// Config mirrors the daemon's config.json. Keys are camelCase and NodeID
// is encoded as an array of 32 numbers.
type Config struct {
	NodeID         [32]byte `json:"nodeId"`
	TCPPort        uint16   `json:"tcpPort"`
	HTTPPort       uint16   `json:"httpPort"`
	Relay          *string  `json:"relay,omitempty"`
	BlockstorePath string   `json:"blockstorePath"`
}

// NodeIDHex renders the node id for display.
func (c Config) NodeIDHex() string { return hex.EncodeToString(c.NodeID[:]) }

// SetNodeIDHex parses a 64 character hex node id.
func (c *Config) SetNodeIDHex(s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("node id: %w", err)
	}
	if len(b) != len(c.NodeID) {
		return fmt.Errorf("node id: want %d bytes, got %d", len(c.NodeID), len(b))
	}
	copy(c.NodeID[:], b)
	return nil
}

type Store struct {
	Path string
}

// New returns a store for path; an empty path resolves to
// <user config dir>/peerdrive/config.json.
func New(path string) (*Store, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return &Store{Path: path}, nil
}

func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, "peerdrive", "config.json"), nil
}

// Read returns the zero Config when the file does not exist.
func (s *Store) Read(ctx context.Context) (Config, error) {
	var cfg Config
	if err := ctx.Err(); err != nil {
		return cfg, err
	}
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read user config: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse user config: %w", err)
	}
	return cfg, nil
}

// Write creates the parent directory if needed and replaces the file with
// indented JSON.
func (s *Store) Write(ctx context.Context, cfg Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode user config: %w", err)
	}
	b = append(b, '\n')
	if err := fsutil.WriteFileAtomic(s.Path, b, fsutil.Mode(s.Path, 0o644)); err != nil {
		return fmt.Errorf("write user config: %w", err)
	}
	return nil
}
