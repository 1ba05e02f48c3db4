// Package creds persists the connection parameters the tunnel client
// consumes and watches them for rotation.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials are the relay-issued connection parameters, plus the public
// tower name used to build the access URL.
type Credentials struct {
	ServerHost string `json:"serverHost"`
	TunnelPort int    `json:"tunnelPort"`
	APIKey     string `json:"apiKey"`
	TowerID    string `json:"towerId"`
	TowerName  string `json:"towerName"`
	LocalPort  int    `json:"localPort,omitempty"`
}

// Validate checks the fields the tunnel client cannot run without.
func (c *Credentials) Validate() error {
	switch {
	case c.ServerHost == "":
		return errors.New("credentials: serverHost is empty")
	case c.TunnelPort <= 0:
		return errors.New("credentials: tunnelPort is missing")
	case c.APIKey == "":
		return errors.New("credentials: apiKey is empty")
	case c.TowerID == "":
		return errors.New("credentials: towerId is empty")
	}
	return nil
}

// PublicURL is the address the tower is reachable at once the tunnel is up.
func (c *Credentials) PublicURL() string {
	return fmt.Sprintf("https://%s/t/%s/", c.ServerHost, c.TowerName)
}

// Store reads and writes the credential file.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// DefaultPath is ~/.towerd/credentials.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".towerd", "credentials.json"), nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Load() (*Credentials, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var c Credentials
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes the credentials with 0600 permissions via a temp file renamed
// into place, so watchers and concurrent readers never see a partial write.
func (s *Store) Save(c *Credentials) error {
	if err := c.Validate(); err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
