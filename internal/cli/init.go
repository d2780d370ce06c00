package cli

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/envbook/internal/core"
)

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Users map[string]userKeys `yaml:"users"`
}

type userKeys struct {
	ID   int64    `yaml:"id"`
	Role string   `yaml:"role"`
	Keys []string `yaml:"keys"`
}

// InitKeysFile appends a fresh API key for username to the keys file at path,
// creating the file or the user entry as needed, and returns the key. The id
// and role of an existing entry are only overwritten when non-zero.
func InitKeysFile(path, username string, id int64, role core.Role) (string, error) {
	path = strings.TrimSpace(path)
	username = strings.TrimSpace(username)
	if path == "" {
		return "", fmt.Errorf("keys file path required")
	}
	if username == "" {
		return "", fmt.Errorf("username required")
	}
	if role != "" && !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}

	cfg, err := loadKeysFile(path)
	if err != nil {
		return "", err
	}
	if cfg.Users == nil {
		cfg.Users = make(map[string]userKeys)
	}
	entry := cfg.Users[username]
	if id > 0 {
		entry.ID = id
	}
	if entry.ID <= 0 {
		return "", fmt.Errorf("user id required for new user %q", username)
	}
	for name, other := range cfg.Users {
		if name != username && other.ID == entry.ID {
			return "", fmt.Errorf("user id %d already belongs to %q", entry.ID, name)
		}
	}
	if role != "" {
		entry.Role = string(role)
	}
	if entry.Role == "" {
		entry.Role = string(core.RoleUser)
	}

	key, err := generateKey()
	if err != nil {
		return "", err
	}
	entry.Keys = append(entry.Keys, key)
	cfg.Users[username] = entry
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth == nil {
		val := true
		cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &val
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write keys file: %w", err)
	}
	return key, nil
}

func loadKeysFile(path string) (keysFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return keysFile{}, nil
		}
		return keysFile{}, fmt.Errorf("read keys file: %w", err)
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return keysFile{}, fmt.Errorf("parse keys file: %w", err)
	}
	return cfg, nil
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
