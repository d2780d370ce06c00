package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/envbook/internal/core"
)

const defaultKeysFile = "envbook.keys.yaml"

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

// Keyring maps API keys to the users that own them.
type Keyring struct {
	AllowLocalhostWithoutAuth bool
	keyToUser                 map[string]core.User
	users                     []core.User
}

func ResolveKeysPath() string {
	if v := strings.TrimSpace(os.Getenv("ENVBOOK_KEYS_FILE")); v != "" {
		return v
	}
	return filepath.Join(".", defaultKeysFile)
}

// LoadKeyring reads path, bootstrapping a dev admin key when the file does not
// exist yet. An empty path yields a keyring that only admits localhost.
func LoadKeyring(path string) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultKeyring(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read keys file: %w", err)
		}
		if _, err := BootstrapDevKey(path, "dev", 1, core.RoleAdmin); err != nil {
			return nil, fmt.Errorf("bootstrap dev key: %w", err)
		}
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read keys file: %w", err)
		}
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}
	allow := true
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth != nil {
		allow = *cfg.DefaultPolicy.AllowLocalhostWithoutAuth
	}

	keyToUser := make(map[string]core.User)
	byID := make(map[int64]string)
	var users []core.User
	for name, entry := range cfg.Users {
		role := core.Role(strings.TrimSpace(entry.Role))
		if role == "" {
			role = core.RoleUser
		}
		if entry.ID <= 0 {
			return nil, fmt.Errorf("user %q: id must be positive", name)
		}
		if !role.Valid() {
			return nil, fmt.Errorf("user %q: unknown role %q", name, entry.Role)
		}
		if other, ok := byID[entry.ID]; ok {
			return nil, fmt.Errorf("user id %d shared by %q and %q", entry.ID, other, name)
		}
		byID[entry.ID] = name
		u := core.User{ID: entry.ID, Username: name, Role: role, Active: true, RemindersEnabled: true}
		users = append(users, u)
		for _, key := range entry.Keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if existing, ok := keyToUser[key]; ok && existing.ID != u.ID {
				return nil, fmt.Errorf("key reused across users: %q", key)
			}
			keyToUser[key] = u
		}
	}
	ring := NewKeyring(allow, keyToUser)
	ring.users = sortUsers(users)
	return ring, nil
}

func defaultKeyring() *Keyring {
	return &Keyring{AllowLocalhostWithoutAuth: true, keyToUser: make(map[string]core.User)}
}

func NewKeyring(allowLocalhost bool, keyToUser map[string]core.User) *Keyring {
	clone := make(map[string]core.User, len(keyToUser))
	seen := make(map[int64]bool)
	var users []core.User
	for k, u := range keyToUser {
		clone[k] = u
		if !seen[u.ID] {
			seen[u.ID] = true
			users = append(users, u)
		}
	}
	return &Keyring{AllowLocalhostWithoutAuth: allowLocalhost, keyToUser: clone, users: sortUsers(users)}
}

func (k *Keyring) UserForKey(key string) (core.User, bool) {
	if k == nil {
		return core.User{}, false
	}
	u, ok := k.keyToUser[key]
	return u, ok
}

// Users lists every identity declared in the keys file, ordered by id.
func (k *Keyring) Users() []core.User {
	if k == nil {
		return nil
	}
	return append([]core.User(nil), k.users...)
}

func sortUsers(users []core.User) []core.User {
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}
