package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrNoIdentity means no local identity has been persisted yet; the caller
// must send the user through the join flow before any room interaction.
var ErrNoIdentity = errors.New("no local identity")

// Identity is the locally persisted participant identity, written at
// create/join time and read at every session bootstrap.
type Identity struct {
	UserID   uuid.UUID `json:"user_id"`
	Nickname string    `json:"nickname"`
}

// IdentityProvider abstracts the client-local identity storage so the
// bootstrap never touches ambient global state directly.
type IdentityProvider interface {
	Load() (*Identity, error)
	Save(Identity) error
}

// FileIdentityStore persists the identity as a small JSON file, the
// terminal-client equivalent of the browser's local storage.
type FileIdentityStore struct {
	path string
}

// NewFileIdentityStore creates a store at an explicit path.
func NewFileIdentityStore(path string) *FileIdentityStore {
	return &FileIdentityStore{path: path}
}

// DefaultIdentityPath returns the per-user identity file location.
func DefaultIdentityPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve config dir: %w", err)
	}
	return filepath.Join(dir, "truthordare", "identity.json"), nil
}

// Load reads the persisted identity, or ErrNoIdentity if none exists.
func (s *FileIdentityStore) Load() (*Identity, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoIdentity
		}
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("failed to parse identity file: %w", err)
	}
	if id.UserID == uuid.Nil || id.Nickname == "" {
		return nil, ErrNoIdentity
	}
	return &id, nil
}

// Save writes the identity, creating parent directories as needed.
func (s *FileIdentityStore) Save(id Identity) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create identity dir: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}
