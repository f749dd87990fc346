// Package tokenstore persists the opaque reconnection token a session
// server hands out. The token is a bearer credential presented on join
// for session continuity; it is minted and validated entirely by the
// server and opaque to this package.
package tokenstore

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Store persists at most one reconnection token. Implementations never
// return errors: a broken store degrades to "always join as a new
// session".
type Store interface {
	// Store persists the token, replacing any previous one.
	Store(token string)
	// Load returns the persisted token, or "" if none is available.
	Load() string
	// Clear removes the persisted token.
	Clear()
}

// FileStore keeps the token in a single file under the user config
// directory.
type FileStore struct {
	path string
}

// NewFileStore creates a store writing to path. If path is empty the
// default location under the user config dir is used.
func NewFileStore(path string) *FileStore {
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			log.Warn().Err(err).Msg("no user config dir, session token will not persist")
			return &FileStore{}
		}
		path = filepath.Join(dir, "phosphor", "session-token")
	}
	return &FileStore{path: path}
}

func (s *FileStore) Store(token string) {
	if s.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("failed to create token dir")
		return
	}
	if err := os.WriteFile(s.path, []byte(token), 0o600); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("failed to persist session token")
	}
}

func (s *FileStore) Load() string {
	if s.path == "" {
		return ""
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (s *FileStore) Clear() {
	if s.path == "" {
		return
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", s.path).Msg("failed to clear session token")
	}
}

// MemoryStore keeps the token in memory. Useful for tests and for
// clients that opt out of persistence.
type MemoryStore struct {
	token string
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Store(token string) { s.token = token }
func (s *MemoryStore) Load() string       { return s.token }
func (s *MemoryStore) Clear()             { s.token = "" }
