// Package session manages the on-disk credential directory of each
// instance. One directory per instance, single writer: the supervisor
// that owns the instance.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// credsFile is the protocol library's credential file inside a
// session directory.
const credsFile = "creds.json"

const dirPrefix = "auth-"

// Store hands out per-instance session directories under a fixed root.
type Store struct {
	root string
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the sessions root directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the session directory path for an instance.
func (s *Store) Dir(instanceID string) string {
	return filepath.Join(s.root, dirPrefix+instanceID)
}

// Ensure creates the session directory for an instance if missing.
func (s *Store) Ensure(instanceID string) (string, error) {
	dir := s.Dir(instanceID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return dir, nil
}

// Exists reports whether a session directory is present on disk.
func (s *Store) Exists(instanceID string) bool {
	info, err := os.Stat(s.Dir(instanceID))
	return err == nil && info.IsDir()
}

// Validate checks the credential file of an instance. A missing file
// is a fresh start. An empty or malformed file is deleted (or, if the
// unlink fails, the whole directory is removed) and also reported as a
// fresh start; corruption is never fatal to the caller.
// Returns true when usable credentials are present.
func (s *Store) Validate(instanceID string) (bool, error) {
	path := filepath.Join(s.Dir(instanceID), credsFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read creds: %w", err)
	}

	if len(data) > 0 && json.Valid(data) {
		return true, nil
	}

	slog.Warn("session: corrupt credential file, starting fresh",
		"instance_id", instanceID, "bytes", len(data))
	if err := os.Remove(path); err != nil {
		if err := os.RemoveAll(s.Dir(instanceID)); err != nil {
			return false, fmt.Errorf("remove corrupt session dir: %w", err)
		}
	}
	return false, nil
}

// SaveCreds persists updated credentials for an instance.
func (s *Store) SaveCreds(instanceID string, data []byte) error {
	dir, err := s.Ensure(instanceID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, credsFile), data, 0o600); err != nil {
		return fmt.Errorf("write creds: %w", err)
	}
	return nil
}

// LoadCreds reads the credential file, or nil when absent.
func (s *Store) LoadCreds(instanceID string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(instanceID), credsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read creds: %w", err)
	}
	return data, nil
}

// Wipe deletes the whole session directory of an instance. Called on
// logout and on terminal auth errors.
func (s *Store) Wipe(instanceID string) error {
	if err := os.RemoveAll(s.Dir(instanceID)); err != nil {
		return fmt.Errorf("wipe session dir: %w", err)
	}
	return nil
}

// CleanupLegacy removes session artefacts from older layouts: any
// auth_info* entry in workDir, and any entry under the sessions root
// that does not match the auth-<id> pattern.
func (s *Store) CleanupLegacy(workDir string) {
	matches, err := filepath.Glob(filepath.Join(workDir, "auth_info*"))
	if err == nil {
		for _, m := range matches {
			if err := os.RemoveAll(m); err != nil {
				slog.Warn("session: failed to remove legacy artefact", "path", m, "error", err)
			} else {
				slog.Info("session: removed legacy artefact", "path", m)
			}
		}
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		path := filepath.Join(s.root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("session: failed to remove legacy session entry", "path", path, "error", err)
		} else {
			slog.Info("session: removed legacy session entry", "path", path)
		}
	}
}
