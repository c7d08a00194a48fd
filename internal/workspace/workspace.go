// Package workspace manages per-user local storage: the browser profile a
// user's sessions run with, archived on demand for debugging.
package workspace

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var safeID = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,64}$`)

// Manager hands out one directory per user under root.
type Manager struct {
	root string

	mu    sync.Mutex
	ready map[string]bool
}

func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Manager{root: root, ready: make(map[string]bool)}, nil
}

// SafeName maps a user ID to a single path segment. IDs that are already
// plain names pass through, anything else becomes a stable hash.
func SafeName(userID string) string {
	if safeID.MatchString(userID) && !strings.Contains(userID, "..") && userID != "." {
		return userID
	}
	sum := sha256.Sum256([]byte(userID))
	return "u-" + hex.EncodeToString(sum[:12])
}

// Dir is the user's workspace directory. It may not exist yet.
func (m *Manager) Dir(userID string) string {
	return filepath.Join(m.root, SafeName(userID))
}

// ProfileDir is the browser user-data dir inside the workspace.
func (m *Manager) ProfileDir(userID string) string {
	return filepath.Join(m.Dir(userID), "profile")
}

// Ensure creates the workspace if needed and returns the profile dir. It is
// idempotent and cheap after the first call.
func (m *Manager) Ensure(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	profile := m.ProfileDir(userID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready[userID] {
		return profile, nil
	}
	if err := os.MkdirAll(profile, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	m.ready[userID] = true
	return profile, nil
}

// Archive streams a tar.gz of the user's workspace to w. Only regular files
// and directories are included.
func (m *Manager) Archive(userID string, w io.Writer) error {
	source := m.Dir(userID)
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("workspace not found: %w", err)
	}

	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	err := filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
			return tarWriter.WriteHeader(header)
		}

		file, err := os.Open(path)
		if err != nil {
			// Chrome may delete lock and journal files mid-walk.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		defer file.Close()

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		_, err = io.CopyN(tarWriter, file, header.Size)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive workspace: %w", err)
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}
