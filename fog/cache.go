package fog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// SessionCache is the device-resident store for the in-progress session and
// archives that could not be persisted yet. Each explorer has exactly one
// session entry.
type SessionCache interface {
	// SaveSession overwrites the explorer's cached session.
	SaveSession(ctx context.Context, explorerID string, s ActiveSession) error
	// LoadSession returns the cached session, or nil when none exists.
	LoadSession(ctx context.Context, explorerID string) (*ActiveSession, error)
	// ClearSession removes the cached session. Pending archives are kept.
	ClearSession(ctx context.Context, explorerID string) error

	// SavePending stores or replaces a pending archive keyed by region ID.
	SavePending(ctx context.Context, explorerID string, p PendingArchive) error
	// LoadPending returns all pending archives, oldest first.
	LoadPending(ctx context.Context, explorerID string) ([]PendingArchive, error)
	// RemovePending drops the pending archive for regionID.
	RemovePending(ctx context.Context, explorerID, regionID string) error
}

// FileCache keeps the session cache as JSON files under a directory:
// <explorer>.session.json and <explorer>.pending.json.
type FileCache struct {
	dir string
	mu  sync.Mutex
}

// NewFileCache returns a FileCache rooted at dir.
func NewFileCache(dir string) *FileCache {
	return &FileCache{dir: dir}
}

func (c *FileCache) sessionPath(explorerID string) string {
	return filepath.Join(c.dir, safeName(explorerID)+".session.json")
}

func (c *FileCache) pendingPath(explorerID string) string {
	return filepath.Join(c.dir, safeName(explorerID)+".pending.json")
}

func (c *FileCache) SaveSession(_ context.Context, explorerID string, s ActiveSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeJSONFile(c.sessionPath(explorerID), s)
}

func (c *FileCache) LoadSession(_ context.Context, explorerID string) (*ActiveSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s ActiveSession
	ok, err := readJSONFile(c.sessionPath(explorerID), &s)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

func (c *FileCache) ClearSession(_ context.Context, explorerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.sessionPath(explorerID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session cache: %w", err)
	}
	return nil
}

func (c *FileCache) SavePending(_ context.Context, explorerID string, p PendingArchive) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, err := c.loadPending(explorerID)
	if err != nil {
		return err
	}
	replaced := false
	for i := range pending {
		if pending[i].Region.ID == p.Region.ID {
			pending[i] = p
			replaced = true
		}
	}
	if !replaced {
		pending = append(pending, p)
	}
	return writeJSONFile(c.pendingPath(explorerID), pending)
}

func (c *FileCache) LoadPending(_ context.Context, explorerID string) ([]PendingArchive, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadPending(explorerID)
}

func (c *FileCache) RemovePending(_ context.Context, explorerID, regionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, err := c.loadPending(explorerID)
	if err != nil {
		return err
	}
	kept := pending[:0]
	for _, p := range pending {
		if p.Region.ID != regionID {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		if err := os.Remove(c.pendingPath(explorerID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove pending cache: %w", err)
		}
		return nil
	}
	return writeJSONFile(c.pendingPath(explorerID), kept)
}

func (c *FileCache) loadPending(explorerID string) ([]PendingArchive, error) {
	var pending []PendingArchive
	if _, err := readJSONFile(c.pendingPath(explorerID), &pending); err != nil {
		return nil, err
	}
	sortPending(pending)
	return pending, nil
}

// sortPending orders pending archives oldest first.
func sortPending(pending []PendingArchive) {
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].Region.ID < pending[j].Region.ID
	})
}

// writeJSONFile writes v to path through a temp file and rename so a crash
// never leaves a truncated cache behind.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}

// readJSONFile decodes path into v. A missing file is reported as ok=false.
func readJSONFile(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cache: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal cache %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// safeName maps an explorer ID to a file-name-safe string.
func safeName(id string) string {
	out := []rune(id)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
