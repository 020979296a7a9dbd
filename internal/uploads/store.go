// Package uploads stores client-uploaded files with metadata sidecars and a
// simple retention policy.
package uploads

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/tv_relay/internal/cdp"
	"github.com/google/uuid"
)

var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// Meta describes one stored upload.
type Meta struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	SizeBytes   int       `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	Notes       string    `json:"notes,omitempty"`
}

// Store manages upload files on disk. Retention: at most maxCount files,
// none older than maxAge; the oldest are pruned first. Zero values disable
// the respective limit.
type Store struct {
	dir      string
	maxCount int
	maxAge   time.Duration
	mu       sync.RWMutex
}

// NewStore creates a Store and ensures the directory exists.
func NewStore(dir string, maxCount int, maxAge time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir, maxCount: maxCount, maxAge: maxAge}, nil
}

func (s *Store) validateID(id string) error {
	if !uuidRe.MatchString(id) {
		return &cdp.CodedError{Code: cdp.CodeValidation, Message: fmt.Sprintf("invalid upload id: %q", id)}
	}
	return nil
}

// Save writes the file and its metadata sidecar, then applies retention.
func (s *Store) Save(filename, contentType string, data []byte, notes string) (Meta, error) {
	meta := Meta{
		ID:          uuid.NewString(),
		Filename:    filename,
		ContentType: contentType,
		SizeBytes:   len(data),
		CreatedAt:   time.Now().UTC(),
		Notes:       notes,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dataPath := filepath.Join(s.dir, meta.ID+".dat")
	jsonPath := filepath.Join(s.dir, meta.ID+".json")

	if err := os.WriteFile(dataPath, data, 0o644); err != nil {
		return Meta{}, fmt.Errorf("upload store: write data: %w", err)
	}

	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.Remove(dataPath)
		return Meta{}, fmt.Errorf("upload store: marshal meta: %w", err)
	}
	if err := os.WriteFile(jsonPath, sidecar, 0o644); err != nil {
		_ = os.Remove(dataPath)
		return Meta{}, fmt.Errorf("upload store: write meta: %w", err)
	}

	s.pruneLocked()
	return meta, nil
}

// Get reads upload metadata by ID.
func (s *Store) Get(id string) (Meta, error) {
	if err := s.validateID(id); err != nil {
		return Meta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readMeta(filepath.Join(s.dir, id+".json"))
}

// Read returns the stored file bytes and content type.
func (s *Store) Read(id string) ([]byte, string, error) {
	meta, err := s.Get(id)
	if err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(filepath.Join(s.dir, id+".dat"))
	if err != nil {
		return nil, "", fmt.Errorf("upload store: read data: %w", err)
	}
	return data, meta.ContentType, nil
}

// List returns all uploads sorted by creation time, newest first.
func (s *Store) List() ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("upload store: glob: %w", err)
	}

	metas := make([]Meta, 0, len(matches))
	for _, path := range matches {
		meta, err := s.readMeta(path)
		if err != nil {
			slog.Debug("upload meta unreadable, skipping", "path", path, "error", err)
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas, nil
}

// Delete removes both the file and its sidecar.
func (s *Store) Delete(id string) error {
	if err := s.validateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

func (s *Store) deleteLocked(id string) error {
	jsonPath := filepath.Join(s.dir, id+".json")
	if err := os.Remove(jsonPath); err != nil {
		if os.IsNotExist(err) {
			return &cdp.CodedError{Code: cdp.CodeUploadNotFound, Message: "upload not found: " + id}
		}
		return fmt.Errorf("upload store: remove meta: %w", err)
	}
	if err := os.Remove(filepath.Join(s.dir, id+".dat")); err != nil && !os.IsNotExist(err) {
		slog.Debug("upload data cleanup failed", "id", id, "error", err)
	}
	return nil
}

func (s *Store) readMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			id := filepath.Base(path)
			return Meta{}, &cdp.CodedError{Code: cdp.CodeUploadNotFound, Message: "upload not found: " + id[:len(id)-len(".json")]}
		}
		return Meta{}, fmt.Errorf("upload store: read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("upload store: unmarshal meta: %w", err)
	}
	return meta, nil
}

// pruneLocked enforces the retention policy. Failures are logged, never
// surfaced: retention is best-effort housekeeping.
func (s *Store) pruneLocked() {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		slog.Debug("upload prune glob failed", "error", err)
		return
	}

	metas := make([]Meta, 0, len(matches))
	for _, path := range matches {
		meta, err := s.readMeta(path)
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })

	cutoff := time.Time{}
	if s.maxAge > 0 {
		cutoff = time.Now().Add(-s.maxAge)
	}
	for i, meta := range metas {
		tooMany := s.maxCount > 0 && i >= s.maxCount
		tooOld := !cutoff.IsZero() && meta.CreatedAt.Before(cutoff)
		if !tooMany && !tooOld {
			continue
		}
		if err := s.deleteLocked(meta.ID); err != nil {
			slog.Debug("upload prune delete failed", "id", meta.ID, "error", err)
		}
	}
}
