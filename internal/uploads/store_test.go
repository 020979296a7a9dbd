package uploads

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgnsrekt/tv_relay/internal/cdp"
	"github.com/google/uuid"
)

func newTestStore(t *testing.T, maxCount int, maxAge time.Duration) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), maxCount, maxAge)
	if err != nil {
		t.Fatalf("NewStore() error = %v; want nil", err)
	}
	return s
}

func TestSaveAndReadRoundTrip(t *testing.T) {
	s := newTestStore(t, 0, 0)

	meta, err := s.Save("chart.png", "image/png", []byte("pixels"), "weekly chart")
	if err != nil {
		t.Fatalf("Save() error = %v; want nil", err)
	}
	if meta.ID == "" || meta.SizeBytes != 6 {
		t.Fatalf("Save() meta = %+v; want id and size set", meta)
	}

	got, err := s.Get(meta.ID)
	if err != nil {
		t.Fatalf("Get() error = %v; want nil", err)
	}
	if got.Filename != "chart.png" || got.Notes != "weekly chart" {
		t.Fatalf("Get() = %+v; want saved metadata", got)
	}

	data, contentType, err := s.Read(meta.ID)
	if err != nil {
		t.Fatalf("Read() error = %v; want nil", err)
	}
	if string(data) != "pixels" || contentType != "image/png" {
		t.Fatalf("Read() = %q, %q; want pixels, image/png", data, contentType)
	}
}

func TestGetRejectsMalformedID(t *testing.T) {
	s := newTestStore(t, 0, 0)

	for _, id := range []string{"", "not-a-uuid", "../../etc/passwd", "ABCDEF01-0000-0000-0000-000000000000"} {
		_, err := s.Get(id)
		var coded *cdp.CodedError
		if !errors.As(err, &coded) || coded.Code != cdp.CodeValidation {
			t.Fatalf("Get(%q) error = %v; want %s", id, err, cdp.CodeValidation)
		}
	}
}

func TestGetUnknownID(t *testing.T) {
	s := newTestStore(t, 0, 0)

	_, err := s.Get(uuid.NewString())
	var coded *cdp.CodedError
	if !errors.As(err, &coded) || coded.Code != cdp.CodeUploadNotFound {
		t.Fatalf("Get() error = %v; want %s", err, cdp.CodeUploadNotFound)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t, 0, 0)

	meta, err := s.Save("note.txt", "text/plain", []byte("x"), "")
	if err != nil {
		t.Fatalf("Save() error = %v; want nil", err)
	}
	if err := s.Delete(meta.ID); err != nil {
		t.Fatalf("Delete() error = %v; want nil", err)
	}

	var coded *cdp.CodedError
	if err := s.Delete(meta.ID); !errors.As(err, &coded) || coded.Code != cdp.CodeUploadNotFound {
		t.Fatalf("second Delete() error = %v; want %s", err, cdp.CodeUploadNotFound)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := newTestStore(t, 0, 0)

	var ids []string
	for i := 0; i < 3; i++ {
		meta, err := s.Save("f.txt", "text/plain", []byte("x"), "")
		if err != nil {
			t.Fatalf("Save() error = %v; want nil", err)
		}
		ids = append(ids, meta.ID)
		time.Sleep(5 * time.Millisecond)
	}

	metas, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v; want nil", err)
	}
	if len(metas) != 3 {
		t.Fatalf("List() = %d entries; want 3", len(metas))
	}
	if metas[0].ID != ids[2] || metas[2].ID != ids[0] {
		t.Fatalf("List() order = [%s %s %s]; want newest first", metas[0].ID, metas[1].ID, metas[2].ID)
	}
}

func TestRetentionByCount(t *testing.T) {
	s := newTestStore(t, 2, 0)

	for i := 0; i < 4; i++ {
		if _, err := s.Save("f.txt", "text/plain", []byte("x"), ""); err != nil {
			t.Fatalf("Save() error = %v; want nil", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	metas, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v; want nil", err)
	}
	if len(metas) != 2 {
		t.Fatalf("List() after prune = %d entries; want 2", len(metas))
	}
}

func TestRetentionByAge(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 0, time.Hour)
	if err != nil {
		t.Fatalf("NewStore() error = %v; want nil", err)
	}

	// Plant a stale upload directly, as if written long ago.
	staleID := uuid.NewString()
	stale := Meta{ID: staleID, Filename: "old.txt", CreatedAt: time.Now().Add(-2 * time.Hour).UTC()}
	sidecar, err := json.Marshal(stale)
	if err != nil {
		t.Fatalf("marshal stale meta: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, staleID+".json"), sidecar, 0o644); err != nil {
		t.Fatalf("write stale meta: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, staleID+".dat"), []byte("old"), 0o644); err != nil {
		t.Fatalf("write stale data: %v", err)
	}

	fresh, err := s.Save("new.txt", "text/plain", []byte("new"), "")
	if err != nil {
		t.Fatalf("Save() error = %v; want nil", err)
	}

	metas, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v; want nil", err)
	}
	if len(metas) != 1 || metas[0].ID != fresh.ID {
		t.Fatalf("List() after age prune = %+v; want only the fresh upload", metas)
	}
}
