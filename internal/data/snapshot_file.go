package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"TicketForge/internal/model"
	pkgerrors "TicketForge/pkg/errors"
	pkglog "TicketForge/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// FileSnapshotRepo keeps the snapshot in one JSON file. Writes go to a temp
// file in the same directory and are renamed over the target, so a crash
// never leaves a half written snapshot behind.
type FileSnapshotRepo struct {
	path   string
	logger *pkglog.LogHelper
	now    func() time.Time
}

// NewFileSnapshotRepo creates a file backend at path.
func NewFileSnapshotRepo(path string, logger log.Logger) *FileSnapshotRepo {
	if path == "" {
		path = "ticket_tracking.json"
	}
	return &FileSnapshotRepo{
		path:   path,
		logger: pkglog.NewLogHelper(log.With(logger, "module", "data/snapshot")),
		now:    time.Now,
	}
}

func (r *FileSnapshotRepo) Backend() string { return SnapshotBackendFile }

// Path is the snapshot file location.
func (r *FileSnapshotRepo) Path() string { return r.path }

// Load reads the snapshot. A missing file is an empty snapshot. A file that
// does not parse is moved aside to <path>.corrupt.<unix> and reported.
func (r *FileSnapshotRepo) Load(_ context.Context) (map[string]*model.TicketRecord, error) {
	b, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]*model.TicketRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", r.path, err)
	}

	records, err := decodeSnapshot(b)
	if err != nil {
		aside := fmt.Sprintf("%s.corrupt.%d", r.path, r.now().Unix())
		if mvErr := os.Rename(r.path, aside); mvErr == nil {
			r.logger.Snapshot("corrupt snapshot moved aside", "path", r.path, "moved_to", aside)
		}
		return nil, fmt.Errorf("decode snapshot %s: %w", r.path, err)
	}
	return records, nil
}

// Save writes the full snapshot atomically.
func (r *FileSnapshotRepo) Save(_ context.Context, records map[string]*model.TicketRecord) error {
	b, err := encodeSnapshot(records)
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Ping checks that the snapshot directory is writable.
func (r *FileSnapshotRepo) Ping(_ context.Context) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	f, err := os.CreateTemp(dir, ".ping-*")
	if err != nil {
		return fmt.Errorf("snapshot dir not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func encodeSnapshot(records map[string]*model.TicketRecord) ([]byte, error) {
	if records == nil {
		records = map[string]*model.TicketRecord{}
	}
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}

func decodeSnapshot(b []byte) (map[string]*model.TicketRecord, error) {
	records := make(map[string]*model.TicketRecord)
	if len(b) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrSnapshotCorrupt, err)
	}
	for key, rec := range records {
		if rec == nil {
			delete(records, key)
			continue
		}
		if rec.Key == "" {
			rec.Key = key
		}
	}
	return records, nil
}
