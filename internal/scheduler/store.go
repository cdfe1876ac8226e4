package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/draftsmith/draftsmith/internal/models"
)

// Store persists the full job table. Save must be durable before returning:
// a mutation is only considered complete once stored.
type Store interface {
	Load() ([]*models.SchedulerJob, error)
	Save(jobs []*models.SchedulerJob) error
}

// FileStore keeps the job table in one JSON file, rewritten wholesale on
// every mutation. Fine at expected table sizes; switch to append-only plus
// compaction if the table ever grows past that.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() ([]*models.SchedulerJob, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read job store: %w", err)
	}
	var jobs []*models.SchedulerJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("decode job store: %w", err)
	}
	return jobs, nil
}

// Save writes through a temp file and renames, so a crash mid-write never
// truncates the table.
func (s *FileStore) Save(jobs []*models.SchedulerJob) error {
	if jobs == nil {
		jobs = []*models.SchedulerJob{}
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create job store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write job store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace job store: %w", err)
	}
	return nil
}
