package procmanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/mysl/mbrace/pkg/types"
)

var (
	ErrCorruptedRecords    = errors.New("record file is corrupted")
	ErrIncompatibleVersion = errors.New("record schema version is incompatible")
)

const recordSchemaVersion = 1

type recordFile struct {
	Records   []types.ProcessRecord `json:"records"`
	SchemaVer int                   `json:"schema_ver"`
}

// RecordStore persists the process record table so clear semantics
// survive a master restart. Writes are atomic: temp file plus rename.
type RecordStore struct {
	path string
	mu   sync.Mutex
}

// NewRecordStore creates a store writing to path.
func NewRecordStore(path string) *RecordStore {
	return &RecordStore{path: path}
}

// Write persists the full record table atomically.
func (s *RecordStore) Write(records []types.ProcessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(recordFile{Records: records, SchemaVer: recordSchemaVersion})
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp record file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename record file: %w", err)
	}
	return nil
}

// Load reads the persisted table. A missing file yields an empty table.
func (s *RecordStore) Load() ([]types.ProcessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record file: %w", err)
	}

	var f recordFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedRecords, err)
	}
	if f.SchemaVer != recordSchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, f.SchemaVer, recordSchemaVersion)
	}
	return f.Records, nil
}
