package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/parental/agent/internal/schedule"
)

// FileStore keeps AgentState in a single JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store at path. The file is created on first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load() AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) load() AgentState {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn("failed to read state file", "path", s.path, "error", err)
		}
		return AgentState{}
	}
	var st AgentState
	if err := json.Unmarshal(data, &st); err != nil {
		log.Warn("state file is corrupt, ignoring", "path", s.path, "error", err)
		return AgentState{}
	}
	return st
}

func (s *FileStore) Save(st AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(st)
}

func (s *FileStore) SaveDevice(d *schedule.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.load()
	st.Device = d
	return s.save(st)
}

func (s *FileStore) Configure(serverAddress, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.load()
	st.ServerAddress = serverAddress
	st.DeviceID = deviceID
	return s.save(st)
}

// save writes through a temp file and rename so a crash never leaves a
// truncated state file behind.
func (s *FileStore) save(st AgentState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("state: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("state: chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("state: replace %s: %w", s.path, err)
	}
	return nil
}
