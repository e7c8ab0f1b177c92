package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
)

// spillWriter appends evicted readings to a local JSON-lines file so a
// backpressure eviction or shutdown straggler is recoverable instead of
// gone.
type spillWriter struct {
	mu     sync.Mutex
	dir    string
	family models.DeviceFamily
	file   *os.File
}

func newSpillWriter(dir string, family models.DeviceFamily) *spillWriter {
	return &spillWriter{dir: dir, family: family}
}

func (s *spillWriter) Write(reading *models.CanonicalReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return fmt.Errorf("create spill dir: %w", err)
		}
		path := filepath.Join(s.dir, fmt.Sprintf("%s.jsonl", s.family))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open spill file: %w", err)
		}
		s.file = file
	}

	line, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("marshal spilled reading: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write spilled reading: %w", err)
	}
	return nil
}

func (s *spillWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
