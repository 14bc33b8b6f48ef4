package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agrovision/riceguard/internal/logger"
)

// Record is one completed detection run for an account.
type Record struct {
	Identifier    string         `json:"identifier"`
	ArtifactPath  string         `json:"artifact_path"`
	Counts        map[string]int `json:"counts"`
	MaxConfidence float64        `json:"max_confidence"`
	DetectedAt    time.Time      `json:"detected_at"`
}

// Store keeps per-account detection records in an append-only JSONL file.
type Store struct {
	mu      sync.Mutex
	path    string
	records map[string][]Record
	file    *os.File
	log     *logger.Logger
}

// Open loads existing records from path, creating the file when absent.
// Lines that fail to decode are skipped without failing the load.
func Open(path string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	s := &Store{
		path:    path,
		records: make(map[string][]Record),
		log:     log,
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	s.file = f
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			s.log.Warn("History", "skipping corrupted record at line %d: %v", line, err)
			continue
		}
		s.records[rec.Identifier] = append(s.records[rec.Identifier], rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan history file: %w", err)
	}
	return nil
}

// Append records a completed detection and flushes it to disk.
func (s *Store) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode history record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("append history record: %w", err)
	}
	s.records[rec.Identifier] = append(s.records[rec.Identifier], rec)
	return nil
}

// ByIdentifier returns a copy of the records for one account, oldest first.
func (s *Store) ByIdentifier(identifier string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.records[identifier]
	out := make([]Record, len(recs))
	copy(out, recs)
	return out
}

// Close closes the backing file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
