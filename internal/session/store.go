package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// SnapshotFileName is the snapshot file inside the state directory.
	SnapshotFileName = "sessions.yaml"
	lockFileName     = "sessions.lock"
	snapshotVersion  = 1
)

// snapshot is the on-disk document.
type snapshot struct {
	Version  int        `yaml:"version"`
	SavedAt  time.Time  `yaml:"saved_at"`
	Sessions []*Session `yaml:"sessions"`
}

// Store persists session records as a YAML snapshot. Writes are atomic
// (temp file + rename) and Update serializes read-modify-write cycles across
// processes with a lock file.
type Store struct {
	dir         string
	lockTimeout time.Duration
	lockRetry   time.Duration
}

// NewStore creates a Store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{dir: dir, lockTimeout: 5 * time.Second, lockRetry: 25 * time.Millisecond}, nil
}

// Path returns the snapshot file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, SnapshotFileName)
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// Load reads all records keyed by task identifier. A missing snapshot is
// an empty map, not an error.
func (s *Store) Load() (map[string]*Session, error) {
	data, err := os.ReadFile(s.Path())
	if os.IsNotExist(err) {
		return map[string]*Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var doc snapshot
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", s.Path(), err)
	}

	out := make(map[string]*Session, len(doc.Sessions))
	for _, sess := range doc.Sessions {
		if sess == nil || sess.TaskID == "" {
			continue
		}
		out[sess.TaskID] = sess
	}
	return out, nil
}

// Save replaces the snapshot with records.
func (s *Store) Save(records map[string]*Session) error {
	doc := snapshot{
		Version:  snapshotVersion,
		SavedAt:  time.Now().UTC(),
		Sessions: make([]*Session, 0, len(records)),
	}
	for _, sess := range records {
		doc.Sessions = append(doc.Sessions, sess)
	}
	sort.Slice(doc.Sessions, func(i, j int) bool {
		return doc.Sessions[i].TaskID < doc.Sessions[j].TaskID
	})

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return atomicWriteFile(s.Path(), data, 0644)
}

// Update loads the snapshot, applies fn and saves the result while holding
// the store lock. Nothing is written if fn returns an error.
func (s *Store) Update(ctx context.Context, fn func(records map[string]*Session) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	lock, err := acquireLock(lockCtx, filepath.Join(s.dir, lockFileName), s.lockRetry)
	if err != nil {
		return err
	}
	defer func() { _ = lock.release() }()

	records, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(records); err != nil {
		return err
	}
	return s.Save(records)
}

// Put upserts one record. UpdatedAt is stamped when the caller left it zero.
func (s *Store) Put(ctx context.Context, sess *Session) error {
	rec := sess.Clone()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return s.Update(ctx, func(records map[string]*Session) error {
		records[rec.TaskID] = rec
		return nil
	})
}

// Delete removes one record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	return s.Update(ctx, func(records map[string]*Session) error {
		delete(records, taskID)
		return nil
	})
}

// atomicWriteFile writes data to a temp file in the same directory and
// renames it over path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
