package store

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrDuplicate is returned when inserting a record whose username is already
// present.
var ErrDuplicate = errors.New("duplicate username")

// ErrNotFound is returned when removing a username that has no record.
var ErrNotFound = errors.New("record not found")

// Store is the durable account table: one record per line, colon-delimited,
// append/delete only. The store performs no locking of its own; callers
// serialize mutations (see Lock).
type Store struct {
	path string
}

// New returns a store backed by the file at path. The file is created lazily
// on first insert.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

// Scan reads the whole file and returns all records in insertion order. Each
// call re-reads the file, so a Scan started after a mutation observes it.
func (s *Store) Scan() ([]Record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("read store: %w", err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	return records, nil
}

// Get returns the record for username, or ErrNotFound.
func (s *Store) Get(username string) (Record, error) {
	records, err := s.Scan()
	if err != nil {
		return Record{}, err
	}
	for _, rec := range records {
		if rec.Username == username {
			return rec, nil
		}
	}
	return Record{}, fmt.Errorf("%w: %s", ErrNotFound, username)
}

// Count returns the number of records currently present.
func (s *Store) Count() (int, error) {
	records, err := s.Scan()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Insert appends a record. It fails with ErrDuplicate if the username is
// already present.
func (s *Store) Insert(rec Record) error {
	records, err := s.Scan()
	if err != nil {
		return err
	}
	for _, existing := range records {
		if existing.Username == rec.Username {
			return fmt.Errorf("%w: %s", ErrDuplicate, rec.Username)
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(rec.marshalLine() + "\n"); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	return f.Sync()
}

// Remove deletes all lines for username by rewriting the file. It fails with
// ErrNotFound if no record matches.
func (s *Store) Remove(username string) error {
	records, err := s.Scan()
	if err != nil {
		return err
	}

	kept := records[:0]
	found := false
	for _, rec := range records {
		if rec.Username == username {
			found = true
			continue
		}
		kept = append(kept, rec)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	return s.rewrite(kept)
}

// rewrite replaces the file contents atomically via a temp file rename.
func (s *Store) rewrite(records []Record) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".accounts-*")
	if err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	defer os.Remove(tmp.Name())

	for _, rec := range records {
		if _, err := tmp.WriteString(rec.marshalLine() + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("write store: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	return nil
}
