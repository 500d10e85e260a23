package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// DefaultFileName is the session document written by FileStore.
const DefaultFileName = "session.json"

// FileStore keeps both records in one JSON document on local disk.
// Writes go to a temporary file that is renamed over the document, so a
// reader never observes a half-written session.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// fileDocument is the on-disk layout, keyed by record name.
type fileDocument struct {
	Credentials *Pair      `json:"credentials,omitempty"`
	Principal   *Principal `json:"principal,omitempty"`
}

// NewFileStore creates a store writing to path. The parent directory is
// created on first write.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store path is required")
	}
	return &FileStore{path: path}, nil
}

// Path returns the session document location.
func (s *FileStore) Path() string {
	return s.path
}

// Save replaces the stored pair, keeping the principal.
func (s *FileStore) Save(ctx context.Context, pair Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.update(func(doc *fileDocument) {
		p := pair
		doc.Credentials = &p
	})
	observe("file", "save", err)
	if err != nil {
		return &StoreError{Backend: "file", Operation: "save", Key: RecordCredentials, Err: err}
	}
	return nil
}

// Load returns the stored pair or ErrNotFound.
func (s *FileStore) Load(ctx context.Context) (Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		observe("file", "load", err)
		return Pair{}, &StoreError{Backend: "file", Operation: "load", Key: RecordCredentials, Err: err}
	}
	if doc.Credentials == nil {
		observe("file", "load", ErrNotFound)
		return Pair{}, ErrNotFound
	}
	observe("file", "load", nil)
	return *doc.Credentials, nil
}

// Clear removes the session document. Missing documents are not an error.
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	observe("file", "clear", err)
	if err != nil {
		return &StoreError{Backend: "file", Operation: "clear", Err: err}
	}
	return nil
}

// SavePrincipal replaces the stored principal, keeping the pair.
func (s *FileStore) SavePrincipal(ctx context.Context, principal Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.update(func(doc *fileDocument) {
		doc.Principal = clonePrincipal(principal)
	})
	observe("file", "save_principal", err)
	if err != nil {
		return &StoreError{Backend: "file", Operation: "save", Key: RecordPrincipal, Err: err}
	}
	return nil
}

// LoadPrincipal returns the stored principal or ErrNotFound.
func (s *FileStore) LoadPrincipal(ctx context.Context) (*Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		observe("file", "load_principal", err)
		return nil, &StoreError{Backend: "file", Operation: "load", Key: RecordPrincipal, Err: err}
	}
	if doc.Principal == nil {
		observe("file", "load_principal", ErrNotFound)
		return nil, ErrNotFound
	}
	observe("file", "load_principal", nil)
	return doc.Principal, nil
}

// read loads the document; a missing file yields an empty document.
func (s *FileStore) read() (*fileDocument, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &fileDocument{}, nil
	}
	if err != nil {
		return nil, err
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return &doc, nil
}

func (s *FileStore) update(mutate func(doc *fileDocument)) error {
	doc, err := s.read()
	if err != nil {
		return err
	}
	mutate(doc)

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal session document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace session document: %w", err)
	}
	return nil
}
