package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// fileState is the on-disk cursor document.
type fileState struct {
	Token     json.RawMessage   `json:"token"`
	History   []json.RawMessage `json:"history"`
	LastSaved time.Time         `json:"lastSaved"`
	Service   string            `json:"service"`
}

// FileBackend stores the cursor as one JSON file, replaced atomically via
// temp file + rename.
type FileBackend struct {
	path    string
	service string
}

func NewFileBackend(path, service string) *FileBackend {
	return &FileBackend{path: path, service: service}
}

func (f *FileBackend) Load() (json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cursor file: %w", err)
	}
	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		// A torn or corrupt file means fresh start, not failure: the
		// write path is atomic, so this only happens to hand-edited files.
		return nil, nil
	}
	return st.Token, nil
}

func (f *FileBackend) Save(token json.RawMessage, history []json.RawMessage, at time.Time) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create cursor directory: %w", err)
	}
	data, err := json.Marshal(fileState{
		Token:     token,
		History:   history,
		LastSaved: at.UTC(),
		Service:   f.service,
	})
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cursor temp file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace cursor file: %w", err)
	}
	return nil
}
