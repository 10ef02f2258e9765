package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Backend persists non-secret settings as raw strings keyed by dotted name
// ("server.port"). Typing happens in the key table, not in the backend.
//
// macOS stores settings in the defaults domain com.coaching-cockpit.app;
// elsewhere they live in an XDG config file.
type Backend interface {
	Lookup(key string) (raw string, ok bool, err error)
	Store(key, raw string) error
	Delete(key string) error
}

// ErrSecretNotFound is returned by the secret store for unknown accounts.
var ErrSecretNotFound = errors.New("secret not found")

// jsonFile is a small JSON document rewritten atomically on save.
type jsonFile struct {
	path string
}

// load decodes the file into v. A missing file leaves v untouched and
// reports false.
func (f jsonFile) load(v any) (bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", f.path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	return true, nil
}

// save writes v next to the target and renames it into place so readers
// never observe a partial file.
func (f jsonFile) save(v any) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", f.path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
