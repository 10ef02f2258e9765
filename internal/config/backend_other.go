//go:build !darwin

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// xdgPath resolves a file under an XDG base directory, falling back to
// $HOME/<homeRel> and finally the working directory.
func xdgPath(env, homeRel string, elem ...string) string {
	dir := os.Getenv(env)
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, homeRel)
		} else {
			dir = "."
		}
	}
	return filepath.Join(append([]string{dir, "coaching-cockpit"}, elem...)...)
}

func defaultDataDir() string {
	return xdgPath("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func apiKeyHint() string {
	return " or " + secretsFilePath()
}

func configFilePath() string {
	return xdgPath("XDG_CONFIG_HOME", ".config", "config.json")
}

// fileBackend keeps settings as a flat JSON object. Values are stored with
// their key's type so the file stays hand-editable.
type fileBackend struct {
	file jsonFile
	data map[string]any
}

func newPlatformBackend() Backend {
	return newFileBackend(configFilePath())
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{file: jsonFile{path: path}, data: make(map[string]any)}
	if _, err := b.file.load(&b.data); err != nil {
		slog.Warn("could not load config file, using defaults", "path", path, "error", err)
		b.data = make(map[string]any)
	}
	return b
}

func (b *fileBackend) Lookup(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true, nil
	case bool:
		return strconv.FormatBool(val), true, nil
	default:
		return "", true, fmt.Errorf("unsupported value %v for %s", v, key)
	}
}

func (b *fileBackend) Store(key, raw string) error {
	b.data[key] = raw
	if s, ok := specFor(key); ok {
		if v, err := s.parse(raw); err == nil {
			b.data[key] = v
		}
	}
	return b.file.save(b.data)
}

func (b *fileBackend) Delete(key string) error {
	delete(b.data, key)
	return b.file.save(b.data)
}
