//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const defaultsDomain = "com.coaching-cockpit.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "coaching-cockpit")
	}
	return "coaching-cockpit-data"
}

func apiKeyHint() string {
	return " or macOS Keychain (service: " + secretService + ", account: " + upstreamKeyAcct + ")"
}

// defaultsBackend reads and writes the app's UserDefaults domain through
// the defaults(1) tool.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() Backend {
	return defaultsBackend{domain: defaultsDomain}
}

func (b defaultsBackend) Lookup(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", b.domain, key).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults read %s: %w (%s)", key, err, s)
	}
	return s, true, nil
}

// Store writes raw with the defaults type flag matching the key's type.
func (b defaultsBackend) Store(key, raw string) error {
	flag := "-string"
	if s, ok := specFor(key); ok {
		switch s.typ {
		case kInt:
			flag = "-int"
		case kFloat:
			flag = "-float"
		case kBool:
			flag = "-bool"
		}
	}
	if out, err := exec.Command("defaults", "write", b.domain, key, flag, raw).CombinedOutput(); err != nil {
		return fmt.Errorf("defaults write %s: %w (%s)", key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b defaultsBackend) Delete(key string) error {
	return exec.Command("defaults", "delete", b.domain, key).Run()
}
