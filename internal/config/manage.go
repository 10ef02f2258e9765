package config

import (
	"fmt"
	"os"
)

// KeyInfo is one row of `cockpit config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	// FromEnv is set when EnvVar currently overrides the stored value.
	FromEnv bool
}

// public yields the keys a user may read and change.
func public(yield func(keySpec) bool) {
	for _, s := range specs {
		if !s.secret && !yield(s) {
			return
		}
	}
}

// ShowAll renders every non-secret key of cfg.
func ShowAll(cfg Config) []KeyInfo {
	var rows []KeyInfo
	for s := range public {
		rows = append(rows, KeyInfo{
			Key:     s.key,
			EnvVar:  s.env,
			Value:   fmt.Sprint(s.extract(cfg)),
			FromEnv: os.Getenv(s.env) != "",
		})
	}
	return rows
}

// ValidKeys lists the keys accepted by SetKey and UnsetKey.
func ValidKeys() []string {
	var keys []string
	for s := range public {
		keys = append(keys, s.key)
	}
	return keys
}

func settable(key string) (keySpec, error) {
	s, ok := specFor(key)
	switch {
	case !ok:
		return keySpec{}, fmt.Errorf("unknown config key %q (valid: %v)", key, ValidKeys())
	case s.secret:
		return keySpec{}, fmt.Errorf("%s is a secret; set it through %s instead", key, s.env)
	}
	return s, nil
}

// SetKey stores value for key in the platform backend after checking that
// it parses as the key's type.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

func setKey(b Backend, key, value string) error {
	s, err := settable(key)
	if err != nil {
		return err
	}
	if _, err := s.parse(value); err != nil {
		return err
	}
	return b.Store(key, value)
}

// UnsetKey drops key from the platform backend so the default applies again.
func UnsetKey(key string) error {
	return unsetKey(newPlatformBackend(), key)
}

func unsetKey(b Backend, key string) error {
	if _, err := settable(key); err != nil {
		return err
	}
	return b.Delete(key)
}
