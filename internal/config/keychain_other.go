//go:build !darwin

package config

import (
	"fmt"
	"path/filepath"
)

// Without a platform keychain, secrets live in a 0600 JSON file under the
// data directory, grouped by service then account.
type secretsDoc map[string]map[string]string

func secretsFilePath() string {
	return xdgPath("XDG_DATA_HOME", filepath.Join(".local", "share"), "secrets.json")
}

func keychainGet(service, account string) (string, error) {
	var doc secretsDoc
	found, err := jsonFile{path: secretsFilePath()}.load(&doc)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrSecretNotFound
	}
	val, ok := doc[service][account]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", service, account, ErrSecretNotFound)
	}
	return val, nil
}

func keychainSet(service, account, value string) error {
	f := jsonFile{path: secretsFilePath()}
	doc := secretsDoc{}
	if _, err := f.load(&doc); err != nil {
		return err
	}
	if doc[service] == nil {
		doc[service] = make(map[string]string)
	}
	doc[service][account] = value
	return f.save(doc)
}
