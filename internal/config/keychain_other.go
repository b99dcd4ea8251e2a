//go:build !darwin

package config

import (
	"fmt"
)

func secretsFilePath() string {
	return xdgPath("XDG_DATA_HOME", ".local/share", "twinsync", "secrets.json")
}

// secretsFile maps service to account to secret.
type secretsFile map[string]map[string]string

func keychainGet(service, account string) ([]byte, error) {
	var secrets secretsFile
	if err := readJSONFile(platformFs, secretsFilePath(), &secrets); err != nil {
		return nil, fmt.Errorf("secret store not available: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret for %s/%s", service, account)
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	p := secretsFilePath()
	secrets := secretsFile{}
	if err := readJSONFile(platformFs, p, &secrets); err != nil || secrets == nil {
		secrets = secretsFile{}
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value
	return writeJSONFile(platformFs, p, secrets)
}
