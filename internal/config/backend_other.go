//go:build !darwin

package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/spf13/afero"
)

func defaultDataDir() string {
	return xdgPath("XDG_DATA_HOME", ".local/share", "twinsync")
}

func secretHint(account string) string {
	return fmt.Sprintf(" or %s (service: %s, account: %s)", secretsFilePath(), keychainService, account)
}

func configFilePath() string {
	return xdgPath("XDG_CONFIG_HOME", ".config", "twinsync", "config.json")
}

// fileBackend keeps keys as a flat JSON object in the XDG config dir.
type fileBackend struct {
	fs   afero.Fs
	path string
	data map[string]any
}

func newPlatformBackend() ConfigBackend {
	return openFileBackend(platformFs, configFilePath())
}

func openFileBackend(fs afero.Fs, path string) *fileBackend {
	b := &fileBackend{fs: fs, path: path, data: make(map[string]any)}
	err := readJSONFile(fs, path, &b.data)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
	default:
		warnf("could not load config file %s: %v. Using default values.", path, err)
		b.data = make(map[string]any)
	}
	return b
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	if s, isStr := v.(string); isStr {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case float64:
		if val != math.Trunc(val) || val < math.MinInt || val > math.MaxInt {
			return 0, true, fmt.Errorf("%s: %v is not an integer", key, val)
		}
		return int(val), true, nil
	case int:
		return val, true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return i, true, nil
	}
	return 0, true, fmt.Errorf("%s: unsupported type %T", key, v)
}

func (b *fileBackend) SetString(key, val string) error { return b.set(key, val) }

func (b *fileBackend) SetInt(key string, val int) error { return b.set(key, val) }

func (b *fileBackend) Delete(key string) error {
	delete(b.data, key)
	return writeJSONFile(b.fs, b.path, b.data)
}

func (b *fileBackend) set(key string, val any) error {
	b.data[key] = val
	return writeJSONFile(b.fs, b.path, b.data)
}
