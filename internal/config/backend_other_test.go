//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
)

func useMemFs(t *testing.T) afero.Fs {
	t.Helper()
	prev := platformFs
	fs := afero.NewMemMapFs()
	platformFs = fs
	t.Cleanup(func() { platformFs = prev })
	return fs
}

func TestFileBackendRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	b := newPlatformBackend()
	if err := b.SetInt("server.port", 9200); err != nil {
		t.Fatalf("SetInt failed: %v", err)
	}
	if err := b.SetString("peer.url", "http://peer:8765"); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}

	reloaded := newPlatformBackend()
	if v, ok, err := reloaded.GetInt("server.port"); err != nil || !ok || v != 9200 {
		t.Errorf("GetInt = %d, %v, %v", v, ok, err)
	}
	if v, ok, _ := reloaded.GetString("peer.url"); !ok || v != "http://peer:8765" {
		t.Errorf("GetString = %q, %v", v, ok)
	}

	if err := reloaded.Delete("peer.url"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := newPlatformBackend().GetString("peer.url"); ok {
		t.Error("deleted key still present")
	}
}

func TestFileBackendRejectsFractionalInt(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := filepath.Join(dir, "twinsync", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"server.port": 80.5}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := newPlatformBackend().GetInt("server.port"); err == nil {
		t.Error("expected error for fractional integer")
	}
}

func TestSecretsFile(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	kc := systemKeychain{}
	if _, err := kc.Get(keychainService, "shared_secret"); err == nil {
		t.Fatal("expected error before any secret is stored")
	}
	if err := kc.Set(keychainService, "shared_secret", "s3cret"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, err := kc.Get(keychainService, "shared_secret")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v != "s3cret" {
		t.Errorf("secret = %q, want s3cret", v)
	}
}

func TestFileBackendCorruptFile(t *testing.T) {
	fs := useMemFs(t)
	if err := afero.WriteFile(fs, "/cfg/config.json", []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	b := openFileBackend(fs, "/cfg/config.json")
	if _, ok, _ := b.GetString("peer.url"); ok {
		t.Error("corrupt file should load as empty")
	}
	if err := b.SetString("peer.url", "http://peer:8765"); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}
	if v, ok, _ := openFileBackend(fs, "/cfg/config.json").GetString("peer.url"); !ok || v != "http://peer:8765" {
		t.Errorf("GetString after rewrite = %q, %v", v, ok)
	}
	if exists, _ := afero.Exists(fs, "/cfg/config.json.tmp"); exists {
		t.Error("temporary file left behind")
	}
}

func TestSecretsFileKeepsOtherAccounts(t *testing.T) {
	useMemFs(t)
	t.Setenv("XDG_DATA_HOME", "/data")

	if err := keychainSet(keychainService, "shared_secret", "one"); err != nil {
		t.Fatal(err)
	}
	if err := keychainSet(keychainService, "peer_token", "two"); err != nil {
		t.Fatal(err)
	}
	for account, want := range map[string]string{"shared_secret": "one", "peer_token": "two"} {
		got, err := keychainGet(keychainService, account)
		if err != nil || string(got) != want {
			t.Errorf("%s = %q, %v; want %q", account, got, err, want)
		}
	}
	if _, err := keychainGet("other", "shared_secret"); err == nil {
		t.Error("expected error for unknown service")
	}
}
