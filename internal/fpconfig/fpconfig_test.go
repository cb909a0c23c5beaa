package fpconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	loaded = false
	if err := LoadConfig(filepath.Join(t.TempDir(), "nope.conf")); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got := Get().StorageType; got != "file" {
		t.Errorf("StorageType = %q, want %q", got, "file")
	}
}

func TestLoadConfigParsesStorageType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fprintd.conf")
	contents := "# comment\n[storage]\ntype=custom\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	loaded = false
	if err := LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got := Get().StorageType; got != "custom" {
		t.Errorf("StorageType = %q, want %q", got, "custom")
	}
}
