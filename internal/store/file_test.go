package store

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFile(t *testing.T) {
	var out map[string]string
	found, err := Load(filepath.Join(t.TempDir(), "absent.json"), &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("expected missing file to report not found")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	in := map[string]int{"a": 1, "b": 2}
	if err := Save(path, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	var out map[string]int
	found, err := Load(path, &out)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found {
		t.Fatal("expected file to exist after save")
	}
	if out["a"] != 1 || out["b"] != 2 {
		t.Fatalf("unexpected round trip result: %v", out)
	}
}
