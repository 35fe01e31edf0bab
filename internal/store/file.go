// Package store provides the durable JSON file persistence shared by the
// relay queue, replay guard and peer directory. Each store owns one file;
// callers serialize writes with their own lock.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads the JSON file at path into out. A missing file is not an error;
// it leaves out untouched and returns false.
func Load(path string, out any) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// Save serializes v and writes it to path, creating parent directories as
// needed. The write goes through a temp file and rename so a crash mid-write
// cannot leave a truncated store behind.
func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create store directory: %w", err)
	}

	serialized, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, serialized, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
