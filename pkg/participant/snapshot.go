package participant

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// LoadSnapshot reads the account-balance mapping from path. A missing file
// means "start empty" (first run); any other read/parse error is fatal at
// startup, per §7's "corrupt state file" policy.
func LoadSnapshot(path string) (map[string]int64, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]int64{}, nil
		}
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}

	balances := map[string]int64{}
	if err := json.Unmarshal(body, &balances); err != nil {
		return nil, fmt.Errorf("snapshot: corrupt state file %s: %w", path, err)
	}
	return balances, nil
}

// WriteSnapshot serializes balances and writes them atomically: write to a
// temporary file in the same directory, fsync, then rename over path. This
// is the write-temp-then-rename discipline §4.2 mandates so a crash never
// leaves a half-written snapshot.
func WriteSnapshot(path string, balances map[string]int64) error {
	body, err := json.Marshal(balances)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: close temp: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: rename into place: %w", err)
	}
	return nil
}
