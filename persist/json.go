package persist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Readm/memcoh/capabilities"
	"github.com/Readm/memcoh/core"
)

// JSONFile stores the cache as a JSON array of {"block", "value"} records.
type JSONFile struct {
	path string
}

var _ Store = (*JSONFile)(nil)

// NewJSONFile returns a store backed by path. Nothing is touched until the
// first Load or Save.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

// Path returns the file location.
func (f *JSONFile) Path() string {
	return f.path
}

func (f *JSONFile) Load() ([]capabilities.CacheLine, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache %s: %w", f.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: cache %s: %w", core.ErrDecode, f.path, err)
	}
	return toLines(f.path, records), nil
}

// Save replaces the file atomically.
func (f *JSONFile) Save(lines []capabilities.CacheLine) error {
	records := make([]record, len(lines))
	for i, line := range lines {
		records[i] = record{Block: line.Block.String(), Value: line.Value}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

func (f *JSONFile) Close() error {
	return nil
}
