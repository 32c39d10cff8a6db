// Package filestore persists a single versioned JSON document per file.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Version is the only envelope version this build reads and writes.
const Version = 1

var ErrUnsupportedVersion = errors.New("filestore: unsupported file version")

type envelope[T any] struct {
	Version int `json:"version"`
	Data    T   `json:"data"`
}

// Load reads path into a T. A missing file yields the zero value and
// found=false.
func Load[T any](path string) (data T, found bool, err error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return data, false, nil
	}
	if err != nil {
		return data, false, fmt.Errorf("read %s: %w", path, err)
	}

	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return data, false, fmt.Errorf("decode %s: %w", path, err)
	}
	if head.Version != Version {
		return data, false, fmt.Errorf("%s has version %d: %w", path, head.Version, ErrUnsupportedVersion)
	}

	var env envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return data, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return env.Data, true, nil
}

// Save writes data to a temp file next to path and renames it into place.
func Save[T any](path string, data T) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	raw, err := json.MarshalIndent(envelope[T]{Version: Version, Data: data}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
