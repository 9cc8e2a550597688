// Package fsjson persists small state files as JSON with atomic replace
// semantics: marshal, write a temp file in the target directory, fsync,
// rename over the destination. Readers never observe a half-written file.
package fsjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ocmt/backend/internal/errdefs"
)

// Save writes v as indented JSON to path, replacing any existing file.
func Save(path string, v interface{}, perm os.FileMode) error {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize %s: %w", filepath.Base(path), err)
	}
	return SaveRaw(path, blob, perm)
}

// SaveRaw writes pre-serialized bytes with the same atomic replace semantics
// as Save.
func SaveRaw(path string, blob []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(blob); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// Load reads path into v. A missing file maps to kind not_found so callers
// can fall back to empty state; malformed JSON maps to invalid_input.
func Load(path string, v interface{}) error {
	blob, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return errdefs.Newf(errdefs.KindNotFound, "state file %s does not exist", path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(blob, v); err != nil {
		return errdefs.Wrap(errdefs.KindInvalidInput, err, fmt.Sprintf("state file %s is corrupt", path))
	}
	return nil
}
