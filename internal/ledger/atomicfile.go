// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// writeJSONAtomic writes v as JSON to path using the write-to-temp,
// rename-over-original pattern, so a crash mid-write always leaves
// either the old or the new content, and never a half-written file.
func writeJSONAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tempFile := path + ".new"
	previousFile := path + ".bk"

	_ = os.Remove(tempFile)

	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(tempFile, raw, 0o644); err != nil {
		return err
	}

	if err := os.Remove(previousFile); err != nil && !strings.Contains(err.Error(), "no such file") {
		return err
	}
	if err := os.Rename(path, previousFile); err != nil && !strings.Contains(err.Error(), "no such file") {
		return err
	}
	if err := os.Rename(tempFile, path); err != nil {
		return err
	}
	return nil
}

// readJSON reads and decodes a JSON document previously written by
// writeJSONAtomic. Returns os.ErrNotExist unchanged so callers can
// detect a fresh (never initialized) file.
func readJSON(path string, v interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
