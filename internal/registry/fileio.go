// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package registry

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
)

// writeJSONAtomic persists v to path via write-to-temp-then-rename, the
// same pattern internal/ledger uses for chain files.
func writeJSONAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tempFile := path + ".new"
	if err := os.WriteFile(tempFile, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tempFile, path)
}

func readJSON(path string, v interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}

// hostOf extracts the hostname portion of a URL string, ignoring
// parse failures (returns "").
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// substituteHost replaces rawURL's hostname with newHost, preserving
// scheme, port, and path.
func substituteHost(rawURL, newHost string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if port := u.Port(); port != "" {
		u.Host = newHost + ":" + port
	} else {
		u.Host = newHost
	}
	return u.String()
}
