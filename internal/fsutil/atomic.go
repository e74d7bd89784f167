// SPDX-License-Identifier: MIT

// Package fsutil provides atomic, durable file writes for archive data.
package fsutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// WriteJSONLines atomically writes items as one JSON document per line.
// The file appears complete or not at all: renameio writes to a temp
// file, fsyncs, and renames over path, so a crash never leaves a
// truncated archive behind.
func WriteJSONLines[T any](path string, items []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending archive file: %w", err)
	}
	defer func() {
		_ = pendingFile.Cleanup()
	}()

	enc := json.NewEncoder(pendingFile)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("encode archive line: %w", err)
		}
	}

	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace archive file: %w", err)
	}
	return nil
}
