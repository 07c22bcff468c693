// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"errors"
	"io/fs"
	"os"
)

// publishFallback checks for an existing file and then renames. The
// window between the two steps can let two writers of the same digest
// both rename; their bytes are identical, so the loser overwrites the
// winner with the same content.
func publishFallback(from, to string) (bool, error) {
	if _, err := os.Stat(to); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.Rename(from, to); err != nil {
		return false, err
	}
	return true, nil
}
