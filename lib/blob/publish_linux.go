// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package blob

import (
	"errors"

	"golang.org/x/sys/unix"
)

// publish moves the staged file at from to to unless to already
// exists. It reports published=false when another writer got there
// first. The kernel performs the existence check and the rename as one
// step, so concurrent processes publishing the same digest cannot both
// win.
func publish(from, to string) (published bool, err error) {
	err = unix.Renameat2(unix.AT_FDCWD, from, unix.AT_FDCWD, to, unix.RENAME_NOREPLACE)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.EEXIST):
		return false, nil
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOSYS):
		// Filesystem without RENAME_NOREPLACE support.
		return publishFallback(from, to)
	default:
		return false, err
	}
}
