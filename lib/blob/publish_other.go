// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package blob

func publish(from, to string) (bool, error) {
	return publishFallback(from, to)
}
