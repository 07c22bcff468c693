// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
)

// ParseRecipients parses age X25519 public keys (age1...). Blank
// entries are skipped.
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	var recipients []age.Recipient
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("blob: parsing recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	return recipients, nil
}

// LoadIdentities reads age identities from a key file in the format
// written by age-keygen (comments and blank lines allowed).
func LoadIdentities(path string) ([]age.Identity, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blob: opening identity file: %w", err)
	}
	defer file.Close()

	identities, err := age.ParseIdentities(file)
	if err != nil {
		return nil, fmt.Errorf("blob: parsing identity file %s: %w", path, err)
	}
	return identities, nil
}
