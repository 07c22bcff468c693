// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"strings"
	"testing"
)

func TestSumMatchesStreamingHasher(t *testing.T) {
	content := []byte(strings.Repeat("streamed content ", 1000))

	hasher := NewHasher()
	for offset := 0; offset < len(content); offset += 77 {
		end := min(offset+77, len(content))
		hasher.Write(content[offset:end])
	}

	if got, want := hasher.Sum(), Sum(content); got != want {
		t.Errorf("streaming digest %s != one-shot digest %s", got, want)
	}
}

func TestSumDistinguishesContent(t *testing.T) {
	if Sum([]byte("a")) == Sum([]byte("b")) {
		t.Error("different content produced the same digest")
	}
	if Sum(nil).IsZero() {
		t.Error("digest of empty content is the zero hash")
	}
}

func TestParseHashRoundtrip(t *testing.T) {
	original := Sum([]byte("roundtrip"))
	parsed, err := ParseHash(original.String())
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if parsed != original {
		t.Errorf("ParseHash = %s, want %s", parsed, original)
	}

	text, err := original.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var decoded Hash
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if decoded != original {
		t.Errorf("UnmarshalText = %s, want %s", decoded, original)
	}
}

func TestParseHashRejectsMalformed(t *testing.T) {
	for _, input := range []string{
		"",
		"abcd",
		strings.Repeat("z", 64),
		strings.Repeat("a", 65),
	} {
		if _, err := ParseHash(input); err == nil {
			t.Errorf("ParseHash(%q) succeeded", input)
		}
	}
}
