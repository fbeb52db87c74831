// Package schema defines the record model shared across the relay pipeline.
package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Record is a single audit event as returned by the upstream API. Records
// are opaque to the relay: no field is ever inspected, the document is only
// serialized, fingerprinted, stored and forwarded as a unit.
type Record map[string]any

// Fingerprint is the lowercase hex SHA-256 digest of a record's canonical
// line. It is the sole identity used for deduplication.
type Fingerprint string

// Canonical renders a record as a single UTF-8 JSON line without a trailing
// newline. The rendering is deterministic: map keys are emitted in sorted
// order, so the same record yields the same bytes on every call and across
// process restarts. Non-ASCII and HTML-significant characters pass through
// unescaped to match the wire and file formats.
func Canonical(r Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("canonicalize record: %w", err)
	}
	// Encoder.Encode appends a newline; the canonical form excludes it so
	// the bytes hashed at admission equal the bytes hashed at replay.
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// FingerprintOf computes the fingerprint of canonical record bytes.
func FingerprintOf(canonical []byte) Fingerprint {
	sum := sha256.Sum256(canonical)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// FingerprintLine computes the fingerprint of one line read back from the
// audit file. A trailing newline, and a carriage return before it, are
// stripped first so that replayed lines hash identically to the canonical
// bytes they were written from.
func FingerprintLine(line []byte) Fingerprint {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return FingerprintOf(line)
}
