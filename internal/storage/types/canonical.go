package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashLength is the length of a record hash in hex characters.
const HashLength = sha256.Size * 2

// Canonicalize returns the canonical JSON form of v. Two values that are
// equal as JSON documents produce identical bytes:
//   - object keys are sorted
//   - numbers keep their literal form (no float round-trip)
//   - strings and keys are kept byte for byte
//   - HTML characters are not escaped
//   - no insignificant whitespace
//
// A json.RawMessage or []byte argument is treated as an encoded document.
func Canonicalize(v any) (json.RawMessage, error) {
	var raw []byte
	switch x := v.(type) {
	case json.RawMessage:
		raw = x
	case []byte:
		raw = x
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode content: %w", err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode content: trailing data after document")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Digest returns the hex SHA-256 of canonical content bytes.
func Digest(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// HashContent canonicalizes v and returns its digest.
func HashContent(v any) (string, error) {
	c, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return Digest(c), nil
}
