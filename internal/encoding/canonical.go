// Package encoding provides canonical JSON serialization and content hashing
// for simulation state, so independently derived states can be compared by
// hash.
package encoding

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON produces deterministic JSON inspired by RFC 8785 (JCS)
// principles: object keys sorted lexicographically, no whitespace, no HTML
// escaping, numbers without trailing zeros. Equal values always serialize to
// equal bytes regardless of map iteration order.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	// Round-trip through any so structs, maps, and RawMessage all reduce to
	// the same primitive shapes before ordering.
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, raw); err != nil {
		return nil, fmt.Errorf("encode canonical: %w", err)
	}
	return buf.Bytes(), nil
}

// writeCanonical appends the canonical form of v, sorting object keys and
// preserving array order.
func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		return writeScalar(buf, v)
	}
}

// writeScalar appends a scalar value without HTML escaping.
func writeScalar(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	// Encode terminates with a newline the canonical form does not carry.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// ContentHash computes a SHA-256 hash of the canonical JSON representation,
// truncated to 128 bits (32 hex characters) for a compact state identity.
func ContentHash(v any) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", fmt.Errorf("canonical json: %w", err)
	}
	return HashBytes(canonical), nil
}

// HashBytes computes the truncated SHA-256 hash over raw bytes. Callers that
// already hold canonical JSON use this to skip a second encode.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:16])
}
