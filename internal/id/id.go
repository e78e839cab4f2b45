// Package id generates URL-safe identifiers for rooms, participants, and
// journal records.
//
// Identifiers are UUIDv4 bytes encoded as base32 (RFC 4648) with no padding.
// The resulting strings are 26 characters long, lowercase, and safe for use
// in URLs and file paths.
package id

import (
	"encoding/base32"
	"fmt"

	"github.com/google/uuid"
)

// encoding is RFC 4648 base32 with a lowercase alphabet and no padding.
var encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// NewID returns a new 26-character identifier.
func NewID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return encoding.EncodeToString(u[:]), nil
}
