// Package integrity derives stable identities from record fields. All
// functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"slices"
)

// DedupKey hashes the identifying fields of a finding into a stable key of
// the form "<kind>:<hex>". Fields are length-prefixed so that no choice of
// field contents can collide with a different split of the same bytes.
func DedupKey(kind string, fields ...string) string {
	h := sha256.New()
	writeField(h, kind)
	for _, f := range fields {
		writeField(h, f)
	}
	return kind + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}

// SortedFields returns a copy of fields in ascending order, for keys that
// must not depend on discovery order.
func SortedFields(fields []string) []string {
	out := slices.Clone(fields)
	slices.Sort(out)
	return out
}

// ContentHash returns the hex SHA-256 of a payload. Used as the message id
// when publishing briefings so redeliveries are recognizable downstream.
func ContentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func writeField(h hash.Hash, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // fields are short identifiers
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}
