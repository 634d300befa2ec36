package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes.
// Version suffix enables future algorithm migration.
const (
	DomainSnapshot = "rewind/snapshot/v1"
	DomainInput    = "rewind/input/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SnapshotHash returns the content hash of a serialized state.
// Two peers agree on a frame exactly when their snapshot hashes match.
func SnapshotHash(s Snapshot) string {
	return hashWithDomain(DomainSnapshot, s)
}

// InputHash returns the content hash of one player's encoded input at a frame.
func InputHash(frame Frame, player PlayerID, payload []byte) string {
	prefix := fmt.Sprintf("%d:%d:", frame, player)
	return hashWithDomain(DomainInput, append([]byte(prefix), payload...))
}
