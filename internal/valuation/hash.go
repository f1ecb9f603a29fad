package valuation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SnapshotHash returns the canonical content hash of an input snapshot.
// Marshalling a decoded map sorts keys, so two snapshots with the same
// content hash identically regardless of original field order.
func SnapshotHash(snapshot map[string]any) (string, error) {
	if len(snapshot) == 0 {
		return "", fmt.Errorf("snapshot is empty")
	}
	canonical, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("canonicalize snapshot: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:16]), nil
}
