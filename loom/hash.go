package loom

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashAttributes computes the content hash of an attribute set.
//
// Protocol: nil normalizes to the empty map; the set is serialized to UTF-8
// JSON with lexicographically sorted keys and no insignificant whitespace;
// the bytes are hashed with SHA-256 and presented as 64-char lowercase hex.
//
// encoding/json sorts map keys at every nesting level, so JSON-equal
// attribute sets produce the same hash regardless of insertion order or
// storage backend. Values must be JSON-serializable; anything read back from
// a JSON column already is.
func HashAttributes(attrs map[string]any) (string, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize attributes: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
