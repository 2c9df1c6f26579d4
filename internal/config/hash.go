package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// hashJSON hashes the JSON encoding of v; map keys are sorted by encoding/json
// so equal values hash equally.
func hashJSON(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
