package wire

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// CanonicalJSON marshals v into JSON with map keys sorted, so that two
// logically identical values always hash to the same checksum regardless of
// field population order. encoding/json sorts map keys at every nesting
// depth; normalize below additionally turns structs into plain maps so
// they are encoded with sorted keys too.
func CanonicalJSON(v interface{}) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize round-trips v through JSON, so structs become
// map[string]interface{} values and numbers become float64. Plain
// json.Marshal already sorts top-level and nested Go map keys, so the
// round-trip is sufficient; it keeps checksum inputs decoupled from struct
// field order.
func normalize(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return out, nil
}

// Checksum computes the canonical xxhash64 checksum of v, formatted as a
// 16-character hex string. Grounded on the teacher's ComputeFileChecksum /
// chunk-checksum pattern in internal/peer/transfer.go, which hashes with
// xxhash.Sum64 and formats with fmt.Sprintf("%016x", hash); generalized
// here from raw byte chunks to canonicalized JSON structures (code bundles
// and execution checkpoints) so the checksum is stable across marshal order.
func Checksum(v interface{}) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b)), nil
}

// VerifyChecksum recomputes v's checksum and compares it against want.
func VerifyChecksum(v interface{}, want string) (bool, error) {
	got, err := Checksum(v)
	if err != nil {
		return false, err
	}
	return got == want, nil
}

// SortedKeys returns the keys of a string-keyed map in sorted order. Used
// by callers that need deterministic iteration order over variables maps
// for logging or diffing, independent of the checksum path above.
func SortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
