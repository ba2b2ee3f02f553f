// Package canonical produces a deterministic serialization and hash for
// arbitrary task output. Master and worker both hash results through this
// package; the escrow settles on hash equality, so the canonical form must
// be bit-identical between the two processes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// PreparedResult bundles a result value with its canonical form and hash.
type PreparedResult struct {
	Data      interface{} `json:"data"`
	Canonical string      `json:"canonical"`
	Hash      string      `json:"hash"`
	Timestamp time.Time   `json:"timestamp"`
}

// Canonicalize serializes v with all object keys recursively sorted.
// Array order is preserved, scalars and null pass through unchanged.
// Two structurally equal values serialize identically regardless of the
// key order they were built with.
func Canonicalize(v interface{}) (string, error) {
	normalized, err := normalize(v)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, normalized); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Hash returns the sha256 digest of the canonical serialization of v.
func Hash(v interface{}) ([32]byte, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256([]byte(canonical)), nil
}

// HashHex returns the hex-encoded canonical hash of v.
func HashHex(v interface{}) (string, error) {
	digest, err := Hash(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(digest[:]), nil
}

// Verify reports whether v hashes to expectedHex.
func Verify(v interface{}, expectedHex string) bool {
	actual, err := HashHex(v)
	if err != nil {
		return false
	}
	return actual == expectedHex
}

// PrepareResult canonicalizes and hashes v, stamping the preparation time.
func PrepareResult(v interface{}) (*PreparedResult, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256([]byte(canonical))
	return &PreparedResult{
		Data:      v,
		Canonical: canonical,
		Hash:      hex.EncodeToString(digest[:]),
		Timestamp: time.Now().UTC(),
	}, nil
}

// normalize round-trips v through JSON so structs, maps and slices all
// collapse to the same generic shape. Numbers are decoded as json.Number
// to keep their literal form stable across the round trip.
func normalize(v interface{}) (interface{}, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not serializable: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.UseNumber()
	var out interface{}
	if err := decoder.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}
	return out, nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case map[string]interface{}:
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
			encodedKey, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(encodedKey)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
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
	case json.Number:
		buf.WriteString(val.String())
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	}
	return nil
}
