// Package signature computes the identity and content hashes used for
// deduplication and deletion detection.
//
// Both functions are pure: no I/O, deterministic across processes, and
// independent of map key order or numeric representation.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

const separator = "-"

// PrimaryKeySignature returns the identity hash of record within a sync.
// It returns nil when pkFields is empty or any primary key field is missing
// or null, since such a record carries no identity.
func PrimaryKeySignature(record map[string]interface{}, pkFields []string, syncID string) *string {
	if len(pkFields) == 0 {
		return nil
	}

	values := make([]string, 0, len(pkFields))
	for _, field := range pkFields {
		v, ok := record[field]
		if !ok || v == nil {
			return nil
		}
		s, err := keyString(v)
		if err != nil {
			return nil
		}
		values = append(values, s)
	}
	sort.Strings(values)

	sig := hash(strings.Join(values, separator) + separator + syncID)
	return &sig
}

// DataSignature returns the content hash of record within a sync.
func DataSignature(record map[string]interface{}, syncID string) (string, error) {
	canonical, err := MarshalCanonical(record)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize record: %w", err)
	}
	return hash(string(canonical) + separator + syncID), nil
}

// keyString renders a primary key value; strings stay bare so that "42" and
// 42 from different encoders do not diverge only by quoting.
func keyString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
