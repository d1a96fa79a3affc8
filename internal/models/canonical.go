package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON serializes a value into its canonical JSON form: object
// keys sorted lexicographically, no insignificant whitespace, numeric
// literals preserved verbatim, no HTML escaping. Two writers producing the
// same logical document always produce identical canonical bytes, which is
// what makes content-addressed metadata dedup work. Changing this encoding
// changes every metadata id, so treat it as a storage format.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}

	// Round-trip through a generic value so struct field order collapses
	// into sorted map keys. UseNumber keeps numeric literals intact
	// instead of forcing them through float64.
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to decode document for canonicalization: %w", err)
	}

	var buf bytes.Buffer

	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)

	if err := encoder.Encode(generic); err != nil {
		return nil, fmt.Errorf("failed to encode canonical form: %w", err)
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// HashSHA256 returns the lowercase hex SHA-256 digest of the input bytes.
func HashSHA256(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}
