package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MetadataType names the kind of check a metadata document records.
type MetadataType string

const (
	// MetadataNIP11Info is the relay information document fetched per NIP-11.
	MetadataNIP11Info MetadataType = "nip11_info"
	// MetadataNIP66RTT records dial/read/write round-trip times.
	MetadataNIP66RTT MetadataType = "nip66_rtt"
	// MetadataNIP66SSL records TLS certificate details.
	MetadataNIP66SSL MetadataType = "nip66_ssl"
	// MetadataNIP66GEO records IP geolocation results.
	MetadataNIP66GEO MetadataType = "nip66_geo"
	// MetadataNIP66NET records resolved IP information.
	MetadataNIP66NET MetadataType = "nip66_net"
	// MetadataNIP66DNS records DNS resolution results.
	MetadataNIP66DNS MetadataType = "nip66_dns"
	// MetadataNIP66HTTP records HTTP endpoint behaviour.
	MetadataNIP66HTTP MetadataType = "nip66_http"
)

// ErrInvalidMetadataType is returned for metadata types outside the known set.
var ErrInvalidMetadataType = errors.New("invalid metadata type")

// AllMetadataTypes lists every supported metadata type in a stable order.
func AllMetadataTypes() []MetadataType {
	return []MetadataType{
		MetadataNIP11Info,
		MetadataNIP66RTT,
		MetadataNIP66SSL,
		MetadataNIP66GEO,
		MetadataNIP66NET,
		MetadataNIP66DNS,
		MetadataNIP66HTTP,
	}
}

// Valid reports whether the metadata type is one of the supported values.
func (t MetadataType) Valid() bool {
	for _, known := range AllMetadataTypes() {
		if t == known {
			return true
		}
	}

	return false
}

// Metadata is a content-addressed JSON document. ID is the hex SHA-256 of
// the canonical serialization of Data, computed by the writer before
// insert; the storage layer never hashes. The primary key is (ID, Type),
// so identical bytes stored under different types coexist.
type Metadata struct {
	ID   string          `json:"id"`
	Type MetadataType    `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewMetadata canonicalizes a document, hashes it, and returns the
// resulting content-addressed Metadata value.
func NewMetadata(metadataType MetadataType, doc any) (Metadata, error) {
	if !metadataType.Valid() {
		return Metadata{}, fmt.Errorf("%w: %q", ErrInvalidMetadataType, metadataType)
	}

	canonical, err := CanonicalJSON(doc)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to canonicalize %s document: %w", metadataType, err)
	}

	return Metadata{
		ID:   HashSHA256(canonical),
		Type: metadataType,
		Data: canonical,
	}, nil
}

// RelayMetadata links a relay to a metadata document at a point in time.
// The primary key is (RelayURL, GeneratedAt, MetadataType): one document of
// a given type per relay per second.
type RelayMetadata struct {
	RelayURL     string       `json:"relay_url"`
	MetadataID   string       `json:"metadata_id"`
	MetadataType MetadataType `json:"metadata_type"`
	GeneratedAt  int64        `json:"generated_at"`
}

// MetadataObservation bundles a metadata document with the relay it was
// generated for, for the atomic three-table cascade insert.
type MetadataObservation struct {
	Relay       Relay
	Metadata    Metadata
	GeneratedAt int64
}
