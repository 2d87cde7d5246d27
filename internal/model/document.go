package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
)

// RawDocument is a single fetched item. It is consumed exactly once by the
// validation pipeline and never mutated.
type RawDocument struct {
	ContentHash    string    `json:"content_hash"`
	SourceID       string    `json:"source_id"`
	FetchedAt      time.Time `json:"fetched_at"`
	RawPayload     []byte    `json:"raw_payload"`
	SourceNativeID string    `json:"source_native_id,omitempty"`
	ContentType    string    `json:"content_type,omitempty"`
	URL            string    `json:"url,omitempty"`
}

// NewRawDocument builds a document and stamps its content address
func NewRawDocument(sourceID, nativeID string, payload []byte, fetchedAt time.Time) RawDocument {
	return RawDocument{
		ContentHash:    ContentHash(payload),
		SourceID:       sourceID,
		FetchedAt:      fetchedAt,
		RawPayload:     payload,
		SourceNativeID: nativeID,
	}
}

// ContentHash returns the content address of a payload: the hex SHA-256 of
// the payload with whitespace runs collapsed and the ends trimmed.
func ContentHash(payload []byte) string {
	sum := sha256.Sum256([]byte(NormalizePayload(payload)))
	return hex.EncodeToString(sum[:])
}

// NormalizePayload collapses whitespace so that re-serialized copies of the
// same content hash identically.
func NormalizePayload(payload []byte) string {
	var b strings.Builder
	b.Grow(len(payload))
	space := false
	for _, r := range string(payload) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// DocumentOutcome records how the pipeline finished with a document
type DocumentOutcome string

const (
	OutcomeCommitted DocumentOutcome = "committed"
	OutcomeRejected  DocumentOutcome = "rejected"
)

// DocumentRecord is the store's trace of an admitted document. Every
// admitted document gets exactly one record, even when it yields no facts.
type DocumentRecord struct {
	ContentHash    string            `json:"content_hash"`
	SourceID       string            `json:"source_id"`
	SourceNativeID string            `json:"source_native_id,omitempty"`
	URL            string            `json:"url,omitempty"`
	FetchedAt      time.Time         `json:"fetched_at"`
	CommittedAt    time.Time         `json:"committed_at"`
	Outcome        DocumentOutcome   `json:"outcome"`
	Reason         string            `json:"reason,omitempty"`
	Identifiers    []string          `json:"identifiers,omitempty"` // e.g. "doi:10.1000/182", "pmid:12345"
	AnchorFactID   string            `json:"anchor_fact_id,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
}
