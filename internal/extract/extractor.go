// Package extract turns raw payloads into claim drafts, citation mentions
// and author mentions.
package extract

import (
	"github.com/fliws/immortyx/internal/model"
)

// Result is everything extracted from one document
type Result struct {
	Doc       Decoded
	Claims    []Claim
	Citations []CitationMention
	Authors   []AuthorMention
	Topics    []string // assigned topic per claim, parallel to Claims
	// DecodeErr is set when the payload fell back to plain text
	DecodeErr error
}

// Extractor runs decoding and all extractors for a document
type Extractor struct {
	decoders  *Decoders
	claims    *ClaimExtractor
	citations *CitationExtractor
	authors   *AuthorExtractor
	topics    *TopicAssigner
}

// New creates an extractor over the configured topics
func New(topics []model.Topic, maxClaims int) *Extractor {
	claims := NewClaimExtractor()
	if maxClaims > 0 {
		claims.MaxClaims = maxClaims
	}
	return &Extractor{
		decoders:  NewDecoders(),
		claims:    claims,
		citations: NewCitationExtractor(),
		authors:   NewAuthorExtractor(),
		topics:    NewTopicAssigner(topics),
	}
}

// Extract extracts a document. It never fails: an undecodable payload is
// extracted as plain text and zero claims is a valid result.
func (e *Extractor) Extract(doc model.RawDocument, source model.SourceDescriptor) Result {
	decoded, err := e.decoders.Decode(doc.ContentType, doc.RawPayload)
	if decoded.URL == "" {
		decoded.URL = doc.URL
	}

	res := Result{
		Doc:       decoded,
		DecodeErr: err,
		Claims:    e.claims.Extract(decoded.Text()),
		Citations: e.citations.Extract(decoded, doc.ContentHash),
		Authors:   e.authors.Extract(decoded),
	}

	docSize := decoded.StudySize
	if docSize == 0 {
		docSize = StudySize(decoded.Text())
	}
	res.Topics = make([]string, len(res.Claims))
	for i := range res.Claims {
		if res.Claims[i].StudySize == 0 {
			res.Claims[i].StudySize = docSize
		}
		res.Topics[i] = e.topics.Assign(res.Claims[i].Text, decoded.Topics, source.DefaultTopic)
	}
	return res
}

// DocumentKeys returns the identifiers a document can be cited by,
// including its author-year key when the first author and year are known
func DocumentKeys(d Decoded) []string {
	keys := append([]string(nil), d.Identifiers...)
	if len(d.Authors) > 0 {
		if k := AuthorYearKey(LastName(d.Authors[0].Name), d.Year); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
