package model

import "strings"

// AuthorIdentity is a resolved author. Identities are merged, never split.
type AuthorIdentity struct {
	AuthorID       string   `json:"author_id"`
	CanonicalName  string   `json:"canonical_name"`
	NormalizedName string   `json:"normalized_name"`
	Aliases        []string `json:"aliases,omitempty"`
	Affiliations   []string `json:"affiliations,omitempty"`
	LinkedFactIDs  []string `json:"linked_fact_ids,omitempty"`
	MergedInto     string   `json:"merged_into,omitempty"`
}

// AuthorRef is a fact's reference to an author identity. Provisional refs
// come from the ambiguous scoring band and await deferred resolution.
type AuthorRef struct {
	AuthorID     string   `json:"author_id"`
	Name         string   `json:"name"`
	Provisional  bool     `json:"provisional,omitempty"`
	CandidateIDs []string `json:"candidate_ids,omitempty"`
	Score        float64  `json:"score,omitempty"`
}

// AuthorOpKind enumerates author writes attached to a commit
type AuthorOpKind string

const (
	AuthorOpCreate AuthorOpKind = "create"
	AuthorOpLink   AuthorOpKind = "link"
	AuthorOpDefer  AuthorOpKind = "defer"
)

// AuthorOp is a single author write committed with a document. Create
// carries the new identity; Link appends alias, affiliation and fact ids to
// an existing identity; Defer records a pending resolution.
type AuthorOp struct {
	Kind         AuthorOpKind   `json:"kind"`
	AuthorID     string         `json:"author_id"`
	Identity     AuthorIdentity `json:"identity,omitempty"`
	Alias        string         `json:"alias,omitempty"`
	Affiliation  string         `json:"affiliation,omitempty"`
	FactIDs      []string       `json:"fact_ids,omitempty"`
	CandidateIDs []string       `json:"candidate_ids,omitempty"`

	// NameKey and Observed make creates optimistic: the commit fails with a
	// conflict when the number of live identities under NameKey changed
	// since resolution read them.
	NameKey  string `json:"name_key,omitempty"`
	Observed int    `json:"observed,omitempty"`
}

// NameKey is the lookup key of a normalized author name: its last token
func NameKey(normalized string) string {
	fields := strings.Fields(normalized)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// Keys returns the distinct name keys of an identity across its aliases
func (a AuthorIdentity) Keys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, n := range append([]string{a.NormalizedName}, a.Aliases...) {
		k := NameKey(n)
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// PendingResolution is a queued ambiguous author mention
type PendingResolution struct {
	AuthorID     string   `json:"author_id"` // provisional identity id
	Name         string   `json:"name"`
	Affiliation  string   `json:"affiliation,omitempty"`
	CandidateIDs []string `json:"candidate_ids"`
	FactIDs      []string `json:"fact_ids"`
}
