package extract

import (
	"regexp"
	"strings"
)

// AuthorRole tells whether a mention names an author of the document or an
// author it cites
type AuthorRole string

const (
	RoleAuthor AuthorRole = "author"
	RoleCited  AuthorRole = "cited"
)

// AuthorMention is a person named by a document
type AuthorMention struct {
	Name        string
	Affiliation string
	Role        AuthorRole
}

var (
	etAlPattern     = regexp.MustCompile(`\b([A-Z][a-z]+(?:-[A-Z][a-z]+)?)\s+et\s+al\.?`)
	initialsPattern = regexp.MustCompile(`\b([A-Z][a-z]+(?:-[A-Z][a-z]+)?),\s+((?:[A-Z]\.\s*){1,3})`)
)

// AuthorExtractor finds author mentions
type AuthorExtractor struct {
	// MaxCited caps mentions taken from free text
	MaxCited int
}

// NewAuthorExtractor creates a new author extractor
func NewAuthorExtractor() *AuthorExtractor {
	return &AuthorExtractor{MaxCited: 20}
}

// Extract returns the structured author list followed by authors cited in
// the text ("Smith et al.", "Smith, J. A.")
func (e *AuthorExtractor) Extract(d Decoded) []AuthorMention {
	var out []AuthorMention
	seen := make(map[string]bool)

	for _, a := range d.Authors {
		name := CleanText(a.Name)
		if name == "" || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		out = append(out, AuthorMention{Name: name, Affiliation: CleanText(a.Affiliation), Role: RoleAuthor})
	}

	cited := 0
	addCited := func(name string) {
		key := strings.ToLower(name)
		if cited >= e.MaxCited || seen[key] {
			return
		}
		seen[key] = true
		cited++
		out = append(out, AuthorMention{Name: name, Role: RoleCited})
	}

	text := d.Text()
	for _, m := range initialsPattern.FindAllStringSubmatch(text, -1) {
		addCited(strings.TrimSpace(m[2]) + " " + m[1])
	}
	for _, m := range etAlPattern.FindAllStringSubmatch(text, -1) {
		addCited(m[1])
	}
	return out
}

// LastName returns the family name of a display name, handling the
// "Last, First" form
func LastName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.Index(name, ","); i > 0 {
		return strings.TrimSpace(name[:i])
	}
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}
