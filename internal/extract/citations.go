package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fliws/immortyx/internal/model"
)

// CitationMention is a reference to another work found in a document
type CitationMention struct {
	Kind model.CitationKind
	Key  string // normalized target key
	Raw  string
}

var (
	doiPattern        = regexp.MustCompile(`(?i)\b(10\.\d{4,9}/[-._;()/:a-z0-9]*[a-z0-9])`)
	pmidPattern       = regexp.MustCompile(`(?i)\bPMID:?\s*(\d{5,9})\b`)
	arxivPattern      = regexp.MustCompile(`(?i)\barXiv:\s*(\d{4}\.\d{4,5})(?:v\d+)?\b`)
	nctPattern        = regexp.MustCompile(`\b(NCT\d{8})\b`)
	numericPattern    = regexp.MustCompile(`\[(\d{1,3}(?:\s*[,\x{2013}-]\s*\d{1,3})*)\]`)
	authorYearPattern = regexp.MustCompile(`\(([A-Z][A-Za-z'\-]+)(?:\s+(?:et\s+al\.?|and\s+[A-Z][A-Za-z'\-]+))?,?\s+((?:19|20)\d{2})[a-z]?\)`)
)

// NormalizeIdentifier returns the canonical key for an identifier of the
// given kind, or "" when value is not a valid identifier
func NormalizeIdentifier(kind, value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	switch kind {
	case "doi":
		lower := strings.ToLower(v)
		for _, prefix := range []string{"https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "http://dx.doi.org/", "doi:"} {
			lower = strings.TrimPrefix(lower, prefix)
		}
		lower = strings.TrimRight(strings.TrimSpace(lower), ".,;")
		if !strings.HasPrefix(lower, "10.") || !strings.Contains(lower, "/") {
			return ""
		}
		return "doi:" + lower
	case "pmid":
		v = strings.TrimPrefix(strings.ToUpper(v), "PMID:")
		v = strings.TrimSpace(v)
		if _, err := strconv.ParseUint(v, 10, 64); err != nil {
			return ""
		}
		return "pmid:" + strings.TrimLeft(v, "0")
	case "arxiv":
		v = strings.TrimPrefix(strings.ToLower(v), "arxiv:")
		if i := strings.LastIndex(v, "v"); i > 0 && isNumber(v[i+1:]) && v[i+1:] != "" {
			v = v[:i]
		}
		if v == "" {
			return ""
		}
		return "arxiv:" + v
	case "nct":
		v = strings.ToUpper(v)
		if !nctPattern.MatchString(v) {
			return ""
		}
		return "nct:" + v
	}
	return ""
}

// AuthorYearKey is the key under which a document can be cited as
// "(Author Year)"
func AuthorYearKey(lastName string, year int) string {
	last := strings.ToLower(strings.Trim(lastName, " .,"))
	if last == "" || year == 0 {
		return ""
	}
	return fmt.Sprintf("ay:%s:%d", last, year)
}

// CitationExtractor finds citation mentions in text
type CitationExtractor struct{}

// NewCitationExtractor creates a new citation extractor
func NewCitationExtractor() *CitationExtractor {
	return &CitationExtractor{}
}

// Extract returns the citations of a decoded document, distinct per kind
// and key. Numeric
// markers are resolved through the reference list when it has an entry,
// otherwise they are scoped to docHash. Identifiers of the document itself
// are not citations.
func (e *CitationExtractor) Extract(d Decoded, docHash string) []CitationMention {
	self := make(map[string]bool, len(d.Identifiers))
	for _, id := range d.Identifiers {
		self[id] = true
	}

	var out []CitationMention
	seen := make(map[string]bool)
	add := func(m CitationMention) {
		k := string(m.Kind) + " " + m.Key
		if m.Key == "" || self[m.Key] || seen[k] {
			return
		}
		seen[k] = true
		out = append(out, m)
	}

	text := d.Text()
	e.identifierMentions(text, add)

	for _, m := range numericPattern.FindAllStringSubmatch(text, -1) {
		for _, n := range expandNumeric(m[1]) {
			if n >= 1 && n <= len(d.References) {
				if ref := firstIdentifier(d.References[n-1]); ref.Key != "" {
					ref.Kind = model.CitationNumeric
					ref.Raw = m[0]
					add(ref)
					continue
				}
			}
			add(CitationMention{
				Kind: model.CitationNumeric,
				Key:  fmt.Sprintf("ref:%s:%d", shortHash(docHash), n),
				Raw:  m[0],
			})
		}
	}

	for _, m := range authorYearPattern.FindAllStringSubmatch(text, -1) {
		year, _ := strconv.Atoi(m[2])
		add(CitationMention{Kind: model.CitationAuthorYear, Key: AuthorYearKey(m[1], year), Raw: m[0]})
	}

	// Reference list entries not cited inline still count
	for _, ref := range d.References {
		e.identifierMentions(ref, add)
	}

	return out
}

func (e *CitationExtractor) identifierMentions(text string, add func(CitationMention)) {
	for _, m := range doiPattern.FindAllStringSubmatch(text, -1) {
		add(CitationMention{Kind: model.CitationDOI, Key: NormalizeIdentifier("doi", m[1]), Raw: m[0]})
	}
	for _, m := range pmidPattern.FindAllStringSubmatch(text, -1) {
		add(CitationMention{Kind: model.CitationPMID, Key: NormalizeIdentifier("pmid", m[1]), Raw: m[0]})
	}
	for _, m := range arxivPattern.FindAllStringSubmatch(text, -1) {
		add(CitationMention{Kind: model.CitationArXiv, Key: NormalizeIdentifier("arxiv", m[1]), Raw: m[0]})
	}
	for _, m := range nctPattern.FindAllStringSubmatch(text, -1) {
		add(CitationMention{Kind: model.CitationNCT, Key: NormalizeIdentifier("nct", m[1]), Raw: m[0]})
	}
}

// firstIdentifier returns the first recognizable identifier in a reference
func firstIdentifier(ref string) CitationMention {
	var first CitationMention
	(&CitationExtractor{}).identifierMentions(ref, func(m CitationMention) {
		if first.Key == "" && m.Key != "" {
			first = m
		}
	})
	return first
}

// expandNumeric expands "1, 3-5" into 1 3 4 5
func expandNumeric(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		bounds := strings.FieldsFunc(part, func(r rune) bool { return r == '-' || r == '–' })
		switch len(bounds) {
		case 1:
			if n, err := strconv.Atoi(strings.TrimSpace(bounds[0])); err == nil {
				out = append(out, n)
			}
		case 2:
			lo, err1 := strconv.Atoi(strings.TrimSpace(bounds[0]))
			hi, err2 := strconv.Atoi(strings.TrimSpace(bounds[1]))
			if err1 == nil && err2 == nil && lo <= hi && hi-lo <= 50 {
				for n := lo; n <= hi; n++ {
					out = append(out, n)
				}
			}
		}
	}
	return out
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
