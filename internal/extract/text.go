package extract

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true, "in": true, "on": true,
	"at": true, "to": true, "for": true, "of": true, "with": true, "by": true, "from": true, "up": true,
	"about": true, "into": true, "through": true, "during": true, "before": true, "after": true,
	"above": true, "below": true, "between": true, "among": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "we": true, "our": true, "their": true, "its": true, "it": true, "they": true,
	"than": true, "then": true, "also": true, "not": true, "no": true, "which": true, "who": true,
	"such": true, "both": true, "each": true, "other": true, "all": true, "some": true, "more": true,
	"most": true, "very": true, "here": true, "there": true, "when": true, "where": true, "while": true,
	"study": true, "results": true, "showed": true, "shows": true, "found": true, "using": true,
}

// extractVisibleText extracts text nodes from HTML, skipping scripts/styles
func extractVisibleText(n *html.Node) string {
	var buf strings.Builder

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "iframe", "head", "nav", "footer":
				return
			}
		}

		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				buf.WriteString(text)
				buf.WriteString(" ")
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	walk(n)
	return buf.String()
}

// splitSentences splits text into sentences (simple heuristic)
func splitSentences(text string) []string {
	text = strings.Join(strings.Fields(text), " ")

	var sentences []string
	var current strings.Builder

	flush := func() {
		sentence := strings.TrimSpace(current.String())
		if len(sentence) >= 30 && len(sentence) <= 500 {
			sentences = append(sentences, sentence)
		}
		current.Reset()
	}

	for i, r := range text {
		current.WriteRune(r)

		if r == '.' || r == '!' || r == '?' {
			// Split only before whitespace followed by an uppercase letter or
			// digit, which keeps "et al. 2021" and "e.g. mice" together
			if i+2 < len(text) && text[i+1] == ' ' && startsSentence(text[i+2]) && !abbreviationBefore(current.String()) {
				flush()
			}
		}
	}
	if current.Len() > 0 {
		flush()
	}

	return sentences
}

func startsSentence(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '('
}

// abbreviationBefore reports whether the sentence so far ends in a
// common abbreviation
func abbreviationBefore(s string) bool {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return false
	}
	last := strings.ToLower(fields[len(fields)-1])
	switch last {
	case "al.", "e.g.", "i.e.", "fig.", "vs.", "approx.", "dr.", "no.", "ref.", "refs.", "et.":
		return true
	}
	// Initials such as "J." in "Smith, J. A."
	return len(last) == 2 && unicode.IsLetter(rune(last[0]))
}

// tokenize lowercases text and splits it into word tokens
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
}

// Keywords returns the distinct content words of text in order of first
// appearance, capped at max (0 means no cap)
func Keywords(text string, max int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range tokenize(text) {
		tok = strings.Trim(tok, "-")
		if len(tok) < 3 || stopWords[tok] || seen[tok] || isNumber(tok) {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// CleanText collapses whitespace and strips control characters
func CleanText(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
