package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// Decoded is the source-independent view of a fetched payload
type Decoded struct {
	Title       string
	Abstract    string
	Body        string
	URL         string
	Authors     []AuthorInput
	Identifiers []string // normalized keys, e.g. "doi:10.1000/182"
	References  []string // raw reference strings in list order
	Topics      []string
	StudySize   int
	Year        int
	Decoder     string
}

// Text is the full searchable text of the document
func (d Decoded) Text() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{d.Title, d.Abstract, d.Body} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, ensureTerminated(p))
		}
	}
	return strings.Join(parts, " ")
}

// ensureTerminated keeps a title from running into the next sentence
func ensureTerminated(s string) string {
	switch s[len(s)-1] {
	case '.', '!', '?':
		return s
	}
	return s + "."
}

// AuthorInput is an author as listed by the source
type AuthorInput struct {
	Name        string `json:"name"`
	Affiliation string `json:"affiliation,omitempty"`
}

// UnmarshalJSON accepts both "Jane Doe" and {"name": "Jane Doe", ...}
func (a *AuthorInput) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &a.Name)
	}
	type plain AuthorInput
	return json.Unmarshal(data, (*plain)(a))
}

// Decoder turns a raw payload into a Decoded document
type Decoder interface {
	// Name returns the decoder name
	Name() string

	// CanHandle checks if this decoder understands the payload
	CanHandle(contentType string, payload []byte) bool

	// Decode decodes the payload
	Decode(payload []byte) (Decoded, error)
}

// Decoders picks a decoder per payload, falling back to plain text
type Decoders struct {
	decoders []Decoder
	fallback Decoder
}

// NewDecoders creates the built-in decoder chain: JSON envelope, HTML,
// plain text
func NewDecoders() *Decoders {
	return &Decoders{
		decoders: []Decoder{JSONDecoder{}, HTMLDecoder{}},
		fallback: TextDecoder{},
	}
}

// Register adds a decoder ahead of the built-ins
func (d *Decoders) Register(dec Decoder) {
	d.decoders = append([]Decoder{dec}, d.decoders...)
}

// Decode decodes payload with the first decoder that claims it. A decoder
// error degrades to plain-text decoding; it is never fatal.
func (d *Decoders) Decode(contentType string, payload []byte) (Decoded, error) {
	for _, dec := range d.decoders {
		if !dec.CanHandle(contentType, payload) {
			continue
		}
		out, err := dec.Decode(payload)
		if err == nil {
			out.Decoder = dec.Name()
			return out, nil
		}
		text, _ := d.fallback.Decode(payload)
		text.Decoder = d.fallback.Name()
		return text, fmt.Errorf("extract: %s decode: %w", dec.Name(), err)
	}
	out, err := d.fallback.Decode(payload)
	out.Decoder = d.fallback.Name()
	return out, err
}

// Envelope is the structured JSON payload produced by fetchers
type Envelope struct {
	Title      string          `json:"title"`
	Abstract   string          `json:"abstract"`
	Body       string          `json:"body"`
	URL        string          `json:"url"`
	Authors    []AuthorInput   `json:"authors"`
	DOI        string          `json:"doi"`
	PMID       json.RawMessage `json:"pmid"`
	ArXiv      string          `json:"arxiv"`
	NCT        string          `json:"nct"`
	References []string        `json:"references"`
	Topics     []string        `json:"topics"`
	StudySize  int             `json:"study_size"`
	Year       int             `json:"year"`
	Published  string          `json:"published"`

	// Identifiers holds already normalized keys such as "doi:10.1000/182"
	Identifiers []string `json:"identifiers,omitempty"`
}

// JSONDecoder decodes the JSON envelope
type JSONDecoder struct{}

// Name returns the decoder name
func (JSONDecoder) Name() string { return "json" }

// CanHandle checks for a JSON object payload
func (JSONDecoder) CanHandle(contentType string, payload []byte) bool {
	if strings.Contains(contentType, "json") {
		return true
	}
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// Decode decodes the envelope
func (JSONDecoder) Decode(payload []byte) (Decoded, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Decoded{}, err
	}

	out := Decoded{
		Title:      CleanText(env.Title),
		Abstract:   CleanText(env.Abstract),
		Body:       CleanText(env.Body),
		URL:        strings.TrimSpace(env.URL),
		Authors:    env.Authors,
		References: env.References,
		Topics:     env.Topics,
		StudySize:  env.StudySize,
		Year:       env.Year,
	}
	if out.Year == 0 {
		out.Year = leadingYear(env.Published)
	}

	pmid := strings.Trim(string(env.PMID), `" `)
	for _, id := range []struct {
		kind, value string
	}{{"doi", env.DOI}, {"pmid", pmid}, {"arxiv", env.ArXiv}, {"nct", env.NCT}} {
		if key := NormalizeIdentifier(id.kind, id.value); key != "" {
			out.Identifiers = append(out.Identifiers, key)
		}
	}
	for _, key := range env.Identifiers {
		if !containsKey(out.Identifiers, key) {
			out.Identifiers = append(out.Identifiers, key)
		}
	}
	return out, nil
}

// NewEnvelope packs a decoded document back into the JSON envelope
func NewEnvelope(d Decoded) Envelope {
	return Envelope{
		Title:       d.Title,
		Abstract:    d.Abstract,
		Body:        d.Body,
		URL:         d.URL,
		Authors:     d.Authors,
		Identifiers: d.Identifiers,
		References:  d.References,
		Topics:      d.Topics,
		StudySize:   d.StudySize,
		Year:        d.Year,
	}
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// HTMLDecoder decodes HTML pages, reading scholarly citation_* meta tags
// when present
type HTMLDecoder struct{}

// Name returns the decoder name
func (HTMLDecoder) Name() string { return "html" }

// CanHandle checks for an HTML payload
func (HTMLDecoder) CanHandle(contentType string, payload []byte) bool {
	if strings.Contains(contentType, "html") {
		return true
	}
	head := strings.ToLower(string(bytes.TrimSpace(payload[:min(len(payload), 512)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html") || strings.Contains(head, "<body")
}

// Decode decodes the HTML page
func (HTMLDecoder) Decode(payload []byte) (Decoded, error) {
	doc, err := html.Parse(bytes.NewReader(payload))
	if err != nil {
		return Decoded{}, err
	}
	return DecodeHTMLNode(doc), nil
}

// DecodeHTMLNode extracts metadata and visible text from a parsed page
func DecodeHTMLNode(doc *html.Node) Decoded {
	var out Decoded
	var title string

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if n.FirstChild != nil && title == "" {
					title = CleanText(n.FirstChild.Data)
				}
			case "meta":
				applyMeta(&out, attr(n, "name"), attr(n, "property"), attr(n, "content"))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if out.Title == "" {
		out.Title = title
	}
	out.Body = CleanText(extractVisibleText(doc))
	return out
}

func applyMeta(out *Decoded, name, property, content string) {
	content = CleanText(content)
	if content == "" {
		return
	}
	switch strings.ToLower(name) {
	case "citation_title", "dc.title":
		out.Title = content
	case "citation_author", "dc.creator":
		out.Authors = append(out.Authors, AuthorInput{Name: content})
	case "citation_author_institution":
		if n := len(out.Authors); n > 0 && out.Authors[n-1].Affiliation == "" {
			out.Authors[n-1].Affiliation = content
		}
	case "citation_doi", "dc.identifier":
		addIdentifier(out, "doi", content)
	case "citation_pmid":
		addIdentifier(out, "pmid", content)
	case "citation_arxiv_id":
		addIdentifier(out, "arxiv", content)
	case "citation_publication_date", "citation_date", "dc.date":
		if out.Year == 0 {
			out.Year = leadingYear(content)
		}
	case "citation_abstract", "description":
		if out.Abstract == "" {
			out.Abstract = content
		}
	}
	if strings.EqualFold(property, "og:url") && out.URL == "" {
		out.URL = content
	}
}

func addIdentifier(out *Decoded, kind, value string) {
	key := NormalizeIdentifier(kind, value)
	if key == "" {
		return
	}
	for _, existing := range out.Identifiers {
		if existing == key {
			return
		}
	}
	out.Identifiers = append(out.Identifiers, key)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// TextDecoder treats the payload as plain text
type TextDecoder struct{}

// Name returns the decoder name
func (TextDecoder) Name() string { return "text" }

// CanHandle always returns true (fallback decoder)
func (TextDecoder) CanHandle(string, []byte) bool { return true }

// Decode decodes the text, dropping invalid UTF-8
func (TextDecoder) Decode(payload []byte) (Decoded, error) {
	text := string(payload)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, " ")
	}
	return Decoded{Body: CleanText(text)}, nil
}

func leadingYear(s string) int {
	s = strings.TrimSpace(s)
	if len(s) < 4 {
		return 0
	}
	y, err := strconv.Atoi(s[:4])
	if err != nil || y < 1800 || y > 2200 {
		return 0
	}
	return y
}
