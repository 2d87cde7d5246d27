package httpfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/fliws/immortyx/internal/extract"
	"github.com/fliws/immortyx/internal/fetch"
	"github.com/fliws/immortyx/internal/model"
)

// ErrNoURL is returned for a source whose query names no URL
var ErrNoURL = errors.New("httpfetch: query has no url")

// Fetcher serves sources whose query lists URLs under "url" or "urls"
// (comma or whitespace separated)
type Fetcher struct {
	client      *Client
	readability bool
	now         func() time.Time
	logger      *zap.Logger
}

// NewFetcher creates a fetcher over client. With useReadability, HTML pages
// are reduced to their main article text.
func NewFetcher(client *Client, useReadability bool, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{client: client, readability: useReadability, now: time.Now, logger: logger}
}

// Fetch implements fetch.Fetcher. URLs that fail are skipped; the first
// failure is returned next to whatever was fetched, so a partial poll still
// delivers documents and still counts as failed.
func (f *Fetcher) Fetch(ctx context.Context, source model.SourceDescriptor, query map[string]string) ([]model.RawDocument, error) {
	urls := QueryURLs(query)
	if len(urls) == 0 {
		return nil, fetch.PermanentError(source.ID, ErrNoURL)
	}

	var docs []model.RawDocument
	var firstErr error
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return docs, fetch.TransientError(source.ID, err)
		}
		resp, err := f.client.Get(ctx, source.ID, u)
		if err != nil {
			f.logger.Warn("fetch failed", zap.String("source", source.ID), zap.String("url", u), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		docs = append(docs, f.document(source, u, resp))
	}
	return docs, firstErr
}

// document turns a response into a raw document. HTML is converted to the
// JSON envelope so extraction sees the article text and citation metadata.
func (f *Fetcher) document(source model.SourceDescriptor, requested string, resp *Response) model.RawDocument {
	finalURL := resp.FinalURL
	if finalURL == "" {
		finalURL = requested
	}

	payload, contentType := resp.Body, mediaType(resp.ContentType)
	if contentType == "text/html" || contentType == "application/xhtml+xml" {
		if env, err := f.htmlEnvelope(resp.Body, finalURL); err == nil {
			payload, contentType = env, "application/json"
		} else {
			f.logger.Debug("html conversion failed, keeping raw page", zap.String("url", finalURL), zap.Error(err))
		}
	}

	doc := model.NewRawDocument(source.ID, finalURL, payload, f.now())
	doc.ContentType = contentType
	doc.URL = finalURL
	return doc
}

func (f *Fetcher) htmlEnvelope(body []byte, pageURL string) ([]byte, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	decoded := extract.DecodeHTMLNode(root)
	if decoded.URL == "" {
		decoded.URL = pageURL
	}

	if f.readability {
		parsed, _ := url.Parse(pageURL)
		article, err := readability.FromReader(bytes.NewReader(body), parsed)
		if err == nil {
			if text := extract.CleanText(article.TextContent); text != "" {
				decoded.Body = text
			}
			if decoded.Title == "" {
				decoded.Title = extract.CleanText(article.Title)
			}
		}
	}

	return json.Marshal(extract.NewEnvelope(decoded))
}

// QueryURLs lists the URLs of a source query
func QueryURLs(query map[string]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, key := range []string{"url", "urls"} {
		for _, u := range strings.FieldsFunc(query[key], func(r rune) bool {
			return r == ',' || r == ' ' || r == '\n' || r == '\t'
		}) {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
