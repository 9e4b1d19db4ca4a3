// Package content fetches and extracts the readable text of a story's
// external link, used to enrich link-only stories (no body text of their
// own) before they are embedded. Grounded on the teacher's article fetcher,
// trimmed of the iframe/README surfaces that had no place in a search
// pipeline.
package content

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
)

const maxBodyBytes = 2 * 1024 * 1024

// Fetcher extracts article text from a story's external URL.
type Fetcher struct {
	client *http.Client
}

func NewFetcher() *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: 30 * time.Second}}
}

// Extract fetches urlStr and returns its readable text. Non-PDF bodies go
// through readability, falling back to a tag-stripped raw body. A PDF whose
// text extraction fails or yields 100 bytes or less has already had its
// body consumed, so the result is an empty string.
func (f *Fetcher) Extract(urlStr string) (string, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return "", fmt.Errorf("content: parse url: %w", err)
	}

	req, err := http.NewRequest(http.MethodGet, urlStr, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; hnsearch/1.0)")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("content: fetch %s: %w", urlStr, err)
	}
	defer resp.Body.Close()

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	isPDF := strings.Contains(contentType, "application/pdf") || strings.HasSuffix(strings.ToLower(urlStr), ".pdf")
	if isPDF {
		text, err := extractTextFromPDF(resp.Body)
		if err == nil && len(text) > 100 {
			return text, nil
		}
		log.Printf("content: pdf extraction for %s failed or too short: %v", urlStr, err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("content: read body: %w", err)
	}

	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err == nil && article.TextContent != "" {
		return article.TextContent, nil
	}

	return stripTags(string(body)), nil
}

func stripTags(html string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

func extractTextFromPDF(r io.Reader) (string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", err
	}

	numPages := reader.NumPage()
	if numPages > 20 {
		numPages = 20
	}

	var sb strings.Builder
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
