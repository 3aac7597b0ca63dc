// Package linkdoc ingests documents as MemCells: a URL (or raw HTML) is
// reduced to readable markdown and wrapped as a linkdoc-typed cell that skips
// boundary detection and goes straight to the extraction worker.
package linkdoc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/go-shiori/go-readability"
	"github.com/google/uuid"

	"memora/internal/apperr"
	"memora/internal/memory"
)

// Fetcher turns a URL or raw content into a linkdoc MemCell.
type Fetcher struct {
	client *http.Client
}

func NewFetcher() *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: 30 * time.Second}}
}

// FromURL fetches the page, extracts the readable article, and converts it
// to markdown.
func (f *Fetcher) FromURL(ctx context.Context, rawURL, groupID, userID string) (*memory.MemCell, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, apperr.Invalid("invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("linkdoc request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperr.Transient(err, "linkdoc fetch")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Transient(fmt.Errorf("status %d", resp.StatusCode), "linkdoc fetch")
	}

	article, err := readability.FromReader(resp.Body, parsed)
	if err != nil {
		return nil, fmt.Errorf("linkdoc readability: %w", err)
	}

	markdown, err := htmltomarkdown.ConvertString(article.Content)
	if err != nil {
		return nil, fmt.Errorf("linkdoc markdown: %w", err)
	}

	return buildCell(article.Title, markdown, rawURL, groupID, userID), nil
}

// FromContent wraps already-fetched markdown or plain text.
func (f *Fetcher) FromContent(title, content, source, groupID, userID string) (*memory.MemCell, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperr.Invalid("document content is empty")
	}
	return buildCell(title, content, source, groupID, userID), nil
}

func buildCell(title, content, source, groupID, userID string) *memory.MemCell {
	now := time.Now().UTC()
	msg := memory.RawMessage{
		MessageID: uuid.NewString(),
		GroupID:   groupID,
		SenderID:  userID,
		Content:   content,
		CreatedAt: now,
	}
	return &memory.MemCell{
		GroupID:      groupID,
		GroupName:    source,
		Participants: []string{userID},
		Timestamp:    now,
		Type:         memory.RawDataLinkDoc,
		OriginalData: []memory.RawMessage{msg},
		Subject:      title,
	}
}
