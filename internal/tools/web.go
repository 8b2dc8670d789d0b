package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

const maxFetchSize = 5 << 20 // 5MB

// maxResultChars bounds what a single fetch feeds back into the conversation.
const maxResultChars = 20000

// FetchPageTool retrieves a public web page and reduces it to plain text.
// HTML is stripped of markup, PDFs have their text extracted; anything else
// is rejected rather than dumped into the model context.
type FetchPageTool struct {
	httpClient *http.Client
}

// NewFetchPageTool creates the fetch_page tool.
func NewFetchPageTool() *FetchPageTool {
	return &FetchPageTool{
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (t *FetchPageTool) Name() string { return "fetch_page" }

func (t *FetchPageTool) Description() string {
	return "Fetch a public web page or PDF by URL and return its readable text content."
}

func (t *FetchPageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "Absolute http(s) URL to fetch"},
		},
		"required": []string{"url"},
	}
}

func (t *FetchPageTool) Call(ctx context.Context, args map[string]any) (any, error) {
	rawURL, err := stringArg(t.Name(), args, "url")
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, &ToolError{Tool: t.Name(), Code: CodeValidationError, Message: "url must be absolute http(s)"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rawURL, err)
	}

	contentType := resp.Header.Get("Content-Type")
	var text string
	switch {
	case strings.Contains(contentType, "text/html"):
		text, err = htmlToText(body)
	case strings.Contains(contentType, "application/pdf"):
		text, err = pdfToText(body)
	case strings.Contains(contentType, "text/plain"):
		text = string(body)
	default:
		return nil, &ToolError{Tool: t.Name(), Code: CodeExecutionError,
			Message: fmt.Sprintf("unsupported content type %q", contentType)}
	}
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	truncated := false
	if len(text) > maxResultChars {
		text = text[:maxResultChars]
		truncated = true
	}

	return map[string]any{
		"url":       rawURL,
		"text":      text,
		"truncated": truncated,
	}, nil
}

// htmlToText walks the parse tree collecting visible text, skipping script
// and style subtrees.
func htmlToText(body []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			trimmed := strings.TrimSpace(n.Data)
			if trimmed != "" {
				b.WriteString(trimmed)
				b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String(), nil
}

func pdfToText(body []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", fmt.Errorf("parsing pdf: %w", err)
	}
	rc, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	text, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return string(text), nil
}
