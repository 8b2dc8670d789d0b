package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// KBMatch is one semantic-search hit from the knowledge base.
type KBMatch struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source,omitempty"`
}

// KBSearcher abstracts the knowledge-base search endpoint.
type KBSearcher interface {
	Search(ctx context.Context, query string, topK int) ([]KBMatch, error)
}

// KBClient talks to the semantic-search knowledge base over HTTP. The KB is
// an external collaborator; only its call/response contract matters here.
type KBClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewKBClient creates a KBClient targeting the given base URL.
func NewKBClient(baseURL, token string) *KBClient {
	return &KBClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Search returns at most topK matches for the query.
func (c *KBClient) Search(ctx context.Context, query string, topK int) ([]KBMatch, error) {
	body, _ := json.Marshal(map[string]any{"query": query, "topK": topK})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searching knowledge base: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("knowledge base returned status %d", resp.StatusCode)
	}

	var out struct {
		Matches []KBMatch `json:"matches"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	return out.Matches, nil
}

// KBSearchTool exposes knowledge-base search to the agent.
type KBSearchTool struct {
	searcher KBSearcher
}

// NewKBSearchTool creates the kb_search tool.
func NewKBSearchTool(searcher KBSearcher) *KBSearchTool {
	return &KBSearchTool{searcher: searcher}
}

func (t *KBSearchTool) Name() string { return "kb_search" }

func (t *KBSearchTool) Description() string {
	return "Semantically search the internal knowledge base for notes, past interactions, and research about an entity."
}

func (t *KBSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query"},
			"limit": map[string]any{"type": "number", "description": "Maximum matches (default 5, max 20)"},
		},
		"required": []string{"query"},
	}
}

func (t *KBSearchTool) Call(ctx context.Context, args map[string]any) (any, error) {
	query, err := stringArg(t.Name(), args, "query")
	if err != nil {
		return nil, err
	}
	limit := intArg(args, "limit", 5, 20)
	return t.searcher.Search(ctx, query, limit)
}
