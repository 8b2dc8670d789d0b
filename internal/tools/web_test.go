package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func callFetch(t *testing.T, url string) map[string]any {
	t.Helper()
	tool := NewFetchPageTool()
	result, err := tool.Call(context.Background(), map[string]any{"url": url})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	out, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T", result)
	}
	return out
}

func TestFetchPageHTML(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><title>skip me</title><style>.x{}</style></head>
			<body><script>var hidden = 1;</script><h1>Acme Corp</h1><p>Rocket maker.</p></body></html>`))
	}))
	defer ts.Close()

	out := callFetch(t, ts.URL)

	text := out["text"].(string)
	if !strings.Contains(text, "Acme Corp") || !strings.Contains(text, "Rocket maker.") {
		t.Errorf("text = %q, want visible content", text)
	}
	if strings.Contains(text, "hidden") || strings.Contains(text, "skip me") {
		t.Errorf("text = %q, script/head content leaked", text)
	}
	if out["truncated"].(bool) {
		t.Error("small page must not be truncated")
	}
}

func TestFetchPagePlainText(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("just words"))
	}))
	defer ts.Close()

	out := callFetch(t, ts.URL)
	if out["text"] != "just words" {
		t.Errorf("text = %q", out["text"])
	}
}

func TestFetchPageTruncatesLongContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("a", maxResultChars+500)))
	}))
	defer ts.Close()

	out := callFetch(t, ts.URL)
	if len(out["text"].(string)) != maxResultChars {
		t.Errorf("text length = %d, want %d", len(out["text"].(string)), maxResultChars)
	}
	if !out["truncated"].(bool) {
		t.Error("truncated flag must be set")
	}
}

func TestFetchPageRejectsUnsupportedContentType(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte{0x00, 0x01})
	}))
	defer ts.Close()

	tool := NewFetchPageTool()
	_, err := tool.Call(context.Background(), map[string]any{"url": ts.URL})
	if err == nil {
		t.Fatal("expected error for unsupported content type")
	}
}

func TestFetchPageRejectsBadURL(t *testing.T) {
	tool := NewFetchPageTool()

	for _, url := range []string{"", "ftp://example.com", "not-a-url"} {
		if _, err := tool.Call(context.Background(), map[string]any{"url": url}); err == nil {
			t.Errorf("Call(%q) succeeded, want validation error", url)
		}
	}
}

func TestFetchPageNon200(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer ts.Close()

	tool := NewFetchPageTool()
	if _, err := tool.Call(context.Background(), map[string]any{"url": ts.URL}); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestKBSearchTool(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"matches":[{"id":"m1","title":"Acme notes","text":"met at conference","score":0.92}]}`))
	}))
	defer ts.Close()

	tool := NewKBSearchTool(NewKBClient(ts.URL, "tok"))
	result, err := tool.Call(context.Background(), map[string]any{"query": "acme"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	matches, ok := result.([]KBMatch)
	if !ok || len(matches) != 1 || matches[0].ID != "m1" {
		t.Errorf("result = %v", result)
	}
}

func TestKBSearchToolRequiresQuery(t *testing.T) {
	tool := NewKBSearchTool(NewKBClient("http://unused", ""))
	if _, err := tool.Call(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected validation error for missing query")
	}
}
