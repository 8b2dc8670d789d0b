// Package crm is a thin HTTP client for the external CRM. The CRM is the
// system of record; this package only speaks its read API and maps the few
// deal fields the scoring engine needs. Field mapping for forms and document
// generation lives elsewhere.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scoutcrm/scout/internal/scoring"
)

// Entity kinds recognized by the pipeline.
const (
	EntityCompany = "company"
	EntityContact = "contact"
	EntityDeal    = "deal"
)

// KnownEntityType reports whether t is one of the three recognized kinds.
func KnownEntityType(t string) bool {
	return t == EntityCompany || t == EntityContact || t == EntityDeal
}

// Entity is a CRM record with its raw property map.
type Entity struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
}

// AssociatedRecord is a minimal reference to a linked record.
type AssociatedRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AssociationSet holds the companies and contacts linked to an entity.
type AssociationSet struct {
	Companies []AssociatedRecord `json:"companies"`
	Contacts  []AssociatedRecord `json:"contacts"`
}

// Client talks to the CRM read API over HTTP with bearer auth.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client targeting the given CRM base URL.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// GetEntity fetches a single record by its CRM key.
func (c *Client) GetEntity(ctx context.Context, entityType, id string) (*Entity, error) {
	var e Entity
	path := fmt.Sprintf("/crm/v1/%ss/%s", entityType, url.PathEscape(id))
	if err := c.getJSON(ctx, path, &e); err != nil {
		return nil, fmt.Errorf("fetching %s %s: %w", entityType, id, err)
	}
	e.Type = entityType
	e.ID = id
	return &e, nil
}

// SearchEntities runs a text search over records of one kind. The CRM returns
// at most limit matches.
func (c *Client) SearchEntities(ctx context.Context, entityType, query string, limit int) ([]Entity, error) {
	body, _ := json.Marshal(map[string]any{"query": query, "limit": limit})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/crm/v1/%ss/search", c.baseURL, entityType), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Results []Entity `json:"results"`
	}
	if err := c.doJSON(req, &out); err != nil {
		return nil, fmt.Errorf("searching %ss: %w", entityType, err)
	}
	return out.Results, nil
}

// Associations fetches linked companies and contacts for an entity. The two
// lookups are independent reads and run in parallel.
func (c *Client) Associations(ctx context.Context, entityType, id string) (*AssociationSet, error) {
	var set AssociationSet
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		records, err := c.listAssociations(ctx, entityType, id, "companies")
		if err != nil {
			return err
		}
		set.Companies = records
		return nil
	})
	g.Go(func() error {
		records, err := c.listAssociations(ctx, entityType, id, "contacts")
		if err != nil {
			return err
		}
		set.Contacts = records
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetching associations for %s %s: %w", entityType, id, err)
	}
	return &set, nil
}

func (c *Client) listAssociations(ctx context.Context, entityType, id, kind string) ([]AssociatedRecord, error) {
	var out struct {
		Results []AssociatedRecord `json:"results"`
	}
	path := fmt.Sprintf("/crm/v1/%ss/%s/associations/%s", entityType, url.PathEscape(id), kind)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// DealSnapshot fetches a deal and its associations and maps them onto the
// fields the scoring engine consumes.
func (c *Client) DealSnapshot(ctx context.Context, id string) (*scoring.DealSnapshot, error) {
	entity, err := c.GetEntity(ctx, EntityDeal, id)
	if err != nil {
		return nil, err
	}
	assoc, err := c.Associations(ctx, EntityDeal, id)
	if err != nil {
		return nil, err
	}

	snap := &scoring.DealSnapshot{
		Amount:       numberProp(entity.Properties, "amount"),
		Stage:        stringProp(entity.Properties, "dealstage"),
		CloseDate:    timeProp(entity.Properties, "closedate"),
		LastActivity: timeProp(entity.Properties, "notes_last_updated"),
		CompanyCount: len(assoc.Companies),
		ContactCount: len(assoc.Contacts),
	}
	if snap.LastActivity == nil {
		snap.LastActivity = timeProp(entity.Properties, "hs_lastmodifieddate")
	}
	return snap, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("record not found")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// CRM properties arrive as loosely typed JSON; amounts and dates may be
// numbers or strings depending on the integration.

func stringProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func numberProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func timeProp(props map[string]any, key string) *time.Time {
	s, ok := props[key].(string)
	if !ok || s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
