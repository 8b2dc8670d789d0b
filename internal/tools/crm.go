package tools

import (
	"context"
	"fmt"

	"github.com/scoutcrm/scout/internal/crm"
)

// CRMReader abstracts the CRM read API for the lookup and search tools.
type CRMReader interface {
	GetEntity(ctx context.Context, entityType, id string) (*crm.Entity, error)
	SearchEntities(ctx context.Context, entityType, query string, limit int) ([]crm.Entity, error)
	Associations(ctx context.Context, entityType, id string) (*crm.AssociationSet, error)
}

// CRMLookupTool fetches a single CRM record with its associations.
type CRMLookupTool struct {
	reader CRMReader
}

// NewCRMLookupTool creates the crm_lookup tool.
func NewCRMLookupTool(reader CRMReader) *CRMLookupTool {
	return &CRMLookupTool{reader: reader}
}

func (t *CRMLookupTool) Name() string { return "crm_lookup" }

func (t *CRMLookupTool) Description() string {
	return "Fetch a CRM record (company, contact, or deal) by id, including its linked companies and contacts."
}

func (t *CRMLookupTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"entityType": map[string]any{"type": "string", "enum": []string{"company", "contact", "deal"}},
			"entityId":   map[string]any{"type": "string", "description": "CRM record id"},
		},
		"required": []string{"entityType", "entityId"},
	}
}

func (t *CRMLookupTool) Call(ctx context.Context, args map[string]any) (any, error) {
	entityType, err := stringArg(t.Name(), args, "entityType")
	if err != nil {
		return nil, err
	}
	if !crm.KnownEntityType(entityType) {
		return nil, &ToolError{Tool: t.Name(), Code: CodeValidationError, Message: fmt.Sprintf("unknown entity type %q", entityType)}
	}
	entityID, err := stringArg(t.Name(), args, "entityId")
	if err != nil {
		return nil, err
	}

	entity, err := t.reader.GetEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	assoc, err := t.reader.Associations(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"entity":       entity,
		"associations": assoc,
	}, nil
}

// CRMSearchTool runs a text search over CRM records of one kind.
type CRMSearchTool struct {
	reader CRMReader
}

// NewCRMSearchTool creates the crm_search tool.
func NewCRMSearchTool(reader CRMReader) *CRMSearchTool {
	return &CRMSearchTool{reader: reader}
}

func (t *CRMSearchTool) Name() string { return "crm_search" }

func (t *CRMSearchTool) Description() string {
	return "Search CRM records of a given type by free text. Returns at most limit matches."
}

func (t *CRMSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"entityType": map[string]any{"type": "string", "enum": []string{"company", "contact", "deal"}},
			"query":      map[string]any{"type": "string"},
			"limit":      map[string]any{"type": "number", "description": "Maximum matches (default 5, max 25)"},
		},
		"required": []string{"entityType", "query"},
	}
}

func (t *CRMSearchTool) Call(ctx context.Context, args map[string]any) (any, error) {
	entityType, err := stringArg(t.Name(), args, "entityType")
	if err != nil {
		return nil, err
	}
	if !crm.KnownEntityType(entityType) {
		return nil, &ToolError{Tool: t.Name(), Code: CodeValidationError, Message: fmt.Sprintf("unknown entity type %q", entityType)}
	}
	query, err := stringArg(t.Name(), args, "query")
	if err != nil {
		return nil, err
	}
	limit := intArg(args, "limit", 5, 25)

	return t.reader.SearchEntities(ctx, entityType, query, limit)
}
