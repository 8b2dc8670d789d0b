package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/scoutcrm/scout/internal/tools"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Registry *tools.Registry
}

// NewMCPServer exposes the research tool surface over MCP so external agents
// can use the same CRM, knowledge-base, and web tools the pipeline uses.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"scout",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("scout: CRM entity research tools for lookup, search, knowledge base, and web page fetching."),
		server.WithRecovery(),
	)

	for _, t := range deps.Registry.List() {
		s.AddTool(mcpToolSpec(t), mcpToolHandler(deps.Registry, t.Name()))
	}

	return s
}

// mcpToolSpec translates a registry tool's JSON-schema parameters into the
// MCP tool declaration. Only string and integer parameters occur in this
// tool set.
func mcpToolSpec(t tools.Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(t.Description())}

	params := t.Parameters()
	required := map[string]bool{}
	if reqList, ok := params["required"].([]string); ok {
		for _, name := range reqList {
			required[name] = true
		}
	}
	if props, ok := params["properties"].(map[string]any); ok {
		for name, raw := range props {
			prop, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			desc, _ := prop["description"].(string)
			propOpts := []mcp.PropertyOption{mcp.Description(desc)}
			if required[name] {
				propOpts = append(propOpts, mcp.Required())
			}
			switch prop["type"] {
			case "integer", "number":
				opts = append(opts, mcp.WithNumber(name, propOpts...))
			default:
				opts = append(opts, mcp.WithString(name, propOpts...))
			}
		}
	}

	return mcp.NewTool(t.Name(), opts...)
}

func mcpToolHandler(registry *tools.Registry, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcpError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		result, err := registry.Execute(ctx, name, string(args))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		b, err := json.Marshal(result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
