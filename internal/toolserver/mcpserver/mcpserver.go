// Package mcpserver exposes the tool catalog over the Model Context
// Protocol, so MCP-speaking agent runtimes can call the same tools the
// framed transport serves. The adapter is thin on purpose: it forwards raw
// arguments into the dispatcher and renders the response envelope as JSON
// text content.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/openclinic/medrag/internal/toolserver"
)

// serverName identifies this process to MCP clients.
const serverName = "medrag"

// New builds an MCP server announcing the full tool catalog.
func New(tools *toolserver.Server, version string) *mcpsdk.Server {
	server := mcpsdk.NewServer(
		&mcpsdk.Implementation{Name: serverName, Version: version},
		nil,
	)

	for _, info := range toolserver.Catalog() {
		mcpsdk.AddTool(server,
			&mcpsdk.Tool{Name: info.Name, Description: info.Description},
			forward(tools, info.Name))
	}
	return server
}

// ServeStdio runs the server over stdin/stdout until the client disconnects
// or ctx is cancelled.
func ServeStdio(ctx context.Context, tools *toolserver.Server, version string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log.Info("mcp server listening on stdio", "tools", len(toolserver.Catalog()))

	if err := New(tools, version).Run(ctx, &mcpsdk.StdioTransport{}); err != nil {
		return fmt.Errorf("mcpserver: %w", err)
	}
	return nil
}

// forward adapts one catalog tool into an MCP handler. The MCP request id is
// not surfaced by the SDK, so the envelope's request id is derived from the
// tool name; envelope warnings and context travel inside the JSON payload.
func forward(tools *toolserver.Server, name string) mcpsdk.ToolHandlerFor[map[string]any, any] {
	var seq atomic.Int64
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, args map[string]any) (*mcpsdk.CallToolResult, any, error) {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, nil, fmt.Errorf("mcpserver: marshal arguments: %w", err)
		}

		resp := tools.Handle(ctx, toolserver.Request{
			ToolName:  name,
			Arguments: raw,
			RequestID: fmt.Sprintf("mcp-%s-%d", name, seq.Add(1)),
		})

		payload, err := json.Marshal(resp)
		if err != nil {
			return nil, nil, fmt.Errorf("mcpserver: marshal response: %w", err)
		}

		result := &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(payload)}},
			IsError: !resp.OK,
		}
		return result, nil, nil
	}
}
