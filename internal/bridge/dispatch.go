package bridge

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// protocolVersion is the MCP protocol version this bridge advertises.
const protocolVersion = "2024-11-05"

// dispatch routes one JSON-RPC request to its handler. Returns nil for
// notifications, which never get a response.
func (b *Bridge) dispatch(ctx context.Context, req Request) *Response {
	if req.IsNotification() {
		if req.Method == "notifications/initialized" {
			b.logger.Debug("received initialized notification")
		}
		return nil
	}

	var resp Response
	switch req.Method {
	case "initialize":
		resp = b.handleInitialize(req)
	case "tools/list":
		resp = b.handleToolsList(ctx, req)
	case "tools/call":
		resp = b.handleToolsCall(ctx, req)
	case "prompts/get":
		resp = b.handlePromptsGet(ctx, req)
	case "prompts/list":
		resp = resultResponse(req.ID, map[string]any{"prompts": []any{}})
	case "resources/list":
		resp = resultResponse(req.ID, map[string]any{"resources": []any{}})
	default:
		resp = errorResponse(req.ID, errMethodNotFound, "Method not found: "+req.Method)
	}
	return &resp
}

func (b *Bridge) handleInitialize(req Request) Response {
	return resultResponse(req.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    "coderelay-bridge",
			"version": "0.1.0",
		},
	})
}

func (b *Bridge) handleToolsList(ctx context.Context, req Request) Response {
	b.toolsMu.Lock()
	cached := b.tools
	b.toolsMu.Unlock()

	if cached == nil {
		fetched, err := b.http.listTools(ctx)
		if err != nil {
			b.logger.Warn("failed to load tools from server", zap.Error(err))
			return errorResponse(req.ID, errInternal, err.Error())
		}
		b.toolsMu.Lock()
		b.tools = fetched
		b.toolsMu.Unlock()
		cached = fetched
	}

	tools := make([]any, 0, len(cached))
	for _, raw := range cached {
		t, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		tools = append(tools, map[string]any{
			"name":        t["name"],
			"description": t["description"],
			"inputSchema": toolInputSchema(t["parameters"]),
		})
	}
	return resultResponse(req.ID, map[string]any{"tools": tools})
}

func toolInputSchema(parameters any) any {
	if parameters == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return parameters
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (b *Bridge) handleToolsCall(ctx context.Context, req Request) Response {
	var params toolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, errInvalidParams, "invalid params: "+err.Error())
		}
	}
	if params.Name == "" {
		return errorResponse(req.ID, errInvalidParams, "Missing tool name")
	}

	result, isError, err := b.http.callTool(ctx, b.sessionID, params.Name, params.Arguments)
	if err != nil {
		// Transport failures are encoded inline, never as a JSON-RPC
		// protocol error: clients render tool errors inline and a
		// connection error should not look like a protocol failure.
		return resultResponse(req.ID, map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "Proxy error: " + err.Error()}},
			"isError": true,
		})
	}

	return resultResponse(req.ID, map[string]any{
		"content": []any{map[string]any{"type": "text", "text": result}},
		"isError": isError,
	})
}

func (b *Bridge) handlePromptsGet(ctx context.Context, req Request) Response {
	prompt, err := b.http.getPrompt(ctx, b.sessionID)
	if err != nil {
		return errorResponse(req.ID, errInternal, err.Error())
	}
	return resultResponse(req.ID, map[string]any{
		"description": "System prompt",
		"messages": []any{
			map[string]any{"role": "assistant", "content": map[string]any{"type": "text", "text": prompt}},
		},
	})
}
