package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// toolCallTimeout is long because tools may run symbol searches or edits.
const toolCallTimeout = 300 * time.Second

// shortTimeout bounds session-lifecycle calls that should fail fast.
const shortTimeout = 10 * time.Second

// heartbeatTimeout bounds a single heartbeat call.
const heartbeatTimeout = 10 * time.Second

// shutdownTimeout bounds the best-effort session teardown call.
const shutdownTimeout = 5 * time.Second

// httpClient is the thin HTTP transport MCPBridge uses against
// CentralServer's /api surface. Every method maps one-to-one onto an API
// route in internal/central/api.
type httpClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPClient(baseURL string) *httpClient {
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

func (c *httpClient) do(ctx context.Context, method, path string, body any, timeout time.Duration) (map[string]any, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("bridge: encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api"+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("bridge: building request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("bridge: cannot connect to server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if resp.ContentLength != 0 {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, resp.StatusCode, fmt.Errorf("bridge: invalid JSON response from server: %w", err)
		}
	}
	return out, resp.StatusCode, nil
}

func (c *httpClient) getSession(ctx context.Context, sessionID string) (map[string]any, error) {
	out, status, err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID, nil, shortTimeout)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("bridge: HTTP error fetching session: status %d", status)
	}
	return out, nil
}

func (c *httpClient) createSession(ctx context.Context, clientName string) (string, error) {
	out, status, err := c.do(ctx, http.MethodPost, "/sessions", map[string]string{"client_name": clientName}, shortTimeout)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("bridge: HTTP error creating session: status %d", status)
	}
	sid, _ := out["session_id"].(string)
	if sid == "" {
		return "", fmt.Errorf("bridge: server did not return a session_id")
	}
	return sid, nil
}

func (c *httpClient) deleteSession(ctx context.Context, sessionID string) error {
	_, _, err := c.do(ctx, http.MethodDelete, "/sessions/"+sessionID, nil, shutdownTimeout)
	return err
}

func (c *httpClient) heartbeat(ctx context.Context, sessionID string) error {
	_, _, err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/heartbeat", nil, heartbeatTimeout)
	return err
}

func (c *httpClient) listTools(ctx context.Context) ([]any, error) {
	out, status, err := c.do(ctx, http.MethodGet, "/tools", nil, shortTimeout*3)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("bridge: HTTP error listing tools: status %d", status)
	}
	tools, _ := out["tools"].([]any)
	return tools, nil
}

func (c *httpClient) callTool(ctx context.Context, sessionID, name string, arguments map[string]any) (string, bool, error) {
	out, status, err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/tools/"+name,
		map[string]any{"arguments": arguments}, toolCallTimeout)
	if err != nil {
		return "", false, err
	}
	if status != http.StatusOK {
		return "", false, fmt.Errorf("bridge: HTTP error calling tool: status %d", status)
	}
	result, _ := out["result"].(string)
	isError, _ := out["is_error"].(bool)
	return result, isError, nil
}

func (c *httpClient) getPrompt(ctx context.Context, sessionID string) (string, error) {
	out, status, err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/prompt", nil, shortTimeout*3)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("bridge: HTTP error fetching prompt: status %d", status)
	}
	prompt, _ := out["prompt"].(string)
	return prompt, nil
}
