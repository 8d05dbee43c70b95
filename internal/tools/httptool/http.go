// Package httptool implements the runtime's HTTP-request system tool:
// an SSRF-hardened client with no automatic redirect following and a
// hard response-size cap.
package httptool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kestrelai/runtime/internal/permission"
	"github.com/kestrelai/runtime/pkg/models"
)

const (
	defaultTimeoutSeconds = 30
	defaultMaxResponse    = 1 << 20 // 1 MiB
)

// Tool implements the HTTP-request tool contract.
type Tool struct {
	client *http.Client
}

// NewTool creates an HTTP request tool. The client's dial hook re-checks
// the resolved IP immediately before connect (see permission.SafeDialContext)
// to defeat DNS rebinding between the ValidateURL check and the actual
// connection.
func NewTool() *Tool {
	return &Tool{
		client: &http.Client{
			Transport: permission.DefaultTransport(),
			// Redirects are not auto-followed so each hop is re-validated
			// by the caller under the permission gate.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (t *Tool) Name() string { return "http_request" }

func (t *Tool) Description() string {
	return "Make an HTTP request to a public URL. Redirects are returned, not followed."
}

func (t *Tool) ParametersSchema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"method": map[string]any{
				"type":        "string",
				"description": "HTTP method (default GET).",
			},
			"url": map[string]any{
				"type":        "string",
				"description": "Target URL; must be http or https and resolve to a public address.",
			},
			"headers": map[string]any{
				"type": "object",
			},
			"body": map[string]any{
				"type": "string",
			},
			"timeout_seconds": map[string]any{
				"type":    "integer",
				"minimum": 1,
			},
			"max_response_size": map[string]any{
				"type":        "integer",
				"description": "Maximum response body size in bytes (default 1 MiB).",
			},
		},
		"required": []string{"url"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

type request struct {
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers"`
	Body            string            `json:"body"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	MaxResponseSize int64             `json:"max_response_size"`
}

// Execute performs the HTTP request.
func (t *Tool) Execute(ctx context.Context, arguments string) (models.ToolResult, error) {
	var req request
	if arguments == "" {
		arguments = "{}"
	}
	if err := json.Unmarshal([]byte(arguments), &req); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(req.URL) == "" {
		return toolError("url is required"), nil
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	// SSRF defense happens before dispatch, independent of the dial-time
	// recheck the transport also performs.
	if err := permission.ValidateURL(ctx, req.URL); err != nil {
		return toolError(err.Error()), nil
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if req.Body != "" {
		bodyReader = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, bodyReader)
	if err != nil {
		return toolError(fmt.Sprintf("build request: %v", err)), nil
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return toolError(fmt.Sprintf("request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	maxSize := req.MaxResponseSize
	if maxSize <= 0 {
		maxSize = defaultMaxResponse
	}

	exceeded := resp.ContentLength > maxSize
	var bodyBytes []byte
	if !exceeded {
		limited := io.LimitReader(resp.Body, maxSize+1)
		bodyBytes, err = io.ReadAll(limited)
		if err != nil {
			return toolError(fmt.Sprintf("read response: %v", err)), nil
		}
		if int64(len(bodyBytes)) > maxSize {
			exceeded = true
		}
	}

	bodyText := string(bodyBytes)
	if exceeded {
		bodyText = fmt.Sprintf("[Response body exceeded limit of %d bytes]", maxSize)
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 300

	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	payload, err := json.MarshalIndent(map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        bodyText,
		"truncated":   exceeded,
	}, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}

	return models.ToolResult{Success: success, Result: string(payload)}, nil
}

func toolError(message string) models.ToolResult {
	payload, _ := json.Marshal(map[string]string{"error": message})
	return models.ToolResult{Success: false, Result: string(payload)}
}
