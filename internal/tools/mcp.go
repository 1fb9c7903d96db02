package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/voximetry/voximetry/internal/config"
	"github.com/voximetry/voximetry/internal/resilience"
)

// MCPConnector imports tools from external Model Context Protocol servers
// into a registry and proxies calls to them over streamable HTTP.
type MCPConnector struct {
	client   *mcpsdk.Client
	log      *slog.Logger
	sessions []*mcpsdk.ClientSession
}

// NewMCPConnector builds a connector. log may be nil.
func NewMCPConnector(log *slog.Logger) *MCPConnector {
	if log == nil {
		log = slog.Default()
	}
	return &MCPConnector{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "voximetry", Version: "1.0.0"},
			nil,
		),
		log: log,
	}
}

// RegisterServers connects to every configured server and registers its tool
// catalogue. A tool whose name collides with one already registered gets the
// server name prefixed.
func (c *MCPConnector) RegisterServers(ctx context.Context, r *Registry, servers []config.MCPServerConfig) error {
	for _, srv := range servers {
		if err := c.registerServer(ctx, r, srv); err != nil {
			return err
		}
	}
	return nil
}

func (c *MCPConnector) registerServer(ctx context.Context, r *Registry, srv config.MCPServerConfig) error {
	transport := &mcpsdk.StreamableClientTransport{Endpoint: srv.URL}
	if srv.Token != "" {
		transport.HTTPClient = &http.Client{
			Transport: &bearerTransport{token: srv.Token, base: http.DefaultTransport},
		}
	}

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect mcp server %q: %w", srv.Name, err)
	}
	c.sessions = append(c.sessions, session)

	// One breaker per server: a dead server fails its tools fast instead of
	// eating the dispatch timeout on every call.
	breaker := resilience.NewBreaker(resilience.Settings{
		Name:   "mcp-" + srv.Name,
		Logger: c.log,
	})

	count := 0
	for tool, terr := range session.Tools(ctx, nil) {
		if terr != nil {
			return fmt.Errorf("tools: list tools for mcp server %q: %w", srv.Name, terr)
		}

		name := tool.Name
		if r.Has(name) {
			name = srv.Name + "_" + name
		}
		err := r.Register(Tool{
			Name:        name,
			Description: tool.Description,
			Schema:      schemaToMap(tool.InputSchema),
			Handler:     c.callHandler(session, breaker, tool.Name),
		})
		if err != nil {
			return fmt.Errorf("tools: mcp server %q: %w", srv.Name, err)
		}
		count++
	}

	c.log.Info("mcp server registered", "server", srv.Name, "tools", count)
	return nil
}

// callHandler proxies one tool's executions to its MCP session.
func (c *MCPConnector) callHandler(session *mcpsdk.ClientSession, breaker *resilience.Breaker, remoteName string) Handler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		var result *mcpsdk.CallToolResult
		err := breaker.Do(func() error {
			var cerr error
			result, cerr = session.CallTool(ctx, &mcpsdk.CallToolParams{
				Name:      remoteName,
				Arguments: args,
			})
			return cerr
		})
		if err != nil {
			return nil, fmt.Errorf("mcp call %q: %w", remoteName, err)
		}

		text := contentText(result.Content)
		if result.IsError {
			if text == "" {
				text = "tool reported an error"
			}
			return nil, fmt.Errorf("mcp call %q: %s", remoteName, text)
		}

		// Structured results pass through as-is; plain text is wrapped.
		var structured map[string]any
		if json.Unmarshal([]byte(text), &structured) == nil && structured != nil {
			return structured, nil
		}
		return map[string]any{"result": text}, nil
	}
}

// Close tears down every server session.
func (c *MCPConnector) Close() error {
	var first error
	for _, s := range c.sessions {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.sessions = nil
	return first
}

// contentText concatenates the text blocks of a tool result.
func contentText(content []mcpsdk.Content) string {
	var parts []string
	for _, item := range content {
		if tc, ok := item.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// schemaToMap converts the SDK's schema value into the plain map form the
// declaration frame carries.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// bearerTransport injects a static Authorization header on every request to
// a token-protected MCP server.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(clone)
}
