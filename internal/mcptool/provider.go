// Package mcptool surfaces the tools of an MCP server as router executors.
// Each remote tool becomes one (tool, action) pair; the router stays unaware
// of where an executor's implementation lives.
package mcptool

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nodelab/conduct/internal/router"
	"github.com/nodelab/conduct/pkg/schema"
)

// Config describes how to reach one MCP server.
type Config struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// Namespace forces every discovered tool into one namespace; empty means
	// the namespace is derived from the tool name.
	Namespace string `json:"namespace,omitempty"`
	// CallTimeout bounds individual tool invocations. Zero disables it.
	CallTimeout time.Duration `json:"call_timeout,omitempty"`
}

// rpcClient is the subset of the MCP client the provider uses.
type rpcClient interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Provider connects to one MCP server over stdio and exposes its tools.
type Provider struct {
	cfg    Config
	cli    rpcClient
	logger *slog.Logger
}

// NewProvider spawns the configured MCP server process.
func NewProvider(cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.Command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "mcp server command is empty")
	}
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	cli, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "start mcp server: %s", err.Error()).WithCause(err)
	}
	return newProvider(cfg, cli, logger), nil
}

func newProvider(cfg Config, cli rpcClient, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, cli: cli, logger: logger}
}

// Connect performs the MCP initialize handshake.
func (p *Provider) Connect(ctx context.Context) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "conduct", Version: "0.1.0"}

	res, err := p.cli.Initialize(ctx, req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "mcp initialize: %s", err.Error()).WithCause(err)
	}
	p.logger.Info("mcp server connected",
		slog.String("server", res.ServerInfo.Name),
		slog.String("version", res.ServerInfo.Version))
	return nil
}

// Executors lists the server's tools and wraps each as a router executor.
func (p *Provider) Executors(ctx context.Context) ([]router.Executor, error) {
	res, err := p.cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "mcp list tools: %s", err.Error()).WithCause(err)
	}

	executors := make([]router.Executor, 0, len(res.Tools))
	for _, tool := range res.Tools {
		ns, action := splitToolName(tool.Name, p.cfg.Namespace)
		executors = append(executors, &mcpExecutor{
			provider:   p,
			remoteName: tool.Name,
			tool:       ns,
			action:     action,
			desc:       tool.Description,
		})
	}
	return executors, nil
}

// RegisterAll registers every discovered tool, returning the count.
// Conflicts with already registered pairs are logged and skipped.
func (p *Provider) RegisterAll(ctx context.Context, registry *router.Registry) (int, error) {
	executors, err := p.Executors(ctx)
	if err != nil {
		return 0, err
	}
	registered := 0
	for _, exec := range executors {
		if err := registry.Register(exec); err != nil {
			p.logger.Warn("skipping mcp tool",
				slog.String("tool", exec.Tool()+"."+exec.Action()),
				slog.String("error", err.Error()))
			continue
		}
		registered++
	}
	p.logger.Info("mcp tools registered", slog.Int("count", registered))
	return registered, nil
}

// Close shuts down the server connection.
func (p *Provider) Close() error {
	return p.cli.Close()
}

// splitToolName maps a remote tool name to a (tool, action) pair. Dotted
// names split on the first dot; bare names are namespaced by keyword, with
// the action keeping the full remote name so recovery aliases line up.
func splitToolName(name, forced string) (string, string) {
	tool, action, dotted := strings.Cut(name, ".")
	if !dotted {
		action = name
	}
	if forced != "" {
		return forced, action
	}
	if dotted {
		return tool, action
	}
	switch {
	case strings.Contains(action, "document") || strings.Contains(action, "paragraph") || strings.Contains(action, "heading"):
		return "document", action
	case strings.Contains(action, "workbook") || strings.Contains(action, "sheet") || strings.Contains(action, "cell"):
		return "spreadsheet", action
	case strings.Contains(action, "image"):
		return "image", action
	}
	return "tool", action
}

// mcpExecutor is one remote tool bound to the router's Executor contract.
type mcpExecutor struct {
	provider   *Provider
	remoteName string
	tool       string
	action     string
	desc       string
}

func (e *mcpExecutor) Tool() string        { return e.tool }
func (e *mcpExecutor) Action() string      { return e.action }
func (e *mcpExecutor) Description() string { return e.desc }

func (e *mcpExecutor) Invoke(ctx context.Context, params map[string]any) (*router.Result, error) {
	if e.provider.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.provider.cfg.CallTimeout)
		defer cancel()
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = e.remoteName
	req.Params.Arguments = params

	res, err := e.provider.cli.CallTool(ctx, req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "mcp call %s: %s", e.remoteName, err.Error()).WithCause(err)
	}

	text := contentText(res.Content)
	if res.IsError {
		return &router.Result{Success: false, Error: text}, nil
	}
	return &router.Result{Success: true, Output: parseOutput(text)}, nil
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if t := mcp.GetTextFromContent(c); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// parseOutput decodes JSON tool output when the server sends it, leaving
// plain text as-is.
func parseOutput(text string) any {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return text
}
