package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tOgg1/ssh-liaison/internal/apperr"
	"github.com/tOgg1/ssh-liaison/internal/dispatch"
	"github.com/tOgg1/ssh-liaison/internal/logging"
)

// Tool names.
const (
	ToolConnect       = "ssh_connect"
	ToolConnectDirect = "ssh_connect_direct"
	ToolRunCommand    = "ssh_run_command"
	ToolReadLog       = "ssh_read_log"
	ToolDisconnect    = "ssh_disconnect"
	ToolListSessions  = "ssh_list_sessions"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(connectTool(), s.logged(ToolConnect, s.handleConnect))
	s.mcpServer.AddTool(connectDirectTool(), s.logged(ToolConnectDirect, s.handleConnectDirect))
	s.mcpServer.AddTool(runCommandTool(), s.logged(ToolRunCommand, s.handleRunCommand))
	s.mcpServer.AddTool(readLogTool(), s.logged(ToolReadLog, s.handleReadLog))
	s.mcpServer.AddTool(disconnectTool(), s.logged(ToolDisconnect, s.handleDisconnect))
	s.mcpServer.AddTool(listSessionsTool(), s.logged(ToolListSessions, s.handleListSessions))
}

// Tool definitions

func connectTool() mcp.Tool {
	return mcp.NewTool(ToolConnect,
		mcp.WithDescription("Open a persistent shell on a host defined in ~/.ssh/config. "+
			"Reuses the existing session when already connected."),
		mcp.WithString("host_alias",
			mcp.Required(),
			mcp.Description("Host alias from the SSH config; also the host_id for later calls"),
		),
	)
}

func connectDirectTool() mcp.Tool {
	return mcp.NewTool(ToolConnectDirect,
		mcp.WithDescription("Open a persistent shell on a host given explicit connection details"),
		mcp.WithString("hostname",
			mcp.Required(),
			mcp.Description("Host name or IP address"),
		),
		mcp.WithString("user",
			mcp.Required(),
			mcp.Description("Remote user name"),
		),
		mcp.WithNumber("port",
			mcp.Description("SSH port (default: 22)"),
		),
		mcp.WithString("host_id",
			mcp.Description("Identifier for later calls (default: user@hostname:port)"),
		),
		mcp.WithString("password",
			mcp.Description("Password, tried after agent and key authentication"),
		),
		mcp.WithString("identity_file",
			mcp.Description("Private key path"),
		),
	)
}

func runCommandTool() mcp.Tool {
	return mcp.NewTool(ToolRunCommand,
		mcp.WithDescription("Run a command in the host's shell. Working directory, environment "+
			"and history persist between calls. The result carries the output as text plus an "+
			"application/json resource with exit_status, truncated and duration_ms."),
		mcp.WithString("host_id",
			mcp.Required(),
			mcp.Description("Host alias or identifier returned by a connect tool"),
		),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Command line to run"),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description("Command timeout in milliseconds (default: configured command timeout)"),
		),
		mcp.WithString("sudo_password",
			mcp.Description("Answer for a sudo password prompt; never logged or echoed back"),
		),
	)
}

func readLogTool() mcp.Tool {
	return mcp.NewTool(ToolReadLog,
		mcp.WithDescription("Show the last lines of a file on the host"),
		mcp.WithString("host_id",
			mcp.Required(),
			mcp.Description("Host alias or identifier returned by a connect tool"),
		),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path of the file to read"),
		),
		mcp.WithNumber("lines",
			mcp.Description(fmt.Sprintf("Number of lines (default: %d)", dispatch.DefaultLogLines)),
		),
	)
}

func disconnectTool() mcp.Tool {
	return mcp.NewTool(ToolDisconnect,
		mcp.WithDescription("Close the shell session for a host"),
		mcp.WithString("host_id",
			mcp.Required(),
			mcp.Description("Host alias or identifier"),
		),
	)
}

func listSessionsTool() mcp.Tool {
	return mcp.NewTool(ToolListSessions,
		mcp.WithDescription("List open shell sessions"),
	)
}

// Tool handlers

func (s *Server) handleConnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	alias := mcp.ParseString(req, "host_alias", "")

	res, err := s.dispatcher.Connect(ctx, alias)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(connectText(res)), nil
}

func (s *Server) handleConnectDirect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	password := mcp.ParseString(req, "password", "")

	res, err := s.dispatcher.ConnectDirect(ctx, dispatch.DirectParams{
		HostID:       mcp.ParseString(req, "host_id", ""),
		Hostname:     mcp.ParseString(req, "hostname", ""),
		Port:         mcp.ParseInt(req, "port", 0),
		User:         mcp.ParseString(req, "user", ""),
		Password:     password,
		IdentityFile: mcp.ParseString(req, "identity_file", ""),
	})
	if err != nil {
		return errorResult(err, password), nil
	}
	return mcp.NewToolResultText(connectText(res)), nil
}

func (s *Server) handleRunCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sudoPassword := mcp.ParseString(req, "sudo_password", "")
	timeoutMs := mcp.ParseInt(req, "timeout_ms", 0)
	if timeoutMs < 0 {
		return errorResult(apperr.New(apperr.KindInvalidRequest, "timeout_ms must not be negative")), nil
	}

	res, err := s.dispatcher.RunCommand(ctx, dispatch.RunRequest{
		HostID:       mcp.ParseString(req, "host_id", ""),
		Command:      mcp.ParseString(req, "command", ""),
		Timeout:      time.Duration(timeoutMs) * time.Millisecond,
		SudoPassword: sudoPassword,
	})
	if err != nil {
		return errorResult(err, sudoPassword), nil
	}
	return commandResult(res)
}

func (s *Server) handleReadLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.dispatcher.ReadLog(ctx, dispatch.ReadLogRequest{
		HostID: mcp.ParseString(req, "host_id", ""),
		Path:   mcp.ParseString(req, "file_path", ""),
		Lines:  mcp.ParseInt(req, "lines", 0),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return commandResult(res)
}

func (s *Server) handleDisconnect(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hostID := mcp.ParseString(req, "host_id", "")
	if err := s.dispatcher.Disconnect(hostID); err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Disconnected from %s", strings.TrimSpace(hostID))), nil
}

func (s *Server) handleListSessions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos := s.dispatcher.Sessions()
	if len(infos) == 0 {
		return mcp.NewToolResultText("No open sessions"), nil
	}
	data, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode sessions: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// logged logs each call with secrets removed from its arguments.
func (s *Server) logged(name string, next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		s.logger.Debug().
			Str("tool", name).
			Interface("arguments", logging.RedactMap(req.GetArguments())).
			Msg("tool call")

		res, err := next(ctx, req)

		event := s.logger.Debug()
		if err != nil || (res != nil && res.IsError) {
			event = s.logger.Info()
		}
		event.Str("tool", name).
			Dur("duration", time.Since(start)).
			Bool("is_error", res != nil && res.IsError).
			Err(err).
			Msg("tool call finished")
		return res, err
	}
}

// commandStatus is the JSON attached to command results so clients can read
// the exit status without parsing the text block.
type commandStatus struct {
	HostID     string `json:"host_id"`
	ExitStatus int    `json:"exit_status"`
	Truncated  bool   `json:"truncated"`
	DurationMs int64  `json:"duration_ms"`
	Output     string `json:"output"`
}

// commandResult returns the readable text first and the JSON status as an
// embedded application/json resource.
func commandResult(res *dispatch.CommandResult) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(commandStatus{
		HostID:     res.HostID,
		ExitStatus: res.ExitStatus,
		Truncated:  res.Truncated,
		DurationMs: res.Duration.Milliseconds(),
		Output:     res.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("encode command result: %w", err)
	}
	return mcp.NewToolResultResource(res.Text(), mcp.TextResourceContents{
		URI:      "ssh-liaison://result/" + url.PathEscape(res.HostID),
		MIMEType: "application/json",
		Text:     string(data),
	}), nil
}

func connectText(res *dispatch.ConnectResult) string {
	if res.Reused {
		return fmt.Sprintf("Already connected to %s (%s shell)", res.HostID, res.Dialect)
	}
	return fmt.Sprintf("Connected to %s (%s shell at %s)", res.HostID, res.Dialect, res.RemoteAddr)
}

// errorResult renders err as "[kind] message" with any caller-supplied
// secrets removed.
func errorResult(err error, secrets ...string) *mcp.CallToolResult {
	msg := logging.Redact(logging.Mask(err.Error(), secrets...))
	return mcp.NewToolResultError(fmt.Sprintf("[%s] %s", apperr.KindOf(err), msg))
}
