// Package mcpserver exposes the debug relay as MCP (Model Context
// Protocol) tools over stdio JSON-RPC. Each tool is one discrete,
// stateless debug operation against the shared session manager; agents
// observe asynchronous progress through the poll_events tool.
package mcpserver

import (
	"context"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/daprelay/daprelay/internal/config"
	"github.com/daprelay/daprelay/internal/session"
)

// Server holds the MCP server state.
type Server struct {
	manager *session.Manager
}

// NewServer creates an MCP server backed by the given session manager.
func NewServer(manager *session.Manager) *Server {
	return &Server{manager: manager}
}

// Run starts the MCP stdio server. It blocks until ctx is cancelled or
// stdin is closed.
func Run(ctx context.Context, manager *session.Manager) error {
	s := NewServer(manager)

	mcpServer := server.NewMCPServer(
		"daprelay",
		config.Version,
		server.WithToolCapabilities(true),
	)

	mcpServer.AddTools(
		server.ServerTool{Tool: createSessionTool(), Handler: s.handleCreateSession},
		server.ServerTool{Tool: listSessionsTool(), Handler: s.handleListSessions},
		server.ServerTool{Tool: getSessionTool(), Handler: s.handleGetSession},
		server.ServerTool{Tool: terminateSessionTool(), Handler: s.handleTerminateSession},
		server.ServerTool{Tool: listRecoverableTool(), Handler: s.handleListRecoverable},
		server.ServerTool{Tool: recoverSessionTool(), Handler: s.handleRecoverSession},

		server.ServerTool{Tool: launchTool(), Handler: s.handleLaunch},
		server.ServerTool{Tool: attachTool(), Handler: s.handleAttach},

		server.ServerTool{Tool: setBreakpointsTool(), Handler: s.handleSetBreakpoints},
		server.ServerTool{Tool: listBreakpointsTool(), Handler: s.handleListBreakpoints},
		server.ServerTool{Tool: clearBreakpointsTool(), Handler: s.handleClearBreakpoints},
		server.ServerTool{Tool: setExceptionBreakpointsTool(), Handler: s.handleSetExceptionBreakpoints},

		server.ServerTool{Tool: continueTool(), Handler: s.handleContinue},
		server.ServerTool{Tool: pauseTool(), Handler: s.handlePause},
		server.ServerTool{Tool: stepOverTool(), Handler: s.handleStepOver},
		server.ServerTool{Tool: stepIntoTool(), Handler: s.handleStepInto},
		server.ServerTool{Tool: stepOutTool(), Handler: s.handleStepOut},

		server.ServerTool{Tool: threadsTool(), Handler: s.handleThreads},
		server.ServerTool{Tool: stackTraceTool(), Handler: s.handleStackTrace},
		server.ServerTool{Tool: scopesTool(), Handler: s.handleScopes},
		server.ServerTool{Tool: variablesTool(), Handler: s.handleVariables},
		server.ServerTool{Tool: evaluateTool(), Handler: s.handleEvaluate},

		server.ServerTool{Tool: addWatchTool(), Handler: s.handleAddWatch},
		server.ServerTool{Tool: removeWatchTool(), Handler: s.handleRemoveWatch},
		server.ServerTool{Tool: listWatchesTool(), Handler: s.handleListWatches},
		server.ServerTool{Tool: evaluateWatchesTool(), Handler: s.handleEvaluateWatches},

		server.ServerTool{Tool: getOutputTool(), Handler: s.handleGetOutput},
		server.ServerTool{Tool: pollEventsTool(), Handler: s.handlePollEvents},
	)

	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(log.New(os.Stderr, "[mcp] ", log.LstdFlags))

	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}
