// Package mcp exposes the process lifecycle as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"stageflow/backend/internal/auth"
	"stageflow/backend/internal/lifecycle"
	"stageflow/backend/internal/repository"
)

type Server struct {
	mcpServer *server.MCPServer
	engine    *lifecycle.Engine
}

func NewServer(engine *lifecycle.Engine, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"stageflow",
			version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		engine: engine,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_templates",
			mcp.WithDescription("List process templates with their ordered stages"),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		s.handleListTemplates,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"duplicate_template",
			mcp.WithDescription("Copy a template and all of its stages under the name \"<name> (copy)\""),
			mcp.WithString("template_id", mcp.Required(), mcp.Description("The template to copy")),
		),
		s.handleDuplicateTemplate,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_processes",
			mcp.WithDescription("List processes created by or assigned to the caller, or all processes"),
			mcp.WithString("scope", mcp.Enum("mine", "all"), mcp.Description("mine (default) or all")),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		s.handleListProcesses,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"create_process",
			mcp.WithDescription("Start a process from a template; the first stage begins immediately"),
			mcp.WithString("template_id", mcp.Required(), mcp.Description("The template to instantiate")),
			mcp.WithString("first_assignee", mcp.Description("User ID to assign the first stage to")),
			mcp.WithString("message", mcp.Description("Optional opening message on the first stage")),
		),
		s.handleCreateProcess,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_process",
			mcp.WithDescription("Show a process with its ordered stages, current stage and audit log"),
			mcp.WithString("process_id", mcp.Required()),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		s.handleGetProcess,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"current_stage",
			mcp.WithDescription("Return the stage a process is currently at"),
			mcp.WithString("process_id", mcp.Required()),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		s.handleCurrentStage,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"advance_stage",
			mcp.WithDescription("Complete the current stage; only its assignee may do this"),
			mcp.WithString("process_id", mcp.Required()),
		),
		s.handleAdvanceStage,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"assign_stage",
			mcp.WithDescription("Assign a stage to a user, to yourself, or clear it. The first stage cannot be reassigned"),
			mcp.WithString("process_id", mcp.Required()),
			mcp.WithString("stage_id", mcp.Required()),
			mcp.WithString("assignee", mcp.Description("User ID; omit to clear the assignment")),
			mcp.WithBoolean("self", mcp.Description("Assign the stage to the caller")),
		),
		s.handleAssignStage,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"post_message",
			mcp.WithDescription("Post a message on a stage"),
			mcp.WithString("stage_id", mcp.Required()),
			mcp.WithString("body", mcp.Required()),
		),
		s.handlePostMessage,
	)
}

// actor returns the authenticated caller's user ID.
func actor(ctx context.Context) (string, *mcp.CallToolResult) {
	id, ok := auth.UserIDFromContext(ctx)
	if !ok {
		return "", mcp.NewToolResultError("Authentication required")
	}
	return id, nil
}

func toolError(action string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("Failed to %s (%s): %v", action, lifecycle.KindOf(err), err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleListTemplates(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templates, err := s.engine.ListTemplates(ctx)
	if err != nil {
		return toolError("list templates", err), nil
	}
	return jsonResult(templates)
}

func (s *Server) handleDuplicateTemplate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, denied := actor(ctx)
	if denied != nil {
		return denied, nil
	}
	templateID, err := request.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: template_id"), nil
	}
	tmpl, err := s.engine.DuplicateTemplate(ctx, templateID, userID)
	if err != nil {
		return toolError("duplicate template", err), nil
	}
	return jsonResult(tmpl)
}

func (s *Server) handleListProcesses(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, denied := actor(ctx)
	if denied != nil {
		return denied, nil
	}
	filter := repository.ProcessFilter{InvolvingUser: userID}
	switch scope := request.GetString("scope", "mine"); scope {
	case "mine":
	case "all":
		filter = repository.ProcessFilter{}
	default:
		return mcp.NewToolResultError(fmt.Sprintf("Unknown scope %q", scope)), nil
	}
	processes, err := s.engine.ListProcesses(ctx, filter)
	if err != nil {
		return toolError("list processes", err), nil
	}
	return jsonResult(processes)
}

func (s *Server) handleCreateProcess(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, denied := actor(ctx)
	if denied != nil {
		return denied, nil
	}
	templateID, err := request.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: template_id"), nil
	}
	in := lifecycle.CreateProcessInput{
		TemplateID:     templateID,
		CreatorID:      userID,
		InitialMessage: request.GetString("message", ""),
	}
	if assignee := request.GetString("first_assignee", ""); assignee != "" {
		in.FirstAssignee = &assignee
	}

	processID, err := s.engine.CreateProcess(ctx, in)
	if err != nil {
		return toolError("create process", err), nil
	}
	view, err := s.engine.GetProcessView(ctx, processID)
	if err != nil {
		return toolError("load process", err), nil
	}
	return jsonResult(view)
}

func (s *Server) handleGetProcess(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	processID, err := request.RequireString("process_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: process_id"), nil
	}
	view, err := s.engine.GetProcessView(ctx, processID)
	if err != nil {
		return toolError("load process", err), nil
	}
	return jsonResult(view)
}

func (s *Server) handleCurrentStage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	processID, err := request.RequireString("process_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: process_id"), nil
	}
	current, err := s.engine.DeriveCurrentStage(ctx, processID)
	if err != nil {
		return toolError("derive current stage", err), nil
	}
	return jsonResult(current)
}

func (s *Server) handleAdvanceStage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, denied := actor(ctx)
	if denied != nil {
		return denied, nil
	}
	processID, err := request.RequireString("process_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: process_id"), nil
	}
	if err := s.engine.AdvanceCurrentStage(ctx, processID, userID); err != nil {
		return toolError("advance stage", err), nil
	}
	view, err := s.engine.GetProcessView(ctx, processID)
	if err != nil {
		return toolError("load process", err), nil
	}
	return jsonResult(view)
}

func (s *Server) handleAssignStage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, denied := actor(ctx)
	if denied != nil {
		return denied, nil
	}
	processID, err := request.RequireString("process_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: process_id"), nil
	}
	stageID, err := request.RequireString("stage_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: stage_id"), nil
	}

	switch assignee := request.GetString("assignee", ""); {
	case request.GetBool("self", false):
		err = s.engine.AssignToSelf(ctx, processID, stageID, userID)
	case assignee == "":
		err = s.engine.ClearAssignment(ctx, processID, stageID, userID)
	default:
		err = s.engine.AssignStage(ctx, processID, stageID, userID, &assignee)
	}
	if err != nil {
		return toolError("assign stage", err), nil
	}
	return mcp.NewToolResultText("Stage assignment updated"), nil
}

func (s *Server) handlePostMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, denied := actor(ctx)
	if denied != nil {
		return denied, nil
	}
	stageID, err := request.RequireString("stage_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: stage_id"), nil
	}
	messageID, err := s.engine.PostMessage(ctx, stageID, userID, request.GetString("body", ""))
	if err != nil {
		return toolError("post message", err), nil
	}
	return jsonResult(map[string]string{"id": messageID})
}

// MountHTTPHandlers serves the MCP SSE transport under /mcp. The caller is
// expected to wrap mux with authentication; the authenticated user is carried
// from the HTTP request into tool calls.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if u, ok := auth.UserFromContext(r.Context()); ok {
				return auth.WithUser(ctx, u)
			}
			return ctx
		}),
	)

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
