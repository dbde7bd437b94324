package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"actionrunner/internal/core"
)

// ActionLister reads action templates.
type ActionLister interface {
	GetAction(ctx context.Context, id int64) (*core.Action, error)
	ListActions(ctx context.Context) ([]*core.Action, error)
}

// MCPServer exposes the orchestrator as MCP tools.
type MCPServer struct {
	orchestrator *core.Orchestrator
	actions      ActionLister
	artifacts    core.ArtifactStore
	logger       *slog.Logger
	server       *server.MCPServer
}

// NewMCPServer creates a new MCP server instance. artifacts may be nil, in
// which case notes are reported without screenshot links.
func NewMCPServer(orchestrator *core.Orchestrator, actions ActionLister, artifacts core.ArtifactStore, logger *slog.Logger, version string) *MCPServer {
	s := &MCPServer{
		orchestrator: orchestrator,
		actions:      actions,
		artifacts:    artifacts,
		logger:       logger,
	}
	s.server = server.NewMCPServer(
		"actionrunner",
		version,
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.server)
}

// Handler returns the streamable HTTP transport, mounted at /mcp by the API.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func (s *MCPServer) registerTools() {
	s.server.AddTool(mcp.NewTool("list_actions",
		mcp.WithDescription("List action templates and whether their recurrence timer is active"),
	), s.handleListActions)

	s.server.AddTool(mcp.NewTool("list_automations",
		mcp.WithDescription("List automations (runs), newest first"),
		mcp.WithString("status",
			mcp.Description("Filter: active or ended"),
			mcp.Enum("active", "ended"),
		),
	), s.handleListAutomations)

	s.server.AddTool(mcp.NewTool("list_running_actions",
		mcp.WithDescription("List actions that currently have an active automation"),
	), s.handleListRunning)

	s.server.AddTool(mcp.NewTool("get_last_note",
		mcp.WithDescription("Show the latest status note of an automation with its screenshot link"),
		mcp.WithNumber("automation_id",
			mcp.Required(),
			mcp.Description("Automation id"),
			mcp.Min(1),
		),
	), s.handleGetLastNote)

	s.server.AddTool(mcp.NewTool("run_action",
		mcp.WithDescription("Start an action now. Any active automation of the action is stopped first; recurring actions get their timer"),
		mcp.WithNumber("action_id",
			mcp.Required(),
			mcp.Description("Action id"),
			mcp.Min(1),
		),
	), s.handleRunAction)

	s.server.AddTool(mcp.NewTool("stop_action",
		mcp.WithDescription("Stop the action's active automation. The recurrence timer keeps running"),
		mcp.WithNumber("action_id",
			mcp.Required(),
			mcp.Description("Action id"),
			mcp.Min(1),
		),
	), s.handleStopAction)

	s.server.AddTool(mcp.NewTool("cancel_recurrence",
		mcp.WithDescription("Cancel the action's recurrence timer and stop its active automation"),
		mcp.WithNumber("action_id",
			mcp.Required(),
			mcp.Description("Action id"),
			mcp.Min(1),
		),
	), s.handleCancelRecurrence)

	s.server.AddTool(mcp.NewTool("create_automation",
		mcp.WithDescription("Record an ad-hoc automation without contacting the remote service"),
		mcp.WithString("name",
			mcp.Description("Automation name (defaults to the action name)"),
		),
		mcp.WithNumber("action_id",
			mcp.Description("Optional action the automation belongs to"),
			mcp.Min(1),
		),
	), s.handleCreateAutomation)

	s.server.AddTool(mcp.NewTool("end_automation",
		mcp.WithDescription("Mark an automation as ended now, keeping only its latest note"),
		mcp.WithNumber("automation_id",
			mcp.Required(),
			mcp.Description("Automation id"),
			mcp.Min(1),
		),
	), s.handleEndAutomation)

	s.server.AddTool(mcp.NewTool("add_note",
		mcp.WithDescription("Record a status note for an automation"),
		mcp.WithNumber("automation_id",
			mcp.Required(),
			mcp.Description("Automation id"),
			mcp.Min(1),
		),
		mcp.WithString("status",
			mcp.Description("Note status"),
			mcp.Enum("pending", "in_progress", "completed", "failed", "retrying", "skipped"),
		),
		mcp.WithString("image",
			mcp.Description("Optional base64 JPEG screenshot"),
		),
		mcp.WithBoolean("send_to_channel",
			mcp.Description("Post the screenshot to the action's channel"),
		),
	), s.handleAddNote)

	s.logger.Info("MCP tools registered", "count", 10)
}

func (s *MCPServer) handleListActions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actions, err := s.actions.ListActions(ctx)
	if err != nil {
		return s.toolError("list actions", core.Internal("list actions", err)), nil
	}
	if len(actions) == 0 {
		return mcp.NewToolResultText("No actions found"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d action(s):\n\n", len(actions))
	for _, a := range actions {
		b.WriteString(s.describeAction(a))
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListAutomations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var filter core.RunFilter
	switch mcp.ParseString(request, "status", "") {
	case "active":
		ended := false
		filter.Ended = &ended
	case "ended":
		ended := true
		filter.Ended = &ended
	}
	runs, err := s.orchestrator.Lifecycle().ListRuns(ctx, filter)
	if err != nil {
		return s.toolError("list automations", err), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No automations found"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d automation(s):\n\n", len(runs))
	for _, run := range runs {
		b.WriteString(describeRun(run))
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListRunning(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runs, err := s.orchestrator.Lifecycle().ListActiveRunsWithAction(ctx)
	if err != nil {
		return s.toolError("list running actions", err), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No running automations"), nil
	}
	var b strings.Builder
	for _, run := range runs {
		name := run.Name
		if action, err := s.actions.GetAction(ctx, *run.ActionID); err == nil {
			name = action.Name
		}
		fmt.Fprintf(&b, "▶️ %s (action %d)\n", name, *run.ActionID)
		fmt.Fprintf(&b, "  Automation: %d\n", run.ID)
		fmt.Fprintf(&b, "  Started: %s\n", formatTime(&run.StartedAt))
		if run.InstanceID != nil {
			fmt.Fprintf(&b, "  Instance: %s\n", *run.InstanceID)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetLastNote(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseInt64(request, "automation_id", 0)
	note, err := s.orchestrator.Lifecycle().LatestNoteForRun(ctx, runID)
	if err != nil {
		return s.toolError("latest note", err), nil
	}
	return mcp.NewToolResultText(s.describeNote(note)), nil
}

func (s *MCPServer) handleRunAction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actionID := mcp.ParseInt64(request, "action_id", 0)
	res, err := s.orchestrator.StartAction(ctx, actionID)
	if err != nil {
		return s.toolError("start action", err), nil
	}
	text := fmt.Sprintf("Action started\nAction: %s (%d)\nAutomation: %d\nInstance: %s",
		res.Action.Name, res.Action.ID, res.Run.ID, res.InstanceID)
	if next := s.orchestrator.Scheduler().NextTick(actionID); next != nil {
		text += fmt.Sprintf("\nNext tick: %s", formatTime(next))
	}
	return mcp.NewToolResultText(text), nil
}

func (s *MCPServer) handleStopAction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actionID := mcp.ParseInt64(request, "action_id", 0)
	run, err := s.orchestrator.StopAction(ctx, actionID)
	if err != nil {
		return s.toolError("stop action", err), nil
	}
	if run == nil {
		return mcp.NewToolResultText(fmt.Sprintf("Action %d has no active automation", actionID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Automation %d stopped at %s", run.ID, formatTime(run.EndedAt))), nil
}

func (s *MCPServer) handleCancelRecurrence(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actionID := mcp.ParseInt64(request, "action_id", 0)
	if err := s.orchestrator.CancelRecurrence(ctx, actionID); err != nil {
		return s.toolError("cancel recurrence", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Recurrence of action %d cancelled", actionID)), nil
}

func (s *MCPServer) handleCreateAutomation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(mcp.ParseString(request, "name", ""))
	var action *core.Action
	if actionID := mcp.ParseInt64(request, "action_id", 0); actionID > 0 {
		a, err := s.actions.GetAction(ctx, actionID)
		if err != nil {
			return s.toolError("create automation", core.Internal("get action", err)), nil
		}
		action = a
	}
	if name == "" && action == nil {
		return mcp.NewToolResultError("name or action_id is required"), nil
	}
	run, err := s.orchestrator.Lifecycle().CreateRun(ctx, action, name)
	if err != nil {
		return s.toolError("create automation", err), nil
	}
	return mcp.NewToolResultText("Automation created\n" + describeRun(run)), nil
}

func (s *MCPServer) handleEndAutomation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseInt64(request, "automation_id", 0)
	run, err := s.orchestrator.Lifecycle().EndRun(ctx, runID, time.Now().UTC())
	if err != nil {
		return s.toolError("end automation", err), nil
	}
	return mcp.NewToolResultText("Automation ended\n" + describeRun(run)), nil
}

func (s *MCPServer) handleAddNote(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	image, err := core.DecodeImage(mcp.ParseString(request, "image", ""))
	if err != nil {
		return s.toolError("add note", err), nil
	}
	note, err := s.orchestrator.Lifecycle().AddNote(ctx, core.NoteInput{
		RunID:         mcp.ParseInt64(request, "automation_id", 0),
		Status:        core.NoteStatus(mcp.ParseString(request, "status", string(core.NoteStatusPending))),
		Image:         image,
		SendToChannel: mcp.ParseBoolean(request, "send_to_channel", false),
	})
	if err != nil {
		return s.toolError("add note", err), nil
	}
	return mcp.NewToolResultText("Note recorded\n" + s.describeNote(note)), nil
}

// toolError renders a failure with its category. Internal details stay in the log.
func (s *MCPServer) toolError(op string, err error) *mcp.CallToolResult {
	kind := core.KindOf(err)
	if kind == core.KindInternal {
		s.logger.Error(op, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("[%s] %s failed", kind, op))
	}
	return mcp.NewToolResultError(fmt.Sprintf("[%s] %s", kind, err.Error()))
}

func (s *MCPServer) describeAction(a *core.Action) string {
	var b strings.Builder
	icon := "⏹️"
	if s.orchestrator.Scheduler().IsRegistered(a.ID) {
		icon = "🔁"
	}
	fmt.Fprintf(&b, "%s %d %s\n", icon, a.ID, a.Name)
	fmt.Fprintf(&b, "  Slug: %s\n", a.Slug)
	if a.TaskURL != nil {
		fmt.Fprintf(&b, "  URL: %s\n", *a.TaskURL)
	}
	if a.Interval != nil {
		fmt.Fprintf(&b, "  Interval: %s\n", a.Interval.String())
	}
	if next := s.orchestrator.Scheduler().NextTick(a.ID); next != nil {
		fmt.Fprintf(&b, "  Next tick: %s\n", formatTime(next))
	}
	return b.String()
}

func describeRun(run *core.Run) string {
	var b strings.Builder
	state := "active"
	if !run.Active() {
		state = "ended"
	}
	fmt.Fprintf(&b, "%d %s [%s]\n", run.ID, run.Name, state)
	if run.ActionID != nil {
		fmt.Fprintf(&b, "  Action: %d\n", *run.ActionID)
	}
	if run.InstanceID != nil {
		fmt.Fprintf(&b, "  Instance: %s\n", *run.InstanceID)
	}
	fmt.Fprintf(&b, "  Started: %s\n", formatTime(&run.StartedAt))
	if run.EndedAt != nil {
		fmt.Fprintf(&b, "  Ended: %s\n", formatTime(run.EndedAt))
	}
	return b.String()
}

func (s *MCPServer) describeNote(note *core.Note) string {
	text := fmt.Sprintf("Automation: %d\nStatus: %s\nCreated: %s", note.RunID, note.Status, formatTime(&note.CreatedAt))
	if note.Image != nil {
		if s.artifacts != nil {
			text += "\nScreenshot: " + s.artifacts.URL(note.RunID, *note.Image)
		} else {
			text += "\nScreenshot: " + *note.Image
		}
	}
	return text
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
