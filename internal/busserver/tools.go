package busserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ShayCichocki/squad/internal/bus"
)

// maxInboxWait caps how long an inbox call may block.
const maxInboxWait = 30 * time.Second

func (s *Server) registerTools(m *server.MCPServer) {
	m.AddTool(mcp.NewTool("lock",
		mcp.WithDescription("Acquire an advisory lock on a file before editing it. Returns immediately; acquired is false when another worker holds the file."),
		mcp.WithString("worker", mcp.Required(), mcp.Description("Your worker id")),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path relative to the repository root")),
	), s.handleLock)

	m.AddTool(mcp.NewTool("unlock",
		mcp.WithDescription("Release a lock you hold. Releasing a lock you do not hold does nothing."),
		mcp.WithString("worker", mcp.Required(), mcp.Description("Your worker id")),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path relative to the repository root")),
	), s.handleUnlock)

	m.AddTool(mcp.NewTool("send",
		mcp.WithDescription("Send a message to another worker, or to everyone when to is empty."),
		mcp.WithString("worker", mcp.Required(), mcp.Description("Your worker id")),
		mcp.WithString("to", mcp.Description("Recipient worker id; empty broadcasts")),
		mcp.WithString("kind", mcp.Required(), mcp.Description("discovery, status or error_report"),
			mcp.Enum(string(bus.KindDiscovery), string(bus.KindStatus), string(bus.KindErrorReport))),
		mcp.WithString("topic", mcp.Description("Discovery topic, status state or task id")),
		mcp.WithString("detail", mcp.Required(), mcp.Description("Message body")),
	), s.handleSend)

	m.AddTool(mcp.NewTool("inbox",
		mcp.WithDescription("Drain your inbox. Waits up to wait_ms for the first message when it is empty."),
		mcp.WithString("worker", mcp.Required(), mcp.Description("Your worker id")),
		mcp.WithNumber("wait_ms", mcp.Description("Milliseconds to wait for a message")),
	), s.handleInbox)

	m.AddTool(mcp.NewTool("share",
		mcp.WithDescription("Record knowledge or a decision in the shared context."),
		mcp.WithString("worker", mcp.Required(), mcp.Description("Your worker id")),
		mcp.WithString("key", mcp.Required(), mcp.Description("Knowledge key, or \"decision\"")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Knowledge value or the decision made")),
		mcp.WithString("rationale", mcp.Description("Why, for decisions")),
	), s.handleShare)

	m.AddTool(mcp.NewTool("context",
		mcp.WithDescription("Read the shared context relevant to a task description, plus the current locks."),
		mcp.WithString("text", mcp.Description("Task description used to select knowledge")),
	), s.handleContext)
}

func (s *Server) requireWorker(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	worker, err := req.RequireString("worker")
	if err != nil {
		return "", invalid(err.Error())
	}
	for _, id := range s.bus.Registered() {
		if id == worker {
			return worker, nil
		}
	}
	return "", notFound("worker", worker)
}

type lockResult struct {
	Path     string `json:"path"`
	Acquired bool   `json:"acquired"`
	Holder   string `json:"holder,omitempty"`
	Version  int    `json:"version"`
}

func (s *Server) handleLock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	worker, errResult := s.requireWorker(req)
	if errResult != nil {
		return errResult, nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return invalid(err.Error()), nil
	}

	acquired := s.bus.Acquire(worker, path)
	holder, _ := s.bus.Holder(path)
	s.logger.Debug("lock requested", "worker", worker, "path", path, "acquired", acquired)
	return jsonResult(lockResult{Path: path, Acquired: acquired, Holder: holder, Version: s.bus.Version(path)})
}

func (s *Server) handleUnlock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	worker, errResult := s.requireWorker(req)
	if errResult != nil {
		return errResult, nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return invalid(err.Error()), nil
	}
	s.bus.Release(worker, path)
	return mcp.NewToolResultText("released " + path), nil
}

func (s *Server) handleSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	worker, errResult := s.requireWorker(req)
	if errResult != nil {
		return errResult, nil
	}
	kind, err := req.RequireString("kind")
	if err != nil {
		return invalid(err.Error()), nil
	}
	detail, err := req.RequireString("detail")
	if err != nil {
		return invalid(err.Error()), nil
	}
	topic := req.GetString("topic", "")

	var payload bus.Payload
	switch bus.Kind(kind) {
	case bus.KindDiscovery:
		payload = bus.Discovery{Topic: topic, Detail: detail}
	case bus.KindStatus:
		payload = bus.Status{State: topic, Detail: detail}
	case bus.KindErrorReport:
		payload = bus.ErrorReport{TaskID: topic, Error: detail}
	default:
		return invalid(fmt.Sprintf("kind %q cannot be sent by workers", kind)), nil
	}

	to := req.GetString("to", bus.Broadcast)
	if err := s.bus.Send(bus.Message{From: worker, To: to, Payload: payload}); err != nil {
		if errors.Is(err, bus.ErrUnknownRecipient) {
			return notFound("worker", to), nil
		}
		return internal(err), nil
	}
	if payload.Kind() == bus.KindErrorReport {
		if err := s.bus.RecordError(worker, topic, detail); err != nil {
			s.logger.Warn("record error in shared context failed", "worker", worker, "error", err)
		}
	}
	return mcp.NewToolResultText("sent"), nil
}

func (s *Server) handleInbox(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	worker, errResult := s.requireWorker(req)
	if errResult != nil {
		return errResult, nil
	}
	wait := time.Duration(req.GetFloat("wait_ms", 0)) * time.Millisecond
	if wait > maxInboxWait {
		wait = maxInboxWait
	}
	msgs, err := s.bus.Receive(ctx, worker, wait)
	if err != nil {
		return internal(err), nil
	}
	if msgs == nil {
		msgs = []bus.Message{}
	}
	return jsonResult(msgs)
}

func (s *Server) handleShare(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	worker, errResult := s.requireWorker(req)
	if errResult != nil {
		return errResult, nil
	}
	key, err := req.RequireString("key")
	if err != nil {
		return invalid(err.Error()), nil
	}
	value, err := req.RequireString("value")
	if err != nil {
		return invalid(err.Error()), nil
	}

	if key == "decision" {
		err = s.bus.RecordDecision(worker, value, req.GetString("rationale", ""))
	} else {
		err = s.bus.ShareKnowledge(worker, key, value)
	}
	if err != nil {
		return internal(err), nil
	}
	return mcp.NewToolResultText("shared " + key), nil
}

type contextResult struct {
	Digest string         `json:"digest"`
	Locks  []bus.LockInfo `json:"locks"`
}

func (s *Server) handleContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d := s.bus.Digest(req.GetString("text", ""))
	return jsonResult(contextResult{Digest: d.Format(), Locks: s.bus.Locks()})
}
