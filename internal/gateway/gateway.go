// Package gateway exposes a thin external submit/status surface: one
// websocket endpoint carrying a JSON-RPC-style request/response
// envelope for submitting a task, polling its status, and subscribing
// to its state changes. It is not where orchestration logic lives —
// it only decodes requests, calls into the core, and streams bus
// events back to the caller.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/drawproxy/internal/bus"
	"github.com/basket/drawproxy/internal/store"
	"github.com/basket/drawproxy/internal/task"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	ErrCodeUnauthorized = 4010
	ErrCodeBackpressure = 4290

	eventStreamTimeout = 10 * time.Minute
)

// Submitter is the core entrypoint the gateway dispatches submit
// requests to. It is satisfied by the task orchestrator.
type Submitter interface {
	Submit(ctx context.Context, req task.Task) task.SubmitResult
}

// Config wires the gateway's dependencies.
type Config struct {
	Store     *store.Store
	Bus       *bus.Bus
	Submitter Submitter
	Logger    *slog.Logger

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser
	// WebSocket connections. An empty list means same-origin only.
	AllowOrigins []string
}

// Server serves the websocket submit/status surface.
type Server struct {
	cfg Config
	log *slog.Logger
}

// New constructs a Server from cfg.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, log: log}
}

// Handler returns the HTTP handler serving the gateway's endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AuthToken != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.AuthToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.log.Warn("gateway_accept_failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		var req rpcRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		s.dispatch(ctx, conn, req)
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) dispatch(ctx context.Context, conn *websocket.Conn, req rpcRequest) {
	switch req.Method {
	case "task.submit":
		s.handleSubmit(ctx, conn, req)
	case "task.get":
		s.handleGet(ctx, conn, req)
	case "task.events.subscribe":
		s.handleSubscribe(ctx, conn, req)
	default:
		s.reply(ctx, conn, req.ID, nil, &rpcError{Code: ErrCodeMethodNotFound, Message: "unknown method: " + req.Method})
	}
}

type submitParams struct {
	Action     task.Action       `json:"action"`
	Prompt     string            `json:"prompt,omitempty"`
	ImageURL   string            `json:"imageUrl,omitempty"`
	Mode       task.Mode         `json:"mode,omitempty"`
	BotFamily  task.BotFamily    `json:"botFamily,omitempty"`
	ParentID   string            `json:"parentId,omitempty"`
	CustomID   string            `json:"customId,omitempty"`
	Properties task.Properties   `json:"properties,omitempty"`
	Filter     task.AccountFilter `json:"filter,omitempty"`
}

func (s *Server) handleSubmit(ctx context.Context, conn *websocket.Conn, req rpcRequest) {
	var p submitParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.reply(ctx, conn, req.ID, nil, &rpcError{Code: ErrCodeParse, Message: "invalid params"})
		return
	}
	if p.Action == "" {
		s.reply(ctx, conn, req.ID, nil, &rpcError{Code: ErrCodeInvalidRequest, Message: "action is required"})
		return
	}

	t := task.Task{
		ID:            uuid.NewString(),
		Action:        p.Action,
		Status:        task.StatusNotStart,
		ParentID:      p.ParentID,
		BotFamily:     p.BotFamily,
		Mode:          p.Mode,
		Prompt:        p.Prompt,
		ImageURL:      p.ImageURL,
		Properties:    p.Properties,
		AccountFilter: p.Filter,
	}
	if p.CustomID != "" {
		t.Properties.CustomID = p.CustomID
	}

	result := s.cfg.Submitter.Submit(ctx, t)
	s.reply(ctx, conn, req.ID, result, nil)
}

type getParams struct {
	ID string `json:"id"`
}

func (s *Server) handleGet(ctx context.Context, conn *websocket.Conn, req rpcRequest) {
	var p getParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
		s.reply(ctx, conn, req.ID, nil, &rpcError{Code: ErrCodeParse, Message: "invalid params"})
		return
	}
	t, err := s.cfg.Store.Get(ctx, p.ID)
	if err != nil {
		s.reply(ctx, conn, req.ID, nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()})
		return
	}
	s.reply(ctx, conn, req.ID, t, nil)
}

func (s *Server) handleSubscribe(ctx context.Context, conn *websocket.Conn, req rpcRequest) {
	var p getParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
		s.reply(ctx, conn, req.ID, nil, &rpcError{Code: ErrCodeParse, Message: "invalid params"})
		return
	}

	sub := s.cfg.Bus.Subscribe("task.")
	defer s.cfg.Bus.Unsubscribe(sub)

	streamCtx, cancel := context.WithTimeout(ctx, eventStreamTimeout)
	defer cancel()

	for {
		select {
		case <-streamCtx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !matchesTask(ev, p.ID) {
				continue
			}
			_ = wsjson.Write(streamCtx, conn, rpcResponse{
				JSONRPC: "2.0",
				Result:  ev.Payload,
			})
			if ev.Topic == bus.TopicTaskTerminal {
				return
			}
		}
	}
}

func matchesTask(ev bus.Event, taskID string) bool {
	switch p := ev.Payload.(type) {
	case bus.TaskStateChangedEvent:
		return p.TaskID == taskID
	case bus.TaskProgressEvent:
		return p.TaskID == taskID
	case bus.TaskTerminalEvent:
		return p.TaskID == taskID
	default:
		return false
	}
}

func (s *Server) reply(ctx context.Context, conn *websocket.Conn, id json.RawMessage, result any, rpcErr *rpcError) {
	resp := rpcResponse{JSONRPC: "2.0", Result: result, Error: rpcErr}
	if len(id) > 0 {
		var idVal any
		_ = json.Unmarshal(id, &idVal)
		resp.ID = idVal
	}
	if err := wsjson.Write(ctx, conn, resp); err != nil {
		s.log.Warn("gateway_write_failed", slog.String("error", err.Error()))
	}
}
