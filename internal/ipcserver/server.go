// Package ipcserver exposes the local shadow operations to on-device
// components over a websocket endpoint. Each connection carries a
// stream of JSON request/response frames; requests are correlated by
// a caller-chosen id.
package ipcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/edgefleet/shadowd/internal/ipc"
)

// Operation names accepted on the wire.
const (
	OpGetThingShadow    = "GetThingShadow"
	OpUpdateThingShadow = "UpdateThingShadow"
	OpDeleteThingShadow = "DeleteThingShadow"
	OpListNamedShadows  = "ListNamedShadowsForThing"
)

// Request is one inbound frame.
type Request struct {
	ID         int64           `json:"id"`
	Op         string          `json:"op"`
	ThingName  string          `json:"thingName"`
	ShadowName string          `json:"shadowName,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	NextToken  string          `json:"nextToken,omitempty"`
	PageSize   int             `json:"pageSize,omitempty"`
}

// Response is one outbound frame.
type Response struct {
	ID        int64             `json:"id"`
	OK        bool              `json:"ok"`
	Document  json.RawMessage   `json:"document,omitempty"`
	Names     []string          `json:"names,omitempty"`
	NextToken string            `json:"nextToken,omitempty"`
	Error     *ipc.ServiceError `json:"error,omitempty"`
}

// Server serves the IPC websocket endpoint.
type Server struct {
	svc    *ipc.Service
	logger *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a server over the given service.
func NewServer(svc *ipc.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{svc: svc, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/shadow", s.handleWebsocket)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	return s
}

// Handler exposes the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ipcserver: listening on %s: %w", addr, err)
	}

	s.listener = l

	go func() {
		if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ipc server failed", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("ipc server listening", slog.String("addr", l.Addr().String()))

	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and drains active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	for {
		var req Request
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
				errors.Is(err, context.Canceled) {
				return
			}

			s.logger.Debug("connection closed", slog.String("error", err.Error()))

			return
		}

		resp := s.dispatch(ctx, &req)
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			s.logger.Debug("write failed", slog.String("error", err.Error()))
			return
		}
	}
}

// dispatch routes one frame to the service.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	resp := &Response{ID: req.ID}

	switch req.Op {
	case OpGetThingShadow:
		doc, err := s.svc.GetThingShadow(ctx, req.ThingName, req.ShadowName)
		if err != nil {
			resp.Error = toServiceError(err)
			return resp
		}

		resp.OK = true
		resp.Document = doc

	case OpUpdateThingShadow:
		doc, err := s.svc.UpdateThingShadow(ctx, req.ThingName, req.ShadowName, req.Payload)
		if err != nil {
			resp.Error = toServiceError(err)
			return resp
		}

		resp.OK = true
		resp.Document = doc

	case OpDeleteThingShadow:
		if err := s.svc.DeleteThingShadow(ctx, req.ThingName, req.ShadowName); err != nil {
			resp.Error = toServiceError(err)
			return resp
		}

		resp.OK = true

	case OpListNamedShadows:
		names, token, err := s.svc.ListNamedShadows(ctx, req.ThingName, req.NextToken, req.PageSize)
		if err != nil {
			resp.Error = toServiceError(err)
			return resp
		}

		resp.OK = true
		resp.Names = names
		resp.NextToken = token

	default:
		resp.Error = &ipc.ServiceError{
			Code:    ipc.CodeInvalidArguments,
			Message: fmt.Sprintf("unknown operation %q", req.Op),
		}
	}

	return resp
}

// toServiceError maps service failures onto the wire error shape.
func toServiceError(err error) *ipc.ServiceError {
	var se *ipc.ServiceError
	if errors.As(err, &se) {
		return se
	}

	return &ipc.ServiceError{Code: ipc.CodeServiceError, Message: err.Error()}
}
