// Package control exposes the pipeline to MCP clients over a websocket. Each
// tool maps onto one UI command.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cue-voice-lab/internal/bridge"
	"github.com/cue-voice-lab/internal/logging"
	"github.com/cue-voice-lab/internal/pipeerr"
)

// Tool names.
const (
	ToolStartCapture  = "start_capture"
	ToolStopCapture   = "stop_capture"
	ToolStartWakeWord = "start_wake_word"
	ToolStopWakeWord  = "stop_wake_word"
	ToolStatus        = "status"
)

// Commands is what the tools drive; the console context implements it.
type Commands interface {
	StartCapture(ctx context.Context) (bridge.Ack, error)
	StopCapture(ctx context.Context) error
	StartWake(ctx context.Context) error
	StopWake(ctx context.Context) error
	Status(ctx context.Context) (bridge.StatusReport, error)
}

type noArgs struct{}

type Server struct {
	mcp      *sdk.Server
	cmds     Commands
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(cmds Commands, version string) *Server {
	s := &Server{
		mcp:      sdk.NewServer(&sdk.Implementation{Name: "cuepipe", Version: version}, nil),
		cmds:     cmds,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[*websocket.Conn]struct{}),
	}
	s.addTools()
	return s
}

func (s *Server) addTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{Name: ToolStartCapture, Description: "start recording the tab audio, mixed with the microphone when available"}, func(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
		ack, err := s.cmds.StartCapture(ctx)
		if err != nil {
			return failure(err), nil, nil
		}
		return success(map[string]any{"session_id": ack.SessionID, "degraded": ack.Degraded}), nil, nil
	})
	sdk.AddTool(s.mcp, &sdk.Tool{Name: ToolStopCapture, Description: "stop recording and release the capture devices"}, func(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
		return result(s.cmds.StopCapture(ctx)), nil, nil
	})
	sdk.AddTool(s.mcp, &sdk.Tool{Name: ToolStartWakeWord, Description: "listen for the wake phrase"}, func(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
		return result(s.cmds.StartWake(ctx)), nil, nil
	})
	sdk.AddTool(s.mcp, &sdk.Tool{Name: ToolStopWakeWord, Description: "stop listening for the wake phrase"}, func(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
		return result(s.cmds.StopWake(ctx)), nil, nil
	})
	sdk.AddTool(s.mcp, &sdk.Tool{Name: ToolStatus, Description: "report capture, wake phrase and dictation state"}, func(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
		rep, err := s.cmds.Status(ctx)
		if err != nil {
			return failure(err), nil, nil
		}
		return success(rep), nil, nil
	})
}

func result(err error) *sdk.CallToolResult {
	if err != nil {
		return failure(err)
	}
	return success(map[string]any{"ok": true})
}

func success(v any) *sdk.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return failure(err)
	}
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: string(b)}}}
}

func failure(err error) *sdk.CallToolResult {
	b, _ := json.Marshal(map[string]any{
		"error":   err.Error(),
		"code":    pipeerr.CodeOf(err),
		"message": pipeerr.UserMessage(err),
	})
	return &sdk.CallToolResult{IsError: true, Content: []sdk.Content{&sdk.TextContent{Text: string(b)}}}
}

// Handler serves /mcp/ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/mcp/ws", s.serveWS)
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("control: websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
		session, err := s.mcp.Connect(context.Background(), newWebSocketTransport(conn), nil)
		if err != nil {
			logging.Warnw("control: mcp connect failed", "remote", r.RemoteAddr, "err", err)
			_ = conn.Close()
			return
		}
		logging.Infow("control: client connected", "remote", r.RemoteAddr)
		if err := session.Wait(); err != nil {
			logging.Debugw("control: session ended", "remote", r.RemoteAddr, "err", err)
			return
		}
		logging.Infow("control: client disconnected", "remote", r.RemoteAddr)
	}()
}

// Close drops every client connection and waits for their sessions to end.
func (s *Server) Close() {
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
