// Package ws serves the per-project websocket channel. Clients receive every
// progress event of the project and send slide edits and regenerate requests.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"

	deckerrors "github.com/arkilian/tabledeck/internal/errors"
	"github.com/arkilian/tabledeck/internal/orchestrator"
	"github.com/arkilian/tabledeck/internal/projects"
	"github.com/arkilian/tabledeck/internal/router"
	"github.com/arkilian/tabledeck/pkg/types"
)

// Frame types exchanged on the channel. Server events use the types.Event
// type names.
const (
	FrameConnectionEstablished = "connection_established"
	FrameSlideUpdate           = "slide_update"
	FrameRegenerate            = "regenerate"
	FrameChatQuery             = "chat_query"
	FrameError                 = "error"
)

// CodeSlowConsumer is sent before the server drops a connection that fell
// behind the event stream. The client reconnects to resync.
const CodeSlowConsumer = "SLOW_CONSUMER"

const (
	maxDecodeErrorsPerConn = 8
	maxFrameBytes          = 1 << 20

	// writeTimeout bounds one frame write so a stalled client cannot hold
	// the peer lock.
	writeTimeout = 10 * time.Second
)

// Projects is the registry the channel acts on.
type Projects interface {
	Get(projectID string) (*projects.Project, error)
	StartAnalysis(projectID string) bool
	SubmitEdit(projectID string, slideNumber int, rows []types.RowSpec) (*orchestrator.Pending, error)
	SubmitRegenerate(projectID string) (*orchestrator.Pending, error)
}

// Events is the event source a connection subscribes to.
type Events interface {
	Subscribe(projectID string) *router.Subscriber
	Unsubscribe(subID string)
}

// Options configures a Server.
type Options struct {
	Projects Projects
	Events   Events

	// AnalyzeOnConnect starts analysis of an INITIALIZED project when a
	// client connects.
	AnalyzeOnConnect bool

	// AllowedOrigins restricts the Origin header of the handshake. Empty
	// accepts any origin.
	AllowedOrigins []string
}

// Server is the websocket endpoint.
type Server struct {
	opts Options
}

// NewServer creates a websocket server.
func NewServer(opts Options) *Server {
	return &Server{opts: opts}
}

// Mount registers GET /ws/{projectID} on r.
func (s *Server) Mount(r chi.Router) {
	r.Get("/ws/{projectID}", s.ServeHTTP)
}

// ClientFrame is a message sent by the client.
type ClientFrame struct {
	Type               string          `json:"type"`
	SlideNumber        int             `json:"slide_number,omitempty"`
	UserModifiedFields []types.RowSpec `json:"user_modified_fields,omitempty"`
	Message            string          `json:"message,omitempty"`
}

// ConnectionFrame is the first frame of every connection.
type ConnectionFrame struct {
	Type      string       `json:"type"`
	ProjectID string       `json:"project_id"`
	Status    types.Status `json:"status"`
	LastSeq   uint64       `json:"last_seq"`
	Message   string       `json:"message"`
}

// ErrorFrame reports a rejected client frame to that client only.
type ErrorFrame struct {
	Type        string `json:"type"`
	Code        string `json:"code,omitempty"`
	SlideNumber int    `json:"slide_number,omitempty"`
	Message     string `json:"message"`
}

// ServeHTTP rejects unknown projects with 404 before upgrading.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	p, err := s.opts.Projects.Get(projectID)
	if err != nil {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}

	srv := websocket.Server{
		Handshake: s.checkOrigin,
		Handler: func(conn *websocket.Conn) {
			s.handleConn(conn, p)
		},
	}
	srv.ServeHTTP(w, r)
}

func (s *Server) checkOrigin(cfg *websocket.Config, r *http.Request) error {
	origin, err := websocket.Origin(cfg, r)
	if err == nil && origin == nil {
		err = fmt.Errorf("null origin")
	}
	if err != nil {
		return err
	}
	cfg.Origin = origin
	if len(s.opts.AllowedOrigins) == 0 {
		return nil
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if sameOrigin(origin, allowed) {
			return nil
		}
	}
	return fmt.Errorf("origin %s not allowed", origin)
}

func sameOrigin(origin *url.URL, allowed string) bool {
	if allowed == "*" {
		return true
	}
	return strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin.Scheme+"://"+origin.Host)
}

// peer serialises writes to one connection.
type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) send(v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return websocket.JSON.Send(p.conn, v)
}

func (p *peer) sendError(code string, slide int, message string) {
	_ = p.send(ErrorFrame{Type: FrameError, Code: code, SlideNumber: slide, Message: message})
}

func (s *Server) handleConn(conn *websocket.Conn, p *projects.Project) {
	conn.MaxPayloadBytes = maxFrameBytes
	defer conn.Close()
	// The HTTP server's read timeout must not end idle sessions.
	_ = conn.SetReadDeadline(time.Time{})

	projectID := p.Record.ProjectID
	out := &peer{conn: conn}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	// Subscribe before anything can emit so no event of a pass started by
	// this connection is missed.
	var sub *router.Subscriber
	if s.opts.Events != nil {
		sub = s.opts.Events.Subscribe(projectID)
		defer s.opts.Events.Unsubscribe(sub.ID)
	}

	snap := p.Orch.Snapshot()
	if err := out.send(ConnectionFrame{
		Type:      FrameConnectionEstablished,
		ProjectID: projectID,
		Status:    snap.Status,
		LastSeq:   snap.LastSeq,
		Message:   "WebSocket connection established",
	}); err != nil {
		return
	}
	log.Printf("ws: client connected to %s from %s", projectID, conn.Request().RemoteAddr)

	if sub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			forward(ctx, out, sub)
		}()
	}

	if s.opts.AnalyzeOnConnect && snap.Status == types.StatusInitialized {
		s.opts.Projects.StartAnalysis(projectID)
	}

	decodeErrors := 0
	for {
		var raw []byte
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("ws: read from %s: %v", projectID, err)
			}
			break
		}

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			decodeErrors++
			out.sendError("INVALID_FRAME", 0, fmt.Sprintf("invalid JSON format: %v", err))
			if decodeErrors >= maxDecodeErrorsPerConn {
				break
			}
			continue
		}
		decodeErrors = 0

		// Requests are queued here, in frame order, so the last edit of a
		// slide wins. Only the wait for the pass runs in the background.
		switch frame.Type {
		case FrameSlideUpdate:
			if frame.SlideNumber < 1 {
				out.sendError(deckerrors.CodeUnknownSlide, frame.SlideNumber, "slide_number is required")
				continue
			}
			pending, err := s.opts.Projects.SubmitEdit(projectID, frame.SlideNumber, frame.UserModifiedFields)
			s.await(ctx, &wg, out, pending, err, frame.SlideNumber)
		case FrameRegenerate:
			pending, err := s.opts.Projects.SubmitRegenerate(projectID)
			s.await(ctx, &wg, out, pending, err, 0)
		case FrameChatQuery:
			out.sendError("UNSUPPORTED", 0, "chat queries are not supported")
		default:
			kind := frame.Type
			if kind == "" {
				kind = "missing"
			}
			out.sendError("UNKNOWN_FRAME", 0, fmt.Sprintf("unknown message type: %s", kind))
		}
	}
	log.Printf("ws: client disconnected from %s", projectID)
}

// forward relays bus events to the client until the subscription ends or
// the connection goes away. It reports whether the bus evicted the
// subscriber.
func forward(ctx context.Context, out *peer, sub *router.Subscriber) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub.Events():
			if !ok {
				return sub.Evicted()
			}
			if err := out.send(ev); err != nil {
				return false
			}
		}
	}
}

// await reports the outcome of a submitted request to the requesting client
// without holding up the read loop.
func (s *Server) await(ctx context.Context, wg *sync.WaitGroup, out *peer, pending *orchestrator.Pending, err error, slide int) {
	if err != nil {
		reportCommandError(out, err, slide)
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := pending.Wait(ctx)
		reportCommandError(out, err, slide)
	}()
}

// reportCommandError sends err to the requesting client. Compilation and
// render failures already reach every subscriber as an error event.
func reportCommandError(out *peer, err error, slide int) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	switch deckerrors.GetCategory(err) {
	case deckerrors.ErrCategoryCompilation, deckerrors.ErrCategoryRender:
		return
	}
	out.sendError(deckerrors.GetCode(err), slide, err.Error())
}
