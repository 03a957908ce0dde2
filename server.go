package custodian

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// wireMessage is one frame on a websocket connection to the custodian. Apps
// send requests; the approval surface additionally reports closed windows.
type wireMessage struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type"`
	Params   stdjson.RawMessage `json:"params,omitempty"`
	WindowID string             `json:"windowId,omitempty"`
}

type wireResponse struct {
	ID     string `json:"id,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// wsConn serializes writes: replies for suspended requests arrive from the
// dialog path concurrently with fast-path replies.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// DialogHub delivers open-dialog commands to the connected approval surface
// and remembers which windows it has open. At most one approval surface is
// connected at a time; with none connected, adjudication is impossible and
// OpenDialog fails.
type DialogHub struct {
	mu      sync.Mutex
	conn    *wsConn
	ctx     context.Context
	windows map[string]bool // windows opened on the current connection
}

var _ DialogOpener = (*DialogHub)(nil)

func NewDialogHub() *DialogHub {
	return &DialogHub{windows: make(map[string]bool)}
}

func (h *DialogHub) OpenDialog(requestID string) (string, error) {
	h.mu.Lock()
	conn, ctx := h.conn, h.ctx
	h.mu.Unlock()

	if conn == nil {
		return "", ErrNoDialog
	}

	windowID := uuid.NewString()
	err := conn.write(ctx, wireMessage{Type: "open_dialog", Params: mustMarshal(map[string]string{
		"requestId": requestID,
		"windowId":  windowID,
	})})
	if err != nil {
		return "", ErrNoDialog
	}

	h.mu.Lock()
	h.windows[windowID] = true
	h.mu.Unlock()
	return windowID, nil
}

func (h *DialogHub) attach(ctx context.Context, conn *wsConn) {
	h.mu.Lock()
	h.conn = conn
	h.ctx = ctx
	h.windows = make(map[string]bool)
	h.mu.Unlock()
}

// detach forgets the current approval surface and returns the ids of every
// window it still had open, which the server turns into abandonment.
func (h *DialogHub) detach(conn *wsConn) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != conn {
		return nil
	}
	h.conn = nil
	h.ctx = nil
	orphans := make([]string, 0, len(h.windows))
	for w := range h.windows {
		orphans = append(orphans, w)
	}
	h.windows = make(map[string]bool)
	return orphans
}

func (h *DialogHub) forget(windowID string) {
	h.mu.Lock()
	delete(h.windows, windowID)
	h.mu.Unlock()
}

func mustMarshal(v any) stdjson.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// Server exposes the gateway over local websockets: apps connect to
// /connect (their Origin header becomes the trust domain), the approval
// surface connects to /dialog and is the only connection allowed to send
// internal request types.
type Server struct {
	gw   *Gateway
	hub  *DialogHub
	addr string

	httpServer *http.Server
}

func NewServer(gw *Gateway, hub *DialogHub, addr string) *Server {
	return &Server{gw: gw, hub: hub, addr: addr}
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", s.handleApp)
	mux.HandleFunc("/dialog", s.handleDialog)

	s.httpServer = &http.Server{
		Addr:        s.addr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		errc <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.httpServer.Close()
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleApp(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	origin := r.Header.Get("Origin")
	domain := ""
	if u, err := url.Parse(origin); err == nil {
		domain = u.Hostname()
	}

	s.serveConn(r.Context(), &wsConn{conn: conn}, domain, origin, false)
}

func (s *Server) handleDialog(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	wc := &wsConn{conn: conn}
	s.hub.attach(r.Context(), wc)
	defer func() {
		// the approval surface went away: every window it still had open
		// counts as abandoned
		for _, windowID := range s.hub.detach(wc) {
			s.gw.WindowClosed(windowID)
		}
	}()

	s.serveConn(r.Context(), wc, "", "", true)
}

func (s *Server) serveConn(ctx context.Context, wc *wsConn, domain, origin string, internal bool) {
	for {
		_, data, err := wc.conn.Read(ctx)
		if err != nil {
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			wc.write(ctx, wireResponse{Error: "invalid message"})
			continue
		}

		if msg.Type == "window_closed" {
			if internal {
				s.hub.forget(msg.WindowID)
				s.gw.WindowClosed(msg.WindowID)
			}
			continue
		}

		rt := RequestType(msg.Type)
		if rt.Internal() && !internal {
			wc.write(ctx, wireResponse{ID: msg.ID, Error: "forbidden"})
			continue
		}

		id := msg.ID
		s.gw.Dispatch(ctx, Request{
			Type:   rt,
			Domain: domain,
			Origin: origin,
			Params: msg.Params,
		}, func(resp Response) {
			if err := wc.write(ctx, wireResponse{ID: id, Result: resp.Result, Error: resp.Error}); err != nil {
				DebugLogger.Printf("failed to deliver reply for %s: %s", id, err)
			}
		})
	}
}
