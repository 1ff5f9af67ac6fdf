// Package server exposes consumers over websocket endpoints: it upgrades
// requests, establishes the connection's auth context, runs connect-time
// permissions and owns the listen/shutdown lifecycle.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"liveapi/internal/dispatch"
	"liveapi/internal/observer"
	"liveapi/internal/permission"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AuthFunc derives the connection's auth context from the upgrade request.
// The returned value is opaque to the framework; permissions interpret it.
type AuthFunc func(r *http.Request) any

// BearerAuth is the default auth context: the raw bearer token from the
// upgrade request, if any.
type BearerAuth struct {
	Token string
}

// Authenticated reports whether a token was presented at all.
func (a *BearerAuth) Authenticated() bool { return a != nil && a.Token != "" }

// BearerToken returns the raw token.
func (a *BearerAuth) BearerToken() string {
	if a == nil {
		return ""
	}
	return a.Token
}

// DefaultAuth reads a bearer token from the Authorization header, falling
// back to a "token" query parameter for browser clients that cannot set
// websocket headers.
func DefaultAuth(r *http.Request) any {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return &BearerAuth{Token: strings.TrimPrefix(header, "Bearer ")}
	}
	return &BearerAuth{Token: r.URL.Query().Get("token")}
}

// Server serves one or more consumers, each mounted at its own path.
type Server struct {
	engine *observer.Engine
	auth   AuthFunc
	log    *zap.Logger

	routes map[string]*dispatch.Mux

	mu       sync.Mutex
	conns    map[*dispatch.Conn]struct{}
	listener net.Listener
	httpSrv  *http.Server
}

// New creates a server delivering through the given engine.
func New(engine *observer.Engine, auth AuthFunc, log *zap.Logger) *Server {
	if auth == nil {
		auth = DefaultAuth
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		engine: engine,
		auth:   auth,
		log:    log,
		routes: make(map[string]*dispatch.Mux),
		conns:  make(map[*dispatch.Conn]struct{}),
	}
}

// Mount exposes an action table at a websocket path, "/ws/notes" say. Must be
// called before Run.
func (s *Server) Mount(path string, mux *dispatch.Mux) {
	s.routes[path] = mux
}

// Run listens on addr and serves until Shutdown or a listener error.
func (s *Server) Run(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	httpMux := http.NewServeMux()
	for path, mux := range s.routes {
		httpMux.HandleFunc(path, s.wsHandler(mux))
	}

	s.httpSrv = &http.Server{Handler: httpMux}
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	err = s.httpSrv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Addr returns the bound listen address, for tests that listen on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting upgrades, closes every live connection and drains
// the observer engine.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	s.mu.Lock()
	open := make([]*dispatch.Conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.conns = make(map[*dispatch.Conn]struct{})
	s.mu.Unlock()

	for _, c := range open {
		c.Close()
	}
	s.engine.Close()
	s.log.Info("shut down", zap.Int("connections_closed", len(open)))
	return err
}

func (s *Server) wsHandler(mux *dispatch.Mux) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := s.auth(r)

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		conn := dispatch.NewConn(ws, auth, mux, s.engine, s.log)

		allowed, denial, err := permission.Check(r.Context(), mux.Permissions(), permission.Request{
			ConnID: conn.ID(),
			Auth:   auth,
			Action: permission.ActionConnect,
		})
		if err != nil || !allowed {
			if err != nil {
				s.log.Error("connect permission evaluation failed", zap.Error(err))
				denial = "Internal error"
			}
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, denial),
				time.Now().Add(time.Second))
			conn.Close()
			return
		}

		s.track(conn)
		s.log.Debug("connection open", zap.String("conn", conn.ID()), zap.String("path", r.URL.Path))

		go conn.WritePump()
		go func() {
			conn.ReadPump()
			s.untrack(conn)
			s.log.Debug("connection closed", zap.String("conn", conn.ID()))
		}()
	}
}

func (s *Server) track(c *dispatch.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *dispatch.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
