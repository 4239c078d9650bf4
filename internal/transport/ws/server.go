package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gorilla/mux"

	"github.com/omochice/pairchat/internal/auth"
	"github.com/omochice/pairchat/internal/relay"
)

// Verifier authorizes the token presented on the handshake.
type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

// Config configures a Server.
type Config struct {
	Address      string
	IdleTimeout  time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Server accepts WebSocket connections on /ws and hands each authenticated
// one to the relay manager. Other routes can be mounted on Router.
type Server struct {
	cfg      Config
	verifier Verifier
	manager  *relay.Manager
	logger   *slog.Logger
	router   *mux.Router
	listener net.Listener
	server   *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a WebSocket server.
func New(cfg Config, verifier Verifier, manager *relay.Manager) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		verifier: verifier,
		manager:  manager,
		logger:   cfg.Logger,
		router:   mux.NewRouter(),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router returns the router the server dispatches on.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Listen binds the listening socket without serving yet.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = listener
	return nil
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.logger.Info("server started", "addr", s.listener.Addr().String())

	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops accepting connections, ends every live session and waits for
// them to finish.
func (s *Server) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.cancel()
	s.manager.Shutdown()
	s.wg.Wait()
	return err
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, err := s.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		s.logger.Info("handshake refused", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	netConn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	var source io.Reader = netConn
	if rw != nil && rw.Reader.Buffered() > 0 {
		source = rw.Reader
	}
	conn := NewConn(netConn, source, ConnOptions{
		IdleTimeout:  s.cfg.IdleTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		RemoteAddr:   r.RemoteAddr,
	})

	s.wg.Add(1)
	go s.serve(id, conn)
}

func (s *Server) serve(id auth.Identity, conn *Conn) {
	defer s.wg.Done()

	done := make(chan struct{})
	if s.cfg.PingInterval > 0 {
		s.wg.Add(1)
		go s.keepalive(conn, done)
	}

	if err := s.manager.Serve(s.ctx, id, conn); err != nil {
		s.logger.Info("session ended with error",
			"user_id", id.UserID,
			"remote_addr", conn.RemoteAddr(),
			"error", err,
		)
	}
	close(done)
}

// keepalive pings the peer so intermediaries keep the connection open and
// the peer's pongs refresh the idle deadline.
func (s *Server) keepalive(conn *Conn, done <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.Ping(s.ctx); err != nil {
				s.logger.Debug("ping failed", "remote_addr", conn.RemoteAddr(), "error", err)
				conn.Close()
				return
			}
		}
	}
}
