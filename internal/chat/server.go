package chat

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andy6609/multiroom-chat-server/internal/protocol"
	"github.com/andy6609/multiroom-chat-server/internal/store"
)

type Config struct {
	Addr          string
	AcceptPoll    time.Duration
	ShutdownGrace time.Duration
	SendBuffer    int
}

// Server is the context object shared by every handler. Components are
// built in dependency order: gateway, registry, approvals, access,
// moderation, router. The listener comes last, in Start.
type Server struct {
	cfg    Config
	logger *slog.Logger

	gw        Gateway
	reg       *Registry
	approvals *Approvals
	access    *AccessController
	moderator *Moderator
	router    *Router

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup

	shuttingDown atomic.Bool
	serving      atomic.Bool
	serveDone    chan struct{}
	stopOnce     sync.Once
}

func NewServer(cfg Config, gw Gateway, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AcceptPoll <= 0 {
		cfg.AcceptPoll = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewRegistry(128, logger)
	approvals := NewApprovals(logger)
	return &Server{
		cfg:       cfg,
		logger:    logger,
		gw:        gw,
		reg:       reg,
		approvals: approvals,
		access:    NewAccessController(gw, approvals, logger),
		moderator: NewModerator(gw, reg, logger),
		router:    NewRouter(gw, reg, logger),
		ctx:       ctx,
		cancel:    cancel,
		serveDone: make(chan struct{}),
	}
}

// Start binds the listener and starts the registry. A bind failure is
// returned to the caller and nothing is left running.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go s.reg.Run()
	s.logger.Info("server started", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done or Shutdown runs. The
// shutdown flag is checked between accepts, at least once per poll
// interval.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return ErrNotStarted
	}
	s.serving.Store(true)
	defer close(s.serveDone)
	defer s.listener.Close()

	type deadliner interface{ SetDeadline(time.Time) error }

	for !s.shuttingDown.Load() && ctx.Err() == nil {
		if dl, ok := s.listener.(deadliner); ok {
			_ = dl.SetDeadline(time.Now().Add(s.cfg.AcceptPoll))
		}
		conn, err := s.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		if s.shuttingDown.Load() {
			_ = conn.Close()
			break
		}
		s.spawn(conn)
	}
	s.logger.Info("acceptor stopped")
	return nil
}

func (s *Server) spawn(conn net.Conn) {
	c := NewClient(conn, s.cfg.SendBuffer)
	if err := s.reg.Register(c); err != nil {
		s.logger.Warn("client rejected", "addr", c.ID, "error", err)
		_ = conn.Close()
		return
	}
	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		s.handleConnection(s.ctx, c)
	}()
}

// Shutdown is the only teardown path: notify every session, wait the
// grace period, stop the acceptor, then close all sessions and stop the
// registry. Later calls return ErrShuttingDown immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error = ErrShuttingDown
	s.stopOnce.Do(func() {
		err = nil
		n := s.router.Announce(string(protocol.ServerShutdown))
		s.logger.Info("shutdown notice sent", "sessions", n, "grace", s.cfg.ShutdownGrace)

		if s.cfg.ShutdownGrace > 0 {
			t := time.NewTimer(s.cfg.ShutdownGrace)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}

		s.shuttingDown.Store(true)
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		if s.serving.Load() {
			select {
			case <-s.serveDone:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}

		closed := s.reg.CloseAll()
		s.logger.Info("sessions closed", "count", len(closed))

		done := make(chan struct{})
		go func() {
			s.handlers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}

		s.reg.Stop()
		s.reg.Wait()
		s.logger.Info("shutdown complete")
	})
	return err
}

// Operator surface used by the admin console.

func (s *Server) Approvals() <-chan *ApprovalRequest {
	return s.approvals.Pending()
}

func (s *Server) Sessions() []Session {
	entries := s.reg.Snapshot()
	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Session)
	}
	return out
}

func (s *Server) Ban(ctx context.Context, email string) (int, error) {
	return s.moderator.Ban(ctx, email, "")
}

func (s *Server) Unban(ctx context.Context, email string) (int64, error) {
	return s.moderator.Unban(ctx, email)
}

func (s *Server) Kick(ctx context.Context, email string, d time.Duration) (int, error) {
	return s.moderator.Kick(ctx, email, d, "")
}

func (s *Server) Unkick(ctx context.Context, email string) (int64, error) {
	return s.moderator.Unkick(ctx, email)
}

func (s *Server) Grant(ctx context.Context, room, email string) (bool, error) {
	return s.access.Grant(ctx, room, email)
}

func (s *Server) Revoke(ctx context.Context, room, email string) (bool, error) {
	return s.access.Revoke(ctx, room, email)
}

// AdminLogin checks operator credentials: the account must exist, the
// password must match and its permission must be administrateur.
func (s *Server) AdminLogin(ctx context.Context, email, password string) (bool, error) {
	acct, ok, err := s.gw.Authenticate(ctx, email, password)
	if err != nil || !ok {
		return false, err
	}
	return acct.Permission == store.PermissionAdmin, nil
}
