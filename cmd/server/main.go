package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/andy6609/multiroom-chat-server/internal/admin"
	"github.com/andy6609/multiroom-chat-server/internal/chat"
	"github.com/andy6609/multiroom-chat-server/internal/config"
	"github.com/andy6609/multiroom-chat-server/internal/store"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("invalid arguments", "error", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	st, err := store.Open(cfg.DBPath, store.WithLogger(logger))
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	srv := chat.NewServer(chat.Config{
		Addr:          cfg.Addr,
		AcceptPoll:    cfg.AcceptPoll,
		ShutdownGrace: cfg.ShutdownGrace,
		SendBuffer:    cfg.SendBuffer,
	}, st, logger)
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		st.Close()
		os.Exit(1)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return srv.Serve(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, done := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
		defer done()
		if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, chat.ErrShuttingDown) {
			return err
		}
		return nil
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		hs := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			return hs.Shutdown(sctx)
		})
	}

	opts := []admin.Option{
		admin.WithLogin(cfg.AdminLogin),
		admin.WithLogger(logger),
		admin.WithShutdownTimeout(cfg.ShutdownGrace + 10*time.Second),
	}
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		opts = append(opts, admin.WithPasswordReader(func() (string, error) {
			b, err := term.ReadPassword(fd)
			os.Stdout.WriteString("\n")
			return string(b), err
		}))
	}
	console := admin.New(srv, os.Stdin, os.Stdout, opts...)
	g.Go(func() error {
		return console.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "error", err)
		st.Close()
		os.Exit(1)
	}
	logger.Info("bye")
}
