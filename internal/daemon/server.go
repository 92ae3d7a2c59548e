// Package daemon wires the record store, session registry, client hub, and
// HTTP surface into one process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/IvanRicoPrieto/CCRemote/internal/auth"
	"github.com/IvanRicoPrieto/CCRemote/internal/config"
	"github.com/IvanRicoPrieto/CCRemote/internal/db"
	"github.com/IvanRicoPrieto/CCRemote/internal/hub"
	"github.com/IvanRicoPrieto/CCRemote/internal/registry"
	"github.com/IvanRicoPrieto/CCRemote/internal/session"
	"github.com/IvanRicoPrieto/CCRemote/internal/tlsfiles"
	"github.com/IvanRicoPrieto/CCRemote/internal/tmux"
	"github.com/IvanRicoPrieto/CCRemote/internal/web"
)

type Server struct {
	cfg    config.Config
	logger *log.Logger

	store    *db.Store
	auth     *auth.Store
	registry *registry.Registry
	hub      *hub.Hub
	httpSrv  *http.Server
	guard    *crashGuard

	shutdown    sync.Once
	shutdownErr error
}

func New(cfg config.Config, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		guard:  newCrashGuard(10, 5*time.Second),
	}
}

// Run starts the daemon and blocks until the context is cancelled or a
// SIGTERM/SIGINT/SIGUSR1 arrives. SIGUSR1 selects purge shutdown: every
// hosted multiplexer session is killed along with the daemon.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := db.Open(ctx, s.cfg.DBPath)
	if err != nil {
		return err
	}
	s.store = store

	s.auth = auth.NewStore(store)
	if _, err := s.auth.EnsureToken(ctx); err != nil {
		s.store.Close() //nolint:errcheck
		return err
	}

	driver := tmux.NewDriver(s.cfg)
	bus := session.NewBus()
	s.registry = registry.New(s.cfg, store, driver, bus, s.logger)
	s.hub = hub.New(s.cfg, s.auth, s.registry, s.logger)
	s.hub.BindBus(bus)

	if err := s.registry.Rediscover(ctx); err != nil {
		s.logger.Printf("rediscovery: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.recoverable(s.hub.ServeWS))
	mux.Handle("/download", web.NewDownloadHandler(s.auth, s.registry, s.cfg.MaxFileBytes))
	if _, err := os.Stat(filepath.Join(s.cfg.AssetDir, "index.html")); err == nil {
		mux.Handle("/", web.NewStaticHandler(s.cfg.AssetDir))
	}
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	addr := net.JoinHostPort("", strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.Stop(context.Background(), false)
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.logger.Printf("daemon listening on %s", ln.Addr())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if pair, ok := tlsfiles.Lookup(hostname()); ok {
			s.logger.Printf("serving TLS for %s", hostname())
			serveErr = s.httpSrv.ServeTLS(ln, pair.CertFile, pair.KeyFile)
		} else {
			serveErr = s.httpSrv.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
		close(errCh)
	}()

	select {
	case sig := <-sigCh:
		purge := sig == syscall.SIGUSR1
		s.logger.Printf("received %s, shutting down (purge=%v)", sig, purge)
		s.Stop(context.Background(), purge)
		return nil
	case <-ctx.Done():
		s.Stop(context.Background(), false)
		return ctx.Err()
	case err := <-errCh:
		s.Stop(context.Background(), false)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

// Stop shuts the daemon down. Graceful mode disconnects sessions but leaves
// the hosted multiplexer sessions running for later re-attach; purge kills
// them too.
func (s *Server) Stop(ctx context.Context, purge bool) {
	s.shutdown.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
		defer cancel()
		if s.registry != nil {
			s.registry.Shutdown(shutdownCtx, purge)
		}
		if s.hub != nil {
			s.hub.Close()
		}
		if s.httpSrv != nil {
			_ = s.httpSrv.Shutdown(shutdownCtx)
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.shutdownErr = err
			}
		}
	})
}

// recoverable wraps a handler with panic recovery feeding the crash guard.
// A handler bug degrades one request; a crash storm restarts the daemon.
func (s *Server) recoverable(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Printf("panic in handler: %v", v)
				if s.guard.note(time.Now()) {
					s.logger.Printf("panic rate exceeded, exiting for supervisor restart")
					os.Exit(1)
				}
			}
		}()
		next(w, r)
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}
