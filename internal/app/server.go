package app

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"roomdrop/internal/artifacts"
	"roomdrop/internal/cleanup"
	"roomdrop/internal/messaging"
	"roomdrop/internal/notify"
	"roomdrop/internal/rooms"
	"roomdrop/internal/server"
	"roomdrop/internal/storage"
	"roomdrop/internal/target"
	"roomdrop/internal/transfer"
)

const (
	shutdownTimeout = 5 * time.Second
	pruneInterval   = 5 * time.Minute
)

// ServerHandle represents a running HTTP server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	store  storage.Store
	stop   context.CancelFunc
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown bounded by ctx.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
	}
	h.stop()
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

func openStore(ctx context.Context, cfg ServerConfig) (storage.Store, error) {
	if cfg.Store == StoreMemory {
		return storage.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, errors.Wrap(err, "create db dir")
	}
	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return store, nil
}

// RunServer opens the store, wires the services and starts serving in the
// background together with the notification hub and the cleanup scheduler.
// Cancel ctx or call Stop to shut down, then Wait.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	files, err := artifacts.New(filepath.Join(cfg.DataDir, "files"))
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "open artifact store")
	}

	hub := notify.NewHub(notify.DefaultQueueSize)
	mgr := rooms.NewManager(store, files, rooms.WithNotifier(hub))
	resolver := target.NewResolver(mgr)
	msgs := messaging.NewService(store, resolver, messaging.WithNotifier(hub))
	xfer := transfer.NewService(store, files, resolver, msgs, transfer.WithMaxFileSize(cfg.MaxFileSize))

	srv := server.New(server.Config{
		IdentitySecret:   cfg.IdentitySecret,
		ChunkReadTimeout: cfg.ChunkReadTimeout,
		RateLimit:        cfg.RateLimit,
	}, server.Deps{Transfer: xfer, Messages: msgs, Rooms: mgr, Hub: hub})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "listen")
	}

	runCtx, stop := context.WithCancel(ctx)
	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		store:  store,
		stop:   stop,
		done:   make(chan struct{}),
	}

	go hub.Run(runCtx)
	go cleanup.NewScheduler(xfer, mgr, cfg.Cleanup).Run(runCtx)
	if limiter := srv.Limiter(); limiter != nil {
		go pruneLimiter(runCtx, limiter)
	}
	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "RunServer",
				"error":    err.Error(),
			}).Error("Server shutdown failed")
		}
	}()
	go handle.serve(listener)

	logrus.WithFields(logrus.Fields{
		"function": "RunServer",
		"addr":     handle.addr,
		"store":    cfg.Store,
		"data_dir": cfg.DataDir,
		"signed":   cfg.IdentitySecret != "",
	}).Info("Roomdrop server listening")
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.stop()
	if cerr := h.store.Close(); cerr != nil {
		logrus.WithFields(logrus.Fields{
			"function": "serve",
			"error":    cerr.Error(),
		}).Error("Store close failed")
	}
	h.err = err
}

func pruneLimiter(ctx context.Context, limiter *server.RateLimiter) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Prune(); n > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "pruneLimiter",
					"removed":  n,
				}).Debug("Pruned idle rate limit keys")
			}
		}
	}
}
