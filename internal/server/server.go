// Package server wires pkg/telemetry's transport-agnostic pipeline to HTTP
// and websocket transports: the ingest endpoint, the historical-read
// endpoint, the stats probe, and the live duplex client socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/agenttrace/agenttrace/pkg/telemetry"
)

// Config configures a Server.
type Config struct {
	Addr    string
	LogPath string
	Logger  *slog.Logger
	Debug   bool
}

// Server owns the append log, the watcher, and the fan-out queue, and
// exposes them over HTTP/WS.
type Server struct {
	cfg    Config
	logger *slog.Logger

	log     *telemetry.AppendLog
	watcher *telemetry.Watcher
	queue   *telemetry.Queue
	prober  *telemetry.Prober

	httpServer *http.Server
}

// New constructs a Server, opening the append log and wiring the watcher
// to the fan-out queue. It does not start any background goroutines;
// call Run for that.
func New(cfg Config) (*Server, error) {
	if cfg.LogPath == "" {
		return nil, errors.New("server: log path is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	appendLog, err := telemetry.OpenAppendLog(cfg.LogPath)
	if err != nil {
		return nil, fmt.Errorf("server: open append log: %w", err)
	}

	queue := telemetry.NewQueue(telemetry.QueueConfig{
		Logger: cfg.Logger,
		Debug:  cfg.Debug,
	})

	watcher, err := telemetry.NewWatcher(telemetry.WatcherConfig{
		LogPath: cfg.LogPath,
		Sink:    queue,
		Logger:  cfg.Logger,
		Debug:   cfg.Debug,
	})
	if err != nil {
		_ = appendLog.Close()
		return nil, fmt.Errorf("server: build watcher: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		log:     appendLog,
		watcher: watcher,
		queue:   queue,
		prober:  telemetry.NewProber(appendLog, watcher, queue),
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/event", s.handleIngest).Methods(http.MethodPost)
	router.HandleFunc("/api/events", s.handleHistory).Methods(http.MethodGet)
	router.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWebsocket)

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	return s, nil
}

// Run starts the watcher, the fan-out queue's maintenance loop, and the
// HTTP server, blocking until ctx is cancelled or the server fails.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		if err := s.watcher.Run(ctx); err != nil {
			s.logger.Error("server: watcher exited", "error", err)
		}
	}()
	go s.queue.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening", "addr", s.cfg.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("server: shutdown error", "error", err)
		}
		return s.log.Close()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
