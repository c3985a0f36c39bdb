// Package www serves the JSON status api and a websocket feed of run events.
package www

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/angas/nordpool2influx/config"
	"github.com/angas/nordpool2influx/database"
	"github.com/angas/nordpool2influx/task"
	"github.com/angas/nordpool2influx/types"
)

// Scheduler is the part of task.Scheduler the api exposes.
type Scheduler interface {
	Status() task.Status
	Runs(ctx context.Context, limit int) ([]types.RunRecord, error)
	Trigger(reason string, areas ...types.BiddingArea) bool
}

type Server struct {
	logger    *slog.Logger
	config    config.AppConfigApi
	scheduler Scheduler
	db        *database.Database
	hub       *Hub
	mux       *http.ServeMux
}

// NewServer builds the api. db may be nil, the log and price endpoints then
// answer 503.
func NewServer(scheduler Scheduler, db *database.Database, config config.AppConfigApi) *Server {
	logger := slog.Default().With("module", "www")
	s := &Server{
		logger:    logger,
		config:    config,
		scheduler: scheduler,
		db:        db,
		hub:       NewHub(logger),
		mux:       http.NewServeMux(),
	}

	logReqMW := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("url", r.URL.String()),
				slog.String("remoteAddr", r.RemoteAddr))
			next.ServeHTTP(w, r)
		})
	}

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})

	s.mux.Handle("GET /api/status", logReqMW(NewStatusHandler(
		logger.With(slog.String("handler", "status")),
		scheduler)))

	s.mux.Handle("GET /api/runs", logReqMW(NewRunsHandler(
		logger.With(slog.String("handler", "runs")),
		scheduler)))

	s.mux.Handle("POST /api/run", logReqMW(NewTriggerHandler(
		logger.With(slog.String("handler", "run")),
		scheduler)))

	s.mux.Handle("GET /api/log", logReqMW(NewLogHandler(
		logger.With(slog.String("handler", "log")),
		db)))

	s.mux.Handle("GET /api/prices", logReqMW(NewPricesHandler(
		logger.With(slog.String("handler", "prices")),
		db)))

	s.mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		name := r.Header.Get("User-Agent")
		client, err := NewClient(s.hub, w, r, name)
		if err != nil {
			s.logger.Error("new websocket client failed", slog.Any("error", err))
			return
		}
		if !s.hub.register(client) {
			client.conn.Close()
			return
		}
		go client.WritePump()
		go client.ReadPump()
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub is registered as a scheduler observer to feed the websocket clients.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Run(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	s.logger.Info("starting server...", slog.String("address", addr))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.hub.Run(ctx)

	srvErrors := make(chan error, 1)
	go func() {
		srvErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-srvErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", slog.Any("error", err))
		}

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second*5)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown failed", slog.Any("error", err))
		}
	}
}
