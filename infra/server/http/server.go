// Package http hosts the service's single listener: the REST surface
// and the websocket attach endpoint share one chi router.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/fx"

	"github.com/wavechat/msg-delivery-service/config"
	httphandler "github.com/wavechat/msg-delivery-service/internal/handler/http"
	wshandler "github.com/wavechat/msg-delivery-service/internal/handler/ws"
)

type Server struct {
	srv    *http.Server
	cfg    config.HTTP
	logger *slog.Logger
}

func NewServer(cfg config.HTTP, messages *httphandler.MessagesHandler, ws *wshandler.WSHandler, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/v1/messages", messages.Routes())
	r.Handle("/v1/websocket", ws)

	return &Server{
		srv: &http.Server{
			Addr:    cfg.Addr,
			Handler: r,
		},
		cfg:    cfg,
		logger: logger,
	}
}

func (s *Server) Start() {
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", slog.Any("err", err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

var Module = fx.Module("http_server",
	fx.Provide(
		httphandler.NewMessagesHandler,
		wshandler.NewWSHandler,
		func(cfg *config.Config, messages *httphandler.MessagesHandler, ws *wshandler.WSHandler, logger *slog.Logger) *Server {
			return NewServer(cfg.HTTP, messages, ws, logger)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				s.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return s.Stop(ctx)
			},
		})
	}),
)
