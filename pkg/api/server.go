// Package api служебный HTTP сервер бота: здоровье, активные звонки,
// исходящие звонки и метрики Prometheus.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/arzzra/voice_bot/pkg/config"
	"github.com/arzzra/voice_bot/pkg/control"
	"github.com/arzzra/voice_bot/pkg/logger"
	"github.com/arzzra/voice_bot/pkg/session"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// SessionSource активные сессии (реализуется диспетчером)
type SessionSource interface {
	Sessions() []session.Snapshot
}

// Config параметры сервера
type Config struct {
	Addr string
	// OriginateEndpoint шаблон endpoint для исходящего звонка, %s заменяется номером
	OriginateEndpoint string
	OriginateCallerID string
	OriginateTimeout  int
	ContextKey        string
	CustomerKey       string
	HangupDelay       time.Duration
}

// ConfigFrom собирает параметры сервера из общей конфигурации
func ConfigFrom(c *config.Config) Config {
	return Config{
		Addr:              c.HTTP.Addr,
		OriginateEndpoint: c.ARI.OriginateEndpoint,
		OriginateCallerID: c.ARI.OriginateCallerID,
		OriginateTimeout:  c.ARI.OriginateTimeout,
		ContextKey:        c.Session.ContextKey,
		CustomerKey:       c.Session.CustomerKey,
		HangupDelay:       c.HTTP.HangupDelay,
	}
}

// Server HTTP сервер
type Server struct {
	cfg      Config
	plane    control.Plane
	sessions SessionSource
	gatherer prometheus.Gatherer
	log      *slog.Logger
	mux      *http.ServeMux

	newCallID func() string
	afterFunc func(time.Duration, func())
}

// New создает сервер. nil gatherer = prometheus.DefaultGatherer.
func New(cfg Config, plane control.Plane, sessions SessionSource, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:       cfg,
		plane:     plane,
		sessions:  sessions,
		gatherer:  gatherer,
		log:       logger.With("api"),
		mux:       http.NewServeMux(),
		newCallID: uuid.NewString,
		afterFunc: func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /calls", s.handleListCalls)
	s.mux.HandleFunc("GET /calls/{id}", s.handleGetCall)
	s.mux.HandleFunc("POST /call", s.handleOriginate)
	s.mux.HandleFunc("POST /hangup/{id}", s.handleHangup)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
}

// Handler корневой обработчик с middleware
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = recoverPanics(s.log, h)
	h = accessLog(s.log, h)
	return otelhttp.NewHandler(h, "voicebot.api")
}

// Run слушает cfg.Addr до отмены контекста
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
