package service

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/TallyWorks/tally/config"
	"github.com/TallyWorks/tally/notify"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

/*
	Service is the HTTP shell around the realtime core. It owns the
	websocket upgrade path, the producer-facing publish endpoint used by the
	bookkeeping backend, and the health surface. The registry, batcher and
	notifier are constructed here and live exactly as long as the service;
	producers hold the notifier by reference.
*/

type Service struct {
	appCtx    context.Context
	cfg       *config.Server
	logger    *slog.Logger
	mux       *http.ServeMux
	authToken string

	registry *notify.Registry
	batcher  *notify.Batcher
	notifier *notify.Notifier

	resolver      TokenResolver
	identityCache *ttlcache.Cache[string, Identity]
	upgrader      websocket.Upgrader
	rateLimiters  map[string]*rate.Limiter

	startedAt time.Time
}

func NewService(
	ctx context.Context,
	logger *slog.Logger,
	cfg *config.Server,
	resolver TokenResolver,
) (*Service, error) {

	secHash := sha256.New()
	secHash.Write([]byte(cfg.InstanceSecret))
	authToken := hex.EncodeToString(secHash.Sum(nil))

	registry := notify.NewRegistry(ctx, logger, cfg.Sessions.MaxConnections)
	batcher := notify.NewBatcher(logger, registry, cfg.Batch.Window, cfg.Batch.MaxWait)
	notifier := notify.NewNotifier(logger)
	notifier.Bind(batcher)

	identityCache := ttlcache.New[string, Identity]()
	go identityCache.Start()

	rateLimiters := make(map[string]*rate.Limiter)
	rlLogger := logger.With("component", "rate-limiter")
	for category, rlConfig := range map[string]config.RateLimiterConfig{
		"subscribe": cfg.RateLimiters.Subscribe,
		"publish":   cfg.RateLimiters.Publish,
		"system":    cfg.RateLimiters.System,
		"default":   cfg.RateLimiters.Default,
	} {
		if rlConfig.Limit > 0 {
			rateLimiters[category] = rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
			rlLogger.Info("Initialized rate limiter", "category", category, "limit", rlConfig.Limit, "burst", rlConfig.Burst)
		}
	}

	s := &Service{
		appCtx:        ctx,
		cfg:           cfg,
		logger:        logger,
		mux:           http.NewServeMux(),
		authToken:     authToken,
		registry:      registry,
		batcher:       batcher,
		notifier:      notifier,
		resolver:      resolver,
		identityCache: identityCache,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				logger.Debug("WebSocket CheckOrigin called", "origin", r.Header.Get("Origin"), "host", r.Host)
				return true
			},
		},
		rateLimiters: rateLimiters,
	}

	s.routes()
	return s, nil
}

// Notifier returns the producer-facing interface for in-process request
// handlers.
func (s *Service) Notifier() *notify.Notifier {
	return s.notifier
}

func (s *Service) routes() {
	s.mux.Handle("/rt/api/v1/subscribe", s.rateLimitMiddleware(http.HandlerFunc(s.subscribeHandler), "subscribe"))
	s.mux.Handle("/rt/api/v1/publish", s.rateLimitMiddleware(http.HandlerFunc(s.publishHandler), "publish"))
	s.mux.Handle("/rt/api/v1/alive", s.rateLimitMiddleware(http.HandlerFunc(s.aliveHandler), "system"))
	s.mux.Handle("/api/v1/ping", s.rateLimitMiddleware(http.HandlerFunc(s.pingHandler), "system"))
}

// Handler exposes the route table, primarily for tests.
func (s *Service) Handler() http.Handler {
	return s.mux
}

func (s *Service) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	limiter, ok := s.rateLimiters[category]
	if !ok {
		limiter, ok = s.rateLimiters["default"]
		if !ok {
			s.logger.Warn("No rate limiter configured for category and no default limiter present", "category", category)
			return next
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			s.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until the context is cancelled.
func (s *Service) Run() error {
	httpListenAddr := s.cfg.HttpBinding
	s.logger.Info("Attempting to start server", "listen_addr", httpListenAddr, "tls_enabled", (s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != ""))

	srv := &http.Server{
		Addr:    httpListenAddr,
		Handler: s.mux,
	}

	go func() {
		<-s.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		s.batcher.Close()
		s.identityCache.Stop()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Server shutdown error", "error", err)
		}
	}()

	s.startedAt = time.Now()

	var err error
	if s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != "" {
		s.logger.Info("Starting HTTPS server", "cert", s.cfg.TLS.Cert, "key", s.cfg.TLS.Key)
		srv.TLSConfig = &tls.Config{}
		err = srv.ListenAndServeTLS(s.cfg.TLS.Cert, s.cfg.TLS.Key)
	} else {
		s.logger.Info("TLS cert or key not specified in config. Starting HTTP server (insecure).")
		err = srv.ListenAndServe()
	}
	if err != http.ErrServerClosed {
		s.logger.Error("HTTP server error", "error", err)
		return err
	}
	return nil
}
