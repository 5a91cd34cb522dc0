package apihttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"torrentjobs/internal/domain"
	domainports "torrentjobs/internal/domain/ports"
	"torrentjobs/internal/events"
)

// HistoryStore is the read side of the job history repository.
type HistoryStore interface {
	Get(ctx context.Context, id domain.JobID) (domain.JobRecord, error)
	List(ctx context.Context, filter domain.RecordFilter) ([]domain.JobRecord, error)
}

type Server struct {
	engine         domainports.Engine
	history        HistoryStore
	metafileDir    string
	allowedOrigins []string
	rateLimitRPS   float64
	newRequestID   func() string
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
	events         *events.Subscription
	forwardDone    chan struct{}
}

type ServerOption func(*Server)

func WithHistory(store HistoryStore) ServerOption {
	return func(s *Server) {
		s.history = store
	}
}

// WithMetafileDir sets where uploaded metafiles are stored.
func WithMetafileDir(dir string) ServerOption {
	return func(s *Server) {
		s.metafileDir = dir
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithRateLimit(rps float64) ServerOption {
	return func(s *Server) {
		s.rateLimitRPS = rps
	}
}

func WithRequestIDGenerator(fn func() string) ServerOption {
	return func(s *Server) {
		if fn != nil {
			s.newRequestID = fn
		}
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(engine domainports.Engine, opts ...ServerOption) *Server {
	s := &Server{
		engine:       engine,
		rateLimitRPS: 100,
		newRequestID: newRequestID,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()
	if s.engine != nil {
		s.events = s.engine.Subscribe()
		s.forwardDone = make(chan struct{})
		go s.forwardEvents()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.handleJobByID)
	mux.HandleFunc("/engine", s.handleEngine)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/history/", s.handleHistoryByID)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "torrentjobs",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics" && r.URL.Path != "/ws"
		}),
	)
	burst := int(s.rateLimitRPS * 2)
	s.handler = recoveryMiddleware(s.logger,
		requestIDMiddleware(s.newRequestID,
			rateLimitMiddleware(s.rateLimitRPS, burst,
				metricsMiddleware(corsMiddleware(s.allowedOrigins, traced)))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops event forwarding and disconnects WebSocket clients.
func (s *Server) Close() {
	if s.events != nil {
		s.events.Close()
		<-s.forwardDone
	}
	s.wsHub.Close()
}

func (s *Server) forwardEvents() {
	defer close(s.forwardDone)
	for ev := range s.events.C() {
		s.wsHub.BroadcastEvent(ev)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:    s.wsHub,
		conn:   conn,
		filter: parseWSFilter(r),
		send:   make(chan []byte, wsSendBuffer),
	}
	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}
