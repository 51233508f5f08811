// Package api exposes the HTTP surface of the engagement service: activity
// ingestion, engagement state and transition history queries, conversation
// context management, and the Twilio inbound webhook.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lucasven/nexfinapp-sub008/internal/convo"
	"github.com/lucasven/nexfinapp-sub008/internal/engagement"
	"github.com/lucasven/nexfinapp-sub008/internal/messaging"
	"github.com/lucasven/nexfinapp-sub008/internal/store"
)

// DefaultAddr is the default HTTP listen address.
const DefaultAddr = ":8080"

// Opts holds configuration for the API server.
type Opts struct {
	Addr string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the HTTP handlers to the engagement components.
type Server struct {
	addr       string
	store      store.Store
	tracker    *engagement.Tracker
	contexts   *convo.ContextStore
	msgService messaging.Service
	httpServer *http.Server
}

// NewServer creates a Server. The messaging service is only used for recipient
// canonicalization and webhook mounting; sends go through the delivery worker.
func NewServer(st store.Store, tracker *engagement.Tracker, contexts *convo.ContextStore, msgService messaging.Service, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		addr:       cfg.Addr,
		store:      st,
		tracker:    tracker,
		contexts:   contexts,
		msgService: msgService,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/v1/activity", s.activityHandler)
	mux.HandleFunc("/v1/engagement/", s.engagementHandler)
	mux.HandleFunc("/v1/context", s.contextHandler)
	mux.HandleFunc("/v1/context/consume", s.contextConsumeHandler)

	// Twilio delivers inbound WhatsApp messages over a webhook rather than a
	// live connection.
	if twilioSvc, ok := s.msgService.(*messaging.TwilioService); ok {
		mux.HandleFunc("/webhook/twilio", twilioSvc.WebhookHandler)
		slog.Info("Server.Handler: Twilio webhook mounted", "path", "/webhook/twilio")
	}

	return mux
}

// Run starts the HTTP server and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("Server.Run: shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
