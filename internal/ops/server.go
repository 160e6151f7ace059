package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/integrahub/docflow/internal/model"
	"github.com/integrahub/docflow/internal/pipeline"
)

// Server exposes /health, /ready, /metrics and /ws on one listener.
type Server struct {
	hub     *Hub
	metrics *Metrics
	srv     *http.Server
	started time.Time

	brokerReady   atomic.Bool
	dbReady       atomic.Bool
	processed     atomic.Int64
	failed        atomic.Int64
	lastProcessed atomic.Int64 // unix seconds
}

func NewServer(addr string, hub *Hub, metrics *Metrics) *Server {
	s := &Server{hub: hub, metrics: metrics, started: time.Now()}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ws", hub.handleWS)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// SetBrokerReady flips the broker leg of readiness.
func (s *Server) SetBrokerReady(ready bool) { s.brokerReady.Store(ready) }

// SetDatabaseReady flips the database leg of readiness.
func (s *Server) SetDatabaseReady(ready bool) { s.dbReady.Store(ready) }

// documentMessage is the per-outcome dashboard update.
type documentMessage struct {
	FileName  string `json:"fileName"`
	LedgerID  uint64 `json:"ledgerId"`
	Status    string `json:"status"`
	Kind      string `json:"kind,omitempty"`
	Error     string `json:"error,omitempty"`
	HeaderID  uint64 `json:"headerId,omitempty"`
	LineCount int    `json:"lineCount,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// OutcomeHook returns the pipeline subscriber: metrics, counters and the
// dashboard feed.
func (s *Server) OutcomeHook() func(pipeline.Outcome) {
	return func(o pipeline.Outcome) {
		s.metrics.ObserveOutcome(o)
		s.lastProcessed.Store(time.Now().Unix())
		if o.Status == model.StatusError {
			s.failed.Add(1)
		}
		s.processed.Add(1)

		msg := documentMessage{
			FileName:  o.FileName,
			LedgerID:  o.LedgerID,
			Status:    o.Status,
			Kind:      string(o.Kind),
			HeaderID:  o.HeaderID,
			LineCount: o.LineCount,
			LatencyMS: o.Elapsed.Milliseconds(),
		}
		if o.Err != nil {
			msg.Error = o.Err.Error()
		}
		s.hub.Broadcast("document", msg)
	}
}

// BatchSizeHook returns the sizer observer: gauge plus dashboard feed.
func (s *Server) BatchSizeHook() func(int) {
	return func(n int) {
		s.metrics.SetBatchSize(n)
		s.hub.Broadcast("batch_size", map[string]int{"size": n})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"service":   "ingestd",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.started).String(),
		"processed": s.processed.Load(),
		"failed":    s.failed.Load(),
		"clients":   s.hub.ClientCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	broker := s.brokerReady.Load()
	db := s.dbReady.Load()
	ready := broker && db

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"ready":          ready,
		"service":        "ingestd",
		"timestamp":      time.Now().UTC(),
		"broker_ready":   broker,
		"database_ready": db,
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("ops server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
