// Package server assembles the HTTP surface: the signaling WebSocket plus the
// health, stats and metrics side endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/riverbed-media/estuary/pkg/config"
	"github.com/riverbed-media/estuary/pkg/gateway"
	"github.com/riverbed-media/estuary/pkg/metrics"
	"github.com/riverbed-media/estuary/pkg/registry"
	"github.com/riverbed-media/estuary/pkg/worker"
)

// Server is the HTTP front of the SFU.
type Server struct {
	http    *http.Server
	useTLS  bool
	cert    string
	key     string
	gateway *gateway.Gateway
	reg     *registry.Registry
	logger  *logrus.Entry
}

func New(
	cfg *config.Config,
	g *gateway.Gateway,
	reg *registry.Registry,
	pool *worker.Pool,
	m *metrics.Metrics,
	logger *logrus.Entry,
) *Server {
	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           Router(g, reg, pool, m),
			ReadHeaderTimeout: 10 * time.Second,
		},
		useTLS:  cfg.UseTLS,
		cert:    cfg.TLSCertFile,
		key:     cfg.TLSKeyFile,
		gateway: g,
		reg:     reg,
		logger:  logger,
	}
}

// Router builds the HTTP mux. Split out so tests can hit the endpoints
// without binding a port.
func Router(g *gateway.Gateway, reg *registry.Registry, pool *worker.Pool, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler(pool))
	r.Get("/stats", statsHandler(reg, pool, m))
	r.Handle("/metrics", m.Handler())
	r.Handle("/ws", g)

	return r
}

// Run serves until the context is cancelled, then drains: conferences are
// terminated, sockets dropped and the listener shut down.
func (s *Server) Run(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.http.Addr).Info("signaling server listening")

		var err error
		if s.useTLS {
			err = s.http.ListenAndServeTLS(s.cert, s.key)
		} else {
			err = s.http.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	s.reg.TerminateAll("server shutting down")
	s.gateway.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

type healthResponse struct {
	Status         string `json:"status"`
	HealthyWorkers int    `json:"healthyWorkers"`
	TotalWorkers   int    `json:"totalWorkers"`
}

func healthHandler(pool *worker.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := healthResponse{
			Status:         "ok",
			HealthyWorkers: pool.Healthy(),
			TotalWorkers:   pool.Size(),
		}
		status := http.StatusOK
		if response.HealthyWorkers == 0 {
			response.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response)
	}
}

type statsResponse struct {
	UptimeSeconds  float64                   `json:"uptimeSeconds"`
	Conferences    int                       `json:"conferences"`
	Participants   int                       `json:"participants"`
	Sockets        int64                     `json:"sockets"`
	Joins          int64                     `json:"joins"`
	Leaves         int64                     `json:"leaves"`
	HealthyWorkers int                       `json:"healthyWorkers"`
	TotalWorkers   int                       `json:"totalWorkers"`
	ConferenceList []registry.ConferenceInfo `json:"conferenceList"`
}

func statsHandler(reg *registry.Registry, pool *worker.Pool, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statsResponse{
			UptimeSeconds:  time.Since(m.Started()).Seconds(),
			Conferences:    reg.ConferenceCount(),
			Participants:   reg.ParticipantCount(),
			Sockets:        m.Sockets(),
			Joins:          m.Joins(),
			Leaves:         m.Leaves(),
			HealthyWorkers: pool.Healthy(),
			TotalWorkers:   pool.Size(),
			ConferenceList: reg.Snapshot(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
