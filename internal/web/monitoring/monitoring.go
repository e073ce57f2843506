package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/phuslu/log"
	"nuha.dev/trachs/internal/stat"
	"nuha.dev/trachs/internal/util"
)

const (
	STATUS_OK       = "ok"
	STATUS_DEGRADED = "degraded"
)

type MonitoringServer struct {
	stat   *stat.Stat
	r      chi.Router
	server *http.Server
	log    log.Logger
}

type MonitoringConfig struct {
	ListenAddr string
}

type HealthResponse struct {
	Status    string          `json:"status"`
	LastCycle *stat.CycleStat `json:"last_cycle,omitempty"`
}

func NewMonApi(st *stat.Stat, config *MonitoringConfig) *MonitoringServer {
	m := &MonitoringServer{stat: st}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "monitoring").Value()

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)
	r.Get("/healthz", m.health)
	r.Get("/status", m.status)
	m.r = r

	m.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return m
}

// Run blocks until the server is shut down.
func (m *MonitoringServer) Run() error {
	m.log.Info().Str("addr", m.server.Addr).Msg("monitoring server listening")
	err := m.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (m *MonitoringServer) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}

func (m *MonitoringServer) GetHandler() http.Handler {
	return m.r
}

// health is degraded only when the most recent cycle failed. Before the first
// cycle completes the process is considered healthy.
func (m *MonitoringServer) health(w http.ResponseWriter, r *http.Request) {
	res := HealthResponse{Status: STATUS_OK}
	if c, ok := m.stat.LastCycle(); ok {
		res.LastCycle = &c
		if !c.Ok() {
			res.Status = STATUS_DEGRADED
		}
	}
	code := http.StatusOK
	if res.Status == STATUS_DEGRADED {
		code = http.StatusServiceUnavailable
	}
	util.JsonWriteStatus(w, code, res)
}

func (m *MonitoringServer) status(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, m.stat.Snapshot())
}
