package relayserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/guardian-switch/common"
	"github.com/ruteri/guardian-switch/metrics"
	"github.com/ruteri/guardian-switch/transport"
	"go.uber.org/atomic"
)

// HTTPServerConfig configures the relay listeners. DrainDuration is how long
// Shutdown keeps reporting not ready before it stops accepting connections.
type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

// Server runs a relay Handler behind the HTTP router and a metrics listener.
type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
	handler    *Handler
}

// New creates a relay server. It is ready until drained.
func New(cfg *HTTPServerConfig, handler *Handler) (srv *Server, err error) {
	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}

	srv = &Server{
		cfg:        cfg,
		log:        cfg.Log,
		metricsSrv: metricsSrv,
		handler:    handler,
	}
	srv.isReady.Store(true)

	// WriteTimeout is applied per route: websocket connections outlive any
	// server-wide write deadline.
	srv.srv = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     srv.Router(),
		ReadTimeout: cfg.ReadTimeout,
	}

	return srv, nil
}

// Router returns the relay's routes.
func (srv *Server) Router() http.Handler {
	mux := chi.NewRouter()

	// The websocket endpoint hijacks the connection, so it is not wrapped in
	// the request logger.
	mux.Handle("/", srv.handler.WebsocketHandler())

	api := mux.With(srv.httpLogger, srv.writeTimeout)
	api.Post(transport.PathPublish, srv.handler.HandlePublish)
	api.Post(transport.PathQuery, srv.handler.HandleQuery)

	ops := mux.With(srv.httpLogger)
	ops.Get(transport.PathLivez, srv.handleLivenessCheck)
	ops.Get("/readyz", srv.handleReadinessCheck)
	ops.Get("/drain", srv.setReady(false))
	ops.Get("/undrain", srv.setReady(true))

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) writeTimeout(next http.Handler) http.Handler {
	if srv.cfg.WriteTimeout <= 0 {
		return next
	}
	return middleware.Timeout(srv.cfg.WriteTimeout)(next)
}

// health is the body of the operational endpoints.
type health struct {
	Status        string `json:"status"`
	Subscriptions *int   `json:"subscriptions,omitempty"`
}

func writeHealth(w http.ResponseWriter, code int, body health) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, health{Status: "alive"})
}

// handleReadinessCheck reports whether the relay takes new clients, along
// with the number of open live subscriptions.
func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	subs := srv.handler.hub.count()
	if !srv.isReady.Load() {
		writeHealth(w, http.StatusServiceUnavailable, health{Status: "not ready", Subscriptions: &subs})
		return
	}
	writeHealth(w, http.StatusOK, health{Status: "ready", Subscriptions: &subs})
}

// setReady flips readiness. Open websocket connections are not affected;
// draining only steers new clients to other relays.
func (srv *Server) setReady(ready bool) http.HandlerFunc {
	status, already := "draining", "already draining"
	if ready {
		status, already = "ready", "already ready"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if srv.isReady.Swap(ready) == ready {
			writeHealth(w, http.StatusOK, health{Status: already})
			return
		}
		srv.log.Info("Relay readiness changed", slog.Bool("ready", ready))
		writeHealth(w, http.StatusOK, health{Status: status})
	}
}

func (srv *Server) serve(name string, listen func() error) {
	go func() {
		if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("Listener failed", slog.String("server", name), "err", err)
		}
	}()
}

// RunInBackground starts the relay and, when configured, the metrics listener.
func (srv *Server) RunInBackground() {
	if srv.cfg.MetricsAddr != "" {
		srv.log.Info("Starting metrics server", slog.String("listenAddress", srv.cfg.MetricsAddr))
		srv.serve("metrics", srv.metricsSrv.ListenAndServe)
	}
	srv.log.Info("Starting relay server", slog.String("listenAddress", srv.cfg.ListenAddr))
	srv.serve("relay", srv.srv.ListenAndServe)
}

type namedStop struct {
	name string
	stop func(context.Context) error
}

// Shutdown reports not ready for DrainDuration unless already drained, then
// stops both listeners within GracefulShutdownDuration each.
func (srv *Server) Shutdown() {
	if srv.isReady.Swap(false) && srv.cfg.DrainDuration > 0 {
		srv.log.Info("Draining before shutdown", slog.Duration("duration", srv.cfg.DrainDuration))
		time.Sleep(srv.cfg.DrainDuration)
	}

	stops := []namedStop{{"relay", srv.srv.Shutdown}}
	if srv.cfg.MetricsAddr != "" {
		stops = append(stops, namedStop{"metrics", srv.metricsSrv.Shutdown})
	}

	for _, s := range stops {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		if err := s.stop(ctx); err != nil {
			srv.log.Error("Graceful shutdown failed", slog.String("server", s.name), "err", err)
		} else {
			srv.log.Info("Server stopped", slog.String("server", s.name))
		}
		cancel()
	}
}
