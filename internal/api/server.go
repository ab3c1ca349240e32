package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/pingsantohq/tcpping/internal/health"
	"github.com/pingsantohq/tcpping/internal/metrics"
	"github.com/pingsantohq/tcpping/internal/options"
	"github.com/pingsantohq/tcpping/pkg/types"
)

// Config controls HTTP server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Dependencies holds the collaborators behind the endpoints. Only Options is
// required; endpoints whose dependency is nil are not registered.
type Dependencies struct {
	Logger  *log.Logger
	Options *options.Store
	Metrics *metrics.Store
	Health  *health.Checker
	// Stream serves the WebSocket feed of rounds.
	Stream http.Handler
	Now    func() time.Time
}

// Server wraps http.Server for convenience.
type Server struct {
	*http.Server
	cfg  Config
	deps Dependencies
}

func New(cfg Config, deps Dependencies) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9780"
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &http.Server{
		Addr:         cfg.Addr,
		Handler:      NewRouter(deps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return &Server{Server: s, cfg: cfg, deps: deps}
}

// NewRouter registers every endpoint on a fresh router.
func NewRouter(deps Dependencies) *mux.Router {
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := mux.NewRouter()
	r.UseEncodedPath()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.HandleFunc("/readyz", readyHandler(deps)).Methods(http.MethodGet)
	if deps.Metrics != nil {
		r.Handle("/metrics", metrics.NewHTTPHandler(deps.Metrics)).Methods(http.MethodGet)
	}
	if deps.Options != nil {
		r.HandleFunc("/options", getOptionsHandler(deps)).Methods(http.MethodGet)
		r.HandleFunc("/options", putOptionsHandler(deps)).Methods(http.MethodPut)
		r.HandleFunc("/targets", addTargetHandler(deps)).Methods(http.MethodPost)
		r.HandleFunc("/targets/{addr}", removeTargetHandler(deps)).Methods(http.MethodDelete)
	}
	if deps.Stream != nil {
		r.Handle("/ws", deps.Stream).Methods(http.MethodGet)
	}
	return r
}

func readyHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Health == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		ready, reasons := deps.Health.Ready(deps.Now().UTC())
		if !ready {
			http.Error(w, strings.Join(reasons, "; "), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func getOptionsHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Logger, http.StatusOK, deps.Options.Snapshot())
	}
}

func putOptionsHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.TargetOptions
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		snap, err := deps.Options.Replace(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		deps.Logger.Info("options replaced", "version", snap.Version, "targets", len(snap.Addrs))
		writeJSON(w, deps.Logger, http.StatusOK, snap)
	}
}

func addTargetHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Addr string `json:"addr"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		snap, err := deps.Options.AddTarget(req.Addr)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		deps.Logger.Info("target added", "addr", req.Addr, "version", snap.Version)
		writeJSON(w, deps.Logger, http.StatusCreated, snap)
	}
}

func removeTargetHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr, err := url.PathUnescape(mux.Vars(r)["addr"])
		if err != nil || addr == "" {
			http.Error(w, "addr required", http.StatusBadRequest)
			return
		}
		snap, err := deps.Options.RemoveTarget(addr)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		deps.Logger.Info("target removed", "addr", addr, "version", snap.Version)
		writeJSON(w, deps.Logger, http.StatusOK, snap)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, options.ErrDuplicateTarget):
		return http.StatusConflict
	case errors.Is(err, options.ErrUnknownTarget):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("encode response failed", "err", err)
	}
}
