package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tengta119/VoipRecord/internal/capture"
	"github.com/tengta119/VoipRecord/internal/recorder"
	"github.com/tengta119/VoipRecord/internal/state"
)

// defaultSignalTimeout bounds how long a start or stop request waits for the
// coordinator to act on it.
const defaultSignalTimeout = 30 * time.Second

// grantToken marks capture consent given through the control API.
const grantToken = "control-api"

// Status is the read side of the coordinator.
type Status interface {
	Recording() bool
	Session() (recorder.Session, bool)
	Counters() recorder.Counters
}

// Config wires the server to the coordinator.
type Config struct {
	Signals chan<- recorder.Signal
	Status  Status
	Events  *state.Publisher

	// Used when a start request leaves them out.
	DefaultServerURL string
	DefaultUsername  string
	Backend          string

	SignalTimeout time.Duration
}

// Server exposes recording control and observation over HTTP.
type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.SignalTimeout <= 0 {
		cfg.SignalTimeout = defaultSignalTimeout
	}
	return &Server{cfg: cfg}
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes wires all HTTP endpoints to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/recording", s.handleStatus)
	mux.HandleFunc("POST /api/recording/start", s.handleStart)
	mux.HandleFunc("POST /api/recording/stop", s.handleStop)
	mux.Handle("GET /ws/state", &stateStream{events: s.cfg.Events})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type statusResponse struct {
	State     state.State       `json:"state"`
	Recording bool              `json:"recording"`
	Session   *recorder.Session `json:"session"`
	Counters  recorder.Counters `json:"counters"`
}

func (s *Server) status() statusResponse {
	resp := statusResponse{
		State:     s.cfg.Events.Current(),
		Recording: s.cfg.Status.Recording(),
		Counters:  s.cfg.Status.Counters(),
	}
	if sess, ok := s.cfg.Status.Session(); ok {
		resp.Session = &sess
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

type startRequest struct {
	Username string `json:"username"`
	Server   string `json:"server"`
	Screen   *bool  `json:"screen"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
	}
	if req.Username == "" {
		req.Username = s.cfg.DefaultUsername
	}
	if req.Server == "" {
		req.Server = s.cfg.DefaultServerURL
	}
	if req.Username == "" || req.Server == "" {
		http.Error(w, "username and server are required", http.StatusBadRequest)
		return
	}
	screen := req.Screen == nil || *req.Screen

	slog.Info("start requested", "username", req.Username, "server", req.Server, "screen", screen)
	err := s.signal(r.Context(), recorder.Signal{
		Kind: recorder.SignalStart,
		Request: recorder.StartRequest{
			Username:  req.Username,
			ServerURL: req.Server,
			Grant:     capture.Grant{Token: grantToken, Backend: s.cfg.Backend, Screen: screen},
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	slog.Info("stop requested")
	if err := s.signal(r.Context(), recorder.Signal{Kind: recorder.SignalStop}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

var errSignalTimeout = errors.New("coordinator did not respond in time")

// signal hands sig to the coordinator and waits for its result.
func (s *Server) signal(ctx context.Context, sig recorder.Signal) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SignalTimeout)
	defer cancel()

	result := make(chan error, 1)
	sig.Result = result
	select {
	case s.cfg.Signals <- sig:
	case <-ctx.Done():
		return errSignalTimeout
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return errSignalTimeout
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var capErr *recorder.CaptureUnavailableError
	var createErr *recorder.SessionCreateError
	switch {
	case errors.Is(err, recorder.ErrAlreadyRecording):
		code = http.StatusConflict
	case errors.As(err, &capErr):
		code = http.StatusServiceUnavailable
	case errors.As(err, &createErr):
		code = http.StatusBadGateway
	case errors.Is(err, errSignalTimeout):
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}
