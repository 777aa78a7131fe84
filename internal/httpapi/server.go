package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/edgevoice/internal/beacon"
	"github.com/antoniostano/edgevoice/internal/config"
	"github.com/antoniostano/edgevoice/internal/delivery"
	"github.com/antoniostano/edgevoice/internal/ingest"
	"github.com/antoniostano/edgevoice/internal/observability"
	"github.com/antoniostano/edgevoice/internal/pipeline"
	"github.com/antoniostano/edgevoice/internal/session"
	"github.com/antoniostano/edgevoice/internal/transcript"
)

type Pipeline interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type Delivery interface {
	RequestAudio(dev string) (delivery.PullState, error)
	StartStream(ctx context.Context, dev string, index int) (delivery.PullState, error)
	Complete(dev string, index int) (delivery.PullState, error)
	Interrupt(dev string) int
	ActiveTransfers() int
}

type IngestStats interface {
	Stats() ingest.Stats
}

// HealthChecker is an external dependency probed by GET /health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type ServiceCheck struct {
	Name    string
	Checker HealthChecker
}

type Dependencies struct {
	Registry    *session.Registry
	Delivery    Delivery
	Pipeline    Pipeline
	Transcripts transcript.Store
	Beacons     *beacon.Store
	Ingest      IngestStats
	Services    []ServiceCheck
	Events      *EventHub
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

type Server struct {
	cfg      config.Config
	deps     Dependencies
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = NewEventHub()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/api/4g", func(r chi.Router) {
		r.Post("/session_start", s.handleSessionStart)
		r.Post("/request_audio", s.handleRequestAudio)
		r.Post("/start_stream", s.handleStartStream)
		r.Post("/audio_complete", s.handleAudioComplete)
		r.Post("/interrupt", s.handleInterrupt)
	})
	r.Post("/interrupt", s.handleInterrupt)
	r.Post("/process/audio_file", s.handleProcessRecording)
	r.Post("/api/ble/location", s.handleBeaconLocation)

	r.Get("/v1/devices", s.handleListDevices)
	r.Get("/v1/devices/events", s.handleDeviceEvents)
	r.Get("/v1/devices/{device}", s.handleGetDevice)
	r.Get("/v1/devices/{device}/transcripts", s.handleListTranscripts)

	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
