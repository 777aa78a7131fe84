package httpapi

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/edgevoice/internal/beacon"
	"github.com/antoniostano/edgevoice/internal/delivery"
	"github.com/antoniostano/edgevoice/internal/device"
	"github.com/antoniostano/edgevoice/internal/ingest"
	"github.com/antoniostano/edgevoice/internal/pipeline"
	"github.com/antoniostano/edgevoice/internal/session"
	"github.com/antoniostano/edgevoice/internal/speech"
)

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// deviceParam reads and validates the mac query parameter.
func deviceParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	mac := strings.TrimSpace(r.URL.Query().Get("mac"))
	if !device.IsValidDeviceAddress(mac) {
		respondError(w, http.StatusBadRequest, "invalid_device_address", "query parameter mac must be a device address")
		return "", false
	}
	return mac, true
}

func indexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("audio_index")))
	if err != nil || idx < 0 {
		respondError(w, http.StatusBadRequest, "invalid_audio_index", "query parameter audio_index must be a non-negative integer")
		return 0, false
	}
	return idx, true
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	mac, ok := deviceParam(w, r)
	if !ok {
		return
	}
	ip := strings.TrimSpace(r.URL.Query().Get("ip"))
	if !device.IsValidNetworkAddress(ip) {
		respondError(w, http.StatusBadRequest, "invalid_network_address", "query parameter ip must be an IPv4 address")
		return
	}

	sess, err := s.deps.Registry.Start(mac, ip, session.ModePull)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_device_address", err.Error())
		return
	}
	s.logger.Info("pull session started", "device", sess.Device, "addr", ip, "generation", sess.Generation)
	respondJSON(w, http.StatusOK, statusResponse{Status: "ok", Message: "session started: " + sess.Device})
}

func (s *Server) handleRequestAudio(w http.ResponseWriter, r *http.Request) {
	mac, ok := deviceParam(w, r)
	if !ok {
		return
	}
	state, err := s.deps.Delivery.RequestAudio(mac)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "request_audio_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	mac, ok := deviceParam(w, r)
	if !ok {
		return
	}
	idx, ok := indexParam(w, r)
	if !ok {
		return
	}
	state, err := s.deps.Delivery.StartStream(r.Context(), mac, idx)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, state)
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "device_not_found", "no session for device")
	case errors.Is(err, session.ErrSegmentNotFound):
		respondError(w, http.StatusNotFound, "segment_not_found", "no queued audio with index "+strconv.Itoa(idx))
	case errors.Is(err, delivery.ErrNoAddress):
		respondError(w, http.StatusBadRequest, "device_address_unknown", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "start_stream_failed", err.Error())
	}
}

func (s *Server) handleAudioComplete(w http.ResponseWriter, r *http.Request) {
	mac, ok := deviceParam(w, r)
	if !ok {
		return
	}
	idx, ok := indexParam(w, r)
	if !ok {
		return
	}
	state, err := s.deps.Delivery.Complete(mac, idx)
	if errors.Is(err, session.ErrNotFound) {
		respondJSON(w, http.StatusOK, statusResponse{Status: "ok", Message: "completion acknowledged"})
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "audio_complete_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	mac, ok := deviceParam(w, r)
	if !ok {
		return
	}
	cleared := s.deps.Delivery.Interrupt(mac)
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"message":          "interrupted: " + device.Canonical(mac),
		"cleared_segments": cleared,
	})
}

func (s *Server) handleProcessRecording(w http.ResponseWriter, r *http.Request) {
	var req ingest.ProcessRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.deps.Pipeline.Process(r.Context(), pipeline.Request{
		Device:      req.MACAddress,
		Addr:        req.IPAddress,
		Location:    req.FileLocation,
		DeviceClass: req.DeviceType,
	})
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, res)
	case errors.Is(err, device.ErrInvalidDeviceAddress):
		respondError(w, http.StatusBadRequest, "invalid_device_address", err.Error())
	case errors.Is(err, device.ErrInvalidNetworkAddress):
		respondError(w, http.StatusBadRequest, "invalid_network_address", err.Error())
	case errors.Is(err, pipeline.ErrNoTranscript):
		respondJSON(w, http.StatusOK, map[string]any{
			"status":  pipeline.StatusError,
			"run_id":  res.RunID,
			"message": err.Error(),
		})
	case errors.Is(err, pipeline.ErrArtifactUnreadable):
		respondError(w, http.StatusInternalServerError, "artifact_unreadable", err.Error())
	case speech.IsServiceError(err):
		respondError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
	default:
		respondError(w, http.StatusBadGateway, "pipeline_failed", err.Error())
	}
}

func (s *Server) handleBeaconLocation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Beacons == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "beacon intake not configured")
		return
	}
	var report beacon.Report
	if err := decodeJSON(r, &report); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	saved, err := s.deps.Beacons.Record(report)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.logger.Info("ble location received",
		"ble_address", saved.BLEAddress,
		"latitude", saved.Latitude,
		"longitude", saved.Longitude,
		"accuracy", saved.Accuracy,
		"uuid", saved.UUID,
		"request_id", saved.RequestID,
	)
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"received_at": saved.ReceivedAt,
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.deps.Registry.List()
	sort.Slice(devices, func(i, j int) bool { return devices[i].Device < devices[j].Device })
	respondJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Registry.Get(chi.URLParam(r, "device"))
	if err != nil {
		respondError(w, http.StatusNotFound, "device_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transcripts == nil {
		respondJSON(w, http.StatusOK, map[string]any{"transcripts": []any{}})
		return
	}
	limit := s.cfg.TranscriptLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.deps.Transcripts.Recent(r.Context(), device.Canonical(chi.URLParam(r, "device")), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transcript_store_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"transcripts": records})
}
