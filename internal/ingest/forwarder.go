package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antoniostano/edgevoice/internal/observability"
	"github.com/antoniostano/edgevoice/internal/reliability"
)

// ProcessRequest is the body POSTed to /process/audio_file.
type ProcessRequest struct {
	Filename     string `json:"filename,omitempty"`
	MACAddress   string `json:"mac_address"`
	IPAddress    string `json:"ip_address"`
	FileLocation string `json:"file_location"`
	Timestamp    string `json:"timestamp,omitempty"`
	Format       string `json:"format,omitempty"`
	DeviceType   string `json:"device_type,omitempty"`
}

// HTTPForwarder hands recordings to a control plane running in another
// process.
type HTTPForwarder struct {
	baseURL  string
	client   *http.Client
	attempts int
	backoff  time.Duration
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewHTTPForwarder(baseURL string, attempts int, backoff, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *HTTPForwarder {
	if attempts <= 0 {
		attempts = 3
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPForwarder{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:   &http.Client{Timeout: timeout},
		attempts: attempts,
		backoff:  backoff,
		metrics:  metrics,
		logger:   logger,
	}
}

// SessionStart registers a pull-mode handshake. It is not retried.
func (f *HTTPForwarder) SessionStart(ctx context.Context, dev, addr string) error {
	q := url.Values{}
	q.Set("mac", dev)
	q.Set("ip", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/api/4g/session_start?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	res, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("session start status %d", res.StatusCode)
	}
	return nil
}

// Recording forwards metadata with linear backoff between attempts.
func (f *HTTPForwarder) Recording(ctx context.Context, rec Recording) error {
	payload, err := json.Marshal(ProcessRequest{
		Filename:     rec.Filename,
		MACAddress:   rec.Device,
		IPAddress:    rec.Addr,
		FileLocation: rec.Path,
		Timestamp:    rec.ReceivedAt.Format(time.RFC3339),
		Format:       "wav",
		DeviceType:   rec.DeviceClass(),
	})
	if err != nil {
		return fmt.Errorf("marshal process request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		retryable, err := f.post(ctx, payload)
		if err == nil {
			f.observe("ok")
			f.logger.Info("recording forwarded", "device", rec.Device, "file", rec.Filename, "attempt", attempt)
			return nil
		}
		lastErr = err
		f.logger.Warn("recording forward failed", "device", rec.Device, "attempt", attempt, "max_attempts", f.attempts, "error", err)
		if !retryable || attempt == f.attempts {
			break
		}
		f.observe("retry")
		if err := reliability.Sleep(ctx, reliability.LinearBackoff(attempt, f.backoff)); err != nil {
			lastErr = err
			break
		}
	}
	f.observe("failed")
	return fmt.Errorf("forward recording %s: %w", rec.Filename, lastErr)
}

func (f *HTTPForwarder) post(ctx context.Context, payload []byte) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/process/audio_file", bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := f.client.Do(req)
	if err != nil {
		return reliability.IsRetryableNetworkError(err), err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	if res.StatusCode != http.StatusOK {
		return reliability.IsRetryableHTTPStatus(res.StatusCode), fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return false, nil
}

func (f *HTTPForwarder) observe(outcome string) {
	if f.metrics != nil {
		f.metrics.ForwardAttempts.WithLabelValues(outcome).Inc()
	}
}
