package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPStreamer posts to {url}/process and reads NDJSON lines of the form
// {"content": "..."} until the body ends.
type HTTPStreamer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPStreamer(baseURL string, timeout time.Duration) *HTTPStreamer {
	// The stream is bounded by the request context, not a client timeout;
	// timeout only guards the dial and response headers.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if timeout > 0 {
		transport.ResponseHeaderTimeout = timeout
	}
	return &HTTPStreamer{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Transport: transport},
	}
}

type processPayload struct {
	Text    string         `json:"text"`
	MAC     string         `json:"mac"`
	Context map[string]any `json:"context"`
}

type streamLine struct {
	Content string `json:"content"`
	Error   string `json:"error"`
	Status  string `json:"status"`
}

func (s *HTTPStreamer) Stream(ctx context.Context, req Request, onUnit UnitHandler) error {
	body := processPayload{Text: req.Text, MAC: req.Device, Context: map[string]any{}}
	if req.RequestID != "" {
		body.Context["request_id"] = req.RequestID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/process", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(httpReq)
	if err != nil {
		return &StreamError{Service: "llm", Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StreamError{Service: "llm", Err: fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(detail)))}
	}
	return consumeNDJSON(res.Body, onUnit)
}

func consumeNDJSON(body io.Reader, onUnit UnitHandler) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var obj streamLine
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			// Malformed lines are skipped; the service sometimes interleaves logs.
			continue
		}
		if obj.Error != "" {
			return &StreamError{Service: "llm", Err: errors.New(obj.Error)}
		}
		unit := strings.TrimSpace(obj.Content)
		if unit == "" {
			continue
		}
		if err := onUnit(unit); err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &StreamError{Service: "llm", Err: fmt.Errorf("stream read: %w", err)}
	}
	return nil
}

// Health probes GET {url}/health.
func (s *HTTPStreamer) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return &StreamError{Service: "llm", Err: err}
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	if res.StatusCode != http.StatusOK {
		return &StreamError{Service: "llm", Err: fmt.Errorf("health status %d", res.StatusCode)}
	}
	return nil
}
