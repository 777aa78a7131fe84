package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type serviceClient struct {
	name    string
	baseURL string
	client  *http.Client
}

func newServiceClient(name, baseURL string, timeout time.Duration) serviceClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return serviceClient{
		name:    name,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c serviceClient) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", c.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return &ServiceError{Service: c.name, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &ServiceError{Service: c.name, StatusCode: res.StatusCode, Detail: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &ServiceError{Service: c.name, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// Health probes GET {base}/health.
func (c serviceClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	res, err := c.client.Do(req)
	if err != nil {
		return &ServiceError{Service: c.name, Err: err}
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	if res.StatusCode != http.StatusOK {
		return &ServiceError{Service: c.name, StatusCode: res.StatusCode, Detail: res.Status}
	}
	return nil
}

// HTTPTranscriber calls POST /api/speech-to-text.
type HTTPTranscriber struct {
	serviceClient
}

func NewHTTPTranscriber(baseURL string, timeout time.Duration) *HTTPTranscriber {
	return &HTTPTranscriber{serviceClient: newServiceClient("asr", baseURL, timeout)}
}

type transcribePayload struct {
	AudioData  string         `json:"audio_data"`
	MACAddress string         `json:"mac_address"`
	IPAddress  string         `json:"ip_address"`
	Options    map[string]any `json:"options"`
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, req TranscribeRequest) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := t.postJSON(ctx, "/api/speech-to-text", transcribePayload{
		AudioData:  base64.StdEncoding.EncodeToString(req.Audio),
		MACAddress: req.Device,
		IPAddress:  req.Addr,
		Options:    map[string]any{},
	}, &out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

// HTTPSynthesizer calls POST /api/tts/generate.
type HTTPSynthesizer struct {
	serviceClient
}

func NewHTTPSynthesizer(baseURL string, timeout time.Duration) *HTTPSynthesizer {
	return &HTTPSynthesizer{serviceClient: newServiceClient("tts", baseURL, timeout)}
}

type synthesizePayload struct {
	Text        string `json:"text"`
	MAC         string `json:"mac"`
	IP          string `json:"ip"`
	AudioFormat string `json:"audio_format"`
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, req SynthesizeRequest) ([]byte, error) {
	var out struct {
		Audio string `json:"audio"`
	}
	err := s.postJSON(ctx, "/api/tts/generate", synthesizePayload{
		Text:        req.Text,
		MAC:         req.Device,
		IP:          req.Addr,
		AudioFormat: "wav",
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Audio == "" {
		return nil, ErrNoAudio
	}
	audio, err := base64.StdEncoding.DecodeString(out.Audio)
	if err != nil {
		return nil, fmt.Errorf("decode tts audio: %w", err)
	}
	return audio, nil
}
