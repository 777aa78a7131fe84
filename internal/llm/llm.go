// Package llm streams reply sentences from a language model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Request is one user utterance for a device.
type Request struct {
	Device    string
	Text      string
	RequestID string
}

// UnitHandler receives each complete reply unit as it arrives. Returning an
// error stops the stream.
type UnitHandler func(unit string) error

// Streamer produces reply units for a transcript.
type Streamer interface {
	Stream(ctx context.Context, req Request, onUnit UnitHandler) error
}

// ErrStopped is returned by a UnitHandler to end the stream early without
// treating it as a failure.
var ErrStopped = errors.New("stream stopped")

// StreamError wraps an upstream failure reported by the model service.
type StreamError struct {
	Service string
	Err     error
}

func (e *StreamError) Error() string { return fmt.Sprintf("%s stream: %v", e.Service, e.Err) }
func (e *StreamError) Unwrap() error { return e.Err }

// Config controls streamer construction.
type Config struct {
	Mode          string
	URL           string
	Timeout       time.Duration
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
}

func New(cfg Config) (Streamer, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "http"
	}

	switch mode {
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("llm url is required for http mode")
		}
		return NewHTTPStreamer(cfg.URL, cfg.Timeout), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("openai api key is required for openai mode")
		}
		return NewOpenAIStreamer(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL), nil
	case "mock":
		return NewMockStreamer(), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}
