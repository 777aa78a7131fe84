// Package speech reaches the external speech-to-text and text-to-speech
// services.
package speech

import (
	"context"
	"errors"
	"fmt"
)

var ErrNoAudio = errors.New("synthesis returned no audio")

// TranscribeRequest carries one finished recording.
type TranscribeRequest struct {
	Device string
	Addr   string
	Audio  []byte
}

// SynthesizeRequest carries one reply sentence.
type SynthesizeRequest struct {
	Device string
	Addr   string
	Text   string
}

type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (string, error)
}

type Synthesizer interface {
	// Synthesize returns a WAV payload for the text.
	Synthesize(ctx context.Context, req SynthesizeRequest) ([]byte, error)
}

// HealthChecker is implemented by clients that can probe their upstream.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ServiceError is an upstream failure: transport error or non-2xx status.
type ServiceError struct {
	Service    string
	StatusCode int
	Detail     string
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s service status %d: %s", e.Service, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s service unavailable: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// IsServiceError reports whether err came from an unreachable or failing upstream.
func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}
