// Package ingest accepts raw audio recordings from devices over TCP.
package ingest

import (
	"context"
	"time"

	"github.com/antoniostano/edgevoice/internal/session"
)

const (
	SessionStartPrefix = "SESSION_START:"
	RecordingComplete  = "RECORDING_COMPLETE"

	// AA:BB:CC:DD:EE:FF
	deviceAddressLen = 17

	firstReadSize = 512
	readSize      = 4096
)

// Recording is one assembled, frame-aligned recording saved to disk.
type Recording struct {
	Device     string
	Addr       string
	Mode       session.Mode
	Path       string
	Filename   string
	Bytes      int
	ReceivedAt time.Time
}

// DeviceClass is the label the processing endpoint expects.
func (r Recording) DeviceClass() string {
	if r.Mode == session.ModePull {
		return "4G"
	}
	return "WiFi"
}

// Sink receives handshakes and finished recordings.
type Sink interface {
	SessionStart(ctx context.Context, dev, addr string) error
	Recording(ctx context.Context, rec Recording) error
}

// Stats is a point-in-time view of the listener counters.
type Stats struct {
	Active             bool       `json:"socket_server_active"`
	RecordingsReceived int64      `json:"recordings_received"`
	Rejected           int64      `json:"rejected"`
	Errors             int64      `json:"errors"`
	LastRecording      *time.Time `json:"last_recording,omitempty"`
}
