package session

import (
	"errors"
	"time"
)

// Mode selects how synthesized audio reaches a device.
type Mode string

const (
	// ModePush streams to devices that accept inbound connections.
	ModePush Mode = "push"
	// ModePull queues audio until the device asks for it.
	ModePull Mode = "pull"
)

// ModeFromDeviceClass maps the device class reported by the firmware.
func ModeFromDeviceClass(class string) Mode {
	switch class {
	case "4G", "4g", "pull":
		return ModePull
	default:
		return ModePush
	}
}

type Status string

const (
	StatusIdle       Status = "idle"
	StatusRecording  Status = "recording"
	StatusProcessing Status = "processing"
	StatusWaiting    Status = "waiting"
	StatusAudioReady Status = "audio_ready"
	StatusStreaming  Status = "streaming"
	StatusError      Status = "error"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrSegmentNotFound = errors.New("audio segment not found")
	ErrStaleGeneration = errors.New("session generation superseded")
	ErrInvalidIdentity = errors.New("device identifier is empty")
)

// DeviceSession is the registry view of one device.
type DeviceSession struct {
	Device         string    `json:"device"`
	Addr           string    `json:"addr"`
	Mode           Mode      `json:"mode"`
	Status         Status    `json:"status"`
	Generation     uint64    `json:"generation"`
	QueueLength    int       `json:"queue_length"`
	Interrupted    bool      `json:"interrupted"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// AudioSegment is one synthesized reply sentence waiting for delivery.
type AudioSegment struct {
	Device       string    `json:"device"`
	Index        int       `json:"index"`
	Generation   uint64    `json:"generation"`
	Text         string    `json:"text"`
	Audio        []byte    `json:"-"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AdvanceResult reports the queue state after an acknowledgment.
type AdvanceResult struct {
	Removed   bool
	Remaining int
	NextIndex int
}

// Event is published on every status change.
type Event struct {
	Device     string    `json:"device"`
	Status     Status    `json:"status"`
	Previous   Status    `json:"previous"`
	Mode       Mode      `json:"mode"`
	Generation uint64    `json:"generation"`
	At         time.Time `json:"at"`
}
