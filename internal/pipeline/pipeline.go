// Package pipeline turns a finished recording into queued or pushed reply
// audio: speech-to-text, a streamed model reply, one synthesis per sentence.
package pipeline

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/antoniostano/edgevoice/internal/session"
)

var (
	ErrNoTranscript       = errors.New("speech-to-text returned no usable text")
	ErrArtifactUnreadable = errors.New("recording artifact unreadable")
)

const (
	StatusSuccess = "success"
	StatusEmpty   = "empty"
	StatusError   = "error"
)

// Request names a finished recording on disk.
type Request struct {
	Device      string
	Addr        string
	Location    string
	DeviceClass string
}

// Segment describes one produced reply sentence.
type Segment struct {
	Index     int    `json:"index"`
	Text      string `json:"text"`
	Bytes     int    `json:"bytes"`
	Delivered bool   `json:"delivered,omitempty"`
}

type Result struct {
	Status      string        `json:"status"`
	RunID       string        `json:"run_id"`
	Device      string        `json:"device"`
	Mode        session.Mode  `json:"mode"`
	Text        string        `json:"text,omitempty"`
	Segments    []Segment     `json:"segments"`
	Interrupted bool          `json:"interrupted,omitempty"`
	Elapsed     time.Duration `json:"-"`
}

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// cleanUnit drops model reasoning blocks and surrounding whitespace.
func cleanUnit(unit string) string {
	unit = thinkBlock.ReplaceAllString(unit, "")
	return strings.TrimSpace(unit)
}
