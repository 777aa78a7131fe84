// Package transcript keeps a bounded log of pipeline runs per device. It is
// an audit trail only; session and queue state are never rebuilt from it.
package transcript

import (
	"context"
	"time"
)

// Record is one pipeline run as heard and answered.
type Record struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Device    string    `json:"device"`
	Mode      string    `json:"mode"`
	Heard     string    `json:"heard"`
	Replies   []string  `json:"replies"`
	Segments  int       `json:"segments"`
	Outcome   string    `json:"outcome"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	Save(ctx context.Context, record Record) error
	// Recent returns up to limit records for a device, newest first.
	Recent(ctx context.Context, device string, limit int) ([]Record, error)
	Close() error
}
