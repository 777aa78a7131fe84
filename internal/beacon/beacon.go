// Package beacon records location reports from BLE scanners.
package beacon

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrMissingAddress = errors.New("ble_address is required")

// Report is one location fix for a BLE tag. iBeacon fields are optional.
type Report struct {
	BLEAddress string    `json:"ble_address"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	Timestamp  string    `json:"timestamp,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	UUID       string    `json:"uuid,omitempty"`
	Major      *int      `json:"major,omitempty"`
	Minor      *int      `json:"minor,omitempty"`
	TxPower    *int      `json:"tx_power,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Store keeps the latest report per BLE address.
type Store struct {
	mu     sync.RWMutex
	latest map[string]Report
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{
		latest: make(map[string]Report),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Record(r Report) (Report, error) {
	key := strings.ToUpper(strings.TrimSpace(r.BLEAddress))
	if key == "" {
		return Report{}, ErrMissingAddress
	}
	r.BLEAddress = key
	r.ReceivedAt = s.now()

	s.mu.Lock()
	s.latest[key] = r
	s.mu.Unlock()
	return r, nil
}

func (s *Store) Latest(addr string) (Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.latest[strings.ToUpper(strings.TrimSpace(addr))]
	return r, ok
}

// List returns the latest report of every tag, most recent first.
func (s *Store) List() []Report {
	s.mu.RLock()
	out := make([]Report, 0, len(s.latest))
	for _, r := range s.latest {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out
}
