package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps the last maxPerDevice records of each device.
type InMemoryStore struct {
	mu           sync.RWMutex
	maxPerDevice int
	records      map[string][]Record
}

func NewInMemoryStore(maxPerDevice int) *InMemoryStore {
	if maxPerDevice <= 0 {
		maxPerDevice = 50
	}
	return &InMemoryStore{maxPerDevice: maxPerDevice, records: make(map[string][]Record)}
}

func (s *InMemoryStore) Save(_ context.Context, record Record) error {
	record = withDefaults(record)
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.records[record.Device], record)
	if len(arr) > s.maxPerDevice {
		arr = append([]Record(nil), arr[len(arr)-s.maxPerDevice:]...)
	}
	s.records[record.Device] = arr
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, device string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[device]
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Record, 0, limit)
	for i := len(arr) - 1; i >= len(arr)-limit; i-- {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func withDefaults(r Record) Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Replies == nil {
		r.Replies = []string{}
	}
	return r
}
