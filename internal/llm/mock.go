package llm

import (
	"context"
	"errors"
	"fmt"
)

// MockStreamer answers every utterance with a fixed two-sentence reply.
type MockStreamer struct {
	Reply string
}

func NewMockStreamer() *MockStreamer {
	return &MockStreamer{}
}

func (m *MockStreamer) Stream(ctx context.Context, req Request, onUnit UnitHandler) error {
	reply := m.Reply
	if reply == "" {
		reply = fmt.Sprintf("I heard: %s. How can I help?", req.Text)
	}
	for _, unit := range SplitSentences(reply) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onUnit(unit); err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (m *MockStreamer) Health(context.Context) error { return nil }
