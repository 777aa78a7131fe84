package pipeline

import (
	"context"
	"errors"

	"github.com/antoniostano/edgevoice/internal/device"
	"github.com/antoniostano/edgevoice/internal/ingest"
	"github.com/antoniostano/edgevoice/internal/session"
)

// IngestSink connects the ingestion listener straight to the registry and
// orchestrator when both run in one process.
type IngestSink struct {
	registry     *session.Registry
	orchestrator *Orchestrator
}

func NewIngestSink(registry *session.Registry, orchestrator *Orchestrator) *IngestSink {
	return &IngestSink{registry: registry, orchestrator: orchestrator}
}

func (s *IngestSink) SessionStart(_ context.Context, dev, addr string) error {
	if err := device.ValidatePair(dev, addr); err != nil {
		return err
	}
	_, err := s.registry.Start(dev, addr, session.ModePull)
	return err
}

func (s *IngestSink) Recording(ctx context.Context, rec ingest.Recording) error {
	_, err := s.orchestrator.Process(ctx, Request{
		Device:      rec.Device,
		Addr:        rec.Addr,
		Location:    rec.Path,
		DeviceClass: rec.DeviceClass(),
	})
	if errors.Is(err, ErrNoTranscript) {
		return nil
	}
	return err
}
