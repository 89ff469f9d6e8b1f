package kernel

import (
	"context"
	"fmt"
	"log/slog"

	"forcesub-bot/pkg/forcesub"
)

// driverSink is the EventSink handed to drivers.
type driverSink struct {
	bus    *EventBus
	logger *slog.Logger
}

// Publish forwards a driver event to the bus.
func (s *driverSink) Publish(ctx context.Context, event *forcesub.Event) error {
	if err := s.bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("driver publish: %w", err)
	}
	s.logger.DebugContext(ctx, "driver event published",
		"event_id", event.ID,
		"kind", event.Kind,
		"origin", event.Origin,
	)

	return nil
}
