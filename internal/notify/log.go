package notify

import (
	"context"
	"log/slog"
)

// LogSender writes notifications to the process log (development).
type LogSender struct {
	id     string
	logger *slog.Logger
}

// NewLogSender creates a log-based sender.
func NewLogSender(id string, logger *slog.Logger) *LogSender {
	return &LogSender{id: id, logger: logger.With("channel", id)}
}

func (s *LogSender) ID() string { return s.id }

func (s *LogSender) Send(ctx context.Context, p Payload) error {
	s.logger.InfoContext(ctx, "signal notification", "id", p.SignalID, "title", p.Title,
		"fingerprint", p.Fingerprint, "text", p.Text)
	return nil
}
