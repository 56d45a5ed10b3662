package telegram

import (
	"context"

	"github.com/rs/zerolog"

	"caregiver-billing/internal/domain/ports/adapter"
)

var _ adapter.SupportNotifier = (*NoopSupportNotifier)(nil)

// NoopSupportNotifier logs support alerts instead of sending them. Used when no bot token is configured.
type NoopSupportNotifier struct {
	log *zerolog.Logger
}

func NewNoopSupportNotifier(logger *zerolog.Logger) *NoopSupportNotifier {
	l := logger.With().Str("component", "NoopSupportBot").Logger()
	return &NoopSupportNotifier{log: &l}
}

func (b *NoopSupportNotifier) NotifySupport(ctx context.Context, n adapter.Notification) error {
	b.log.Info().
		Str("type", string(n.Type)).
		Str("related", n.RelatedEntityID).
		Interface("fields", n.Fields).
		Msg(render(n))
	return nil
}
