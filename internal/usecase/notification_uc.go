package usecase

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"caregiver-billing/internal/domain/model"
	"caregiver-billing/internal/domain/ports/adapter"
)

// Compile-time check
var _ NotificationUseCase = (*notificationUC)(nil)

// NotificationUseCase routes billing notifications by recipient role.
// Every method is fire-and-forget: delivery failures are logged, never returned.
type NotificationUseCase interface {
	Dispatch(ctx context.Context, n adapter.Notification)
	// NotifyParties sends the same notification to the client and the caregiver of a subscription.
	NotifyParties(ctx context.Context, sub *model.Subscription, n adapter.Notification)
	AlertSupport(ctx context.Context, n adapter.Notification)
}

type notificationUC struct {
	users   adapter.Notifier        // clients and caregivers
	support adapter.SupportNotifier // support staff
	log     *zerolog.Logger
}

func NewNotificationUseCase(users adapter.Notifier, support adapter.SupportNotifier, logger *zerolog.Logger) *notificationUC {
	l := logger.With().Str("component", "NotificationRouter").Logger()
	return &notificationUC{users: users, support: support, log: &l}
}

func (n *notificationUC) Dispatch(ctx context.Context, msg adapter.Notification) {
	var err error
	switch msg.RecipientRole {
	case model.RoleSupport:
		if n.support == nil {
			return
		}
		err = n.support.NotifySupport(ctx, msg)
	case model.RoleClient, model.RoleCaregiver:
		if n.users == nil || msg.RecipientID == "" {
			return
		}
		err = n.users.Notify(ctx, msg)
	case model.RoleSystem:
		return
	default:
		err = fmt.Errorf("unknown recipient role %q", msg.RecipientRole)
	}
	if err != nil {
		n.log.Warn().Err(err).
			Str("type", string(msg.Type)).
			Str("role", string(msg.RecipientRole)).
			Str("related", msg.RelatedEntityID).
			Msg("notification delivery failed")
	}
}

func (n *notificationUC) NotifyParties(ctx context.Context, sub *model.Subscription, msg adapter.Notification) {
	if msg.RelatedEntityID == "" {
		msg.RelatedEntityID = sub.ID
	}
	client := msg
	client.RecipientID, client.RecipientRole = sub.ClientID, model.RoleClient
	n.Dispatch(ctx, client)

	caregiver := msg
	caregiver.RecipientID, caregiver.RecipientRole = sub.CaregiverID, model.RoleCaregiver
	n.Dispatch(ctx, caregiver)
}

func (n *notificationUC) AlertSupport(ctx context.Context, msg adapter.Notification) {
	msg.RecipientRole = model.RoleSupport
	msg.RecipientID = ""
	n.Dispatch(ctx, msg)
}
