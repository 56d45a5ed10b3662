package adapter

import (
	"context"

	"caregiver-billing/internal/domain/model"
)

// NotificationType is the closed set of billing notifications.
type NotificationType string

const (
	NotifyPaymentCompleted      NotificationType = "payment_completed"
	NotifyPaymentFailed         NotificationType = "payment_failed"
	NotifyAmountMismatch        NotificationType = "amount_mismatch"
	NotifyOrderCreationFailed   NotificationType = "order_creation_failed"
	NotifyCaptureAfterFailure   NotificationType = "capture_after_failure"
	NotifySubscriptionCreated   NotificationType = "subscription_created"
	NotifyChargeSucceeded       NotificationType = "charge_succeeded"
	NotifyChargeFailed          NotificationType = "charge_failed"
	NotifySubscriptionSuspended NotificationType = "subscription_suspended"
	NotifySubscriptionCancelled NotificationType = "subscription_cancelled"
	NotifySubscriptionEnded     NotificationType = "subscription_terminated"
	NotifySubscriptionChanged   NotificationType = "subscription_changed"
	NotifyRefundDue             NotificationType = "refund_due"
)

// Notification carries structured fields; transports render text themselves.
type Notification struct {
	RecipientID     string
	RecipientRole   model.Role
	Type            NotificationType
	Title           string
	Content         string
	RelatedEntityID string
	Fields          map[string]string
}

// Notifier delivers to one channel. Implementations must not block billing for long.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// SupportNotifier delivers alerts to the support team rather than an individual.
type SupportNotifier interface {
	NotifySupport(ctx context.Context, n Notification) error
}
