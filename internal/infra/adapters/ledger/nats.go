// File: internal/infra/adapters/ledger/nats.go
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"caregiver-billing/internal/config"
	"caregiver-billing/internal/domain/ports/adapter"
	"caregiver-billing/internal/infra/metrics"
)

var (
	_ adapter.BillingLedger = (*NATSLedger)(nil)
	_ adapter.Notifier      = (*NATSNotifier)(nil)
)

const (
	defaultBillingSubject      = "billing.events"
	defaultNotificationSubject = "notifications.user"
)

// publisher is the part of *nats.Conn used here.
type publisher interface {
	PublishMsg(m *nats.Msg) error
}

// Connect dials NATS with unlimited reconnects and logs connection state changes.
func Connect(cfg *config.NATSConfig, logger *zerolog.Logger) (*nats.Conn, error) {
	l := logger.With().Str("component", "NATS").Logger()
	nc, err := nats.Connect(cfg.URL,
		nats.Name("caregiver-billing"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

func newMsg(subject, msgID, kind string, body any) (*nats.Msg, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	m := nats.NewMsg(subject)
	m.Data = b
	m.Header.Set("Content-Type", "application/json")
	m.Header.Set("Billing-Event", kind)
	if msgID != "" {
		// JetStream de-duplicates on this header within its window.
		m.Header.Set(nats.MsgIdHdr, msgID)
	}
	return m, nil
}

// NATSLedger exports billing records for accounting consumers.
type NATSLedger struct {
	pub     publisher
	subject string
}

func NewNATSLedger(pub publisher, subject string) *NATSLedger {
	if subject == "" {
		subject = defaultBillingSubject
	}
	return &NATSLedger{pub: pub, subject: subject}
}

func (l *NATSLedger) RecordBillingEvent(ctx context.Context, ev adapter.BillingEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := newMsg(l.subject, fmt.Sprintf("%s-%d", ev.TransactionID, ev.CycleNumber), "billing_record", ev)
	if err != nil {
		return fmt.Errorf("encode billing event: %w", err)
	}
	if err := l.pub.PublishMsg(m); err != nil {
		metrics.IncNotification("nats_ledger", "error")
		return fmt.Errorf("publish billing event: %w", err)
	}
	metrics.IncNotification("nats_ledger", "sent")
	return nil
}

type userNotification struct {
	RecipientID     string            `json:"recipient_id"`
	RecipientRole   string            `json:"recipient_role"`
	Type            string            `json:"type"`
	Title           string            `json:"title"`
	Content         string            `json:"content"`
	RelatedEntityID string            `json:"related_entity_id,omitempty"`
	Fields          map[string]string `json:"fields,omitempty"`
	SentAt          time.Time         `json:"sent_at"`
}

// NATSNotifier hands client and caregiver notifications to the notification service.
type NATSNotifier struct {
	pub     publisher
	subject string
	now     func() time.Time
}

func NewNATSNotifier(pub publisher, subject string) *NATSNotifier {
	if subject == "" {
		subject = defaultNotificationSubject
	}
	return &NATSNotifier{pub: pub, subject: subject, now: time.Now}
}

func (n *NATSNotifier) Notify(ctx context.Context, msg adapter.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := newMsg(n.subject, "", string(msg.Type), userNotification{
		RecipientID:     msg.RecipientID,
		RecipientRole:   string(msg.RecipientRole),
		Type:            string(msg.Type),
		Title:           msg.Title,
		Content:         msg.Content,
		RelatedEntityID: msg.RelatedEntityID,
		Fields:          msg.Fields,
		SentAt:          n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.pub.PublishMsg(m); err != nil {
		metrics.IncNotification("nats", "error")
		return fmt.Errorf("publish notification: %w", err)
	}
	metrics.IncNotification("nats", "sent")
	return nil
}
