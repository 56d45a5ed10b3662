package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caregiver-billing/internal/domain/ports/adapter"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []tgbotapi.MessageConfig
	failOn int64
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg := c.(tgbotapi.MessageConfig)
	if msg.ChatID == f.failOn {
		return tgbotapi.Message{}, errors.New("chat not found")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func TestSupportBot_NotifySupport(t *testing.T) {
	logger := zerolog.Nop()
	alert := adapter.Notification{
		Type:            adapter.NotifyAmountMismatch,
		Title:           "Amount mismatch <review>",
		Content:         "Paid amount differs from the quote.",
		RelatedEntityID: "CGB-1",
		Fields:          map[string]string{"paid": "10.00", "expected": "13384.80"},
	}

	t.Run("every support chat receives the alert", func(t *testing.T) {
		fs := &fakeSender{}
		bot := newSupportBot(fs, []int64{100, 200}, &logger)
		require.NoError(t, bot.NotifySupport(context.Background(), alert))
		require.Len(t, fs.sent, 2)
		assert.Equal(t, tgbotapi.ModeHTML, fs.sent[0].ParseMode)
		assert.Contains(t, fs.sent[0].Text, "Amount mismatch &lt;review&gt;")
		assert.Contains(t, fs.sent[0].Text, "<code>CGB-1</code>")
		assert.Less(t, strings.Index(fs.sent[0].Text, "expected:"), strings.Index(fs.sent[0].Text, "paid:"))
	})

	t.Run("one failing chat does not stop the rest", func(t *testing.T) {
		fs := &fakeSender{failOn: 100}
		bot := newSupportBot(fs, []int64{100, 200}, &logger)
		err := bot.NotifySupport(context.Background(), alert)
		assert.Error(t, err)
		require.Len(t, fs.sent, 1)
		assert.EqualValues(t, 200, fs.sent[0].ChatID)
	})
}

func TestRender_FallsBackToType(t *testing.T) {
	out := render(adapter.Notification{Type: adapter.NotifyRefundDue})
	assert.Equal(t, "<b>refund_due</b>", out)
}

