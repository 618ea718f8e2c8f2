package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/careops/medstock-auth/libs/kafka"
	"log/slog"
)

// EmailEventHandler is the notifier worker's consumer side: it decodes email
// events and hands them to the dispatcher. Malformed messages are dropped so
// they are not redelivered forever; delivery errors are returned so the
// offset stays unmarked and the message is retried.
type EmailEventHandler struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewEmailEventHandler(dispatcher Dispatcher, logger *slog.Logger) *EmailEventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailEventHandler{dispatcher: dispatcher, logger: logger}
}

func (h *EmailEventHandler) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event kafka.EmailEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.logger.Error("drop malformed email event", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		return nil
	}
	if err := event.Validate(); err != nil {
		h.logger.Error("drop invalid email event", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		return nil
	}

	if err := h.dispatcher.Send(ctx, Message{To: event.To, Template: event.Template, Data: event.Data}); err != nil {
		return fmt.Errorf("dispatch %s to %s: %w", event.Template, event.To, err)
	}

	h.logger.Info("email delivered", "template", event.Template, "event_id", event.EventID)
	return nil
}
