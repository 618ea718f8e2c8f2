package notify

import (
	"context"

	"github.com/careops/medstock-auth/libs/kafka"
	"log/slog"
)

// EventPublisher is the best-effort side of notification delivery. Publish
// failures are logged and dropped; callers never see them.
type EventPublisher struct {
	publisher kafka.Publisher
	logger    *slog.Logger
}

func NewEventPublisher(publisher kafka.Publisher, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{publisher: publisher, logger: logger}
}

func (p *EventPublisher) PublishEmail(ctx context.Context, msg Message) {
	if p == nil || p.publisher == nil {
		return
	}

	env, err := kafka.NewEnvelope(kafka.EventTypeEmail, 1, "")
	if err != nil {
		p.logger.Error("build email event", "error", err)
		return
	}

	event := kafka.EmailEvent{
		Envelope: env,
		To:       msg.To,
		Template: msg.Template,
		Data:     msg.Data,
	}

	if _, _, err := p.publisher.PublishJSON(ctx, kafka.TopicNotifications, msg.To, event); err != nil {
		p.logger.Error("publish email event", "template", msg.Template, "error", err)
	}
}

func (p *EventPublisher) PublishAudit(ctx context.Context, accountID, action, ip, userAgent string) {
	if p == nil || p.publisher == nil {
		return
	}

	env, err := kafka.NewEnvelope(kafka.EventTypeAudit, 1, "")
	if err != nil {
		p.logger.Error("build audit event", "error", err)
		return
	}

	event := kafka.AuditEvent{
		Envelope:  env,
		AccountID: accountID,
		Action:    action,
		IP:        ip,
		UserAgent: userAgent,
	}

	if _, _, err := p.publisher.PublishJSON(ctx, kafka.TopicAudit, accountID, event); err != nil {
		p.logger.Error("publish audit event", "action", action, "error", err)
	}
}
