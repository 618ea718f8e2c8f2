package kafka

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/IBM/sarama"
)

type handlerFunc func(context.Context, *sarama.ConsumerMessage) error

func (h handlerFunc) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return h(ctx, msg)
}

type stubSession struct {
	ctx    context.Context
	marked int
}

func (s *stubSession) Context() context.Context { return s.ctx }
func (s *stubSession) Claims() map[string][]int32 {
	return map[string][]int32{}
}
func (s *stubSession) MemberID() string                                 { return "" }
func (s *stubSession) GenerationID() int32                              { return 0 }
func (s *stubSession) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *stubSession) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *stubSession) MarkMessage(_ *sarama.ConsumerMessage, _ string) {
	s.marked++
}
func (s *stubSession) Commit() {}

type stubClaim struct {
	msgCh chan *sarama.ConsumerMessage
}

func (c *stubClaim) Topic() string                            { return "auth.notifications" }
func (c *stubClaim) Partition() int32                         { return 0 }
func (c *stubClaim) InitialOffset() int64                     { return 0 }
func (c *stubClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgCh }

func TestConsumerGroupHandlerMarksOnSuccess(t *testing.T) {
	var handled int
	handler := &consumerGroupHandler{
		handler: handlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
			handled++
			return nil
		}),
		logger: slog.Default(),
	}

	msgCh := make(chan *sarama.ConsumerMessage, 2)
	msgCh <- &sarama.ConsumerMessage{Topic: "auth.notifications", Partition: 0, Offset: 1, Value: []byte("a")}
	msgCh <- &sarama.ConsumerMessage{Topic: "auth.notifications", Partition: 0, Offset: 2, Value: []byte("b")}
	close(msgCh)

	session := &stubSession{ctx: context.Background()}
	if err := handler.ConsumeClaim(session, &stubClaim{msgCh: msgCh}); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	if handled != 2 {
		t.Fatalf("expected 2 handled messages, got %d", handled)
	}
	if session.marked != 2 {
		t.Fatalf("expected 2 marked messages, got %d", session.marked)
	}
}

func TestConsumerGroupHandlerLeavesFailedUnmarked(t *testing.T) {
	handler := &consumerGroupHandler{
		handler: handlerFunc(func(_ context.Context, msg *sarama.ConsumerMessage) error {
			if msg.Offset == 1 {
				return errors.New("smtp unavailable")
			}
			return nil
		}),
		logger: slog.Default(),
	}

	msgCh := make(chan *sarama.ConsumerMessage, 2)
	msgCh <- &sarama.ConsumerMessage{Topic: "auth.notifications", Partition: 0, Offset: 1, Value: []byte("bad")}
	msgCh <- &sarama.ConsumerMessage{Topic: "auth.notifications", Partition: 0, Offset: 2, Value: []byte("good")}
	close(msgCh)

	session := &stubSession{ctx: context.Background()}
	if err := handler.ConsumeClaim(session, &stubClaim{msgCh: msgCh}); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	// the failed message stays unmarked so the broker redelivers it
	if session.marked != 1 {
		t.Fatalf("expected 1 marked message, got %d", session.marked)
	}
}
