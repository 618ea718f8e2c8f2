package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type stubSyncProducer struct {
	msgs []*sarama.ProducerMessage
	err  error
}

func (s *stubSyncProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	s.msgs = append(s.msgs, msg)
	if s.err != nil {
		return 0, 0, s.err
	}
	return 2, int64(len(s.msgs)), nil
}

func (s *stubSyncProducer) SendMessages(msgs []*sarama.ProducerMessage) error {
	s.msgs = append(s.msgs, msgs...)
	return s.err
}

func (s *stubSyncProducer) Close() error { return nil }
func (s *stubSyncProducer) TxnStatus() sarama.ProducerTxnStatusFlag {
	return sarama.ProducerTxnFlagReady
}
func (s *stubSyncProducer) IsTransactional() bool { return false }
func (s *stubSyncProducer) BeginTxn() error       { return nil }
func (s *stubSyncProducer) CommitTxn() error      { return nil }
func (s *stubSyncProducer) AbortTxn() error       { return nil }
func (s *stubSyncProducer) AddOffsetsToTxn(_ map[string][]*sarama.PartitionOffsetMetadata, _ string) error {
	return nil
}
func (s *stubSyncProducer) AddMessageToTxn(_ *sarama.ConsumerMessage, _ string, _ *string) error {
	return nil
}

func TestPublishJSONEncodesAndSends(t *testing.T) {
	stub := &stubSyncProducer{}
	p := &SyncProducer{producer: stub, logger: slog.Default()}

	partition, offset, err := p.PublishJSON(context.Background(), "auth.audit", "acct-1", map[string]string{"action": "login.password"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if partition != 2 || offset != 1 {
		t.Fatalf("partition/offset = %d/%d", partition, offset)
	}
	if len(stub.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(stub.msgs))
	}

	msg := stub.msgs[0]
	if msg.Topic != "auth.audit" {
		t.Fatalf("topic = %s", msg.Topic)
	}
	key, _ := msg.Key.Encode()
	if string(key) != "acct-1" {
		t.Fatalf("key = %s", key)
	}
	raw, _ := msg.Value.Encode()
	var payload map[string]string
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["action"] != "login.password" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestPublishJSONSendFailure(t *testing.T) {
	stub := &stubSyncProducer{err: errors.New("broker down")}
	metrics := NewProducerMetrics(prometheus.NewRegistry())
	p := &SyncProducer{producer: stub, logger: slog.Default(), metrics: metrics}

	if _, _, err := p.PublishJSON(context.Background(), "auth.notifications", "k", "v"); err == nil {
		t.Fatal("expected publish error")
	}
	if got := testutil.ToFloat64(metrics.PublishTotal.WithLabelValues("auth.notifications", "error")); got != 1 {
		t.Fatalf("error counter = %v", got)
	}
}

func TestPublishJSONHonorsCancelledContext(t *testing.T) {
	stub := &stubSyncProducer{}
	p := &SyncProducer{producer: stub, logger: slog.Default()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := p.PublishJSON(ctx, "auth.audit", "k", "v"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(stub.msgs) != 0 {
		t.Fatalf("message sent despite cancelled context: %d", len(stub.msgs))
	}
}
