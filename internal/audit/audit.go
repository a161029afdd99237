// Package audit publishes committed grant log entries to external
// consumers.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pthm/dls"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaSink writes one message per log entry, keyed by grant guid so that
// the history of a grant stays on one partition.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink validates cfg and returns a sink writing to cfg.Topic.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaSink{writer: w}, nil
}

// Publish implements dls.AuditSink.
func (s *KafkaSink) Publish(ctx context.Context, node dls.Node, logs []dls.LogEntry) error {
	if s == nil || s.writer == nil {
		return fmt.Errorf("kafka sink not initialized")
	}
	if len(logs) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(logs))
	for _, l := range logs {
		value, err := Encode(node, l)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(l.GrantGUID.String()),
			Value: value,
			Headers: []kafka.Header{
				{Key: "situation", Value: []byte(l.Meta.Situation)},
				{Key: "node", Value: []byte(node.Identifier)},
			},
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write audit messages: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}

// Encode renders a log entry as protobuf JSON of a google.protobuf.Struct
// with the node scope and realm attached.
func Encode(node dls.Node, l dls.LogEntry) ([]byte, error) {
	raw, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encode log entry: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode log entry: %w", err)
	}
	fields["node_scope"] = node.Scope
	if node.Realm != "" {
		fields["node_realm"] = node.Realm
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode log entry: %w", err)
	}
	return protojson.Marshal(st)
}

// NopSink discards everything.
type NopSink struct{}

// Publish implements dls.AuditSink.
func (NopSink) Publish(context.Context, dls.Node, []dls.LogEntry) error { return nil }

// LogSink writes each entry to a zap logger at Info.
type LogSink struct {
	Logger *zap.Logger
}

// Publish implements dls.AuditSink.
func (s LogSink) Publish(_ context.Context, node dls.Node, logs []dls.LogEntry) error {
	for _, l := range logs {
		s.Logger.Info("grant log",
			zap.String("node", node.Identifier),
			zap.Stringer("grant", l.GrantGUID),
			zap.String("situation", string(l.Meta.Situation)),
			zap.String("requester", l.Meta.RequestUserName),
			zap.String("action", l.Meta.Action),
		)
	}
	return nil
}

var (
	_ dls.AuditSink = (*KafkaSink)(nil)
	_ dls.AuditSink = NopSink{}
	_ dls.AuditSink = LogSink{}
)
