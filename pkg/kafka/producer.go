// Package kafka publishes import lifecycle events and the index and rematch
// requests consumed by downstream services.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	EventTypeImportState    = "import.state_changed"
	EventTypeIndexRequested = "dataset.index_requested"
	EventTypeRematchRequest = "dataset.rematch_requested"
)

// Config holds Kafka configuration
type Config struct {
	Brokers      []string
	EventTopic   string
	IndexTopic   string
	RematchTopic string
}

// ParseConfig parses a comma-separated broker string
func ParseConfig(brokers, eventTopic, indexTopic, rematchTopic string) Config {
	var brokerList []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokerList = append(brokerList, b)
		}
	}

	return Config{
		Brokers:      brokerList,
		EventTopic:   eventTopic,
		IndexTopic:   indexTopic,
		RematchTopic: rematchTopic,
	}
}

// messageWriter is the part of kafka.Writer the producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer handles producing messages to Kafka. Without brokers every
// publish is a no-op.
type Producer struct {
	writers map[string]messageWriter
	logger  ectologger.Logger
	config  Config
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	p := &Producer{writers: map[string]messageWriter{}, logger: logger, config: cfg}
	if len(cfg.Brokers) == 0 {
		logger.Warn("No Kafka brokers configured, import events are not published")
		return p
	}

	for _, topic := range []string{cfg.EventTopic, cfg.IndexTopic, cfg.RematchTopic} {
		if topic == "" || p.writers[topic] != nil {
			continue
		}
		p.writers[topic] = &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchSize:              100,
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			Async:                  false,
			AllowAutoTopicCreation: true,
		}
	}
	return p
}

// Close closes the producer
func (p *Producer) Close() error {
	var firstErr error
	for _, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ImportEventMessage is published on every state transition of an import attempt.
type ImportEventMessage struct {
	Type       string             `json:"type"`
	DatasetKey int                `json:"dataset_key"`
	Attempt    int                `json:"attempt"`
	State      models.ImportState `json:"state"`
	Error      *string            `json:"error,omitempty"`
	Started    *time.Time         `json:"started,omitempty"`
	Finished   *time.Time         `json:"finished,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`

	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// DatasetRequestMessage asks a downstream service to process a dataset.
type DatasetRequestMessage struct {
	Type       string    `json:"type"`
	DatasetKey int       `json:"dataset_key"`
	Timestamp  time.Time `json:"timestamp"`

	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// PublishImportEvent publishes the current state of an import attempt
func (p *Producer) PublishImportEvent(ctx context.Context, di *models.DatasetImport) error {
	if di == nil {
		return fmt.Errorf("import event is nil")
	}

	msg := &ImportEventMessage{
		Type:       EventTypeImportState,
		DatasetKey: di.DatasetKey,
		Attempt:    di.Attempt,
		State:      di.State,
		Error:      di.Error,
		Started:    di.Started,
		Finished:   di.Finished,
		Timestamp:  time.Now().UTC(),
		TraceID:    tracing.GetTraceID(ctx),
		SpanID:     tracing.GetSpanID(ctx),
	}

	key := fmt.Sprintf("%d:%d", di.DatasetKey, di.Attempt)
	headers := []kafka.Header{
		{Key: "dataset_key", Value: []byte(strconv.Itoa(di.DatasetKey))},
		{Key: "attempt", Value: []byte(strconv.Itoa(di.Attempt))},
		{Key: "type", Value: []byte(msg.Type)},
		{Key: "state", Value: []byte(di.State)},
	}
	return p.publish(ctx, p.config.EventTopic, key, msg, headers)
}

// IndexDataset requests a search index rebuild of a dataset
func (p *Producer) IndexDataset(ctx context.Context, datasetKey int) error {
	return p.publishRequest(ctx, p.config.IndexTopic, EventTypeIndexRequested, datasetKey)
}

// MatchDataset requests the rematch of editorial decisions against a dataset
func (p *Producer) MatchDataset(ctx context.Context, datasetKey int) error {
	return p.publishRequest(ctx, p.config.RematchTopic, EventTypeRematchRequest, datasetKey)
}

func (p *Producer) publishRequest(ctx context.Context, topic, eventType string, datasetKey int) error {
	msg := &DatasetRequestMessage{
		Type:       eventType,
		DatasetKey: datasetKey,
		Timestamp:  time.Now().UTC(),
		TraceID:    tracing.GetTraceID(ctx),
		SpanID:     tracing.GetSpanID(ctx),
	}
	headers := []kafka.Header{
		{Key: "dataset_key", Value: []byte(strconv.Itoa(datasetKey))},
		{Key: "type", Value: []byte(eventType)},
	}
	return p.publish(ctx, topic, strconv.Itoa(datasetKey), msg, headers)
}

func (p *Producer) publish(ctx context.Context, topic, key string, msg any, headers []kafka.Header) error {
	w := p.writers[topic]
	if w == nil {
		p.logger.WithContext(ctx).Debugf("Kafka topic %q not configured, dropping message %s", topic, key)
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "Kafka.Publish",
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("messaging.kafka.message_key", key),
	)
	defer span.End()

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// W3C trace context for consumers
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}
	if tracestate := tracing.GetTraceState(ctx); tracestate != "" {
		headers = append(headers, kafka.Header{Key: "tracestate", Value: []byte(tracestate)})
	}

	start := time.Now()
	err = w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
	})
	if err != nil {
		metrics.RecordKafkaPublish(topic, "error", time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to Kafka topic %s", topic)
		return err
	}

	metrics.RecordKafkaPublish(topic, "success", time.Since(start).Seconds())
	span.SetStatus(codes.Ok, "message published")
	p.logger.WithContext(ctx).Debugf("Published %s to Kafka topic %s", key, topic)
	return nil
}
