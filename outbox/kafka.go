package outbox

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

type KafkaConfig struct {
	BootstrapServers []string
	TopicPrefix      string
	MetricsNamespace string
}

// NewKafkaClient builds a producer client with broker metrics registered
// on reg.
func NewKafkaClient(cfg KafkaConfig, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*kgo.Client, error) {
	m := kprom.NewMetrics(cfg.MetricsNamespace,
		kprom.Registerer(reg),
		kprom.Gatherer(gatherer))
	kcl, err := kgo.NewClient(
		kgo.WithHooks(m),
		kgo.SeedBrokers(cfg.BootstrapServers...),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	return kcl, nil
}

// RecordProducer is the part of kgo.Client used to publish.
type RecordProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaProducer publishes messages to a topic named after the event topic.
type KafkaProducer struct {
	kcl    RecordProducer
	prefix string
}

func NewKafkaProducer(kcl RecordProducer, topicPrefix string) *KafkaProducer {
	return &KafkaProducer{kcl: kcl, prefix: topicPrefix}
}

func (p *KafkaProducer) Publish(ctx context.Context, m Message) error {
	record := createRecord(m, p.prefix)
	if err := p.kcl.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("producing outbox message %s: %w", m.ID, err)
	}
	return nil
}

func createRecord(m Message, prefix string) *kgo.Record {
	return &kgo.Record{
		Topic: prefix + m.Topic,
		Key:   m.Key(),
		Value: m.Payload,
		Headers: []kgo.RecordHeader{
			{Key: "message_id", Value: []byte(m.ID)},
		},
	}
}
