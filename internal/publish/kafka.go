package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// KafkaConfig holds producer settings.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// VideoEvent is the completion message written to Kafka.
type VideoEvent struct {
	RunID       string `json:"run_id"`
	VideoPath   string `json:"video_path"`
	SizeBytes   int64  `json:"size_bytes"`
	Degraded    bool   `json:"degraded"`
	Quality     string `json:"quality"`
	Summary     string `json:"summary"`
	Title       string `json:"title"`
	CompletedAt string `json:"completed_at"`
}

// Kafka announces finished films on a topic, keyed by run id.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
	now      func() time.Time
}

// NewKafka connects a synchronous producer.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	sc := sarama.NewConfig()
	sc.Version = sarama.V3_6_0_0
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return newKafka(producer, cfg.Topic), nil
}

func newKafka(producer sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic, now: time.Now}
}

func (k *Kafka) Name() string { return "kafka" }

// Publish sends a VideoEvent and returns topic/partition/offset.
func (k *Kafka) Publish(ctx context.Context, v Video) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(VideoEvent{
		RunID:       v.RunID,
		VideoPath:   v.Path,
		SizeBytes:   v.SizeBytes,
		Degraded:    v.Degraded,
		Quality:     v.Quality,
		Summary:     v.Summary,
		Title:       v.Title,
		CompletedAt: k.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}
	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(v.RunID),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return "", fmt.Errorf("kafka send: %w", err)
	}
	return fmt.Sprintf("kafka://%s/%d/%d", k.topic, partition, offset), nil
}

// Close shuts down the producer.
func (k *Kafka) Close() error {
	return k.producer.Close()
}
