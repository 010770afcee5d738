// Package events publishes map scoring results for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MapScoredType is the event type of MapScored
const MapScoredType = "map_scored"

// RaceChange is one race whose points or rank moved. Points are thousandths.
type RaceChange struct {
	RaceID      uint  `json:"race_id"`
	PlayerID    uint  `json:"player_id"`
	Rank        int   `json:"rank"`
	Points      int64 `json:"points"`
	PlayerDelta int64 `json:"player_delta"`
}

// MapScored is emitted after a recompute that changed at least one race
type MapScored struct {
	Type       string       `json:"type"`
	MapID      uint         `json:"map_id"`
	Reset      bool         `json:"reset"`
	Changes    []RaceChange `json:"changes"`
	ComputedAt time.Time    `json:"computed_at"`
}

// Publisher delivers scoring events
type Publisher interface {
	PublishMapScored(ctx context.Context, ev MapScored) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to one topic keyed by map ID, so a map's
// events stay ordered within its partition
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher for the given brokers and topic
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic must not be empty")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w, logger: logger}, nil
}

// PublishMapScored encodes and writes one event
func (p *KafkaPublisher) PublishMapScored(ctx context.Context, ev MapScored) error {
	if ev.Type == "" {
		ev.Type = MapScoredType
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(ev.MapID), 10)),
		Value: value,
		Time:  ev.ComputedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish map %d event: %w", ev.MapID, err)
	}
	p.logger.Debug("published map scored event",
		zap.Uint("map_id", ev.MapID),
		zap.Int("changes", len(ev.Changes)))
	return nil
}

// Close flushes pending writes
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher drops every event; used when no brokers are configured
type NopPublisher struct{}

func (NopPublisher) PublishMapScored(context.Context, MapScored) error { return nil }

func (NopPublisher) Close() error { return nil }
