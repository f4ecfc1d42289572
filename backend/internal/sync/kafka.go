package sync

import (
	"context"
	"encoding/json"
	"log"

	"github.com/IBM/sarama"
)

// kafkaEvent is the wire form the CRUD layer produces: the event name plus
// the DomainEvent fields, flattened into one JSON object.
type kafkaEvent struct {
	Name string `json:"name"`
	DomainEvent
}

// Consumer feeds domain lifecycle events from Kafka into the sync manager.
// The consumer group gives at-least-once delivery; handlers are idempotent
// (invalidating twice is invalidating once), so redelivery is harmless.
type Consumer struct {
	group sarama.ConsumerGroup
	topic string
	mgr   *Manager
}

func NewConsumer(brokers []string, groupID, topic string, mgr *Manager) (*Consumer, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, err
	}
	return &Consumer{group: group, topic: topic, mgr: mgr}, nil
}

// Start runs the consume loop until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	go func() {
		for err := range c.group.Errors() {
			log.Printf("kafka: consumer group error: %v", err)
		}
	}()
	go func() {
		defer c.group.Close()
		for {
			if err := c.group.Consume(ctx, []string{c.topic}, &groupHandler{mgr: c.mgr}); err != nil {
				log.Printf("kafka: consume failed: %v", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

type groupHandler struct {
	mgr *Manager
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var evt kafkaEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			// one bad message never stalls the partition
			log.Printf("kafka: drop malformed event at %s/%d@%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
			sess.MarkMessage(msg, "")
			continue
		}
		h.mgr.Dispatch(sess.Context(), evt.Name, evt.DomainEvent)
		sess.MarkMessage(msg, "")
	}
	return nil
}
