package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"
)

// Handler processes one consumed record.
type Handler interface {
	Handle(ctx context.Context, message *sarama.ConsumerMessage) error
}

type Consumer struct {
	consumerGroup sarama.ConsumerGroup
	topics        []string
	handler       Handler
}

func NewConsumer(brokers []string, groupID string, topics []string,
	config *sarama.Config, handler Handler) (*Consumer, error) {
	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		consumerGroup: consumerGroup,
		topics:        topics,
		handler:       handler,
	}, nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := c.handler.Handle(session.Context(), message); err != nil {
			// Push delivery is best-effort; mark and move on either way.
			log.Error().Err(err).
				Str("topic", message.Topic).
				Int64("offset", message.Offset).
				Msg("push job failed")
		}
		session.MarkMessage(message, "")
	}
	return nil
}

func (c *Consumer) Start(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := c.consumerGroup.Consume(ctx, c.topics, c); err != nil {
			if err == sarama.ErrClosedConsumerGroup {
				return nil
			}
			log.Error().Err(err).Msg("consumer group error")
		}
	}
}

func (c *Consumer) Close() error {
	return c.consumerGroup.Close()
}
