package kafka

import (
	"strconv"
	"time"

	"github.com/IBM/sarama"
)

// EventInterceptor stamps every outgoing record with the producer name
// and a publish timestamp so downstream consumers can measure lag.
type EventInterceptor struct{}

func NewEventInterceptor() *EventInterceptor {
	return &EventInterceptor{}
}

func (i *EventInterceptor) OnSend(msg *sarama.ProducerMessage) {
	msg.Headers = append(msg.Headers,
		sarama.RecordHeader{
			Key:   []byte("produced-by"),
			Value: []byte("chat-backend"),
		},
		sarama.RecordHeader{
			Key:   []byte("produced-at"),
			Value: []byte(strconv.FormatInt(time.Now().UnixMilli(), 10)),
		},
	)
}
