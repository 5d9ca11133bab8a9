package kafka

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/services"
)

// PushJobHandler consumes queued web-push jobs and hands them to the
// push service for delivery.
type PushJobHandler struct {
	push *services.PushService
}

func NewPushJobHandler(push *services.PushService) *PushJobHandler {
	return &PushJobHandler{push: push}
}

func (h *PushJobHandler) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	var job services.PushJob
	if err := json.Unmarshal(message.Value, &job); err != nil {
		return err
	}
	return h.push.Deliver(ctx, job)
}
