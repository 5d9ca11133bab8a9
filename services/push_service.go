package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/config"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/models"
)

// PushJob is the queued form of one web-push delivery. It is what goes
// over the push-jobs kafka topic.
type PushJob struct {
	UserID          *string                `json:"user_id,omitempty"`
	AnonymousUserID *string                `json:"anonymous_user_id,omitempty"`
	Title           string                 `json:"title"`
	Body            string                 `json:"body"`
	Icon            string                 `json:"icon,omitempty"`
	Badge           string                 `json:"badge,omitempty"`
	Tag             string                 `json:"tag,omitempty"`
	Data            map[string]interface{} `json:"data,omitempty"`
}

// PushQueue decouples fan-out from delivery. The kafka producer
// implements it in production; a nil queue makes sends inline.
type PushQueue interface {
	Send(topic string, key string, value interface{}) error
}

// PushService owns Web Push subscriptions and best-effort delivery.
// Every failure is logged and swallowed: a broken push endpoint must
// never fail a chat operation.
type PushService struct {
	db        *gorm.DB
	cfg       config.PushConfig
	queue     PushQueue
	pushTopic string
	log       zerolog.Logger
}

func NewPushService(db *gorm.DB, cfg config.PushConfig, log zerolog.Logger) *PushService {
	s := &PushService{
		db:  db,
		cfg: cfg,
		log: log.With().Str("service", "push").Logger(),
	}
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		s.log.Warn().Msg("VAPID keys not configured, web push disabled")
	}
	return s
}

// UseQueue routes Notify through kafka instead of sending inline.
func (s *PushService) UseQueue(queue PushQueue, topic string) {
	s.queue = queue
	s.pushTopic = topic
}

func (s *PushService) VAPIDPublicKey() string {
	return s.cfg.VAPIDPublicKey
}

func (s *PushService) enabled() bool {
	return s.cfg.VAPIDPublicKey != "" && s.cfg.VAPIDPrivateKey != ""
}

// Subscribe upserts a subscription by endpoint and rebinds it to the
// current identity.
func (s *PushService) Subscribe(ctx context.Context, endpoint, p256dh, auth, userAgent string, userID, anonymousUserID *string) (*models.PushSubscription, error) {
	if endpoint == "" || p256dh == "" || auth == "" {
		return nil, errors.New("incomplete push subscription")
	}

	var existing models.PushSubscription
	err := s.db.WithContext(ctx).Where("endpoint = ?", endpoint).First(&existing).Error
	if err == nil {
		updates := map[string]interface{}{
			"p256dh":            p256dh,
			"auth":              auth,
			"user_agent":        userAgent,
			"is_active":         true,
			"user_id":           userID,
			"anonymous_user_id": anonymousUserID,
		}
		if err := s.db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	sub := models.PushSubscription{
		ID:              uuid.NewString(),
		Endpoint:        endpoint,
		P256dh:          p256dh,
		Auth:            auth,
		UserAgent:       userAgent,
		UserID:          userID,
		AnonymousUserID: anonymousUserID,
		IsActive:        true,
	}
	if err := s.db.WithContext(ctx).Create(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *PushService) Unsubscribe(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Where("endpoint = ?", endpoint).
		Delete(&models.PushSubscription{}).Error
}

// Notify queues (or sends) a push to every subscription of the target
// identity. Fire-and-forget: the returned error is for logging only
// and callers are expected to ignore it.
func (s *PushService) Notify(ctx context.Context, job PushJob) error {
	if !s.enabled() {
		return nil
	}
	if s.queue != nil {
		key := ""
		if job.UserID != nil {
			key = *job.UserID
		} else if job.AnonymousUserID != nil {
			key = *job.AnonymousUserID
		}
		if err := s.queue.Send(s.pushTopic, key, job); err != nil {
			s.log.Error().Err(err).Msg("failed to queue push job, sending inline")
			return s.Deliver(ctx, job)
		}
		return nil
	}
	return s.Deliver(ctx, job)
}

// Deliver performs the actual web-push sends for a job.
func (s *PushService) Deliver(ctx context.Context, job PushJob) error {
	if !s.enabled() {
		return nil
	}

	query := s.db.WithContext(ctx).Where("is_active = ?", true)
	switch {
	case job.UserID != nil:
		query = query.Where("user_id = ?", *job.UserID)
	case job.AnonymousUserID != nil:
		query = query.Where("anonymous_user_id = ?", *job.AnonymousUserID)
	default:
		return nil
	}

	var subs []models.PushSubscription
	if err := query.Find(&subs).Error; err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]interface{}{
		"title": job.Title,
		"body":  job.Body,
		"icon":  job.Icon,
		"badge": job.Badge,
		"tag":   job.Tag,
		"data":  job.Data,
	})
	if err != nil {
		return err
	}

	var lastErr error
	for i := range subs {
		if err := s.sendOne(ctx, &subs[i], payload); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (s *PushService) sendOne(ctx context.Context, sub *models.PushSubscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.cfg.Subject,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		TTL:             60,
	})
	if err != nil {
		s.log.Error().Err(err).Str("subscription_id", sub.ID).Msg("web push send failed")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		// Endpoint is dead; deactivate so we stop hammering it.
		if err := s.db.Model(sub).Update("is_active", false).Error; err != nil {
			s.log.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to deactivate subscription")
		}
		s.log.Info().Str("subscription_id", sub.ID).Int("status", resp.StatusCode).
			Msg("push subscription expired, deactivated")
		return nil
	}
	if resp.StatusCode >= 400 {
		s.log.Error().Str("subscription_id", sub.ID).Int("status", resp.StatusCode).
			Msg("push service rejected notification")
		return errors.New("push rejected")
	}

	s.log.Debug().Str("subscription_id", sub.ID).Msg("push notification sent")
	return nil
}

// TruncateBody shortens message content for notification bodies.
func TruncateBody(content string, limit int) string {
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + "..."
}
