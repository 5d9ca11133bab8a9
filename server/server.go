package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/config"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/handlers"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/kafka"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/limiter"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/models"
	redisc "github.com/AndrewYakovlev/aso-store-v2-sub002/redis"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/services"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/ws"
)

// Server wires config, storage, services and the HTTP edge together.
type Server struct {
	cfg  config.Config
	echo *echo.Echo
	log  zerolog.Logger

	db    *gorm.DB
	redis *redisc.RedisClient

	producer *kafka.Producer
	consumer *kafka.Consumer

	registry *ws.Registry
	gateway  *ws.Gateway
	limiter  *limiter.Limiter

	authHandler         *handlers.AuthHandler
	chatHandler         *handlers.ChatHandler
	notificationHandler *handlers.NotificationHandler

	identity *services.IdentityService
}

func New(cfg config.Config) (*Server, error) {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrateAll(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	redisClient, err := redisc.NewRedisClient(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	s := &Server{
		cfg:   cfg,
		echo:  echo.New(),
		log:   log,
		db:    db,
		redis: redisClient,
	}
	s.echo.HideBanner = true

	auth := services.NewAuthService(db, &cfg.Auth)
	s.identity = services.NewIdentityService(db, auth, log)

	unread := services.NewUnreadStore(redisClient.Client)
	push := services.NewPushService(db, cfg.Push, log)
	notifier := services.NewNotificationService(db, unread, push, log)
	chats := services.NewChatService(db, notifier, log)

	s.limiter = limiter.New(redisClient.Client)
	s.registry = ws.NewRegistry(redisClient, log)
	notifier.SetEmitter(s.registry)
	s.gateway = ws.NewGateway(s.identity, chats, unread, s.registry, log)

	if cfg.Kafka.Enabled {
		if err := s.startKafka(notifier, push); err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
	}

	s.authHandler = handlers.NewAuthHandler(auth, s.identity, log)
	s.chatHandler = handlers.NewChatHandler(chats, log)
	s.notificationHandler = handlers.NewNotificationHandler(push, log)

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// startKafka brings up the event audit producer and the push-job
// worker.
func (s *Server) startKafka(notifier *services.NotificationService, push *services.PushService) error {
	saramaCfg, err := kafka.NewSaramaConfig(&s.cfg.Kafka)
	if err != nil {
		return err
	}

	producer, err := kafka.NewProducer(s.cfg.Kafka.Brokers, saramaCfg)
	if err != nil {
		return err
	}
	s.producer = producer
	notifier.UseEventStream(producer, s.cfg.Kafka.EventsTopic)
	push.UseQueue(producer, s.cfg.Kafka.PushTopic)

	consumerCfg, err := kafka.NewSaramaConfig(&s.cfg.Kafka)
	if err != nil {
		return err
	}
	consumer, err := kafka.NewConsumer(s.cfg.Kafka.Brokers, s.cfg.Kafka.GroupID,
		[]string{s.cfg.Kafka.PushTopic}, consumerCfg, kafka.NewPushJobHandler(push))
	if err != nil {
		return err
	}
	s.consumer = consumer
	go func() {
		if err := consumer.Start(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("push consumer stopped")
		}
	}()
	return nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(echomw.RequestID())
	s.echo.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     s.cfg.Server.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization, "X-Anonymous-Token"},
		AllowCredentials: true,
	}))
	s.echo.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			s.log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.Server.Addr).Msg("server starting")
	return s.echo.Start(s.cfg.Server.Addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.consumer != nil {
		s.consumer.Close()
	}
	if s.producer != nil {
		s.producer.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}
