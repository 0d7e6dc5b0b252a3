package bootstrap

import (
	"context"
	"log"
	"time"

	"clinical-finalize-be/internal/config"
	"clinical-finalize-be/internal/controller"
	"clinical-finalize-be/internal/pkg/logger"
	"clinical-finalize-be/internal/service"
	"clinical-finalize-be/internal/websocket"
	"clinical-finalize-be/pkg/ehr"
	"clinical-finalize-be/pkg/finalize/session"
	"clinical-finalize-be/pkg/finalize/workflow"

	pktNats "clinical-finalize-be/pkg/nats"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
)

type Container struct {
	// Controllers
	FinalizationController controller.IFinalizationController

	// WebSockets
	WebSocketHub *websocket.Hub
}

func NewContainer(cfg *config.Config) *Container {
	// 1. Core Facades
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")

	// 2. Event Bus
	watermillLogger := watermill.NewStdLogger(false, false)
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{},
		watermillLogger,
	)

	// 2.5 Infrastructure
	// NATS
	natsPub, err := pktNats.NewPublisher(cfg.App.NatsURL)
	if err != nil {
		log.Printf("[WARN] Failed to connect to NATS Publisher: %v", err)
	}
	var sink workflow.EventSink
	if natsPub != nil {
		sink = natsPub
	}

	// Redis
	opt, err := redis.ParseURL(cfg.App.RedisURL)
	if err != nil {
		log.Printf("[WARN] Failed to parse Redis URL: %v. Using direct Addr", err)
		opt = &redis.Options{
			Addr: cfg.App.RedisURL,
		}
	}
	rdb := redis.NewClient(opt)
	redisHealthy := true
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		log.Printf("[WARN] Failed to connect to Redis: %v. Sessions stay in-memory only", err)
		redisHealthy = false
	}

	// Session Store: in-memory fast path, Redis write-through when reachable
	memStore := session.NewMemoryStore()
	var sessionStore session.Store = memStore
	if redisHealthy {
		sessionStore = session.NewTieredStore(memStore, session.NewRedisStore(rdb, 12*time.Hour, sysLogger))
	}

	// WebSocket Hub
	wsLogger := logger.NewIsolatedLogger(cfg.App.HubLogFilePath)
	var hubRedis *redis.Client
	if redisHealthy {
		hubRedis = rdb
	}
	wsHub := websocket.NewHub(hubRedis, wsLogger)
	go wsHub.Run()

	// Session-state push: orchestrators publish to the in-process bus, the hub
	// fans each update out to the session's sockets.
	updates, err := pubSub.Subscribe(context.Background(), workflow.TopicSessionUpdated)
	if err != nil {
		log.Printf("[WARN] Failed to subscribe session updates: %v", err)
	} else {
		go wsHub.ConsumeBus(updates)
	}

	// 3. Backend Client
	ehrClient := ehr.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey, cfg.Backend.Timeout)

	// 4. Services
	finalizationService := service.NewFinalizationService(
		ehrClient,
		sessionStore,
		pubSub,
		sink,
		cfg.Compose.PollInterval,
		sysLogger,
	)

	// 5. Controllers
	return &Container{
		FinalizationController: controller.NewFinalizationController(finalizationService),
		WebSocketHub:           wsHub,
	}
}
