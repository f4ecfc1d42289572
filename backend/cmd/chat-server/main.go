package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"connecto/backend/config"
	"connecto/backend/internal/bus"
	"connecto/backend/internal/cache"
	"connecto/backend/internal/httpapi/handlers"
	"connecto/backend/internal/httpapi/middleware"
	"connecto/backend/internal/kvstore"
	"connecto/backend/internal/store"
	csync "connecto/backend/internal/sync"
	"connecto/backend/internal/ws"
)

func initConfig() (*config.Config, error) {
	cfg := &config.Config{}
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func replicaID(cfg *config.Config) string {
	if id := os.Getenv("REPLICA_ID"); id != "" {
		return id
	}
	if cfg.Replica.ID != "" {
		return cfg.Replica.ID
	}
	return "replica-" + uuid.NewString()
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping failed: %v", err)
	}
	defer rdb.Close()
	kv := kvstore.NewRedisStore(rdb)

	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("mysql connect failed: %v", err)
	}
	membership := store.NewMembershipStore(db)

	kafkaCfg := sarama.NewConfig()
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("kafka producer connect failed: %v", err)
	}
	defer producer.Close()

	dispatcher := csync.NewActivityDispatcher(producer, cfg.Kafka.ActivityTopic, csync.ActivityDispatcherOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	})

	id := replicaID(cfg)
	log.Printf("starting chat-server replica=%s port=%d", id, cfg.Running.Port)

	eventBus := bus.New(kv, id)
	coordinator := cache.NewCoordinator(kv, eventBus)
	presence := cache.NewPresenceStore(kv, dispatcher)
	hub := ws.NewHub(membership)
	router := ws.NewRouter(hub, eventBus, presence, membership)
	manager := ws.NewManager(hub, presence, router)
	syncMgr := csync.NewManager(coordinator, router)
	syncMgr.BindBus(eventBus)

	if err := eventBus.Start(ctx); err != nil {
		log.Fatalf("event bus subscribe failed: %v", err)
	}

	consumer, err := csync.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.DomainTopic, syncMgr)
	if err != nil {
		log.Fatalf("kafka consumer connect failed: %v", err)
	}
	consumer.Start(ctx)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	presenceHandler := handlers.NewPresenceHandler(presence, hub)

	authed := r.Group("/", middleware.AuthMiddleware())
	authed.GET("/ws", manager.WebSocketConnect)
	authed.GET("/presence/users/:id", presenceHandler.GetUserStatus)
	authed.GET("/presence/rooms/:id/typing", presenceHandler.GetTypingUsers)
	authed.GET("/presence/rooms/:id/stats", presenceHandler.GetRoomStats)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "replica": id})
	})

	_ = r.Run(fmt.Sprintf(":%d", cfg.Running.Port))
}
