package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/crdt"
	"syncServer/backend/internal/feed"
	"syncServer/backend/internal/httpapi/handlers"
	"syncServer/backend/internal/httpapi/middleware"
	"syncServer/backend/internal/ratelimit"
	"syncServer/backend/internal/store"
	"syncServer/backend/internal/ws"
)

type SyncConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"Auth"`
	Sync struct {
		WindowMs      int `mapstructure:"windowMs"`
		MaxOps        int `mapstructure:"maxOps"`
		SnapshotEvery int `mapstructure:"snapshotEvery"`
	} `mapstructure:"Sync"`
}

func initConfig() (*SyncConfig, error) {
	cfg := &SyncConfig{}
	v := viper.New()
	v.SetConfigName("syncConfig")
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

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: port=%d kafka=%v topic=%s", cfg.Running.Port, cfg.Kafka.Brokers, cfg.Kafka.Topic)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	gormDB, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		log.Fatalf("Failed to get sql db: %v", err)
	}
	defer sqlDB.Close()

	operationStore, err := store.NewOperationStore(gormDB)
	if err != nil {
		log.Fatalf("Failed to init operation store: %v", err)
	}
	snapshotStore := store.NewSnapshotStore(sqlDB)
	if err := snapshotStore.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("Failed to init snapshot store: %v", err)
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	// === 初始化 Kafka 消费组（变更流订阅） ===
	// 每个进程一个独立消费组：所有进程都能看到全部落库事件，跨进程扇出由此而来
	consumerCfg := sarama.NewConfig()
	consumerCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	groupID := "sync-server-" + uuid.NewString()[:8]
	group, err := sarama.NewConsumerGroup(cfg.Kafka.Brokers, groupID, consumerCfg)
	if err != nil {
		log.Fatalf("Failed to join consumer group: %v", err)
	}
	defer group.Close()

	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(presenceCache)

	kafkaSem := collab.NewSemaphoreControl(collab.DefaultMaxSemaphore)
	wsSem := collab.NewSemaphoreControl(collab.DefaultMaxSemaphore)

	// Kafka 本地队列 + worker 重试发送
	kafkaDispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	engine := crdt.NewLWWEngine()
	limiter := ratelimit.NewLimiter(ratelimit.Options{
		Window: time.Duration(cfg.Sync.WindowMs) * time.Millisecond,
		MaxOps: cfg.Sync.MaxOps,
	})
	svc := collab.NewRoomService(engine, limiter, operationStore, snapshotStore, kafkaDispatcher)
	compactor := collab.NewCompactor(operationStore, snapshotStore, engine)

	watcher := feed.NewWatcher(group, cfg.Kafka.Topic, hub, compactor, feed.WatcherOptions{
		SnapshotEvery: cfg.Sync.SnapshotEvery,
	})
	go watcher.Run(context.Background())

	manager := ws.NewManager(hub, svc, wsSem, presenceCache)
	roomHandlers := handlers.NewRoomHandlers(svc)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// 路由
	sync := r.Group("/sync")
	sync.Use(middleware.AuthMiddleware([]byte(cfg.Auth.Secret)))
	sync.GET("/ws", manager.WebSocketConnect)
	sync.GET("/rooms/:roomID/operations", roomHandlers.ListOperations)
	sync.GET("/rooms/:roomID/snapshot", roomHandlers.LatestSnapshot)

	// 健康探针不挂鉴权；订阅彻底挂掉时必须让运维层看见
	r.GET("/healthz", func(c *gin.Context) {
		if !watcher.Healthy() {
			c.JSON(503, gin.H{"status": "watch subscription lost"})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
