package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"aggregate-dispatcher/internal/config"
	"aggregate-dispatcher/internal/database/mongo"
	"aggregate-dispatcher/internal/database/redis"
	"aggregate-dispatcher/internal/event"
	"aggregate-dispatcher/internal/lock"
	"aggregate-dispatcher/internal/repository"
	"aggregate-dispatcher/internal/worker"
)

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	cfg := config.New()

	if err := writePIDFile(cfg.PIDFile); err != nil {
		log.Fatalf("Error writing PID file: %v", err)
	}
	if cfg.PIDFile != "" {
		defer os.Remove(cfg.PIDFile)
	}

	// All three backends must be reachable before the loop starts; anything
	// less is a fatal misconfiguration.
	mongoClient, err := mongo.Connect(cfg.MongoCfg)
	if err != nil {
		log.Fatalf("Error connecting to MongoDB: %v", err)
	}
	defer mongo.Disconnect(mongoClient)

	rabbit, err := event.ConnectRabbitMQ(cfg.RabbitMQCfg)
	if err != nil {
		log.Fatalf("Error connecting to RabbitMQ: %v", err)
	}
	defer rabbit.Close()

	redisClient, err := redis.NewRedisClient(cfg.RedisCfg.Host, cfg.RedisCfg.Port, cfg.RedisCfg.Password, cfg.RedisCfg.DB)
	if err != nil {
		log.Fatalf("Error connecting to Redis: %v", err)
	}
	defer redisClient.Close()

	store := repository.NewMongoStore(mongoClient)
	publisher := event.NewWorkPublisher(rabbit, cfg.WorkQueue)
	locker := lock.NewClient(redisClient.GetClient(), cfg.LockRetries)

	scheduler := worker.NewScheduler(store, publisher, locker, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Run(ctx)
}
