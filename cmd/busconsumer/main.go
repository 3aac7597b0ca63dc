// Command busconsumer drains the upstream Kafka topic into the partitioned
// group queue. Run it standalone when ingestion is driven by the message bus
// and the API servers should not host the Kafka reader themselves.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"memora/internal/bus"
	"memora/internal/config"
	"memora/internal/groupqueue"
	"memora/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file")
	flag.Parse()

	logging.Setup("")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config_load_failed")
	}
	if len(cfg.Bus.Brokers) == 0 || cfg.Bus.Topic == "" {
		log.Fatal().Msg("bus brokers and topic are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis_connect_failed")
	}
	defer rdb.Close()

	queue, err := groupqueue.NewManager(rdb, cfg.Queue)
	if err != nil {
		log.Fatal().Err(err).Msg("groupqueue_setup_failed")
	}

	consumer := bus.NewConsumer(cfg.Bus, queue)
	log.Info().Strs("brokers", cfg.Bus.Brokers).Str("topic", cfg.Bus.Topic).Msg("bus_consumer_started")
	if err := consumer.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("bus_consumer_failed")
	}
}
