package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/config"
	applog "tg-summary-bot/internal/infra/log"
	"tg-summary-bot/internal/infra/metrics"
	"tg-summary-bot/internal/infra/queue"
	"tg-summary-bot/internal/usecase/schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("scheduler: %v", err)
	}
	logger := applog.NewLogger(cfg.AppEnv, "scheduler")
	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), fmt.Sprintf(":%d", cfg.Port))

	settings, err := config.LoadSettings(cfg.SettingsFile, cfg.Telegram.Operators, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось загрузить настройки каналов")
	}

	var jobs domain.CycleQueue
	switch cfg.Queues.Backend {
	case "rabbitmq":
		q, err := queue.NewRabbitCycleQueue(cfg.AMQPURL, cfg.Queues.Cycles, 1)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: не удалось подключиться к RabbitMQ")
		}
		defer q.Close()
		jobs = q
	case "redis", "":
		if cfg.RedisAddr == "" {
			logger.Fatal().Msg("scheduler: не указан адрес Redis (REDIS_ADDR)")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		jobs = queue.NewRedisCycleQueue(client, cfg.Queues.Cycles)
	default:
		logger.Fatal().Str("backend", cfg.Queues.Backend).Msg("scheduler: очередь в памяти доступна только внутри бота")
	}

	planner := schedule.NewService(jobs, cfg.Location(), logger)
	n, err := planner.Sync(settings.Snapshot())
	if err != nil {
		logger.Error().Err(err).Msg("scheduler: часть расписаний не зарегистрирована")
	}
	planner.Start(ctx)
	logger.Info().Int("channels", n).Msg("scheduler: запущен")

	reloads := make(chan struct{}, 1)
	settings.Watch(reloads)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler: остановлен")
			return
		case <-reloads:
			next, err := settings.Apply()
			if err != nil {
				logger.Error().Err(err).Msg("scheduler: новые настройки отклонены")
				continue
			}
			if _, err := planner.Sync(next); err != nil {
				logger.Error().Err(err).Msg("scheduler: часть расписаний не зарегистрирована")
			}
		}
	}
}
