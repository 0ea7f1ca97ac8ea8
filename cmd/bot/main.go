package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tg-summary-bot/internal/adapters/bot"
	"tg-summary-bot/internal/adapters/mtproto"
	"tg-summary-bot/internal/adapters/repo"
	"tg-summary-bot/internal/adapters/store"
	"tg-summary-bot/internal/adapters/summarizer"
	"tg-summary-bot/internal/adapters/telegram"
	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/cache"
	"tg-summary-bot/internal/infra/config"
	"tg-summary-bot/internal/infra/db"
	apphttp "tg-summary-bot/internal/infra/http"
	applog "tg-summary-bot/internal/infra/log"
	"tg-summary-bot/internal/infra/metrics"
	"tg-summary-bot/internal/infra/openai"
	"tg-summary-bot/internal/infra/queue"
	"tg-summary-bot/internal/usecase/cycle"
	"tg-summary-bot/internal/usecase/polls"
	"tg-summary-bot/internal/usecase/schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("bot: %v", err)
	}
	logger := applog.NewLogger(cfg.AppEnv, "bot")
	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("bot: не указан токен Telegram (TG_BOT_TOKEN)")
	}
	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		logger.Fatal().Msg("bot: не указаны TG_API_ID и TG_API_HASH для MTProto")
	}

	settings, err := config.LoadSettings(cfg.SettingsFile, cfg.Telegram.Operators, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: не удалось загрузить настройки каналов")
	}

	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: не удалось открыть хранилища")
	}
	defer stores.close()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}
	jobs, closeQueue, err := openQueue(ctx, cfg, redisClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: не удалось инициализировать очередь")
	}
	defer closeQueue()

	var locker domain.CycleLocker = cache.NewLocalLocker()
	if redisClient != nil {
		locker = cache.NewRedisLocker(redisClient, "summary-bot:")
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: не удалось создать бота")
	}
	messenger := telegram.NewBot(botAPI, logger)

	var (
		summ      domain.Summarizer
		generator domain.PollGenerator
		model     = "simple"
	)
	if cfg.LLM.APIKey != "" {
		client := openai.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Timeout)
		ai := summarizer.NewOpenAI(client, summarizer.Options{Model: cfg.LLM.Model, Timeout: cfg.LLM.Timeout, MaxTokens: cfg.LLM.MaxTokens}, logger)
		summ, generator = ai, ai
		model = cfg.LLM.Model
	} else {
		logger.Warn().Msg("bot: OPENAI_API_KEY не задан, используем эвристическую сводку")
		simple := summarizer.NewSimple()
		summ, generator = simple, simple
	}

	correlator := polls.NewCorrelator(0, 0)

	mtClient := mtproto.NewClient(cfg.Telegram.APIID, cfg.Telegram.APIHash, stores.session)
	err = mtproto.Run(ctx, mtClient, func(ctx context.Context, api *tg.Client) error {
		collector := mtproto.NewCollector(api, mtproto.Options{CacheTTL: cfg.MTProto.CacheTTL}, logger)
		orchestrator := polls.NewOrchestrator(messenger, collector, generator, stores.records, correlator, cfg.Polls.CorrelationTimeout, logger)
		regenerator := polls.NewRegenerator(orchestrator, stores.records, stores.checkpoints, logger)
		cycles := cycle.NewService(cycle.Deps{
			Settings:    settings,
			Locker:      locker,
			Directory:   collector,
			Fetcher:     collector,
			Summarizer:  summ,
			Messenger:   messenger,
			Checkpoints: stores.checkpoints,
			Polls:       orchestrator,
			History:     stores.history,
			Model:       model,
			LockTTL:     cfg.Cycles.LockTTL,
		}, logger)
		handler := bot.NewHandler(messenger, regenerator, correlator, settings, jobs, stores.checkpoints, logger)

		a := &app{
			cfg:      cfg,
			log:      logger,
			botAPI:   botAPI,
			handler:  handler,
			settings: settings,
			records:  stores.records,
			history:  stores.history,
			worker: &jobWorker{
				log:         logger.With().Str("component", "worker").Logger(),
				queue:       jobs,
				cycles:      cycles,
				replies:     messenger,
				concurrency: cfg.Cycles.Concurrency,
				retryDelay:  time.Second,
			},
			planner: schedule.NewService(jobs, cfg.Location(), logger),
			// Планировщик внутри бота нужен, только если очередь живёт в памяти процесса.
			embedScheduler: cfg.Queues.Backend == "memory",
		}
		return a.run(ctx)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("bot: остановлен с ошибкой")
	}
	logger.Info().Msg("bot: остановлен")
}

type app struct {
	cfg            config.AppConfig
	log            zerolog.Logger
	botAPI         *tgbotapi.BotAPI
	handler        *bot.Handler
	settings       *config.SettingsStore
	records        domain.RegenerationStore
	history        domain.SummaryHistory
	worker         *jobWorker
	planner        *schedule.Service
	embedScheduler bool
}

func (a *app) run(ctx context.Context) error {
	server := apphttp.NewServer(a.log)
	updates := make(chan tgbotapi.Update, 256)

	if a.cfg.Telegram.WebhookURL != "" {
		server.Router.Post(apphttp.WebhookPath, apphttp.WebhookHandler(a.cfg.Telegram.WebhookSecret, updates))
		if err := a.setWebhook(); err != nil {
			return err
		}
	} else {
		if _, err := a.botAPI.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			a.log.Warn().Err(err).Msg("bot: не удалось снять вебхук")
		}
		cfg := tgbotapi.NewUpdate(0)
		cfg.Timeout = 30
		cfg.AllowedUpdates = []string{"message", "channel_post", "callback_query"}
		source := a.botAPI.GetUpdatesChan(cfg)
		go func() {
			<-ctx.Done()
			a.botAPI.StopReceivingUpdates()
		}()
		go func() {
			for upd := range source {
				select {
				case updates <- upd:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	if err := a.planner.AddFunc(a.cfg.Polls.SweepSchedule, func() { a.sweep(ctx) }); err != nil {
		return err
	}
	if a.embedScheduler {
		if _, err := a.planner.Sync(a.settings.Snapshot()); err != nil {
			a.log.Error().Err(err).Msg("bot: часть расписаний не зарегистрирована")
		}
	}
	a.planner.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(fmt.Sprintf(":%d", a.cfg.Port))
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.worker.Run(gctx)
	})
	g.Go(func() error {
		return a.loop(gctx, updates)
	})
	server.SetReady(true)
	a.log.Info().Int64("settings_version", a.settings.Snapshot().Version).Msg("bot: запущен")
	return g.Wait()
}

// loop единственная очередь событий бота: апдейты Telegram и сигналы о смене настроек.
func (a *app) loop(ctx context.Context, updates <-chan tgbotapi.Update) error {
	reloads := make(chan struct{}, 1)
	a.settings.Watch(reloads)

	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reloads:
			next, err := a.settings.Apply()
			if err != nil {
				a.log.Error().Err(err).Msg("bot: новые настройки отклонены, работаем на прежних")
				continue
			}
			if a.embedScheduler {
				if _, err := a.planner.Sync(next); err != nil {
					a.log.Error().Err(err).Msg("bot: часть расписаний не зарегистрирована")
				}
			}
		case upd := <-updates:
			if upd.CallbackQuery != nil {
				// Перегенерация ждёт LLM, пересылки в это время должны продолжать сопоставляться.
				inflight.Add(1)
				go func() {
					defer inflight.Done()
					a.handler.HandleUpdate(ctx, upd)
				}()
				continue
			}
			a.handler.HandleUpdate(ctx, upd)
		}
	}
}

func (a *app) sweep(ctx context.Context) {
	now := time.Now().UTC()
	removed, err := a.records.Sweep(ctx, now, a.cfg.Polls.Retention)
	if err != nil {
		a.log.Error().Err(err).Msg("bot: очистка записей перегенерации не удалась")
	} else {
		metrics.RegenerationSweepRemoved.Add(float64(removed))
		a.log.Info().Int("removed", removed).Msg("bot: старые записи перегенерации удалены")
	}

	pruned, err := a.history.Prune(ctx, now.Add(-a.cfg.Store.HistoryRetention))
	if err != nil {
		a.log.Error().Err(err).Msg("bot: очистка истории сводок не удалась")
		return
	}
	metrics.SummaryHistoryPruned.Add(float64(pruned))
	a.log.Info().Int("removed", pruned).Msg("bot: старые сводки удалены из истории")
}

func (a *app) setWebhook() error {
	link := strings.TrimRight(a.cfg.Telegram.WebhookURL, "/") + "/bot/webhook/" + a.cfg.Telegram.WebhookSecret
	wh, err := tgbotapi.NewWebhook(link)
	if err != nil {
		return fmt.Errorf("адрес вебхука: %w", err)
	}
	wh.AllowedUpdates = []string{"message", "channel_post", "callback_query"}
	if _, err := a.botAPI.Request(wh); err != nil {
		return fmt.Errorf("установка вебхука: %w", err)
	}
	return nil
}

type storeSet struct {
	checkpoints domain.CheckpointStore
	records     domain.RegenerationStore
	history     domain.SummaryHistory
	session     session.Storage
	close       func()
}

func openStores(ctx context.Context, cfg config.AppConfig, log zerolog.Logger) (storeSet, error) {
	switch cfg.Store.Backend {
	case "postgres":
		if cfg.PGDSN == "" {
			return storeSet{}, errors.New("STORE_BACKEND=postgres требует PG_DSN")
		}
		pool, err := db.Connect(ctx, cfg.PGDSN)
		if err != nil {
			return storeSet{}, err
		}
		pg := repo.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return storeSet{}, err
		}
		return storeSet{
			checkpoints: pg,
			records:     pg,
			history:     pg,
			session:     &repo.SessionStorage{DB: pg, Name: cfg.MTProto.SessionName},
			close:       pool.Close,
		}, nil
	case "file", "":
		checkpoints, err := store.NewFileCheckpoints(cfg.Store.CheckpointsFile, log)
		if err != nil {
			return storeSet{}, err
		}
		records, err := store.NewFileRecords(cfg.Store.RecordsFile, log)
		if err != nil {
			return storeSet{}, err
		}
		history, err := store.NewFileHistory(cfg.Store.HistoryFile, log)
		if err != nil {
			return storeSet{}, err
		}
		sessionFile := cfg.MTProto.SessionFile
		if sessionFile == "" {
			sessionFile = "data/mtproto_session.json"
		}
		return storeSet{
			checkpoints: checkpoints,
			records:     records,
			history:     history,
			session:     &session.FileStorage{Path: sessionFile},
			close:       func() {},
		}, nil
	default:
		return storeSet{}, fmt.Errorf("неизвестный STORE_BACKEND %q", cfg.Store.Backend)
	}
}

func openQueue(ctx context.Context, cfg config.AppConfig, client *redis.Client, log zerolog.Logger) (domain.CycleQueue, func(), error) {
	switch cfg.Queues.Backend {
	case "memory":
		return queue.NewMemoryCycleQueue(0), func() {}, nil
	case "rabbitmq":
		q, err := queue.NewRabbitCycleQueue(cfg.AMQPURL, cfg.Queues.Cycles, cfg.Cycles.Concurrency)
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	case "redis", "":
		if client == nil {
			return nil, nil, errors.New("QUEUE_BACKEND=redis требует REDIS_ADDR")
		}
		q := queue.NewRedisCycleQueue(client, cfg.Queues.Cycles)
		recovered, err := q.Recover(ctx)
		if err != nil {
			return nil, nil, err
		}
		if recovered > 0 {
			log.Warn().Int("jobs", recovered).Msg("bot: незавершённые задачи возвращены в очередь")
		}
		return q, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("неизвестный QUEUE_BACKEND %q", cfg.Queues.Backend)
	}
}
