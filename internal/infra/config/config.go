package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Europe/Moscow"`
	Port   int    `envconfig:"PORT" default:"8080"`

	// SettingsFile YAML/JSON с каналами, расписаниями и настройками опросов.
	SettingsFile string `envconfig:"SETTINGS_FILE" default:"channels.yaml"`

	Telegram struct {
		Token         string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL    string `envconfig:"TG_WEBHOOK_URL"`
		WebhookSecret string `envconfig:"TG_WEBHOOK_SECRET"`
		APIID         int    `envconfig:"TG_API_ID"`
		APIHash       string `envconfig:"TG_API_HASH"`
		// Operators дополняет список операторов из файла настроек.
		Operators []string `envconfig:"TG_OPERATOR_IDS"`
	} `envconfig:""`

	MTProto struct {
		SessionName string        `envconfig:"MTPROTO_SESSION_NAME" default:"default"`
		SessionFile string        `envconfig:"MTPROTO_SESSION_FILE"`
		CacheTTL    time.Duration `envconfig:"MTPROTO_CACHE_TTL" default:"6h"`
	} `envconfig:""`

	Store struct {
		// Backend file или postgres.
		Backend         string `envconfig:"STORE_BACKEND" default:"file"`
		CheckpointsFile string `envconfig:"CHECKPOINTS_FILE" default:"data/checkpoints.json"`
		RecordsFile     string `envconfig:"POLL_RECORDS_FILE" default:"data/poll_records.json"`
		HistoryFile     string `envconfig:"SUMMARY_HISTORY_FILE" default:"data/summary_history.json"`
		// HistoryRetention срок хранения истории сводок, очистка идёт вместе с записями опросов.
		HistoryRetention time.Duration `envconfig:"SUMMARY_HISTORY_RETENTION" default:"2160h"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	AMQPURL   string `envconfig:"AMQP_URL"`

	LLM struct {
		APIKey    string        `envconfig:"OPENAI_API_KEY"`
		BaseURL   string        `envconfig:"OPENAI_BASE_URL"`
		Model     string        `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`
		Timeout   time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
		MaxTokens int           `envconfig:"OPENAI_MAX_TOKENS" default:"1500"`
	} `envconfig:""`

	Polls struct {
		CorrelationTimeout time.Duration `envconfig:"POLL_CORRELATION_TIMEOUT" default:"10s"`
		Retention          time.Duration `envconfig:"POLL_RECORD_RETENTION" default:"720h"`
		SweepSchedule      string        `envconfig:"POLL_SWEEP_SCHEDULE" default:"0 30 3 * * *"`
	} `envconfig:""`

	Cycles struct {
		LockTTL     time.Duration `envconfig:"CYCLE_LOCK_TTL" default:"15m"`
		Concurrency int           `envconfig:"CYCLE_CONCURRENCY" default:"2"`
	} `envconfig:""`

	Queues struct {
		// Backend redis, rabbitmq или memory (только для одиночного бота).
		Backend string `envconfig:"QUEUE_BACKEND" default:"redis"`
		Cycles  string `envconfig:"CYCLE_QUEUE_KEY" default:"summary_cycles"`
	} `envconfig:""`
}

// Load читает .env, если он есть, и загружает конфиг из окружения.
func Load() (AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("чтение .env: %w", err)
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("не удалось загрузить конфиг: %w", err)
	}
	return cfg, nil
}

// Location возвращает часовой пояс из TZ или UTC.
func (c AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return time.UTC
	}
	return loc
}
