package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	CollectorErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_errors_total",
		Help: "Ошибки при выгрузке сообщений каналов",
	})
	BotSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_send_errors_total",
		Help: "Ошибки отправки сообщений ботом",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 300},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})

	CycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "summary_cycle_duration_seconds",
		Help:    "Длительность цикла сводки канала",
		Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600},
	}, []string{"channel"})

	CyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "summary_cycles_total",
		Help: "Количество циклов сводки по результату",
	}, []string{"channel", "outcome"})

	ReportSegmentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "report_segments_total",
		Help: "Количество отправленных частей отчётов",
	})

	PollAttachTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poll_attach_total",
		Help: "Результаты прикрепления опросов",
	}, []string{"destination", "outcome"})

	CorrelationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "discussion_correlation_total",
		Help: "Результаты ожидания пересылки в группу обсуждения",
	}, []string{"outcome"})

	RegenerationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poll_regeneration_total",
		Help: "Результаты перегенерации опросов",
	}, []string{"outcome"})

	RegenerationSweepRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "poll_regeneration_records_swept_total",
		Help: "Количество удалённых устаревших записей перегенерации",
	})

	SummaryHistoryPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "summary_history_pruned_total",
		Help: "Количество удалённых устаревших записей истории сводок",
	})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		CollectorErrors,
		BotSendErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
		CycleDuration,
		CyclesTotal,
		ReportSegmentsTotal,
		PollAttachTotal,
		CorrelationTotal,
		RegenerationTotal,
		RegenerationSweepRemoved,
		SummaryHistoryPruned,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// ObserveCycle записывает длительность и результат цикла сводки.
func ObserveCycle(channel, outcome string, start time.Time) {
	CycleDuration.WithLabelValues(channel).Observe(time.Since(start).Seconds())
	CyclesTotal.WithLabelValues(channel, outcome).Inc()
}

// IncPollAttach увеличивает счётчик прикрепления опросов.
func IncPollAttach(destination, outcome string) {
	PollAttachTotal.WithLabelValues(destination, outcome).Inc()
}

// IncCorrelation увеличивает счётчик ожидания пересылок.
func IncCorrelation(outcome string) {
	CorrelationTotal.WithLabelValues(outcome).Inc()
}

// IncRegeneration увеличивает счётчик перегенераций.
func IncRegeneration(outcome string) {
	RegenerationTotal.WithLabelValues(outcome).Inc()
}
