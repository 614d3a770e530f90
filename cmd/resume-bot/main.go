package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"tg-resume-bot/internal/adapters/api"
	"tg-resume-bot/internal/adapters/bot"
	"tg-resume-bot/internal/adapters/repo"
	"tg-resume-bot/internal/adapters/scraper"
	"tg-resume-bot/internal/adapters/summarizer"
	"tg-resume-bot/internal/adapters/transcriber"
	"tg-resume-bot/internal/adapters/userbot"
	"tg-resume-bot/internal/domain"
	"tg-resume-bot/internal/infra/cache"
	"tg-resume-bot/internal/infra/config"
	"tg-resume-bot/internal/infra/db"
	"tg-resume-bot/internal/infra/gemini"
	httpinfra "tg-resume-bot/internal/infra/http"
	"tg-resume-bot/internal/infra/log"
	"tg-resume-bot/internal/infra/metrics"
	"tg-resume-bot/internal/infra/openai"
	"tg-resume-bot/internal/usecase/poller"
	"tg-resume-bot/internal/usecase/settings"
	"tg-resume-bot/internal/usecase/tracking"
	userbotuc "tg-resume-bot/internal/usecase/userbot"
)

func main() {
	cfg := config.MustLoad()
	logger := log.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	if err := repoAdapter.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("не удалось подготовить схему БД")
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к Redis")
	}
	retryTracker := cache.NewRetryTracker(redisClient)

	var (
		geminiForSummary summarizer.GeminiClient
		geminiForAPI     api.GeminiAPI
		openaiForSummary summarizer.ChatClient
		openaiForAPI     api.OpenAIAPI
		transcriberSvc   domain.Transcriber = transcriber.Unavailable{}
	)
	if cfg.Gemini.APIKey != "" {
		client := gemini.NewClient(cfg.Gemini.APIKey, cfg.Gemini.BaseURL, 120*time.Second)
		geminiForSummary = client
		geminiForAPI = client
	}
	if cfg.OpenAI.APIKey != "" {
		client := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, 120*time.Second)
		openaiForSummary = client
		openaiForAPI = client
		transcriberSvc = transcriber.NewWhisper(client, "ru")
	}

	defaults := domain.AISettings{
		Provider:    cfg.AI.DefaultProvider,
		GeminiModel: cfg.AI.DefaultGeminiModel,
		OpenAIModel: cfg.AI.DefaultOpenAIModel,
	}
	// Провайдер по умолчанию не может указывать на клиента без ключа.
	if defaults.Provider == "gemini" && geminiForSummary == nil {
		defaults.Provider = "openai"
	}
	if defaults.Provider == "openai" && openaiForSummary == nil {
		defaults.Provider = "gemini"
	}

	settingsUC, err := settings.NewService(ctx, repoAdapter, defaults)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось загрузить настройки")
	}

	summarizerSvc := summarizer.New(settingsUC, geminiForSummary, openaiForSummary, logger)

	sessionStorage := userbot.NewSessionStorage(repoAdapter)
	auxClient := userbot.NewClient(cfg.Telegram.APIID, cfg.Telegram.APIHash, sessionStorage, logger)
	defer auxClient.Close()
	wizardUC := userbotuc.NewService(auxClient, repoAdapter, logger)

	fetcher := scraper.New(cfg.Poll.FetchTimeout, logger)
	trackingUC := tracking.NewService(repoAdapter, repoAdapter, repoAdapter, fetcher, auxClient, logger)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}
	handler := bot.NewHandler(botAPI, logger, trackingUC, summarizerSvc, transcriberSvc, repoAdapter)

	pollSvc := poller.NewService(
		repoAdapter, repoAdapter, repoAdapter,
		fetcher, summarizerSvc, handler, retryTracker,
		cfg.Poll.FetchTimeout, cfg.Poll.ForceAdvanceAfter, logger,
	)

	sched := gocron.NewScheduler(time.UTC)
	_, err = sched.Every(cfg.Poll.Interval).SingletonMode().Do(func() {
		if err := pollSvc.RunCycle(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("цикл опроса завершился с ошибкой")
		}
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось запланировать опрос")
	}
	sched.StartAsync()
	defer sched.Stop()

	apiServer := api.NewServer(api.Deps{
		Log:           logger,
		Users:         repoAdapter,
		Channels:      repoAdapter,
		Subs:          repoAdapter,
		Posts:         repoAdapter,
		Stats:         repoAdapter,
		SettingsUC:    settingsUC,
		WizardUC:      wizardUC,
		Aux:           auxClient,
		Gemini:        geminiForAPI,
		OpenAI:        openaiForAPI,
		Cache:         cache.NewRedis(redisClient),
		Webhook:       handler.WebhookHandler(),
		AdminPassword: cfg.Admin.Password,
		JWTSecret:     cfg.Admin.JWTSecret,
		TokenTTL:      cfg.Admin.TokenTTL,
	})

	srv := httpinfra.NewServer(logger)
	apiServer.Mount(srv.Router)

	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
			stop()
		}
	}()

	if cfg.Telegram.WebhookURL != "" {
		wh, err := tgbotapi.NewWebhook(cfg.Telegram.WebhookURL + "/bot/webhook")
		if err != nil {
			logger.Fatal().Err(err).Msg("некорректный адрес вебхука")
		}
		if _, err := botAPI.Request(wh); err != nil {
			logger.Fatal().Err(err).Msg("не удалось установить вебхук")
		}
		logger.Info().Str("url", cfg.Telegram.WebhookURL).Msg("бот работает через вебхук")
	} else {
		go runLongPolling(ctx, botAPI, handler)
		logger.Info().Msg("бот работает через long polling")
	}

	<-ctx.Done()
	logger.Info().Msg("остановка сервиса")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP сервер завершился с ошибкой")
	}
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("Redis закрылся с ошибкой")
	}
}

// runLongPolling читает апдейты бота без вебхука.
func runLongPolling(ctx context.Context, botAPI *tgbotapi.BotAPI, handler *bot.Handler) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := botAPI.GetUpdatesChan(u)
	for {
		select {
		case <-ctx.Done():
			botAPI.StopReceivingUpdates()
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			handler.HandleUpdate(ctx, upd)
		}
	}
}

var (
	_ domain.UserRepo         = (*repo.Postgres)(nil)
	_ domain.ChannelRepo      = (*repo.Postgres)(nil)
	_ domain.SubscriptionRepo = (*repo.Postgres)(nil)
	_ domain.PostRepo         = (*repo.Postgres)(nil)
	_ domain.SettingsRepo     = (*repo.Postgres)(nil)
	_ domain.SessionRepo      = (*repo.Postgres)(nil)
)
