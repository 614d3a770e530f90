package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию процесса. Всё читается один раз на старте;
// горячо перезагружается только выбор провайдера и модели (он живёт в app_settings).
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Telegram struct {
		Token      string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL string `envconfig:"TG_WEBHOOK_URL"`
		APIID      int    `envconfig:"TG_API_ID"`
		APIHash    string `envconfig:"TG_API_HASH"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Gemini struct {
		APIKey  string `envconfig:"GEMINI_API_KEY"`
		BaseURL string `envconfig:"GEMINI_BASE_URL"`
	} `envconfig:""`

	OpenAI struct {
		APIKey  string `envconfig:"OPENAI_API_KEY"`
		BaseURL string `envconfig:"OPENAI_BASE_URL"`
	} `envconfig:""`

	Poll struct {
		Interval          time.Duration `envconfig:"POLL_INTERVAL" default:"60s"`
		FetchTimeout      time.Duration `envconfig:"POLL_FETCH_TIMEOUT" default:"10s"`
		ForceAdvanceAfter int           `envconfig:"POLL_FORCE_ADVANCE_AFTER" default:"5"`
	} `envconfig:""`

	Admin struct {
		Password  string        `envconfig:"ADMIN_PASSWORD"`
		JWTSecret string        `envconfig:"ADMIN_JWT_SECRET"`
		TokenTTL  time.Duration `envconfig:"ADMIN_TOKEN_TTL" default:"12h"`
	} `envconfig:""`

	AI struct {
		DefaultProvider    string `envconfig:"AI_DEFAULT_PROVIDER" default:"gemini"`
		DefaultGeminiModel string `envconfig:"AI_DEFAULT_GEMINI_MODEL" default:"gemini-2.0-flash"`
		DefaultOpenAIModel string `envconfig:"AI_DEFAULT_OPENAI_MODEL" default:"gpt-4.1-mini"`
	} `envconfig:""`
}

// MustLoad загружает конфиг из окружения и падает, если не хватает
// обязательных значений. Ленивая инициализация клиентов не допускается:
// все проверки происходят здесь, до создания провайдеров.
func MustLoad() AppConfig {
	_ = godotenv.Load()

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	if cfg.Telegram.Token == "" {
		log.Fatal("TG_BOT_TOKEN не задан")
	}
	if cfg.PGDSN == "" {
		log.Fatal("PG_DSN не задан")
	}
	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		log.Fatal("TG_API_ID и TG_API_HASH не заданы")
	}
	if cfg.Gemini.APIKey == "" && cfg.OpenAI.APIKey == "" {
		log.Fatal("нужен хотя бы один ключ: GEMINI_API_KEY или OPENAI_API_KEY")
	}
	if cfg.Admin.Password == "" {
		log.Fatal("ADMIN_PASSWORD не задан")
	}
	if cfg.Admin.JWTSecret == "" {
		log.Fatal("ADMIN_JWT_SECRET не задан")
	}
	return cfg
}
