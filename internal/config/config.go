package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Transports.
const (
	TransportPoll    = "poll"
	TransportWebhook = "webhook"
)

// Providers.
const (
	ProviderOpenRouter = "openrouter"
	ProviderGemini     = "gemini"
	ProviderDummy      = "dummy"
)

// Session stores.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

const (
	defaultOpenRouterModel = "anthropic/claude-3-haiku"
	defaultGeminiModel     = "gemini-1.5-flash"
)

// DefaultSystemPrompt frames the assistant as a metacognitive therapy helper.
const DefaultSystemPrompt = `You are a professional AI assistant specialising in metacognitive therapy (MCT). You help people 24/7 with anxiety, depression and rumination.

YOUR ROLE:
- Help users change their relationship with their own thoughts
- Help them notice thinking patterns and question metacognitive beliefs
- Develop detached mindfulness and attentional flexibility
- Offer emotional support, psychoeducation and practical exercises
- Do NOT diagnose, prescribe medication or replace professional therapy

APPROACH:
- Empathetic, non-judgemental and professional
- Use Socratic questions to explore thoughts
- Focus on metacognition: thinking about thinking
- Encourage awareness of thinking processes rather than thought content

SAFETY RULES:
- Remind users this is not medical advice
- Encourage professional help for serious problems
- If the user mentions suicidal thoughts, give crisis resources immediately (116 123, 112)
- Respect boundaries and do not push a reluctant user

You are an AI assistant, not a licensed therapist. Answer calmly, with empathy and care for the user's wellbeing, in the language the user writes in.`

// Config holds configuration for the relay process.
type Config struct {
	TelegramToken    string
	TelegramEndpoint string
	Transport        string
	PollTimeout      int
	DropPending      bool
	WebhookURL       string
	WebhookSecret    string
	HTTPAddress      string

	Provider          string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	GeminiAPIKey      string
	GeminiBaseURL     string
	Model             string
	MaxTokens         int
	Temperature       float32
	RequestTimeout    time.Duration
	SystemPrompt      string
	DummyScript       string

	HistoryMaxLength int
	SessionTTL       time.Duration
	SessionCapacity  int
	SweepSchedule    string
	SessionStore     string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisPrefix      string

	RequireAck bool
	AckPhrase  string
	ReplyDelay time.Duration

	DBPath    string
	LogLevel  string
	LogFormat string
}

// Load reads configuration from .env, an optional mctrelay.yaml and the
// environment, in increasing order of precedence. configFile overrides the
// yaml search path when set.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("mctrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mctrelay")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug().Msg("Config file not found, using environment variables and defaults")
	} else {
		log.Info().Str("file", v.ConfigFileUsed()).Msg("Using config file")
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("TELEGRAM_API_ENDPOINT", "https://api.telegram.org/bot%s/%s")
	v.SetDefault("TRANSPORT", TransportPoll)
	v.SetDefault("TG_TIMEOUT", 30)
	v.SetDefault("TG_DROP_PENDING", false)
	v.SetDefault("PORT", 3000)
	v.SetDefault("PROVIDER", ProviderOpenRouter)
	v.SetDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1")
	v.SetDefault("MAX_TOKENS", 1024)
	v.SetDefault("AI_TEMPERATURE", 0.7)
	v.SetDefault("AI_TIMEOUT", 30000)
	v.SetDefault("SYSTEM_PROMPT", DefaultSystemPrompt)
	v.SetDefault("DUMMY_PROVIDER_SCRIPT", "echo")
	v.SetDefault("HISTORY_MAX_LENGTH", 21)
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("SESSION_CAPACITY", 1000)
	v.SetDefault("SWEEP_SCHEDULE", "@every 1h")
	v.SetDefault("SESSION_STORE", StoreMemory)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "mctrelay:")
	v.SetDefault("REQUIRE_ACK", true)
	v.SetDefault("ACK_PHRASE", "I UNDERSTAND")
	v.SetDefault("REPLY_DELAY", "1s")
	v.SetDefault("DB_PATH", "./state/mctrelay.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
}

// reader parses viper values and remembers the first invalid one.
type reader struct {
	v   *viper.Viper
	err error
}

func (r *reader) str(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

func (r *reader) int(key string) int {
	raw := r.str(key)
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(key, raw, "an integer")
	}
	return n
}

func (r *reader) bool(key string) bool {
	raw := r.str(key)
	b, err := strconv.ParseBool(raw)
	if err != nil {
		r.fail(key, raw, "a boolean")
	}
	return b
}

func (r *reader) float(key string) float64 {
	raw := r.str(key)
	f, err := strconv.ParseFloat(raw, 32)
	if err != nil {
		r.fail(key, raw, "a number")
	}
	return f
}

func (r *reader) duration(key string) time.Duration {
	raw := r.str(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.fail(key, raw, "a duration such as 30s or 24h")
	}
	return d
}

func (r *reader) fail(key, raw, want string) {
	if r.err == nil {
		r.err = fmt.Errorf("%s must be %s, got %q", key, want, raw)
	}
}

func fromViper(v *viper.Viper) (*Config, error) {
	r := &reader{v: v}
	cfg := &Config{
		TelegramToken:     r.str("TELEGRAM_BOT_TOKEN"),
		TelegramEndpoint:  r.str("TELEGRAM_API_ENDPOINT"),
		Transport:         strings.ToLower(r.str("TRANSPORT")),
		PollTimeout:       r.int("TG_TIMEOUT"),
		DropPending:       r.bool("TG_DROP_PENDING"),
		WebhookURL:        r.str("WEBHOOK_URL"),
		WebhookSecret:     r.str("WEBHOOK_SECRET"),
		HTTPAddress:       r.str("HTTP_ADDRESS"),
		Provider:          strings.ToLower(r.str("PROVIDER")),
		OpenRouterAPIKey:  r.str("OPENROUTER_API_KEY"),
		OpenRouterBaseURL: r.str("OPENROUTER_BASE_URL"),
		GeminiAPIKey:      r.str("GEMINI_API_KEY"),
		GeminiBaseURL:     r.str("GEMINI_BASE_URL"),
		Model:             r.str("AI_MODEL"),
		MaxTokens:         r.int("MAX_TOKENS"),
		Temperature:       float32(r.float("AI_TEMPERATURE")),
		RequestTimeout:    time.Duration(r.int("AI_TIMEOUT")) * time.Millisecond,
		SystemPrompt:      v.GetString("SYSTEM_PROMPT"),
		DummyScript:       r.str("DUMMY_PROVIDER_SCRIPT"),
		HistoryMaxLength:  r.int("HISTORY_MAX_LENGTH"),
		SessionTTL:        r.duration("SESSION_TTL"),
		SessionCapacity:   r.int("SESSION_CAPACITY"),
		SweepSchedule:     r.str("SWEEP_SCHEDULE"),
		SessionStore:      strings.ToLower(r.str("SESSION_STORE")),
		RedisAddr:         r.str("REDIS_ADDR"),
		RedisPassword:     r.str("REDIS_PASSWORD"),
		RedisDB:           r.int("REDIS_DB"),
		RedisPrefix:       r.str("REDIS_PREFIX"),
		RequireAck:        r.bool("REQUIRE_ACK"),
		AckPhrase:         r.str("ACK_PHRASE"),
		ReplyDelay:        r.duration("REPLY_DELAY"),
		DBPath:            r.str("DB_PATH"),
		LogLevel:          strings.ToLower(r.str("LOG_LEVEL")),
		LogFormat:         strings.ToLower(r.str("LOG_FORMAT")),
	}
	port := r.int("PORT")
	if r.err != nil {
		return nil, r.err
	}

	if cfg.HTTPAddress == "" {
		cfg.HTTPAddress = fmt.Sprintf(":%d", port)
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenRouterModel
		if cfg.Provider == ProviderGemini {
			cfg.Model = defaultGeminiModel
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	var missing []string
	if cfg.TelegramToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	switch cfg.Provider {
	case ProviderOpenRouter:
		if cfg.OpenRouterAPIKey == "" {
			missing = append(missing, "OPENROUTER_API_KEY")
		}
	case ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			missing = append(missing, "GEMINI_API_KEY")
		}
	case ProviderDummy:
	default:
		return fmt.Errorf("PROVIDER must be one of %s, %s, %s; got %q", ProviderOpenRouter, ProviderGemini, ProviderDummy, cfg.Provider)
	}
	switch cfg.Transport {
	case TransportPoll:
	case TransportWebhook:
		if cfg.WebhookURL == "" {
			missing = append(missing, "WEBHOOK_URL")
		}
		if cfg.WebhookSecret == "" {
			missing = append(missing, "WEBHOOK_SECRET")
		}
	default:
		return fmt.Errorf("TRANSPORT must be %s or %s; got %q", TransportPoll, TransportWebhook, cfg.Transport)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	switch {
	case cfg.PollTimeout < 0:
		return fmt.Errorf("TG_TIMEOUT must be >= 0, got %d", cfg.PollTimeout)
	case cfg.MaxTokens <= 0:
		return fmt.Errorf("MAX_TOKENS must be > 0, got %d", cfg.MaxTokens)
	case cfg.Temperature < 0 || cfg.Temperature > 2:
		return fmt.Errorf("AI_TEMPERATURE must be between 0 and 2, got %g", cfg.Temperature)
	case cfg.RequestTimeout <= 0:
		return fmt.Errorf("AI_TIMEOUT must be > 0 milliseconds, got %d", cfg.RequestTimeout.Milliseconds())
	case cfg.HistoryMaxLength < 2:
		return fmt.Errorf("HISTORY_MAX_LENGTH must be >= 2, got %d", cfg.HistoryMaxLength)
	case cfg.SessionTTL <= 0:
		return fmt.Errorf("SESSION_TTL must be > 0, got %s", cfg.SessionTTL)
	case cfg.SessionCapacity <= 0:
		return fmt.Errorf("SESSION_CAPACITY must be > 0, got %d", cfg.SessionCapacity)
	case cfg.ReplyDelay < 0:
		return fmt.Errorf("REPLY_DELAY must be >= 0, got %s", cfg.ReplyDelay)
	case cfg.AckPhrase == "":
		return fmt.Errorf("ACK_PHRASE must not be empty")
	case strings.TrimSpace(cfg.SystemPrompt) == "":
		return fmt.Errorf("SYSTEM_PROMPT must not be empty")
	}

	switch cfg.SessionStore {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("SESSION_STORE must be %s or %s; got %q", StoreMemory, StoreRedis, cfg.SessionStore)
	}
	switch cfg.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be console or json; got %q", cfg.LogFormat)
	}
	return nil
}
