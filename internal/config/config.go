package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// HTTP
	HTTPHost       string
	HTTPPort       int
	PublicBaseURL  string
	AllowedOrigins []string

	// Persistent state
	PendingPath      string
	WebhookStorePath string
	WheelConfigPath  string
	GoalsPath        string
	TokensPath       string
	CallbackURLPath  string

	// Webhook verification
	KickPublicKeyFile string

	// Kick API / OAuth
	KickClientID     string
	KickClientSecret string
	KickOAuthHost    string
	KickAPIBaseURL   string

	// Admin access
	AdminKey      string
	TriggerKey    string
	SessionSecret string
	Production    bool

	// Spins
	SpinTuningPath    string
	SpinInFlightLimit time.Duration

	WatchdogEnabled bool

	// Moderator alerts
	DiscordWebhookURL string

	// Telemetry
	LogLevel string
}

func Load() *Config {
	_ = godotenv.Load()

	adminKey := envStr("ADMIN_KEY", "")
	tokensPath := envStr("TOK_PATH", "data/tokens.json")

	return &Config{
		HTTPHost:       envStr("HTTP_HOST", "0.0.0.0"),
		HTTPPort:       envInt("PORT", 3000),
		PublicBaseURL:  strings.TrimRight(envStr("PUBLIC_BASE_URL", ""), "/"),
		AllowedOrigins: envList("ALLOWED_ORIGINS"),

		PendingPath:      envStr("PENDING_PATH", "data/pending.json"),
		WebhookStorePath: envStr("WEBHOOK_STORE_PATH", "data/webhooks.db"),
		WheelConfigPath:  envStr("WHEEL_CONFIG_PATH", "data/wheel.json"),
		GoalsPath:        envStr("GOALS_PATH", "data/goals.json"),
		TokensPath:       tokensPath,
		CallbackURLPath:  envStr("CALLBACK_URL_FILE", tokensPath+".callback_url"),

		KickPublicKeyFile: envStr("KICK_PUBLIC_KEY_FILE", ""),

		KickClientID:     envStr("KICK_CLIENT_ID", ""),
		KickClientSecret: envStr("KICK_CLIENT_SECRET", ""),
		KickOAuthHost:    strings.TrimRight(envStr("KICK_OAUTH_HOST", "https://id.kick.com"), "/"),
		KickAPIBaseURL:   strings.TrimRight(envStr("KICK_API_BASE_URL", "https://api.kick.com"), "/"),

		AdminKey: adminKey,
		// The trigger key defaults to the admin key so a single secret is enough.
		TriggerKey:    envStr("TRIGGER_KEY", adminKey),
		SessionSecret: envStr("SESSION_SECRET", envStr("ADMIN_KEY", "dev_session_secret")),
		Production:    envStr("APP_ENV", "development") == "production",

		SpinTuningPath:    envStr("SPIN_TUNING_PATH", "spin_tuning.yaml"),
		SpinInFlightLimit: time.Duration(envInt("SPIN_INFLIGHT_TIMEOUT_SEC", 0)) * time.Second,

		WatchdogEnabled: envBool("WATCHDOG_ENABLED", true),

		DiscordWebhookURL: envStr("DISCORD_WEBHOOK_URL", ""),

		LogLevel: envStr("LOG_LEVEL", "info"),
	}
}

// ListenAddr is the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return c.HTTPHost + ":" + strconv.Itoa(c.HTTPPort)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
