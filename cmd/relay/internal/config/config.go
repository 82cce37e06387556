package config

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/M1keZulu/3Commas-Discord/backfill"
	rlog "github.com/M1keZulu/3Commas-Discord/log"
	"github.com/M1keZulu/3Commas-Discord/stream"
)

type AppConfig struct {
	WebsocketURL string
	APIBaseURL   string

	StoragePath string
	HTTPListen  string

	WebhookURLs     []string
	NotificationTag string
	Confirmations   bool

	NotificationWorkers  int
	BackfillWorkers      int
	APIRequestsPerMinute int

	PingInterval     time.Duration
	ReconnectMaxWait time.Duration

	LogLevel      string
	LogFormatJSON bool
	LogGroups     []string
}

func DefaultConfig() AppConfig {
	return AppConfig{
		WebsocketURL:         stream.DefaultURL,
		APIBaseURL:           backfill.DefaultBaseURL,
		StoragePath:          "relay.sqlite3",
		HTTPListen:           ":8080",
		Confirmations:        true,
		NotificationWorkers:  2,
		BackfillWorkers:      2,
		APIRequestsPerMinute: 300,
		PingInterval:         60 * time.Second,
		ReconnectMaxWait:     30 * time.Second,
		LogLevel:             "info",
		LogFormatJSON:        false,
	}
}

// NewConfigFlagSet declares the flags against the provided struct but does not parse.
func NewConfigFlagSet(cfg *AppConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&cfg.WebsocketURL, "websocket-url", cfg.WebsocketURL, "3Commas websocket URL (env: RELAY_WEBSOCKET_URL)")
	fs.StringVar(&cfg.APIBaseURL, "api-base-url", cfg.APIBaseURL, "3Commas REST base URL for backfill (env: RELAY_API_BASE_URL)")

	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "SQLite storage path (env: RELAY_STORAGE_PATH)")
	fs.StringVar(&cfg.HTTPListen, "http-listen", cfg.HTTPListen, "HTTP listen address for the admin API (env: RELAY_HTTP_LISTEN)")

	fs.StringSliceVar(&cfg.WebhookURLs, "webhook-url", cfg.WebhookURLs, "Webhook URL(s) notifications are delivered to; log-only when empty (env: RELAY_WEBHOOK_URLS, comma-separated)")
	fs.StringVar(&cfg.NotificationTag, "notification-tag", cfg.NotificationTag, "Suffix appended to every notification, e.g. a mention (env: RELAY_NOTIFICATION_TAG)")
	fs.BoolVar(&cfg.Confirmations, "confirmations", cfg.Confirmations, "Deliver subscription confirmations and rejections (env: RELAY_CONFIRMATIONS)")

	fs.IntVar(&cfg.NotificationWorkers, "notification-workers", cfg.NotificationWorkers, "Number of notification delivery workers (env: RELAY_NOTIFICATION_WORKERS)")
	fs.IntVar(&cfg.BackfillWorkers, "backfill-workers", cfg.BackfillWorkers, "Number of backfill workers (env: RELAY_BACKFILL_WORKERS)")
	fs.IntVar(&cfg.APIRequestsPerMinute, "api-requests-per-minute", cfg.APIRequestsPerMinute, "REST request budget per minute, 0 disables throttling (env: RELAY_API_REQUESTS_PER_MINUTE)")

	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Websocket keepalive ping interval (env: RELAY_PING_INTERVAL)")
	fs.DurationVar(&cfg.ReconnectMaxWait, "reconnect-max-wait", cfg.ReconnectMaxWait, "Upper bound on the reconnect backoff (env: RELAY_RECONNECT_MAX_WAIT)")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (env: RELAY_LOG_LEVEL)")
	fs.BoolVar(&cfg.LogFormatJSON, "log-json", cfg.LogFormatJSON, "Emit logs as JSON (env: RELAY_LOG_JSON)")
	fs.StringSliceVar(&cfg.LogGroups, "log-groups", cfg.LogGroups, "Only emit log records from these groups; empty means all (env: RELAY_LOG_GROUPS, comma-separated)")

	return fs
}

// ApplyEnvDefaults inspects flags that were left unset and pulls from env.
func ApplyEnvDefaults(fs *pflag.FlagSet, cfg *AppConfig) error {
	flagSet := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { flagSet[f.Name] = struct{}{} })

	setString := func(name, envKey string, target *string) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok && v != "" {
			*target = v
		}
	}
	setInt := func(name, envKey string, target *int) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*target = parsed
			}
		}
	}
	setBool := func(name, envKey string, target *bool) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*target = parsed
			}
		}
	}
	setDuration := func(name, envKey string, target *time.Duration) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := time.ParseDuration(v); err == nil {
				*target = parsed
			}
		}
	}
	setStringSlice := func(name, envKey string, target *[]string) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok && v != "" {
			parts := strings.Split(v, ",")
			out := parts[:0]
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*target = out
		}
	}

	setString("websocket-url", "RELAY_WEBSOCKET_URL", &cfg.WebsocketURL)
	setString("api-base-url", "RELAY_API_BASE_URL", &cfg.APIBaseURL)

	setString("storage-path", "RELAY_STORAGE_PATH", &cfg.StoragePath)
	setString("http-listen", "RELAY_HTTP_LISTEN", &cfg.HTTPListen)

	setStringSlice("webhook-url", "RELAY_WEBHOOK_URLS", &cfg.WebhookURLs)
	setString("notification-tag", "RELAY_NOTIFICATION_TAG", &cfg.NotificationTag)
	setBool("confirmations", "RELAY_CONFIRMATIONS", &cfg.Confirmations)

	setInt("notification-workers", "RELAY_NOTIFICATION_WORKERS", &cfg.NotificationWorkers)
	setInt("backfill-workers", "RELAY_BACKFILL_WORKERS", &cfg.BackfillWorkers)
	setInt("api-requests-per-minute", "RELAY_API_REQUESTS_PER_MINUTE", &cfg.APIRequestsPerMinute)

	setDuration("ping-interval", "RELAY_PING_INTERVAL", &cfg.PingInterval)
	setDuration("reconnect-max-wait", "RELAY_RECONNECT_MAX_WAIT", &cfg.ReconnectMaxWait)

	setString("log-level", "RELAY_LOG_LEVEL", &cfg.LogLevel)
	setBool("log-json", "RELAY_LOG_JSON", &cfg.LogFormatJSON)
	setStringSlice("log-groups", "RELAY_LOG_GROUPS", &cfg.LogGroups)

	return nil
}

func ValidateConfig(cfg AppConfig) error {
	var missing []string
	if cfg.WebsocketURL == "" {
		missing = append(missing, "websocket-url")
	}
	if cfg.APIBaseURL == "" {
		missing = append(missing, "api-base-url")
	}
	if cfg.StoragePath == "" {
		missing = append(missing, "storage-path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if cfg.NotificationWorkers < 1 {
		return fmt.Errorf("notification-workers must be at least 1, got %d", cfg.NotificationWorkers)
	}
	if cfg.BackfillWorkers < 1 {
		return fmt.Errorf("backfill-workers must be at least 1, got %d", cfg.BackfillWorkers)
	}
	if cfg.PingInterval <= 0 {
		return fmt.Errorf("ping-interval must be positive, got %s", cfg.PingInterval)
	}
	return nil
}

func GetLogHandler(cfg AppConfig) slog.Handler {
	var level slog.Level
	if cfg.LogLevel == "" {
		level = slog.LevelInfo
	} else if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
		log.Printf("unknown log level %q, defaulting to info", cfg.LogLevel)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}

	return rlog.NewGroupFilterHandler(handler, cfg.LogGroups)
}
