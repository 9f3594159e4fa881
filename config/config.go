package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"modlog-bot/model"
)

var ErrMissingToken = errors.New("bot token is not set (MODLOG_BOT_TOKEN or BOT_TOKEN)")

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("database_path", "data/modlog.db")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("dedupe_window", 15*time.Second)
	v.SetDefault("case_expiry_interval", time.Minute)
	v.SetDefault("role_expiry_interval", time.Minute)
	v.SetDefault("case_audit_interval", 10*time.Minute)
	v.SetDefault("sweep_batch_size", 50)
	v.SetDefault("audit_window", 24*time.Hour)
	v.SetDefault("audit_batch_size", 500)
	v.SetDefault("audit_mass_action_threshold", 10)
	v.SetDefault("platform_rate_limit", 5.0)
	v.SetDefault("platform_burst", 5)
}

// Load reads .env, then MODLOG_* environment variables and an optional
// modlog.yaml from the working directory or ./config.
func Load() (*model.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Info: .env file not found, relying on environment variables")
	}
	return load(".", "config")
}

func load(paths ...string) (*model.Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("modlog")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("MODLOG")
	v.AutomaticEnv()
	// Unprefixed BOT_TOKEN and LOG_WEBHOOK_URL are accepted as well.
	_ = v.BindEnv("bot_token", "MODLOG_BOT_TOKEN", "BOT_TOKEN")
	_ = v.BindEnv("log_webhook_url", "MODLOG_LOG_WEBHOOK_URL", "LOG_WEBHOOK_URL")

	cfg := &model.Config{
		BotToken:                 v.GetString("bot_token"),
		LogLevel:                 v.GetString("log_level"),
		LogWebhookURL:            v.GetString("log_webhook_url"),
		DatabasePath:             v.GetString("database_path"),
		RedisAddr:                v.GetString("redis_addr"),
		RedisPassword:            v.GetString("redis_password"),
		RedisDB:                  v.GetInt("redis_db"),
		MetricsAddr:              v.GetString("metrics_addr"),
		AutomationActorIDs:       stringList(v, "automation_actor_ids"),
		DedupeWindow:             v.GetDuration("dedupe_window"),
		CaseExpiryInterval:       v.GetDuration("case_expiry_interval"),
		RoleExpiryInterval:       v.GetDuration("role_expiry_interval"),
		CaseAuditInterval:        v.GetDuration("case_audit_interval"),
		SweepBatchSize:           v.GetInt("sweep_batch_size"),
		AuditWindow:              v.GetDuration("audit_window"),
		AuditBatchSize:           v.GetInt("audit_batch_size"),
		AuditMassActionThreshold: v.GetInt("audit_mass_action_threshold"),
		PlatformRateLimit:        v.GetFloat64("platform_rate_limit"),
		PlatformBurst:            v.GetInt("platform_burst"),
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// stringList accepts a YAML list or a comma separated string.
func stringList(v *viper.Viper, key string) []string {
	var raw []string
	if s, ok := v.Get(key).(string); ok {
		raw = strings.Split(s, ",")
	} else {
		raw = v.GetStringSlice(key)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func validate(cfg *model.Config) error {
	switch {
	case cfg.DatabasePath == "":
		return errors.New("database_path must not be empty")
	case cfg.CaseExpiryInterval <= 0, cfg.RoleExpiryInterval <= 0, cfg.CaseAuditInterval <= 0:
		return errors.New("loop intervals must be positive")
	case cfg.SweepBatchSize <= 0, cfg.AuditBatchSize <= 0:
		return errors.New("batch sizes must be positive")
	case cfg.PlatformRateLimit <= 0 || cfg.PlatformBurst <= 0:
		return errors.New("platform rate limit and burst must be positive")
	}
	return nil
}

// RequireToken is used by commands that connect to the gateway.
func RequireToken(cfg *model.Config) error {
	if cfg.BotToken == "" {
		return ErrMissingToken
	}
	return nil
}
