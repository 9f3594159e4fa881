package model

import "time"

// Config 存储应用程序的配置
type Config struct {
	BotToken      string
	LogLevel      string
	LogWebhookURL string
	DatabasePath  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MetricsAddr   string

	// AutomationActorIDs are mod ids whose reported actions are never recorded
	// as cases, typically the bot's own user id.
	AutomationActorIDs []string
	DedupeWindow       time.Duration

	CaseExpiryInterval time.Duration
	RoleExpiryInterval time.Duration
	CaseAuditInterval  time.Duration
	SweepBatchSize     int

	AuditWindow              time.Duration
	AuditBatchSize           int
	AuditMassActionThreshold int

	PlatformRateLimit float64
	PlatformBurst     int
}
