package handlers

import (
	"modlog-bot/bot"
)

// Register attaches the gateway handlers to the bot's session.
func Register(b *bot.Bot) {
	observer := NewAuditLogObserver(b.Cases, b.Logger.Named("audit_log"))
	b.Session.AddHandler(observer.OnAuditLogEntry)
}
