package model

// BotConfigProvider provides the current configuration without tying callers
// to the bot package.
type BotConfigProvider interface {
	GetConfig() *Config
}
