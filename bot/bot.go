package bot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"modlog-bot/cmdperm"
	"modlog-bot/modcase"
	"modlog-bot/model"
	"modlog-bot/platform"
	"modlog-bot/temprole"
	"modlog-bot/utils/database"
)

type Bot struct {
	Session  *discordgo.Session
	Platform *platform.DiscordPlatform
	Applier  *platform.Applier
	DB       *sqlx.DB
	Redis    *goredis.Client
	Logger   *zap.Logger

	CaseStore    *database.CaseStore
	FlagStore    *database.CaseFlagStore
	Cases        *modcase.Service
	TempRoles    *temprole.Service
	CommandPerms *cmdperm.Service

	config    atomic.Value // *model.Config
	scheduler *Scheduler
}

func (b *Bot) GetConfig() *model.Config {
	return b.config.Load().(*model.Config)
}

// New builds the session, storage and services. Nothing connects to the
// gateway until Run.
func New(cfg *model.Config, logger *zap.Logger) (*Bot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dg, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers | discordgo.IntentsGuildBans
	dg.StateEnabled = false

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	p := platform.NewDiscordPlatform(dg)
	limiter := rate.NewLimiter(rate.Limit(cfg.PlatformRateLimit), cfg.PlatformBurst)
	applier := platform.NewApplier(p, limiter, logger.Named("applier"))

	caseStore := database.NewCaseStore(db)
	b := &Bot{
		Session:   dg,
		Platform:  p,
		Applier:   applier,
		DB:        db,
		Redis:     rdb,
		Logger:    logger,
		CaseStore: caseStore,
		FlagStore: database.NewCaseFlagStore(db),
		Cases: modcase.NewService(caseStore, database.NewModConfigStore(db), modcase.Options{
			AutomationActorIDs: cfg.AutomationActorIDs,
			DedupeWindow:       cfg.DedupeWindow,
			Logger:             logger.Named("cases"),
		}),
		TempRoles:    temprole.NewService(database.NewTempRoleStore(db), applier, logger.Named("temp_roles"), nil),
		CommandPerms: cmdperm.NewService(database.NewCommandPermissionStore(rdb), logger.Named("command_perms"), nil),
	}
	b.config.Store(cfg)
	b.scheduler = NewScheduler(b)
	return b, nil
}

// Init resolves the bot's own user and registers it as an automation actor,
// so actions the bot takes itself are not recorded twice from the audit log.
func (b *Bot) Init(ctx context.Context) error {
	if err := b.Platform.Init(ctx); err != nil {
		return err
	}
	b.Cases.AddAutomationActor(b.Platform.SelfID())
	b.Logger.Info("bot user resolved", zap.String("user_id", b.Platform.SelfID()))
	return nil
}

func (b *Bot) GetScheduler() *Scheduler {
	return b.scheduler
}

func (b *Bot) Close() {
	b.Logger.Info("Gracefully shutting down.")
	b.scheduler.Stop()
	if err := b.Session.Close(); err != nil {
		b.Logger.Warn("failed to close session", zap.Error(err))
	}
	if err := b.Redis.Close(); err != nil {
		b.Logger.Warn("failed to close redis client", zap.Error(err))
	}
	if err := b.DB.Close(); err != nil {
		b.Logger.Warn("failed to close database", zap.Error(err))
	}
	_ = b.Logger.Sync()
}
