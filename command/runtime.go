package command

import (
	"context"
	"errors"
	"fmt"

	"discord-archiver/bot"
	"discord-archiver/cache"
	"discord-archiver/config"
	"discord-archiver/database"
	"discord-archiver/database/mirrordb"
	"discord-archiver/database/sqlitedb"
	"discord-archiver/models"
	"discord-archiver/source"
	"discord-archiver/utils"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// runtime 一次命令执行所需的全部组件
type runtime struct {
	cfg     *models.ArchiveConfig
	logger  *utils.Logger
	archive *database.DualWriter
	markers *database.MarkerStore
}

func loadConfig(cmd *cobra.Command) (*models.ArchiveConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.LoadConfig(path)
}

// openRuntime 加载配置并打开存储。主库打开失败且没有副本时返回错误；
// 副本连接失败只记录警告，引擎仅使用主库继续运行。
func openRuntime(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := utils.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Pretty)

	var primary, mirror database.RecordStore
	if cfg.Storage.SQLitePath != "" {
		st, err := sqlitedb.New(cfg.Storage.SQLitePath)
		if err != nil {
			if !cfg.Mirror.Enabled {
				return nil, err
			}
			logger.Error("Runtime", "OpenPrimary", err.Error())
		} else {
			primary = st
		}
	}
	if cfg.Mirror.Enabled {
		st, err := mirrordb.New(ctx, cfg.Mirror)
		if err != nil {
			logger.Warn("Runtime", "OpenMirror", fmt.Sprintf("远程副本不可用，仅使用本地主库: %v", err))
		} else {
			mirror = st
		}
	}

	archive, err := database.NewDualWriter(primary, mirror, logger)
	if err != nil {
		return nil, err
	}
	markers, err := database.NewMarkerStore(cfg.Storage.StateDir)
	if err != nil {
		_ = archive.Close()
		return nil, err
	}
	return &runtime{cfg: cfg, logger: logger, archive: archive, markers: markers}, nil
}

func (rt *runtime) Close() error {
	return rt.archive.Close()
}

// newEngine 连接 Discord 所需的部分；stats 命令不需要
func (rt *runtime) newEngine() (*bot.Engine, error) {
	if rt.cfg.BotToken == "" {
		return nil, errors.New("no bot token provided, set BOT_TOKEN in your .env or config file")
	}
	src, err := source.NewDiscordSource(rt.cfg.BotToken, rt.cfg.Guilds, rt.logger)
	if err != nil {
		return nil, err
	}
	rt.logger.AttachAdminChannel(src.Session(), rt.cfg.AdminChannelID)

	readCache := cache.New(
		cache.WithTTL(rt.cfg.Cache.TTL),
		cache.WithMaxChannels(rt.cfg.Cache.MaxChannels),
		cache.WithMaxMessages(rt.cfg.Cache.MaxMessages),
	)
	return bot.NewEngine(bot.Deps{
		Config:  rt.cfg,
		Source:  src,
		Archive: rt.archive,
		Cache:   readCache,
		Markers: rt.markers,
		Logger:  rt.logger,
		RunID:   uuid.NewString(),
	})
}
