package models

import "time"

// ArchiveConfig 归档程序的完整配置，由 config.LoadConfig 从 config.yaml、
// config/channels.json 以及环境变量合并得到。
type ArchiveConfig struct {
	BotToken       string         `mapstructure:"bot_token"`
	AdminChannelID string         `mapstructure:"admin_channel_id"`
	Guilds         []string       `mapstructure:"guilds"`  // 需要归档的服务器，为空则使用机器人加入的全部服务器
	Include        []string       `mapstructure:"include"` // 仅归档这些频道，为空表示不限制
	Exclude        []string       `mapstructure:"exclude"` // 排除的频道 ID
	Storage        StorageConfig  `mapstructure:"storage"`
	Mirror         MirrorConfig   `mapstructure:"mirror"`
	Backfill       BackfillConfig `mapstructure:"backfill"`
	CatchUp        CatchUpConfig  `mapstructure:"catchup"`
	Cache          CacheConfig    `mapstructure:"cache"`
	Scheduler      SchedulerCfg   `mapstructure:"scheduler"`
	Log            LogConfig      `mapstructure:"log"`
}

// StorageConfig 本地存储配置
type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
	StateDir   string `mapstructure:"state_dir"` // 同步标记与进程锁所在目录
}

// MirrorConfig 远程 SurrealDB 副本配置
type MirrorConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	URL       string `mapstructure:"url"`
	Namespace string `mapstructure:"namespace"`
	Database  string `mapstructure:"database"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// BackfillConfig 历史回填配置
type BackfillConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	PageSize int           `mapstructure:"page_size"`
	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// CatchUpConfig 启动追赶配置
type CatchUpConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Delay   time.Duration `mapstructure:"delay"`
}

// CacheConfig 读缓存配置
type CacheConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	MaxChannels int           `mapstructure:"max_channels"`
	MaxMessages int           `mapstructure:"max_messages"`
}

// SchedulerCfg 定时任务配置
type SchedulerCfg struct {
	StatsCron       string `mapstructure:"stats_cron"`
	MaintenanceCron string `mapstructure:"maintenance_cron"` // SQLite 整理，"off" 关闭
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// ChannelAllowed 判断频道是否在归档范围内
func (c *ArchiveConfig) ChannelAllowed(channelID string) bool {
	for _, id := range c.Exclude {
		if id == channelID {
			return false
		}
	}
	if len(c.Include) == 0 {
		return true
	}
	for _, id := range c.Include {
		if id == channelID {
			return true
		}
	}
	return false
}
