package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"discord-archiver/models"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// defaults 未在任何配置源中出现的键使用这些值
var defaults = map[string]any{
	"bot_token":            "",
	"admin_channel_id":     "",
	"bot.admin_channel_id": "",
	"guilds":               []string{},
	"include":              []string{},
	"exclude":              []string{},

	"storage.sqlite_path": "data/archive.db",
	"storage.state_dir":   "data/state",

	"mirror.enabled":   false,
	"mirror.url":       "",
	"mirror.namespace": "archive",
	"mirror.database":  "discord",
	"mirror.username":  "",
	"mirror.password":  "",

	"backfill.enabled":   true,
	"backfill.page_size": 100,
	"backfill.min_delay": "3s",
	"backfill.max_delay": "8s",

	"catchup.enabled": true,
	"catchup.delay":   "500ms",

	"cache.ttl":          "60s",
	"cache.max_channels": 50,
	"cache.max_messages": 200,

	"scheduler.stats_cron":       "@hourly",
	"scheduler.maintenance_cron": "@daily",

	"log.level":  "info",
	"log.pretty": false,
}

// LoadConfig 从多个源加载配置：.env 文件、config.yaml、以及 config/channels.json。
// 配置加载顺序:
// 1. .env 文件 (用于环境变量)
// 2. config.yaml (基础配置)；path 非空时改为读取该文件
// 3. config/channels.json (频道 include/exclude 列表，合并到主配置)
// 环境变量会覆盖配置文件中的同名设置，例如 BACKFILL_PAGE_SIZE。
func LoadConfig(path string) (*models.ArchiveConfig, error) {
	// 1. 从 .env 文件加载环境变量，如果文件不存在则忽略。
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 文件失败: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()                                   // 自动读取匹配的环境变量
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 将配置键中的'.'替换为'_'以匹配环境变量

	// 2. 读取基础配置。
	dir := "."
	if path != "" {
		v.SetConfigFile(path)
		dir = filepath.Dir(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("解析基础配置文件时发生错误: %w", err)
		}
		// 配置文件未找到是正常情况，可以继续。
	}

	// 3. 合并频道配置文件 (config/channels.json)。
	channels := filepath.Join(dir, "config", "channels.json")
	if f, err := os.Open(channels); err == nil {
		v.SetConfigType("json")
		err = v.MergeConfig(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("合并频道配置文件 %s 时发生错误: %w", channels, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("打开频道配置文件 %s 失败: %w", channels, err)
	}

	var cfg models.ArchiveConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if cfg.AdminChannelID == "" {
		cfg.AdminChannelID = v.GetString("bot.admin_channel_id")
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *models.ArchiveConfig) error {
	if cfg.Backfill.PageSize <= 0 || cfg.Backfill.PageSize > 100 {
		return fmt.Errorf("backfill.page_size must be in 1..100, got %d", cfg.Backfill.PageSize)
	}
	if cfg.Backfill.MinDelay < 0 || cfg.Backfill.MaxDelay < cfg.Backfill.MinDelay {
		return fmt.Errorf("backfill delay range [%s, %s] is invalid", cfg.Backfill.MinDelay, cfg.Backfill.MaxDelay)
	}
	if cfg.Mirror.Enabled && cfg.Mirror.URL == "" {
		return errors.New("mirror.enabled is set but mirror.url is empty")
	}
	if cfg.Storage.SQLitePath == "" && !cfg.Mirror.Enabled {
		return errors.New("no record store configured: set storage.sqlite_path or enable the mirror")
	}
	return nil
}
