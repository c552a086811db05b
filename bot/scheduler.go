package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultStatsCron 默认每小时汇报一次归档统计
	DefaultStatsCron = "@hourly"
	// DefaultMaintenanceCron 默认每天整理一次本地存储
	DefaultMaintenanceCron = "@daily"
)

// startScheduler 启动定时任务；两个任务都关闭时不创建调度器
func (e *Engine) startScheduler() error {
	jobs := []struct {
		name string
		spec string
		def  string
		fn   func()
	}{
		{"stats", e.cfg.Scheduler.StatsCron, DefaultStatsCron, e.reportStats},
		{"maintenance", e.cfg.Scheduler.MaintenanceCron, DefaultMaintenanceCron, e.maintain},
	}

	c := cron.New()
	scheduled := 0
	for _, job := range jobs {
		spec := job.spec
		if spec == "" {
			spec = job.def
		}
		if spec == "off" {
			e.logger.Info("Scheduler", "Start", fmt.Sprintf("%s 任务已关闭", job.name))
			continue
		}
		if _, err := c.AddFunc(spec, job.fn); err != nil {
			return fmt.Errorf("could not set up %s cron job %q: %w", job.name, spec, err)
		}
		scheduled++
		e.logger.Info("Scheduler", "Start", fmt.Sprintf("Cron job scheduled: %s (%s)", job.name, spec))
	}
	if scheduled == 0 {
		return nil
	}
	c.Start()
	e.scheduler = c
	return nil
}

// stopScheduler 停止定时任务并等待正在执行的任务结束
func (e *Engine) stopScheduler() {
	if e.scheduler == nil {
		return
	}
	<-e.scheduler.Stop().Done()
	e.scheduler = nil
	e.logger.Info("Scheduler", "Stop", "Scheduler stopped.")
}

// reportStats 将归档统计推送到管理频道
func (e *Engine) reportStats() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	stats, err := e.archive.TotalStats(ctx)
	if err != nil {
		e.logger.Notify("ERROR", "Scheduler", "Stats", fmt.Sprintf("统计失败: %v", err))
		return
	}

	state := "实时模式"
	if e.backfiller.Running() {
		state = "回填中"
	}
	e.logger.Notify("INFO", "Scheduler", "Stats", fmt.Sprintf("频道 %s (已完成回填 %s)，消息 %s，状态: %s",
		humanize.Comma(stats.Channels), humanize.Comma(stats.CompletedChannels), humanize.Comma(stats.Messages), state))
}

// maintain 整理存储后端，失败时通知管理频道
func (e *Engine) maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := e.archive.Maintain(ctx); err != nil {
		e.logger.Notify("WARN", "Scheduler", "Maintain", fmt.Sprintf("存储整理失败: %v", err))
	}
}
