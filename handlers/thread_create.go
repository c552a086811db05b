package handlers

import (
	"context"
	"fmt"

	"discord-archiver/models"
)

// HandleChannelCreate 记录新建的频道或子区。
// 新频道以未开始的游标入库，下一轮回填会从最新消息开始向前拉取。
// 已存在的频道只刷新名称等元数据，不会改动 first_seen 与游标。
func (in *Ingestor) HandleChannelCreate(ctx context.Context, ch models.Channel) {
	defer in.guard("ChannelCreate", ch.ID, "")
	if !in.accept(ch.ID) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	if err := in.archive.SaveChannels(ctx, ch); err != nil {
		in.logger.Error("Ingestor", "ChannelCreate", fmt.Sprintf("保存频道 %s 失败: %v", ch.ID, err))
		return
	}
	in.logger.Info("Ingestor", "ChannelCreate", fmt.Sprintf("新频道已加入归档: %s (%s)", ch.Name, ch.ID))
}
