package scanner

import (
	"context"
	"fmt"
	"time"

	"discord-archiver/models"
	"discord-archiver/source"
	"discord-archiver/utils"
)

// RefillResult 区间回补的结果
type RefillResult struct {
	Deleted int64
	Fetched int
}

// Refiller 重新拉取某个频道在 [start, end) 内的消息，用于修复已知的缺口。
type Refiller struct {
	archive  Archive
	src      source.Source
	logger   *utils.Logger
	pageSize int
}

func NewRefiller(archive Archive, src source.Source, logger *utils.Logger, pageSize int) *Refiller {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Refiller{archive: archive, src: src, logger: logger, pageSize: pageSize}
}

// Refill 先删除区间内已有的消息，再从最新一页开始向过去翻页，只保存落在区间内的消息，
// 直到某页最旧的消息早于 start。区间非法时在任何删除之前返回 InvalidWindowError。
func (r *Refiller) Refill(ctx context.Context, channelID string, start, end time.Time) (RefillResult, error) {
	var res RefillResult
	if err := models.ValidateWindow(start, end); err != nil {
		return res, err
	}
	if channelID == "" {
		return res, fmt.Errorf("channel id is required")
	}

	if _, err := r.archive.EnsureChannel(ctx, channelID, r.src.GetChannel); err != nil {
		return res, err
	}

	deleted, err := r.archive.DeleteMessagesInRange(ctx, channelID, start, end)
	if err != nil {
		return res, fmt.Errorf("failed to delete messages in window: %w", err)
	}
	res.Deleted = deleted
	r.logger.Info("Refill", "Delete", fmt.Sprintf("频道 %s 删除了 %d 条 [%s, %s) 内的消息",
		channelID, deleted, start.Format(time.RFC3339), end.Format(time.RFC3339)))

	page, err := r.src.GetMessages(ctx, channelID, r.pageSize)
	for {
		if err != nil {
			return res, err
		}
		if len(page) == 0 {
			break
		}

		var keep []models.Message
		for _, m := range page {
			if !m.Timestamp.Before(start) && m.Timestamp.Before(end) {
				keep = append(keep, m)
			}
		}
		if len(keep) > 0 {
			if err := r.archive.SaveMessages(ctx, keep); err != nil {
				return res, err
			}
			res.Fetched += len(keep)
		}

		oldest := oldestOf(page)
		if oldest.Timestamp.Before(start) || len(page) < r.pageSize {
			break
		}
		page, err = r.src.GetMessagesBefore(ctx, channelID, oldest.ID, r.pageSize)
	}

	r.logger.Info("Refill", "Fetch", fmt.Sprintf("频道 %s 回补 %d 条消息", channelID, res.Fetched))
	return res, nil
}
