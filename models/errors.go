package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrLockConflict 另一个归档进程已持有锁
var ErrLockConflict = errors.New("another archiver instance is already running")

// SourceFetchError 从平台拉取数据失败，下一轮会自然重试
type SourceFetchError struct {
	ChannelID string
	Op        string
	Err       error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("fetch %s for channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

// StoreWriteError 单个存储后端写入失败，不会影响另一个后端
type StoreWriteError struct {
	Store string
	Op    string
	Err   error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("%s store %s: %v", e.Store, e.Op, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// InvalidWindowError 回补时间窗口非法，在任何删除之前被拒绝
type InvalidWindowError struct {
	Start time.Time
	End   time.Time
}

func (e *InvalidWindowError) Error() string {
	return fmt.Sprintf("invalid refill window [%s, %s)", e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// ValidateWindow 检查 [start, end) 是否为非空区间
func ValidateWindow(start, end time.Time) error {
	if start.IsZero() || end.IsZero() || !start.Before(end) {
		return &InvalidWindowError{Start: start, End: end}
	}
	return nil
}
