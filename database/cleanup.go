package database

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Maintainer 由支持离线整理的后端实现 (例如 SQLite 的 WAL checkpoint)
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// Maintain 依次整理每个支持 Maintainer 的后端。
// 归档从不按时间清理消息，这里只回收存储空间、刷新查询统计。
func (d *DualWriter) Maintain(ctx context.Context) error {
	var errs []error
	for _, st := range d.stores() {
		m, ok := st.(Maintainer)
		if !ok {
			continue
		}
		start := time.Now()
		if err := m.Maintain(ctx); err != nil {
			d.logger.Error("DualWriter", "Maintain", fmt.Sprintf("整理 %s 失败: %v", st.Name(), err))
			errs = append(errs, err)
			continue
		}
		d.logger.Info("DualWriter", "Maintain", fmt.Sprintf("%s 整理完成，用时 %s", st.Name(), time.Since(start).Round(time.Millisecond)))
	}
	return errors.Join(errs...)
}
