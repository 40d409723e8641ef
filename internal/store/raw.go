package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chengzhi666/pythonAquaculture/internal/model"
)

// AppendRawEvent 追加一条原始证据并返回其 ID。
//
// 证据表只有追加这一种写操作：重复抓取同一 URL 也会得到新行新 ID。
// 下游分类/入库失败不回滚证据，便于凭原始载荷回放诊断。
func (s *Store) AppendRawEvent(ctx context.Context, ev *model.RawEvent) (uint, error) {
	if ev.FetchedAt.IsZero() {
		ev.FetchedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return 0, fmt.Errorf("append raw event for %s: %w", ev.SourceName, err)
	}
	return ev.ID, nil
}

// CountRawEvents 统计某源的证据行数，source 为空时统计全表。
func (s *Store) CountRawEvents(ctx context.Context, source string) (int64, error) {
	q := s.db.WithContext(ctx).Model(&model.RawEvent{})
	if source != "" {
		q = q.Where("source_name = ?", source)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count raw events: %w", err)
	}
	return n, nil
}
