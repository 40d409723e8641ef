package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chengzhi666/pythonAquaculture/internal/model"
)

// ErrRunAlreadyFinished 表示对已结束的运行再次调用 FinishRun。
// 这是上游生命周期 bug 的信号，不做静默忽略。
var ErrRunAlreadyFinished = errors.New("crawl run already finished")

// StartRun 创建一条 status=running 的运行记录并返回其 ID。
func (s *Store) StartRun(ctx context.Context, sourceName string) (uint, error) {
	run := model.CrawlRun{
		SourceName: sourceName,
		StartedAt:  time.Now(),
		Status:     model.RunStatusRunning,
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return 0, fmt.Errorf("start run for %s: %w", sourceName, err)
	}
	return run.ID, nil
}

// DeriveRunStatus 由条目级结果推导运行终态。
func DeriveRunStatus(succeeded, failed int) string {
	switch {
	case succeeded == 0 && failed > 0:
		return model.RunStatusFailed
	case failed == 0:
		return model.RunStatusSuccess
	default:
		return model.RunStatusPartial
	}
}

// FinishRun 结束一次运行，终态由条目级成败数推导。
//
// 只更新 ended_at 仍为 NULL 的行；若影响行数为 0 说明该运行已结束，
// 返回 ErrRunAlreadyFinished。
func (s *Store) FinishRun(ctx context.Context, runID uint, succeeded, failed int, errorText string) (string, error) {
	status := DeriveRunStatus(succeeded, failed)
	now := time.Now()

	res := s.db.WithContext(ctx).Model(&model.CrawlRun{}).
		Where("id = ? AND ended_at IS NULL", runID).
		Updates(map[string]interface{}{
			"ended_at":    now,
			"status":      status,
			"items_count": succeeded,
			"error_text":  errorText,
		})
	if res.Error != nil {
		return "", fmt.Errorf("finish run %d: %w", runID, res.Error)
	}
	if res.RowsAffected == 0 {
		return "", fmt.Errorf("finish run %d: %w", runID, ErrRunAlreadyFinished)
	}
	return status, nil
}

// GetRun 按 ID 读取运行记录。
func (s *Store) GetRun(ctx context.Context, runID uint) (*model.CrawlRun, error) {
	var run model.CrawlRun
	if err := s.db.WithContext(ctx).First(&run, runID).Error; err != nil {
		return nil, fmt.Errorf("get run %d: %w", runID, err)
	}
	return &run, nil
}

// ListRuns 按开始时间倒序列出运行记录，source 为空时不过滤。
func (s *Store) ListRuns(ctx context.Context, source string, limit int) ([]model.CrawlRun, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Model(&model.CrawlRun{}).Order("started_at DESC").Limit(limit)
	if source != "" {
		q = q.Where("source_name = ?", source)
	}
	var runs []model.CrawlRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}
