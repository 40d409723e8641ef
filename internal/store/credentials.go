package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chengzhi666/pythonAquaculture/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetCredentialState 读取某源的凭证状态，不存在时返回 status=valid 的零值行。
func (s *Store) GetCredentialState(ctx context.Context, sourceName string) (*model.CredentialState, error) {
	var st model.CredentialState
	err := s.db.WithContext(ctx).Where("source_name = ?", sourceName).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.CredentialState{SourceName: sourceName, Status: model.CredentialValid}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential state for %s: %w", sourceName, err)
	}
	return &st, nil
}

// SetCredentialStatus 更新某源的凭证状态（不存在则创建）。
func (s *Store) SetCredentialStatus(ctx context.Context, sourceName, status string) error {
	st := model.CredentialState{
		SourceName: sourceName,
		Status:     status,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(&st).Error
	if err != nil {
		return fmt.Errorf("set credential status %s=%s: %w", sourceName, status, err)
	}
	return nil
}

// MarkCredentialRefreshed 记录一次成功刷新：status→valid，更新刷新时间。
func (s *Store) MarkCredentialRefreshed(ctx context.Context, sourceName string, refreshedAt time.Time) error {
	st := model.CredentialState{
		SourceName:      sourceName,
		Status:          model.CredentialValid,
		LastRefreshedAt: &refreshedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "last_refreshed_at", "updated_at"}),
	}).Create(&st).Error
	if err != nil {
		return fmt.Errorf("mark credential refreshed for %s: %w", sourceName, err)
	}
	return nil
}
