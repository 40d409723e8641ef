package store

import (
	"context"
	"fmt"

	"github.com/chengzhi666/pythonAquaculture/internal/model"
)

// LoadProductTypeRules 读取启用的品类规则，按优先级升序。
func (s *Store) LoadProductTypeRules(ctx context.Context) ([]model.ProductTypeRule, error) {
	var rows []model.ProductTypeRule
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("priority ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load product type rules: %w", err)
	}
	return rows, nil
}

// LoadSpecRules 读取启用的规格单位规则，按优先级升序。
func (s *Store) LoadSpecRules(ctx context.Context) ([]model.SpecRule, error) {
	var rows []model.SpecRule
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("priority ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load spec rules: %w", err)
	}
	return rows, nil
}

// LoadOriginRules 读取启用的产地规则，按优先级升序。
func (s *Store) LoadOriginRules(ctx context.Context) ([]model.OriginRule, error) {
	var rows []model.OriginRule
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("priority ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load origin rules: %w", err)
	}
	return rows, nil
}

// SeedRules 在对应字典表为空时写入默认规则，已有数据时不动。
//
// 规则字典属于管理维护的配置数据，这里只做首次初始化兜底。
func (s *Store) SeedRules(ctx context.Context, productTypes []model.ProductTypeRule, specs []model.SpecRule, origins []model.OriginRule) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.ProductTypeRule{}).Count(&n).Error; err != nil {
		return fmt.Errorf("count product type rules: %w", err)
	}
	if n == 0 && len(productTypes) > 0 {
		if err := s.db.WithContext(ctx).Create(&productTypes).Error; err != nil {
			return fmt.Errorf("seed product type rules: %w", err)
		}
	}

	if err := s.db.WithContext(ctx).Model(&model.SpecRule{}).Count(&n).Error; err != nil {
		return fmt.Errorf("count spec rules: %w", err)
	}
	if n == 0 && len(specs) > 0 {
		if err := s.db.WithContext(ctx).Create(&specs).Error; err != nil {
			return fmt.Errorf("seed spec rules: %w", err)
		}
	}

	if err := s.db.WithContext(ctx).Model(&model.OriginRule{}).Count(&n).Error; err != nil {
		return fmt.Errorf("count origin rules: %w", err)
	}
	if n == 0 && len(origins) > 0 {
		if err := s.db.WithContext(ctx).Create(&origins).Error; err != nil {
			return fmt.Errorf("seed origin rules: %w", err)
		}
	}
	return nil
}
