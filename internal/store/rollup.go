package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chengzhi666/pythonAquaculture/internal/model"

	"gorm.io/gorm/clause"
)

// PricePoint 是聚合输入的一条价格观测，电商与线下快照统一到该形状。
//
// 线下快照映射: Platform←source_name，Shop←market_name。
type PricePoint struct {
	Platform    string
	ProductType string
	Spec        string
	Shop        string
	Price       float64
	Time        time.Time
}

// CollectPricePoints 收集窗口内全部可聚合价格观测（电商 + 线下）。
func (s *Store) CollectPricePoints(ctx context.Context, since time.Time) ([]PricePoint, error) {
	var points []PricePoint

	var snaps []model.MarketplaceSnapshot
	err := s.db.WithContext(ctx).
		Select("platform", "product_type", "spec_normalized", "shop", "price", "snapshot_time").
		Where("snapshot_time >= ? AND price > 0", since).
		Find(&snaps).Error
	if err != nil {
		return nil, fmt.Errorf("collect marketplace prices: %w", err)
	}
	for _, sn := range snaps {
		points = append(points, PricePoint{
			Platform:    sn.Platform,
			ProductType: sn.ProductType,
			Spec:        sn.SpecNormalized,
			Shop:        sn.Shop,
			Price:       sn.Price,
			Time:        sn.SnapshotTime,
		})
	}

	var offline []model.OfflinePriceSnapshot
	err = s.db.WithContext(ctx).
		Select("source_name", "market_name", "product_type", "spec", "price", "snapshot_time").
		Where("snapshot_time >= ? AND price > 0", since).
		Find(&offline).Error
	if err != nil {
		return nil, fmt.Errorf("collect offline prices: %w", err)
	}
	for _, sn := range offline {
		points = append(points, PricePoint{
			Platform:    sn.SourceName,
			ProductType: sn.ProductType,
			Spec:        sn.Spec,
			Shop:        sn.MarketName,
			Price:       sn.Price,
			Time:        sn.SnapshotTime,
		})
	}
	return points, nil
}

// UpsertPriceAgg 写入聚合桶：桶键冲突时整体替换统计值而非累加，
// 保证重跑幂等。
func (s *Store) UpsertPriceAgg(ctx context.Context, rows []model.PriceHistoryAgg) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "bucket_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"sample_size", "min_price", "max_price", "avg_price",
			"p50_price", "last_price", "updated_at",
		}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("upsert price aggregates: %w", err)
	}
	return nil
}

// ListPriceAgg 按维度查询聚合行，零值条件不过滤。
func (s *Store) ListPriceAgg(ctx context.Context, grain, platform, productType string, limit int) ([]model.PriceHistoryAgg, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Model(&model.PriceHistoryAgg{}).Order("agg_date DESC").Limit(limit)
	if grain != "" {
		q = q.Where("agg_grain = ?", grain)
	}
	if platform != "" {
		q = q.Where("platform = ?", platform)
	}
	if productType != "" {
		q = q.Where("product_type = ?", productType)
	}
	var rows []model.PriceHistoryAgg
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list price aggregates: %w", err)
	}
	return rows, nil
}
