package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/chengzhi666/pythonAquaculture/internal/model"

	"gorm.io/gorm"
)

// UpsertOutcome 是快照写入的条目级结果。
//
// 去重键冲突不是错误：同一逻辑观测已有记录，静默计为跳过。
// 其他约束违规（取值范围、非空等）对该条目是硬错误。
type UpsertOutcome int

const (
	OutcomeInserted UpsertOutcome = iota // 新行已写入
	OutcomeDuplicateSkipped              // 去重键命中，跳过
)

// String 实现 fmt.Stringer，用于日志与指标标签。
func (o UpsertOutcome) String() string {
	if o == OutcomeDuplicateSkipped {
		return "duplicate"
	}
	return "inserted"
}

// classifyInsertErr 将存储引擎错误映射为条目级结果。
func classifyInsertErr(err error) (UpsertOutcome, error) {
	if err == nil {
		return OutcomeInserted, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return OutcomeDuplicateSkipped, nil
	}
	return 0, err
}

// InsertMarketplaceSnapshot 写入电商快照，自动计算去重键。
//
// 去重键分量: platform, product_type, spec_normalized, shop, snapshot_time。
func (s *Store) InsertMarketplaceSnapshot(ctx context.Context, snap *model.MarketplaceSnapshot) (UpsertOutcome, error) {
	snap.DedupKey = DedupKey(
		snap.Platform,
		snap.ProductType,
		snap.SpecNormalized,
		snap.Shop,
		KeyTime(snap.SnapshotTime),
	)
	outcome, err := classifyInsertErr(s.db.WithContext(ctx).Create(snap).Error)
	if err != nil {
		return 0, fmt.Errorf("insert marketplace snapshot: %w", err)
	}
	return outcome, nil
}

// ListMarketplaceSnapshots 按快照时间倒序查询电商快照，零值条件不过滤。
func (s *Store) ListMarketplaceSnapshots(ctx context.Context, platform, productType string, limit int) ([]model.MarketplaceSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Model(&model.MarketplaceSnapshot{}).
		Order("snapshot_time DESC").Limit(limit)
	if platform != "" {
		q = q.Where("platform = ?", platform)
	}
	if productType != "" {
		q = q.Where("product_type = ?", productType)
	}
	var rows []model.MarketplaceSnapshot
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list marketplace snapshots: %w", err)
	}
	return rows, nil
}

// InsertNoticeItem 写入通告条目。去重键分量: source_url。
func (s *Store) InsertNoticeItem(ctx context.Context, item *model.NoticeItem) (UpsertOutcome, error) {
	item.DedupKey = DedupKey(item.SourceURL)
	outcome, err := classifyInsertErr(s.db.WithContext(ctx).Create(item).Error)
	if err != nil {
		return 0, fmt.Errorf("insert notice item: %w", err)
	}
	return outcome, nil
}

// InsertPaperMeta 写入文献元数据。去重键分量: url。
func (s *Store) InsertPaperMeta(ctx context.Context, paper *model.PaperMeta) (UpsertOutcome, error) {
	paper.DedupKey = DedupKey(paper.URL)
	outcome, err := classifyInsertErr(s.db.WithContext(ctx).Create(paper).Error)
	if err != nil {
		return 0, fmt.Errorf("insert paper meta: %w", err)
	}
	return outcome, nil
}

// InsertOfflinePriceSnapshot 写入线下价格快照。
//
// 去重键分量: source_name, market_name, product_type, snapshot_time。
func (s *Store) InsertOfflinePriceSnapshot(ctx context.Context, snap *model.OfflinePriceSnapshot) (UpsertOutcome, error) {
	snap.DedupKey = DedupKey(
		snap.SourceName,
		snap.MarketName,
		snap.ProductType,
		KeyTime(snap.SnapshotTime),
	)
	outcome, err := classifyInsertErr(s.db.WithContext(ctx).Create(snap).Error)
	if err != nil {
		return 0, fmt.Errorf("insert offline price snapshot: %w", err)
	}
	return outcome, nil
}
