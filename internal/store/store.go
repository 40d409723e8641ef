// 包 store 提供台账/证据/快照/规则字典的持久化层（GORM，MySQL 或 SQLite 后端）。
package store

import (
	"fmt"

	"github.com/chengzhi666/pythonAquaculture/internal/config"
	"github.com/chengzhi666/pythonAquaculture/internal/model"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Store 封装 *gorm.DB，所有表操作经由它进行。
type Store struct {
	db *gorm.DB
}

// Open 按配置的后端打开数据库并执行自动迁移。
//
// TranslateError 开启后，唯一键冲突与外键违规分别以
// gorm.ErrDuplicatedKey / gorm.ErrForeignKeyViolated 暴露，
// 上层据此区分"重复跳过"与硬错误。
func Open(cfg config.StorageConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Backend {
	case config.BackendSQLite:
		dialector = sqlite.Open(cfg.Path)
	case config.BackendMySQL, "":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Backend, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate 执行自动迁移，保持幂等。
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&model.CrawlRun{},
		&model.RawEvent{},
		&model.MarketplaceSnapshot{},
		&model.NoticeItem{},
		&model.PaperMeta{},
		&model.OfflinePriceSnapshot{},
		&model.ProductTypeRule{},
		&model.SpecRule{},
		&model.OriginRule{},
		&model.PriceHistoryAgg{},
		&model.CredentialState{},
	)
}

// DB 返回底层 gorm 连接，供聚合任务与查询 API 直接使用。
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close 关闭底层连接池。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
