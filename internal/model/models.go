package model

import (
	"time"
)

// 运行状态常量，crawl_run.status 的取值。
const (
	RunStatusRunning = "running" // 运行中
	RunStatusSuccess = "success" // 全部条目成功
	RunStatusPartial = "partial" // 部分条目失败
	RunStatusFailed  = "failed"  // 无一条目成功
)

// 凭证状态常量，credential_state.status 的取值。
const (
	CredentialValid      = "valid"      // 会话可用
	CredentialExpired    = "expired"    // 会话已过期
	CredentialRefreshing = "refreshing" // 刷新流程进行中
)

// Bool 返回布尔字面量的指针，用于给带列默认值的字段赋值。
func Bool(v bool) *bool { return &v }

// CrawlRun 表示一次数据源采集运行的台账记录。
//
// 记录归创建它的那次运行独占，生命周期只有 start → finish 两步，
// finish 之后不可再变更（重复 finish 视为上游生命周期 bug）。
type CrawlRun struct {
	ID        uint      `gorm:"primaryKey"` // 运行唯一标识
	CreatedAt time.Time // 记录创建时间

	SourceName string     `gorm:"type:varchar(64);not null;index"` // 数据源名称
	StartedAt  time.Time  `gorm:"not null"`                        // 运行开始时间
	EndedAt    *time.Time // 运行结束时间（nil 表示仍在进行）

	Status     string `gorm:"type:varchar(16);not null;default:running"` // running / success / partial / failed
	ItemsCount int    `gorm:"default:0"`                                 // 成功入库条目数
	ErrorText  string `gorm:"type:text"`                                 // 失败原因（含凭证刷新超时等具体原因）
}

// RawEvent 表示一条原始采集证据，追加写入后永不更新或删除。
//
// 每条规范化记录通过 raw_id 弱引用（不建外键）指向至多一条 RawEvent，
// 以便分类规则出 bug 时可以凭原始载荷回放诊断。
type RawEvent struct {
	ID uint `gorm:"primaryKey"` // 证据唯一标识

	SourceName string    `gorm:"type:varchar(64);not null;index"` // 数据源名称
	URL        string    `gorm:"type:text"`                       // 原始页面/接口地址
	Title      string    `gorm:"type:text"`                       // 原始标题
	PubTime    string    `gorm:"type:varchar(32)"`                // 原始发布时间（未规范化的字符串）
	FetchedAt  time.Time `gorm:"not null;index"`                  // 抓取时间
	RawText    string    `gorm:"type:longtext"`                   // 原始文本载荷
	RawJSON    string    `gorm:"type:longtext"`                   // 原始 JSON 载荷
}

// MarketplaceSnapshot 表示电商平台商品的一次规范化快照。
//
// DedupKey 是 (platform, product_type, spec_normalized, shop, snapshot_time)
// 完整值的 sha256 摘要，定宽 64 字符，避免复合文本键截断带来的碰撞风险。
type MarketplaceSnapshot struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time // 首次写入时间

	Platform string `gorm:"type:varchar(32);not null;index"` // 平台标识（jd / taobao / ...）
	Keyword  string `gorm:"type:varchar(64)"`                // 搜索关键词
	Title    string `gorm:"type:text"`                       // 商品标题

	Price         float64 `gorm:"check:price >= 0"` // 成交价（CNY）
	OriginalPrice float64 // 原价
	PricePerKg    float64 // 折算每公斤价
	SalesText     string  `gorm:"type:varchar(64)"`  // 销量/评价原始文案
	Shop          string  `gorm:"type:varchar(255)"` // 店铺名
	ShopType      string  `gorm:"type:varchar(32)"`  // 店铺类型（自营/旗舰店等）
	Brand         string  `gorm:"type:varchar(64)"`
	Category      string  `gorm:"type:varchar(64)"`
	DetailURL     string  `gorm:"type:text"` // 商品详情页链接

	ProductType           string  `gorm:"type:varchar(64);not null;index"` // 规则引擎判定的品类
	ProductTypeConfidence float64 // 判定置信度
	ProductTypeRuleID     uint    // 命中的规则 ID（0 表示兜底）

	SpecRaw         string  `gorm:"type:varchar(128)"` // 命中的规格原文
	SpecWeightValue float64 // 单件重量数值
	SpecWeightUnit  string  `gorm:"type:varchar(16)"` // 规范化单位
	SpecWeightGrams float64 // 单件克重
	SpecPackCount   int     // 件数
	SpecTotalGrams  float64 // 总克重 = 单件克重 × 件数
	SpecNormalized  string  `gorm:"type:varchar(32)"` // 规范化规格文本（如 "2000g"）
	StorageMethod   string  `gorm:"type:varchar(16)"` // frozen / ice_fresh / fresh / ...
	IsWild          bool    // 标题含野生字样
	IsFresh         bool    // 标题含鲜字样且非冷冻

	OriginRaw      string `gorm:"type:varchar(128)"` // 产地原文
	OriginCountry  string `gorm:"type:varchar(32)"`
	OriginProvince string `gorm:"type:varchar(32)"`
	OriginCity     string `gorm:"type:varchar(32)"`
	OriginRuleID   uint

	ExtraJSON    string    `gorm:"type:text"`                             // 平台特有字段
	SnapshotTime time.Time `gorm:"not null;index"`                        // 快照时间（按小时分桶）
	RawID        uint      `gorm:"index"`                                 // 弱引用 raw_event.id（0 表示无）
	DedupKey     string    `gorm:"type:varchar(64);uniqueIndex;not null"` // 去重键摘要
}

// NoticeItem 表示政务/行业通告条目，source_url 为逻辑去重键。
type NoticeItem struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	SourceType string `gorm:"type:varchar(64);not null"` // 来源类型（moa_fishery 等）
	Title      string `gorm:"type:text;not null"`
	PubTime    string `gorm:"type:varchar(32)"` // 原始发布时间
	Org        string `gorm:"type:varchar(255)"`
	Region     string `gorm:"type:varchar(64)"`
	Content    string `gorm:"type:longtext"`
	SourceURL  string `gorm:"type:text;not null"` // 原文链接
	TagsJSON   string `gorm:"type:text"`
	ExtraJSON  string `gorm:"type:text"`

	FetchedAt time.Time `gorm:"not null"`
	RawID     uint      `gorm:"index"`
	DedupKey  string    `gorm:"type:varchar(64);uniqueIndex;not null"` // sha256(source_url)
}

// PaperMeta 表示学术文献元数据，url 为逻辑去重键。
type PaperMeta struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	Theme        string `gorm:"type:varchar(64)"` // 检索主题
	Title        string `gorm:"type:text;not null"`
	Authors      string `gorm:"type:text"`
	Institute    string `gorm:"type:varchar(255)"`
	Source       string `gorm:"type:varchar(255)"` // 期刊/会议
	PubDate      string `gorm:"type:varchar(32)"`
	DatabaseName string `gorm:"type:varchar(64)"`
	Abstract     string `gorm:"type:longtext"`
	KeywordsJSON string `gorm:"type:text"`
	URL          string `gorm:"type:text;not null"`

	FetchedAt time.Time `gorm:"not null"`
	RawID     uint      `gorm:"index"`
	DedupKey  string    `gorm:"type:varchar(64);uniqueIndex;not null"` // sha256(url)
}

// OfflinePriceSnapshot 表示线下市场批发价的一次快照（多来自 CSV 导入）。
type OfflinePriceSnapshot struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	SourceName     string  `gorm:"type:varchar(64);not null;index"` // 数据来源（moa_wholesale_price 等）
	MarketName     string  `gorm:"type:varchar(255)"`               // 市场名
	Region         string  `gorm:"type:varchar(64)"`
	ProductType    string  `gorm:"type:varchar(64);not null;index"`
	ProductNameRaw string  `gorm:"type:varchar(255)"` // 品名原文
	Spec           string  `gorm:"type:varchar(128)"`
	MinPrice       float64 `gorm:"check:min_price >= 0"`
	MaxPrice       float64
	Price          float64 `gorm:"check:price >= 0"` // 中间价
	Unit           string  `gorm:"type:varchar(32)"` // 计价单位（默认 元/公斤）
	StorageMethod  string  `gorm:"type:varchar(16)"`
	DateStr        string  `gorm:"type:varchar(32)"` // 报价日期原文
	Remark         string  `gorm:"type:text"`

	SnapshotTime time.Time `gorm:"not null;index"` // 快照时间（按天分桶）
	RawID        uint      `gorm:"index"`
	DedupKey     string    `gorm:"type:varchar(64);uniqueIndex;not null"` // sha256(source_name|market|product_type|snapshot_time)
}

// ProductTypeRule 是品类判定规则字典行（product_type_dict）。
//
// 规则表是可热更新的外部数据，由管理维护写入，管道本身只读。
type ProductTypeRule struct {
	ID        uint `gorm:"primaryKey"`
	UpdatedAt time.Time

	ProductType string  `gorm:"type:varchar(64);not null"`  // 命中后赋予的品类
	Pattern     string  `gorm:"type:varchar(255);not null"` // 正则模式
	Priority    int     `gorm:"not null"`                   // 越小越先匹配
	Confidence  float64 `gorm:"not null"`                   // 命中置信度
	IsActive    *bool   `gorm:"not null;default:true"`      // 指针避免 false 被默认值吞掉
	Note        string  `gorm:"type:varchar(255)"`
}

func (ProductTypeRule) TableName() string { return "product_type_dict" }

// SpecRule 是规格单位换算规则字典行（spec_dict）。
type SpecRule struct {
	ID        uint `gorm:"primaryKey"`
	UpdatedAt time.Time

	Pattern        string  `gorm:"type:varchar(255);not null"` // 单位正则（如 ^(kg|千克|公斤)$）
	NormalizedUnit string  `gorm:"type:varchar(16);not null"`  // 规范化单位名
	GramFactor     float64 `gorm:"not null"`                   // 单位 → 克 的换算系数
	Priority       int     `gorm:"not null"`
	IsActive       *bool   `gorm:"not null;default:true"`
	Note           string  `gorm:"type:varchar(255)"`
}

func (SpecRule) TableName() string { return "spec_dict" }

// OriginRule 是产地规范化规则字典行（origin_dict）。
//
// 命中规则可只给出国家、国家+省、或完整国家+省+市，下游必须容忍部分产地。
type OriginRule struct {
	ID        uint `gorm:"primaryKey"`
	UpdatedAt time.Time

	Pattern            string `gorm:"type:varchar(255);not null"`
	NormalizedCountry  string `gorm:"type:varchar(32)"`
	NormalizedProvince string `gorm:"type:varchar(32)"`
	NormalizedCity     string `gorm:"type:varchar(32)"`
	NormalizedOrigin   string `gorm:"type:varchar(64)"` // 展示用组合文本（如 中国-青海）
	Priority           int    `gorm:"not null"`
	IsActive           *bool  `gorm:"not null;default:true"`
	Note               string `gorm:"type:varchar(255)"`
}

func (OriginRule) TableName() string { return "origin_dict" }

// 聚合粒度常量，price_history_agg.agg_grain 的取值。
const (
	GrainDay   = "day"
	GrainWeek  = "week"
	GrainMonth = "month"
)

// PriceHistoryAgg 是按时间桶重算的价格统计行。
//
// 同一 (agg_date, agg_grain, platform, product_type, spec, shop) 桶每次
// 重算整体替换，不做增量累加，保证重跑幂等。BucketKey 与快照表的
// DedupKey 采用同一套定宽摘要方案。
type PriceHistoryAgg struct {
	ID        uint `gorm:"primaryKey"`
	UpdatedAt time.Time

	AggDate     time.Time `gorm:"not null;index"`           // 桶起始日（零点）
	AggGrain    string    `gorm:"type:varchar(8);not null"` // day / week / month
	Platform    string    `gorm:"type:varchar(64);not null"`
	ProductType string    `gorm:"type:varchar(64);not null;index"`
	Spec        string    `gorm:"type:varchar(32)"`
	Shop        string    `gorm:"type:varchar(255)"`

	SampleSize int `gorm:"not null"`
	MinPrice   float64
	MaxPrice   float64
	AvgPrice   float64
	P50Price   float64
	LastPrice  float64 // 桶内时间最晚的一条价格

	BucketKey string `gorm:"type:varchar(64);uniqueIndex;not null"`
}

func (PriceHistoryAgg) TableName() string { return "price_history_agg" }

// CredentialState 记录某数据源交互式会话凭证的当前状态。
//
// 每个源一行，只允许通过凭证协调器的加锁状态机操作修改。
type CredentialState struct {
	ID        uint `gorm:"primaryKey"`
	UpdatedAt time.Time

	SourceName      string     `gorm:"type:varchar(64);uniqueIndex;not null"`
	Status          string     `gorm:"type:varchar(16);not null;default:valid"` // valid / expired / refreshing
	LastRefreshedAt *time.Time // 最近一次成功刷新时间
}

func (CredentialState) TableName() string { return "credential_state" }
