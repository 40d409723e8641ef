// 包 pipeline 驱动一次采集运行：开台账、存证据、分类、入库、收尾。
//
// 条目级失败彼此隔离，单条坏数据不影响批次其余条目；运行终态完全由
// 条目级成败数推导，正常运行下不向外抛异常。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chengzhi666/pythonAquaculture/internal/classify"
	"github.com/chengzhi666/pythonAquaculture/internal/config"
	"github.com/chengzhi666/pythonAquaculture/internal/credential"
	"github.com/chengzhi666/pythonAquaculture/internal/model"
	"github.com/chengzhi666/pythonAquaculture/internal/pkg/metrics"
	"github.com/chengzhi666/pythonAquaculture/internal/store"
)

// ErrCredentialExpired 由 Fetcher 返回，表示该源会话已失效，
// 需要先走凭证刷新流程再重试。
var ErrCredentialExpired = errors.New("source credential expired")

// Kind 是原始条目的业务类型，决定其落入哪张规范化表。
type Kind string

const (
	KindMarketplace  Kind = "marketplace"
	KindNotice       Kind = "notice"
	KindPaper        Kind = "paper"
	KindOfflinePrice Kind = "offline_price"
)

// RawItem 是 Fetcher 产出的一条原始条目。
//
// Err 非空表示解析失败（ParseError）：证据照常落库，条目计入失败数。
// 四个载荷指针按 Kind 恰有一个非空。
type RawItem struct {
	Kind    Kind
	URL     string
	Title   string
	PubTime string
	RawText string
	RawJSON string
	Err     error

	Marketplace  *MarketplaceItem
	Notice       *NoticeItem
	Paper        *PaperItem
	OfflinePrice *OfflinePriceItem
}

// MarketplaceItem 是电商搜索结果条目的解析载荷。
type MarketplaceItem struct {
	Platform      string
	Keyword       string
	Title         string
	Price         float64
	OriginalPrice float64
	SalesText     string
	Shop          string
	ShopType      string
	Brand         string
	Category      string
	DetailURL     string
	SpecText      string
	Province      string
	City          string
	OriginText    string
	ExtraJSON     string
	SnapshotTime  time.Time
}

// NoticeItem 是政务/行业通告条目的解析载荷。
type NoticeItem struct {
	SourceType string
	Title      string
	PubTime    string
	Org        string
	Region     string
	Content    string
	SourceURL  string
	TagsJSON   string
	ExtraJSON  string
}

// PaperItem 是学术文献元数据的解析载荷。
type PaperItem struct {
	Theme        string
	Title        string
	Authors      string
	Institute    string
	Source       string
	PubDate      string
	DatabaseName string
	Abstract     string
	KeywordsJSON string
	URL          string
}

// OfflinePriceItem 是线下市场价格的解析载荷。
type OfflinePriceItem struct {
	SourceName     string
	MarketName     string
	Region         string
	ProductType    string // 为空时由规则引擎按品名判定
	ProductNameRaw string
	Spec           string
	MinPrice       float64
	MaxPrice       float64
	Price          float64
	Unit           string
	StorageMethod  string
	DateStr        string
	Remark         string
	SnapshotTime   time.Time
}

// Fetcher 是各站点采集逻辑的抽象，对管道只暴露规范化后的原始条目。
//
// 会话失效时 Fetch 返回包装了 ErrCredentialExpired 的错误。
type Fetcher interface {
	Source() string
	Fetch(ctx context.Context, src config.SourceConfig) ([]RawItem, error)
}

// Runner 执行采集运行。
type Runner struct {
	store  *store.Store
	engine *classify.Engine
	coord  *credential.Coordinator
	cfg    *config.Config
	log    *slog.Logger
}

// NewRunner 创建运行器。coord 可为 nil（该源不需要交互式凭证时）。
func NewRunner(st *store.Store, engine *classify.Engine, coord *credential.Coordinator, cfg *config.Config, log *slog.Logger) *Runner {
	return &Runner{store: st, engine: engine, coord: coord, cfg: cfg, log: log}
}

// Run 端到端执行一次运行并返回最终台账记录。
//
// 返回 error 仅表示台账本身无法维护（数据库不可用）；采集失败
// 体现在返回记录的 status 与 error_text 上。
func (r *Runner) Run(ctx context.Context, sourceName string, fetcher Fetcher) (*model.CrawlRun, error) {
	runID, err := r.store.StartRun(ctx, sourceName)
	if err != nil {
		return nil, err
	}
	startedAt := time.Now()
	r.log.Info("crawl run started", "source", sourceName, "run_id", runID)

	items, reason, fetchErr := r.fetchWithRefresh(ctx, sourceName, fetcher)
	if fetchErr != nil {
		return r.finish(ctx, runID, sourceName, startedAt, 0, 1, reason)
	}

	succeeded, failed := 0, 0
	var itemErrs []string
	for i := range items {
		outcome, ierr := r.processItem(ctx, sourceName, &items[i])
		if ierr != nil {
			failed++
			metrics.ItemsProcessedTotal.WithLabelValues(sourceName, "failed").Inc()
			r.log.Warn("item failed", "source", sourceName, "run_id", runID, "err", ierr)
			if len(itemErrs) < 5 {
				itemErrs = append(itemErrs, ierr.Error())
			}
			continue
		}
		succeeded++
		metrics.ItemsProcessedTotal.WithLabelValues(sourceName, outcome.String()).Inc()
	}

	return r.finish(ctx, runID, sourceName, startedAt, succeeded, failed, strings.Join(itemErrs, "; "))
}

// fetchWithRefresh 拉取原始条目；会话失效时触发凭证刷新并重试一次。
// 返回的 reason 在失败时作为运行的 error_text。
func (r *Runner) fetchWithRefresh(ctx context.Context, sourceName string, fetcher Fetcher) ([]RawItem, string, error) {
	items, err := fetcher.Fetch(ctx, r.cfg.Source(sourceName))
	if err == nil {
		return items, "", nil
	}
	if !errors.Is(err, ErrCredentialExpired) {
		return nil, fmt.Sprintf("FetchError: %v", err), err
	}

	if r.coord == nil {
		return nil, fmt.Sprintf("%s: no coordinator configured", credential.ReasonRefreshFailed), err
	}
	r.log.Info("credential expired, starting refresh", "source", sourceName)
	if serr := r.store.SetCredentialStatus(ctx, sourceName, model.CredentialExpired); serr != nil {
		return nil, fmt.Sprintf("%s: %v", credential.ReasonRefreshFailed, serr), serr
	}

	res, rerr := r.coord.Refresh(ctx, sourceName)
	if rerr != nil {
		return nil, fmt.Sprintf("%s: %v", credential.ReasonRefreshFailed, rerr), rerr
	}
	if res.Outcome != credential.OutcomeSuccess {
		return nil, res.Reason, err
	}

	// 刷新成功后凭证已写回配置，用新会话重试一次。
	items, err = fetcher.Fetch(ctx, r.cfg.Source(sourceName))
	if err != nil {
		return nil, fmt.Sprintf("FetchError after credential refresh: %v", err), err
	}
	return items, "", nil
}

// processItem 处理单条原始条目：先存证据，再分类入库。
func (r *Runner) processItem(ctx context.Context, sourceName string, item *RawItem) (store.UpsertOutcome, error) {
	// 证据捕获与规范化成败解耦：无论后续如何，原始载荷先落库。
	rawID, err := r.store.AppendRawEvent(ctx, &model.RawEvent{
		SourceName: sourceName,
		URL:        item.URL,
		Title:      item.Title,
		PubTime:    item.PubTime,
		RawText:    item.RawText,
		RawJSON:    item.RawJSON,
	})
	if err != nil {
		return 0, err
	}
	metrics.RawEventsTotal.WithLabelValues(sourceName).Inc()

	if item.Err != nil {
		return 0, fmt.Errorf("ParseError: %w", item.Err)
	}

	switch item.Kind {
	case KindMarketplace:
		if item.Marketplace == nil {
			return 0, fmt.Errorf("ParseError: marketplace item without payload")
		}
		return r.insertMarketplace(ctx, item.Marketplace, rawID)
	case KindNotice:
		if item.Notice == nil {
			return 0, fmt.Errorf("ParseError: notice item without payload")
		}
		return r.insertNotice(ctx, item.Notice, rawID)
	case KindPaper:
		if item.Paper == nil {
			return 0, fmt.Errorf("ParseError: paper item without payload")
		}
		return r.insertPaper(ctx, item.Paper, rawID)
	case KindOfflinePrice:
		if item.OfflinePrice == nil {
			return 0, fmt.Errorf("ParseError: offline price item without payload")
		}
		return r.insertOfflinePrice(ctx, item.OfflinePrice, rawID)
	default:
		return 0, fmt.Errorf("ParseError: unknown item kind %q", item.Kind)
	}
}

func (r *Runner) insertMarketplace(ctx context.Context, it *MarketplaceItem, rawID uint) (store.UpsertOutcome, error) {
	enr := r.engine.Enrich(ctx, classify.Input{
		Title:      it.Title,
		Keyword:    it.Keyword,
		Category:   it.Category,
		SpecText:   it.SpecText,
		Province:   it.Province,
		City:       it.City,
		OriginText: it.OriginText,
		Price:      it.Price,
	})

	snapTime := it.SnapshotTime
	if snapTime.IsZero() {
		snapTime = time.Now()
	}
	snap := &model.MarketplaceSnapshot{
		Platform:      it.Platform,
		Keyword:       it.Keyword,
		Title:         it.Title,
		Price:         it.Price,
		OriginalPrice: it.OriginalPrice,
		PricePerKg:    enr.PricePerKg,
		SalesText:     it.SalesText,
		Shop:          it.Shop,
		ShopType:      it.ShopType,
		Brand:         it.Brand,
		Category:      it.Category,
		DetailURL:     it.DetailURL,

		ProductType:           enr.ProductType.ProductType,
		ProductTypeConfidence: enr.ProductType.Confidence,
		ProductTypeRuleID:     enr.ProductType.RuleID,

		SpecRaw:         enr.Spec.Raw,
		SpecWeightValue: enr.Spec.WeightValue,
		SpecWeightUnit:  enr.Spec.WeightUnit,
		SpecWeightGrams: enr.Spec.WeightGrams,
		SpecPackCount:   enr.Spec.PackCount,
		SpecTotalGrams:  enr.Spec.TotalGrams,
		SpecNormalized:  enr.Spec.Normalized,
		StorageMethod:   enr.StorageMethod,
		IsWild:          enr.IsWild,
		IsFresh:         enr.IsFresh,

		OriginRaw:      enr.Origin.Raw,
		OriginCountry:  enr.Origin.Country,
		OriginProvince: enr.Origin.Province,
		OriginCity:     enr.Origin.City,
		OriginRuleID:   enr.Origin.RuleID,

		ExtraJSON:    it.ExtraJSON,
		SnapshotTime: hourBucket(snapTime),
		RawID:        rawID,
	}
	return r.store.InsertMarketplaceSnapshot(ctx, snap)
}

func (r *Runner) insertNotice(ctx context.Context, it *NoticeItem, rawID uint) (store.UpsertOutcome, error) {
	return r.store.InsertNoticeItem(ctx, &model.NoticeItem{
		SourceType: it.SourceType,
		Title:      it.Title,
		PubTime:    it.PubTime,
		Org:        it.Org,
		Region:     it.Region,
		Content:    it.Content,
		SourceURL:  it.SourceURL,
		TagsJSON:   it.TagsJSON,
		ExtraJSON:  it.ExtraJSON,
		FetchedAt:  time.Now(),
		RawID:      rawID,
	})
}

func (r *Runner) insertPaper(ctx context.Context, it *PaperItem, rawID uint) (store.UpsertOutcome, error) {
	return r.store.InsertPaperMeta(ctx, &model.PaperMeta{
		Theme:        it.Theme,
		Title:        it.Title,
		Authors:      it.Authors,
		Institute:    it.Institute,
		Source:       it.Source,
		PubDate:      it.PubDate,
		DatabaseName: it.DatabaseName,
		Abstract:     it.Abstract,
		KeywordsJSON: it.KeywordsJSON,
		URL:          it.URL,
		FetchedAt:    time.Now(),
		RawID:        rawID,
	})
}

func (r *Runner) insertOfflinePrice(ctx context.Context, it *OfflinePriceItem, rawID uint) (store.UpsertOutcome, error) {
	snapTime := it.SnapshotTime
	if snapTime.IsZero() {
		snapTime = time.Now()
	}
	productType := it.ProductType
	if productType == "" {
		productType = r.engine.ClassifyProductType(ctx, it.ProductNameRaw, "", "").ProductType
	}
	return r.store.InsertOfflinePriceSnapshot(ctx, &model.OfflinePriceSnapshot{
		SourceName:     it.SourceName,
		MarketName:     it.MarketName,
		Region:         it.Region,
		ProductType:    productType,
		ProductNameRaw: it.ProductNameRaw,
		Spec:           it.Spec,
		MinPrice:       it.MinPrice,
		MaxPrice:       it.MaxPrice,
		Price:          it.Price,
		Unit:           it.Unit,
		StorageMethod:  it.StorageMethod,
		DateStr:        it.DateStr,
		Remark:         it.Remark,
		SnapshotTime:   dayBucket(snapTime),
		RawID:          rawID,
	})
}

func (r *Runner) finish(ctx context.Context, runID uint, sourceName string, startedAt time.Time, succeeded, failed int, errorText string) (*model.CrawlRun, error) {
	status, err := r.store.FinishRun(ctx, runID, succeeded, failed, errorText)
	if err != nil {
		return nil, err
	}
	metrics.RunsFinishedTotal.WithLabelValues(sourceName, status).Inc()
	metrics.RunDuration.WithLabelValues(sourceName).Observe(time.Since(startedAt).Seconds())

	r.log.Info("crawl run finished",
		"source", sourceName,
		"run_id", runID,
		"status", status,
		"succeeded", succeeded,
		"failed", failed)
	return r.store.GetRun(ctx, runID)
}

// hourBucket 电商快照按小时分桶，同一小时内的重复观测命中去重键。
func hourBucket(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

// dayBucket 线下报价按天分桶。
func dayBucket(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
