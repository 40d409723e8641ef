package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chengzhi666/pythonAquaculture/internal/classify"
	"github.com/chengzhi666/pythonAquaculture/internal/config"
	"github.com/chengzhi666/pythonAquaculture/internal/credential"
	"github.com/chengzhi666/pythonAquaculture/internal/model"
	"github.com/chengzhi666/pythonAquaculture/internal/pkg/srclock"
	"github.com/chengzhi666/pythonAquaculture/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// fakeFetcher 按预置条目/错误序列应答，每次 Fetch 消费一个应答。
type fakeFetcher struct {
	source string
	items  []RawItem
	errs   []error
	calls  int
}

func (f *fakeFetcher) Source() string { return f.source }

func (f *fakeFetcher) Fetch(ctx context.Context, src config.SourceConfig) ([]RawItem, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.items, nil
}

func newTestRunner(t *testing.T) (*Runner, *store.Store) {
	t.Helper()
	st, err := store.Open(config.StorageConfig{
		Backend: config.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "pipeline_test.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	engine := classify.NewEngine(st, slog.Default(), time.Hour)
	if err := engine.Reload(context.Background()); err != nil {
		t.Fatalf("reload engine: %v", err)
	}

	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return NewRunner(st, engine, nil, cfg, slog.Default()), st
}

func marketplaceRaw(i int, title string) RawItem {
	url := fmt.Sprintf("https://item.example.com/%d", i)
	return RawItem{
		Kind:    KindMarketplace,
		URL:     url,
		Title:   title,
		RawJSON: fmt.Sprintf(`{"title":%q}`, title),
		Marketplace: &MarketplaceItem{
			Platform:     "taobao",
			Keyword:      "三文鱼",
			Title:        title,
			Price:        float64(100 + i),
			Shop:         "海鲜旗舰店",
			DetailURL:    url,
			SnapshotTime: time.Now(),
		},
	}
}

// ============================================================================
// 运行终态推导
// ============================================================================

func TestRun_AllSucceed(t *testing.T) {
	runner, st := newTestRunner(t)
	ctx := context.Background()

	items := make([]RawItem, 0, 5)
	for i := 0; i < 5; i++ {
		items = append(items, marketplaceRaw(i, fmt.Sprintf("智利帝王鲑 2kg 第%d款", i)))
	}
	run, err := runner.Run(ctx, "taobao", &fakeFetcher{source: "taobao", items: items})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != model.RunStatusSuccess {
		t.Fatalf("status = %q, want success", run.Status)
	}
	if run.ItemsCount != 5 {
		t.Fatalf("items_count = %d, want 5", run.ItemsCount)
	}
	if run.EndedAt == nil {
		t.Fatal("ended_at not set")
	}

	n, err := st.CountRawEvents(ctx, "taobao")
	if err != nil {
		t.Fatalf("count raw: %v", err)
	}
	if n != 5 {
		t.Fatalf("raw events = %d, want 5", n)
	}
}

func TestRun_PartialOnItemErrors(t *testing.T) {
	runner, st := newTestRunner(t)
	ctx := context.Background()

	items := []RawItem{
		marketplaceRaw(1, "挪威三文鱼刺身 500g"),
		marketplaceRaw(2, "青海虹鳟 1kg"),
		marketplaceRaw(3, "帝王鲑整条 3kg"),
		{Kind: KindMarketplace, URL: "https://item.example.com/bad1", Title: "乱码条目", RawText: "<tr><td>", Err: errors.New("price cell missing")},
		{Kind: KindMarketplace, URL: "https://item.example.com/bad2", Title: "缺载荷条目"},
	}
	run, err := runner.Run(ctx, "taobao", &fakeFetcher{source: "taobao", items: items})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != model.RunStatusPartial {
		t.Fatalf("status = %q, want partial", run.Status)
	}
	if run.ItemsCount != 3 {
		t.Fatalf("items_count = %d, want 3", run.ItemsCount)
	}
	if !strings.Contains(run.ErrorText, "ParseError") {
		t.Fatalf("error_text = %q, want ParseError mentioned", run.ErrorText)
	}

	// 解析失败的条目证据照常落库。
	n, _ := st.CountRawEvents(ctx, "taobao")
	if n != 5 {
		t.Fatalf("raw events = %d, want 5 (坏条目也存证据)", n)
	}
}

func TestRun_AllFail(t *testing.T) {
	runner, _ := newTestRunner(t)

	items := make([]RawItem, 0, 5)
	for i := 0; i < 5; i++ {
		items = append(items, RawItem{
			Kind:  KindMarketplace,
			URL:   fmt.Sprintf("https://item.example.com/bad%d", i),
			Title: "坏条目",
			Err:   errors.New("unparseable"),
		})
	}
	run, err := runner.Run(context.Background(), "taobao", &fakeFetcher{source: "taobao", items: items})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != model.RunStatusFailed {
		t.Fatalf("status = %q, want failed", run.Status)
	}
	if run.ItemsCount != 0 {
		t.Fatalf("items_count = %d, want 0", run.ItemsCount)
	}
}

// ============================================================================
// 幂等重放：证据追加、快照去重、终态不变
// ============================================================================

func TestRun_ReplayIsIdempotent(t *testing.T) {
	runner, st := newTestRunner(t)
	ctx := context.Background()

	snapTime := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	items := []RawItem{marketplaceRaw(1, "智利帝王鲑 2kg"), marketplaceRaw(2, "挪威三文鱼 500g")}
	for i := range items {
		items[i].Marketplace.SnapshotTime = snapTime
	}

	fetcher := &fakeFetcher{source: "taobao", items: items}
	run1, err := runner.Run(ctx, "taobao", fetcher)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	run2, err := runner.Run(ctx, "taobao", fetcher)
	if err != nil {
		t.Fatalf("replay run: %v", err)
	}

	// 重放的快照命中去重键被跳过，但条目算成功，终态不变。
	if run1.Status != model.RunStatusSuccess || run2.Status != model.RunStatusSuccess {
		t.Fatalf("statuses = %q/%q, want success/success", run1.Status, run2.Status)
	}
	if run2.ItemsCount != 2 {
		t.Fatalf("replay items_count = %d, want 2", run2.ItemsCount)
	}

	// 证据表只追加：两次运行各留痕。
	n, _ := st.CountRawEvents(ctx, "taobao")
	if n != 4 {
		t.Fatalf("raw events = %d, want 4", n)
	}

	// 规范化表不膨胀。
	var count int64
	if err := st.DB().Model(&model.MarketplaceSnapshot{}).Count(&count).Error; err != nil {
		t.Fatalf("count snapshots: %v", err)
	}
	if count != 2 {
		t.Fatalf("snapshots = %d, want 2", count)
	}
}

// ============================================================================
// 线下价格条目
// ============================================================================

func TestRun_OfflinePriceClassifiedWhenTypeMissing(t *testing.T) {
	runner, st := newTestRunner(t)
	ctx := context.Background()

	items := []RawItem{{
		Kind:  KindOfflinePrice,
		URL:   "file://price_offline_sample.csv#row=2",
		Title: "帝王鲑",
		OfflinePrice: &OfflinePriceItem{
			SourceName:     "moa_wholesale_price",
			MarketName:     "京深海鲜市场",
			ProductNameRaw: "帝王鲑",
			Price:          176,
			Unit:           "元/公斤",
			SnapshotTime:   time.Now(),
		},
	}}
	run, err := runner.Run(ctx, "offline_csv", &fakeFetcher{source: "offline_csv", items: items})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != model.RunStatusSuccess {
		t.Fatalf("status = %q, want success", run.Status)
	}

	var snap model.OfflinePriceSnapshot
	if err := st.DB().First(&snap).Error; err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if snap.ProductType != "king_salmon" {
		t.Fatalf("product_type = %q, want king_salmon (规则引擎兜底判定)", snap.ProductType)
	}
}

// ============================================================================
// 凭证失效路径
// ============================================================================

// stuckAgent 永不产出 Cookie，驱动刷新超时。
type stuckAgent struct{}

func (stuckAgent) Start(ctx context.Context, loginURL string) error { return nil }
func (stuckAgent) Cookies(ctx context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}
func (stuckAgent) Close() error { return nil }

func TestRun_CredentialRefreshTimeoutFailsRun(t *testing.T) {
	st, err := store.Open(config.StorageConfig{
		Backend: config.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "pipeline_cred_test.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Credential.Timeout = 200 * time.Millisecond
	cfg.Credential.PollInterval = 20 * time.Millisecond

	engine := classify.NewEngine(st, slog.Default(), time.Hour)
	_ = engine.Reload(context.Background())

	coord := credential.NewCoordinator(st, srclock.NewLocker(rdb, time.Minute), cfg, slog.Default(),
		func() (credential.SessionAgent, error) { return stuckAgent{}, nil })
	runner := NewRunner(st, engine, coord, cfg, slog.Default())

	fetcher := &fakeFetcher{
		source: "taobao",
		errs:   []error{fmt.Errorf("session check: %w", ErrCredentialExpired)},
	}
	run, err := runner.Run(context.Background(), "taobao", fetcher)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != model.RunStatusFailed {
		t.Fatalf("status = %q, want failed", run.Status)
	}
	if !strings.Contains(run.ErrorText, credential.ReasonRefreshTimeout) {
		t.Fatalf("error_text = %q, want %q", run.ErrorText, credential.ReasonRefreshTimeout)
	}
	// 刷新未成功则不重试抓取。
	if fetcher.calls != 1 {
		t.Fatalf("fetch calls = %d, want 1", fetcher.calls)
	}

	state, _ := st.GetCredentialState(context.Background(), "taobao")
	if state.Status != model.CredentialExpired {
		t.Fatalf("credential status = %q, want expired", state.Status)
	}
}

func TestRun_CredentialExpiredWithoutCoordinator(t *testing.T) {
	runner, _ := newTestRunner(t)

	fetcher := &fakeFetcher{source: "taobao", errs: []error{ErrCredentialExpired}}
	run, err := runner.Run(context.Background(), "taobao", fetcher)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != model.RunStatusFailed {
		t.Fatalf("status = %q, want failed", run.Status)
	}
	if !strings.Contains(run.ErrorText, credential.ReasonRefreshFailed) {
		t.Fatalf("error_text = %q, want %q", run.ErrorText, credential.ReasonRefreshFailed)
	}
}

func TestRun_RetriesOnceAfterRefreshSuccess(t *testing.T) {
	st, err := store.Open(config.StorageConfig{
		Backend: config.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "pipeline_retry_test.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Credential.Timeout = 2 * time.Second
	cfg.Credential.PollInterval = 20 * time.Millisecond

	engine := classify.NewEngine(st, slog.Default(), time.Hour)
	_ = engine.Reload(context.Background())

	// 刷新立即成功的代理。
	coord := credential.NewCoordinator(st, srclock.NewLocker(rdb, time.Minute), cfg, slog.Default(),
		func() (credential.SessionAgent, error) { return loggedInAgent{}, nil })
	runner := NewRunner(st, engine, coord, cfg, slog.Default())

	fetcher := &fakeFetcher{
		source: "taobao",
		items:  []RawItem{marketplaceRaw(1, "智利帝王鲑 2kg")},
		errs:   []error{ErrCredentialExpired, nil},
	}
	run, err := runner.Run(context.Background(), "taobao", fetcher)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != model.RunStatusSuccess {
		t.Fatalf("status = %q, want success (error_text=%q)", run.Status, run.ErrorText)
	}
	if fetcher.calls != 2 {
		t.Fatalf("fetch calls = %d, want 2 (刷新成功后重试一次)", fetcher.calls)
	}
}

type loggedInAgent struct{}

func (loggedInAgent) Start(ctx context.Context, loginURL string) error { return nil }
func (loggedInAgent) Cookies(ctx context.Context) (map[string]string, error) {
	return map[string]string{"_m_h5_tk": "tok", "_m_h5_tk_enc": "enc"}, nil
}
func (loggedInAgent) Close() error { return nil }

// ============================================================================
// 时间分桶
// ============================================================================

func TestTimeBuckets(t *testing.T) {
	at := time.Date(2026, 3, 5, 15, 42, 7, 0, time.Local)
	if got := hourBucket(at); !got.Equal(time.Date(2026, 3, 5, 15, 0, 0, 0, time.Local)) {
		t.Errorf("hourBucket = %v", got)
	}
	if got := dayBucket(at); !got.Equal(time.Date(2026, 3, 5, 0, 0, 0, 0, time.Local)) {
		t.Errorf("dayBucket = %v", got)
	}
}
