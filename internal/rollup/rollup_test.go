package rollup

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/chengzhi666/pythonAquaculture/internal/config"
	"github.com/chengzhi666/pythonAquaculture/internal/model"
	"github.com/chengzhi666/pythonAquaculture/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(config.StorageConfig{
		Backend: config.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "rollup_test.db"),
	})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func insertSnapshot(t *testing.T, st *store.Store, price float64, at time.Time) {
	t.Helper()
	_, err := st.InsertMarketplaceSnapshot(context.Background(), &model.MarketplaceSnapshot{
		Platform:       "taobao",
		Title:          "帝王鲑",
		Price:          price,
		Shop:           "旗舰店",
		ProductType:    "king_salmon",
		SpecNormalized: "2000g",
		SnapshotTime:   at,
	})
	if err != nil {
		t.Fatalf("insert snapshot price=%v: %v", price, err)
	}
}

func dayAggs(t *testing.T, st *store.Store) []model.PriceHistoryAgg {
	t.Helper()
	rows, err := st.ListPriceAgg(context.Background(), model.GrainDay, "taobao", "king_salmon", 0)
	if err != nil {
		t.Fatalf("list agg: %v", err)
	}
	return rows
}

func TestRollup_StatsInvariants(t *testing.T) {
	st := newTestStore(t)
	base := time.Now().Add(-2 * time.Hour)

	// 同一天桶内五个价格，last 是时间最晚的 320。
	prices := []float64{400, 350, 380, 360, 320}
	for i, p := range prices {
		insertSnapshot(t, st, p, base.Add(time.Duration(i)*time.Minute))
	}

	buckets, err := NewRunner(st, slog.Default()).Run(context.Background(), 7)
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	// 同一组观测进日/周/月三个粒度。
	if buckets != 3 {
		t.Fatalf("buckets = %d, want 3", buckets)
	}

	rows := dayAggs(t, st)
	if len(rows) != 1 {
		t.Fatalf("day aggregates = %d, want 1", len(rows))
	}
	agg := rows[0]

	if agg.SampleSize != len(prices) {
		t.Errorf("sample_size = %d, want %d", agg.SampleSize, len(prices))
	}
	if agg.MinPrice != 320 || agg.MaxPrice != 400 {
		t.Errorf("min/max = %v/%v, want 320/400", agg.MinPrice, agg.MaxPrice)
	}
	if !(agg.MinPrice <= agg.P50Price && agg.P50Price <= agg.MaxPrice) {
		t.Errorf("p50 %v outside [min, max]", agg.P50Price)
	}
	if !(agg.MinPrice <= agg.AvgPrice && agg.AvgPrice <= agg.MaxPrice) {
		t.Errorf("avg %v outside [min, max]", agg.AvgPrice)
	}
	if agg.P50Price != 360 {
		t.Errorf("p50 = %v, want 360", agg.P50Price)
	}
	if agg.AvgPrice != 362 {
		t.Errorf("avg = %v, want 362", agg.AvgPrice)
	}
	if agg.LastPrice != 320 {
		t.Errorf("last = %v, want 320", agg.LastPrice)
	}
}

func TestRollup_ReplaceNotAccumulate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Hour)

	insertSnapshot(t, st, 100, base)
	insertSnapshot(t, st, 200, base.Add(time.Minute))

	runner := NewRunner(st, slog.Default())
	if _, err := runner.Run(ctx, 7); err != nil {
		t.Fatalf("first rollup: %v", err)
	}

	// 新观测加入后重跑：桶被替换为全量重算结果，而不是累加。
	insertSnapshot(t, st, 300, base.Add(2*time.Minute))
	if _, err := runner.Run(ctx, 7); err != nil {
		t.Fatalf("second rollup: %v", err)
	}

	rows := dayAggs(t, st)
	if len(rows) != 1 {
		t.Fatalf("day aggregates = %d, want 1 (replaced, not duplicated)", len(rows))
	}
	if rows[0].SampleSize != 3 {
		t.Errorf("sample_size = %d, want 3", rows[0].SampleSize)
	}
	if rows[0].MaxPrice != 300 {
		t.Errorf("max = %v, want 300", rows[0].MaxPrice)
	}

	// 完全相同数据再跑一次仍是同一结果：幂等。
	if _, err := runner.Run(ctx, 7); err != nil {
		t.Fatalf("third rollup: %v", err)
	}
	rows = dayAggs(t, st)
	if len(rows) != 1 || rows[0].SampleSize != 3 {
		t.Fatalf("after idempotent rerun: rows=%d sample=%d, want 1/3", len(rows), rows[0].SampleSize)
	}
}

func TestRollup_OfflinePricesIncluded(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.InsertOfflinePriceSnapshot(ctx, &model.OfflinePriceSnapshot{
		SourceName:     "moa_wholesale_price",
		MarketName:     "京深海鲜市场",
		ProductType:    "salmon_generic",
		ProductNameRaw: "三文鱼",
		Price:          88,
		Unit:           "元/公斤",
		SnapshotTime:   time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("insert offline snapshot: %v", err)
	}

	if _, err := NewRunner(st, slog.Default()).Run(ctx, 7); err != nil {
		t.Fatalf("rollup: %v", err)
	}

	rows, err := st.ListPriceAgg(ctx, model.GrainDay, "moa_wholesale_price", "salmon_generic", 0)
	if err != nil {
		t.Fatalf("list agg: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("offline aggregates = %d, want 1", len(rows))
	}
	if rows[0].Shop != "京深海鲜市场" {
		t.Errorf("shop = %q, want market name", rows[0].Shop)
	}
	if rows[0].LastPrice != 88 {
		t.Errorf("last = %v, want 88", rows[0].LastPrice)
	}
}

func TestBucketStart(t *testing.T) {
	// 2026-03-05 是周四。
	at := time.Date(2026, 3, 5, 15, 30, 0, 0, time.Local)

	tests := []struct {
		grain string
		want  time.Time
	}{
		{model.GrainDay, time.Date(2026, 3, 5, 0, 0, 0, 0, time.Local)},
		{model.GrainWeek, time.Date(2026, 3, 2, 0, 0, 0, 0, time.Local)}, // 周一
		{model.GrainMonth, time.Date(2026, 3, 1, 0, 0, 0, 0, time.Local)},
	}
	for _, tt := range tests {
		if got := BucketStart(tt.grain, at); !got.Equal(tt.want) {
			t.Errorf("BucketStart(%s) = %v, want %v", tt.grain, got, tt.want)
		}
	}

	// 周日归属到前面的周一。
	sunday := time.Date(2026, 3, 8, 9, 0, 0, 0, time.Local)
	if got := BucketStart(model.GrainWeek, sunday); !got.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.Local)) {
		t.Errorf("sunday week bucket = %v, want 2026-03-02", got)
	}
}
