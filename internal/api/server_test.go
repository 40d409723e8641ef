package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/chengzhi666/pythonAquaculture/internal/classify"
	"github.com/chengzhi666/pythonAquaculture/internal/config"
	"github.com/chengzhi666/pythonAquaculture/internal/model"
	"github.com/chengzhi666/pythonAquaculture/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(config.StorageConfig{
		Backend: config.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "api_test.db"),
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
	return NewServer(cfg, slog.Default(), st, engine), st
}

func doJSON(t *testing.T, srv *Server, method, path string) (int, map[string]json.RawMessage) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	body := map[string]json.RawMessage{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("parse response %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec.Code, body
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	code, _ := doJSON(t, srv, http.MethodGet, "/healthz")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
}

func TestListRuns(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	runID, err := st.StartRun(ctx, "taobao")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if _, err := st.FinishRun(ctx, runID, 3, 2, "ParseError: bad row"); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	code, body := doJSON(t, srv, http.MethodGet, "/api/runs?source=taobao")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	var runs []model.CrawlRun
	if err := json.Unmarshal(body["runs"], &runs); err != nil {
		t.Fatalf("parse runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].Status != model.RunStatusPartial {
		t.Errorf("status = %q, want partial", runs[0].Status)
	}
	if runs[0].ErrorText == "" {
		t.Error("error_text missing")
	}
}

func TestLatestPrices(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	_, err := st.InsertMarketplaceSnapshot(ctx, &model.MarketplaceSnapshot{
		Platform:       "taobao",
		Title:          "智利帝王鲑 2kg",
		Price:          396,
		Shop:           "海鲜旗舰店",
		ProductType:    "king_salmon",
		SpecNormalized: "2000g",
		SnapshotTime:   time.Now(),
	})
	if err != nil {
		t.Fatalf("insert snapshot: %v", err)
	}

	code, body := doJSON(t, srv, http.MethodGet, "/api/prices/latest?platform=taobao&product_type=king_salmon")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	var rows []model.MarketplaceSnapshot
	if err := json.Unmarshal(body["snapshots"], &rows); err != nil {
		t.Fatalf("parse snapshots: %v", err)
	}
	if len(rows) != 1 || rows[0].Price != 396 {
		t.Fatalf("snapshots = %+v, want one row price 396", rows)
	}
}

func TestPriceHistory(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	agg := &model.PriceHistoryAgg{
		AggGrain:    model.GrainDay,
		AggDate:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.Local),
		Platform:    "taobao",
		ProductType: "king_salmon",
		Spec:        "2000g",
		Shop:        "海鲜旗舰店",
		BucketKey:   store.DedupKey(model.GrainDay, "2026-03-01", "taobao", "king_salmon", "2000g", "海鲜旗舰店"),
		SampleSize:  5,
		MinPrice:    320,
		MaxPrice:    400,
		AvgPrice:    362,
		P50Price:    360,
		LastPrice:   320,
	}
	if err := st.UpsertPriceAgg(ctx, []model.PriceHistoryAgg{*agg}); err != nil {
		t.Fatalf("upsert agg: %v", err)
	}

	code, body := doJSON(t, srv, http.MethodGet, "/api/prices/history?grain=day&platform=taobao")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	var rows []model.PriceHistoryAgg
	if err := json.Unmarshal(body["aggregates"], &rows); err != nil {
		t.Fatalf("parse aggregates: %v", err)
	}
	if len(rows) != 1 || rows[0].P50Price != 360 {
		t.Fatalf("aggregates = %+v, want one row p50 360", rows)
	}

	// 未知粒度没有数据，返回空列表而不是错误。
	code, body = doJSON(t, srv, http.MethodGet, "/api/prices/history?grain=week")
	if code != http.StatusOK {
		t.Fatalf("week status = %d, want 200", code)
	}
	if err := json.Unmarshal(body["aggregates"], &rows); err != nil {
		t.Fatalf("parse week aggregates: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("week aggregates = %d, want 0", len(rows))
	}
}

func TestRulesAndReload(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	if err := st.SeedRules(ctx,
		classify.DefaultProductTypeRules(),
		classify.DefaultSpecRules(),
		classify.DefaultOriginRules(),
	); err != nil {
		t.Fatalf("seed rules: %v", err)
	}

	code, body := doJSON(t, srv, http.MethodGet, "/api/rules")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	var productTypes []model.ProductTypeRule
	if err := json.Unmarshal(body["product_types"], &productTypes); err != nil {
		t.Fatalf("parse product_types: %v", err)
	}
	if len(productTypes) == 0 {
		t.Fatal("no product type rules returned")
	}
	var versionBefore int64
	if err := json.Unmarshal(body["version"], &versionBefore); err != nil {
		t.Fatalf("parse version: %v", err)
	}

	code, body = doJSON(t, srv, http.MethodPost, "/api/rules/reload")
	if code != http.StatusOK {
		t.Fatalf("reload status = %d, want 200", code)
	}
	var versionAfter int64
	if err := json.Unmarshal(body["version"], &versionAfter); err != nil {
		t.Fatalf("parse version: %v", err)
	}
	if versionAfter != versionBefore+1 {
		t.Fatalf("version = %d, want %d", versionAfter, versionBefore+1)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
