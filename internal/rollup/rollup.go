// 包 rollup 把价格快照归并为按日/周/月分桶的统计行。
//
// 聚合独立于采集触发，通常在一次运行结束后执行；桶内统计每次整体
// 重算并替换，不做增量累加，重复执行幂等。
package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/chengzhi666/pythonAquaculture/internal/model"
	"github.com/chengzhi666/pythonAquaculture/internal/pkg/metrics"
	"github.com/chengzhi666/pythonAquaculture/internal/store"
)

// DefaultWindowDays 是默认回看窗口。
const DefaultWindowDays = 35

// 参与聚合的时间粒度。
var grains = []string{model.GrainDay, model.GrainWeek, model.GrainMonth}

// Runner 执行一轮聚合。
type Runner struct {
	store *store.Store
	log   *slog.Logger
}

// NewRunner 创建聚合执行器。
func NewRunner(st *store.Store, log *slog.Logger) *Runner {
	return &Runner{store: st, log: log}
}

// Run 聚合最近 windowDays 天的价格观测，返回写入的桶数。
func (r *Runner) Run(ctx context.Context, windowDays int) (int, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	since := time.Now().AddDate(0, 0, -windowDays)

	points, err := r.store.CollectPricePoints(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("rollup: %w", err)
	}
	if len(points) == 0 {
		r.log.Info("rollup: no price points in window", "window_days", windowDays)
		return 0, nil
	}

	total := 0
	for _, grain := range grains {
		rows := buildBuckets(points, grain)
		if err := r.store.UpsertPriceAgg(ctx, rows); err != nil {
			return total, fmt.Errorf("rollup grain %s: %w", grain, err)
		}
		metrics.RollupBucketsTotal.WithLabelValues(grain).Add(float64(len(rows)))
		total += len(rows)
	}

	r.log.Info("rollup finished",
		"window_days", windowDays,
		"points", len(points),
		"buckets", total)
	return total, nil
}

type bucketDims struct {
	date        time.Time
	platform    string
	productType string
	spec        string
	shop        string
}

// buildBuckets 按 (桶日, 平台, 品类, 规格, 店铺) 分组并计算统计值。
func buildBuckets(points []store.PricePoint, grain string) []model.PriceHistoryAgg {
	groups := make(map[bucketDims][]store.PricePoint)
	for _, p := range points {
		dims := bucketDims{
			date:        BucketStart(grain, p.Time),
			platform:    p.Platform,
			productType: p.ProductType,
			spec:        p.Spec,
			shop:        p.Shop,
		}
		groups[dims] = append(groups[dims], p)
	}

	rows := make([]model.PriceHistoryAgg, 0, len(groups))
	for dims, pts := range groups {
		st := computeStats(pts)
		rows = append(rows, model.PriceHistoryAgg{
			AggDate:     dims.date,
			AggGrain:    grain,
			Platform:    dims.platform,
			ProductType: dims.productType,
			Spec:        dims.spec,
			Shop:        dims.shop,
			SampleSize:  st.n,
			MinPrice:    st.min,
			MaxPrice:    st.max,
			AvgPrice:    st.avg,
			P50Price:    st.p50,
			LastPrice:   st.last,
			BucketKey: store.DedupKey(
				grain,
				dims.date.Format("2006-01-02"),
				dims.platform,
				dims.productType,
				dims.spec,
				dims.shop,
			),
		})
	}
	return rows
}

// BucketStart 返回时间点所属桶的起始日零点。
// day=当日，week=所在周的周一，month=当月一号。
func BucketStart(grain string, t time.Time) time.Time {
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	switch grain {
	case model.GrainWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case model.GrainMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
	default:
		return day
	}
}

type stats struct {
	n    int
	min  float64
	max  float64
	avg  float64
	p50  float64
	last float64
}

// computeStats 计算一个桶的样本统计，last 取桶内时间最晚的观测。
func computeStats(pts []store.PricePoint) stats {
	prices := make([]float64, len(pts))
	sum := 0.0
	lastTime := pts[0].Time
	last := pts[0].Price
	for i, p := range pts {
		prices[i] = p.Price
		sum += p.Price
		if p.Time.After(lastTime) {
			lastTime = p.Time
			last = p.Price
		}
	}
	sort.Float64s(prices)

	n := len(prices)
	p50 := prices[n/2]
	if n%2 == 0 {
		p50 = (prices[n/2-1] + prices[n/2]) / 2
	}

	return stats{
		n:    n,
		min:  prices[0],
		max:  prices[n-1],
		avg:  round2(sum / float64(n)),
		p50:  round2(p50),
		last: last,
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
