// 包 classify 实现基于规则字典的商品分类与字段规范化。
//
// 规则存在数据库字典表里，引擎按 TTL 周期性重载，重载失败或表为空时
// 退回内置默认规则，保证分类能力不因字典故障而中断。
package classify

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chengzhi666/pythonAquaculture/internal/model"
	"github.com/chengzhi666/pythonAquaculture/internal/pkg/metrics"
)

// DefaultReloadTTL 是规则快照的默认刷新间隔。
const DefaultReloadTTL = 5 * time.Minute

// RuleSource 提供规则字典的读取能力，由存储层实现。
type RuleSource interface {
	LoadProductTypeRules(ctx context.Context) ([]model.ProductTypeRule, error)
	LoadSpecRules(ctx context.Context) ([]model.SpecRule, error)
	LoadOriginRules(ctx context.Context) ([]model.OriginRule, error)
}

// 重量规格的两种写法: "2kg x 3 袋" 与 "3 x 2kg 袋"。
var weightPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?P<weight>\d+(?:\.\d+)?)\s*(?P<unit>kg|g|克|千克|公斤|斤|两|lb|lbs|磅|oz|盎司)` +
		`(?:\s*(?:x|X|×|\*)\s*(?P<count>\d{1,3}))?` +
		`(?:\s*(?P<packunit>袋|包|盒|尾|条|片|只|罐|份))?`),
	regexp.MustCompile(`(?i)(?P<count>\d{1,3})\s*(?:x|X|×|\*)\s*` +
		`(?P<weight>\d+(?:\.\d+)?)\s*(?P<unit>kg|g|克|千克|公斤|斤|两|lb|lbs|磅|oz|盎司)` +
		`(?:\s*(?P<packunit>袋|包|盒|尾|条|片|只|罐|份))?`),
}

// 件数单独出现的写法: "5袋"。
var packCountPattern = regexp.MustCompile(`(?P<count>\d{1,3})\s*(?P<packunit>袋|包|盒|尾|条|片|只|罐|份)`)

type compiledProductRule struct {
	id          uint
	productType string
	re          *regexp.Regexp
	confidence  float64
}

type compiledSpecRule struct {
	id             uint
	re             *regexp.Regexp
	normalizedUnit string
	gramFactor     float64
}

type compiledOriginRule struct {
	id       uint
	re       *regexp.Regexp
	country  string
	province string
	city     string
	origin   string
}

type snapshot struct {
	productTypes []compiledProductRule
	specs        []compiledSpecRule
	origins      []compiledOriginRule
}

// Engine 持有已编译的规则快照并按 TTL 刷新。
//
// 并发安全：快照读走读锁，重载走写锁，分类调用之间互不阻塞。
type Engine struct {
	src RuleSource
	log *slog.Logger
	ttl time.Duration

	mu       sync.RWMutex
	snap     *snapshot
	loadedAt time.Time
	version  int64
}

// NewEngine 创建规则引擎，ttl<=0 时取 DefaultReloadTTL。
func NewEngine(src RuleSource, log *slog.Logger, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultReloadTTL
	}
	return &Engine{src: src, log: log, ttl: ttl}
}

// Reload 强制重载规则字典并编译为新快照。
//
// 单条规则编译失败只跳过该条；字典整表为空或查询失败时退回内置默认，
// 分类能力不中断。查询失败仍作为 error 返回，调用方据此告警。
func (e *Engine) Reload(ctx context.Context) error {
	snap := &snapshot{}
	var loadErrs []error

	ptRows, err := e.src.LoadProductTypeRules(ctx)
	if err != nil || len(ptRows) == 0 {
		if err != nil {
			e.log.Warn("load product type rules failed, using defaults", "err", err)
			loadErrs = append(loadErrs, err)
		}
		ptRows = DefaultProductTypeRules()
	}
	for _, r := range ptRows {
		re, cerr := regexp.Compile("(?i)" + r.Pattern)
		if cerr != nil {
			e.log.Warn("invalid product type rule skipped", "pattern", r.Pattern, "err", cerr)
			continue
		}
		snap.productTypes = append(snap.productTypes, compiledProductRule{
			id: r.ID, productType: r.ProductType, re: re, confidence: r.Confidence,
		})
	}

	specRows, err := e.src.LoadSpecRules(ctx)
	if err != nil || len(specRows) == 0 {
		if err != nil {
			e.log.Warn("load spec rules failed, using defaults", "err", err)
			loadErrs = append(loadErrs, err)
		}
		specRows = DefaultSpecRules()
	}
	for _, r := range specRows {
		re, cerr := regexp.Compile("(?i)" + r.Pattern)
		if cerr != nil {
			e.log.Warn("invalid spec rule skipped", "pattern", r.Pattern, "err", cerr)
			continue
		}
		snap.specs = append(snap.specs, compiledSpecRule{
			id: r.ID, re: re, normalizedUnit: r.NormalizedUnit, gramFactor: r.GramFactor,
		})
	}

	originRows, err := e.src.LoadOriginRules(ctx)
	if err != nil || len(originRows) == 0 {
		if err != nil {
			e.log.Warn("load origin rules failed, using defaults", "err", err)
			loadErrs = append(loadErrs, err)
		}
		originRows = DefaultOriginRules()
	}
	for _, r := range originRows {
		re, cerr := regexp.Compile("(?i)" + r.Pattern)
		if cerr != nil {
			e.log.Warn("invalid origin rule skipped", "pattern", r.Pattern, "err", cerr)
			continue
		}
		snap.origins = append(snap.origins, compiledOriginRule{
			id: r.ID, re: re,
			country:  r.NormalizedCountry,
			province: r.NormalizedProvince,
			city:     r.NormalizedCity,
			origin:   r.NormalizedOrigin,
		})
	}

	e.mu.Lock()
	e.snap = snap
	e.loadedAt = time.Now()
	e.version++
	version := e.version
	e.mu.Unlock()

	metrics.RuleSnapshotVersion.Set(float64(version))
	e.log.Debug("rule snapshot reloaded",
		"version", version,
		"product_types", len(snap.productTypes),
		"specs", len(snap.specs),
		"origins", len(snap.origins))
	return errors.Join(loadErrs...)
}

// Version 返回当前快照版本号，0 表示尚未加载。
func (e *Engine) Version() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// current 返回当前快照，过期则先重载。
func (e *Engine) current(ctx context.Context) *snapshot {
	e.mu.RLock()
	snap, loadedAt := e.snap, e.loadedAt
	e.mu.RUnlock()

	if snap != nil && time.Since(loadedAt) < e.ttl {
		return snap
	}
	_ = e.Reload(ctx)

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

// ProductTypeResult 是品类判定结果。
type ProductTypeResult struct {
	ProductType string  // 判定品类，无法判定时为 unknown
	RuleID      uint    // 命中规则 ID，0 表示兜底猜测
	Confidence  float64 // 置信度
	MatchText   string  // 命中片段
}

// ClassifyProductType 按优先级匹配品类规则，全部未命中时做关键词兜底。
func (e *Engine) ClassifyProductType(ctx context.Context, title, keyword, category string) ProductTypeResult {
	snap := e.current(ctx)
	text := joinNonEmpty(title, keyword, category)

	for _, rule := range snap.productTypes {
		m := rule.re.FindString(text)
		if m == "" {
			continue
		}
		return ProductTypeResult{
			ProductType: rule.productType,
			RuleID:      rule.id,
			Confidence:  round4(rule.confidence),
			MatchText:   m,
		}
	}

	fallback := guessProductType(text)
	conf := 0.5
	if fallback == "unknown" {
		conf = 0.0
	}
	return ProductTypeResult{ProductType: fallback, Confidence: conf}
}

func guessProductType(text string) string {
	lowered := strings.ToLower(text)
	switch {
	case strings.Contains(lowered, "king salmon"), strings.Contains(lowered, "chinook"):
		return "king_salmon"
	case strings.Contains(lowered, "rainbow trout"):
		return "rainbow_trout"
	case strings.Contains(text, "帝王鲑"), strings.Contains(text, "帝王三文鱼"):
		return "king_salmon"
	case strings.Contains(text, "虹鳟"):
		return "rainbow_trout"
	case strings.Contains(text, "三文鱼"), strings.Contains(lowered, "salmon"):
		return "salmon_generic"
	default:
		return "unknown"
	}
}

// SpecResult 是规格解析结果，未命中任何重量写法时各字段为零值。
type SpecResult struct {
	Raw         string  // 命中的规格原文
	WeightValue float64 // 单件重量数值
	WeightUnit  string  // 规范化单位
	WeightGrams float64 // 单件克重
	PackCount   int     // 件数，最少为 1
	PackUnit    string  // 件数量词（袋/盒/...）
	TotalGrams  float64 // 总克重
	Normalized  string  // 规范化文本，如 "2000g"
}

// ExtractSpec 解析标题与规格文本中的重量规格。
func (e *Engine) ExtractSpec(ctx context.Context, title, specText string) SpecResult {
	snap := e.current(ctx)
	merged := strings.TrimSpace(joinNonEmpty(title, specText))

	for _, p := range weightPatterns {
		m := p.FindStringSubmatch(merged)
		if m == nil {
			continue
		}
		return buildSpecResult(snap, merged, p, m)
	}
	return SpecResult{}
}

func buildSpecResult(snap *snapshot, merged string, p *regexp.Regexp, m []string) SpecResult {
	raw := m[0]
	unitText := strings.ToLower(namedGroup(p, m, "unit"))
	weight, _ := strconv.ParseFloat(namedGroup(p, m, "weight"), 64)
	if weight <= 0 {
		return SpecResult{Raw: raw}
	}

	count, _ := strconv.Atoi(namedGroup(p, m, "count"))
	packUnit := namedGroup(p, m, "packunit")
	if count <= 0 {
		if cm := packCountPattern.FindStringSubmatch(merged); cm != nil {
			count, _ = strconv.Atoi(namedGroup(packCountPattern, cm, "count"))
			if packUnit == "" {
				packUnit = namedGroup(packCountPattern, cm, "packunit")
			}
		}
	}
	if count <= 0 {
		count = 1
	}

	gramFactor := 1.0
	normalizedUnit := unitText
	for _, rule := range snap.specs {
		if rule.re.MatchString(unitText) {
			gramFactor = rule.gramFactor
			if rule.normalizedUnit != "" {
				normalizedUnit = rule.normalizedUnit
			}
			break
		}
	}

	grams := weight * gramFactor
	total := grams * float64(count)
	return SpecResult{
		Raw:         raw,
		WeightValue: round3(weight),
		WeightUnit:  normalizedUnit,
		WeightGrams: round3(grams),
		PackCount:   count,
		PackUnit:    packUnit,
		TotalGrams:  round3(total),
		Normalized:  normalizeWeightText(total),
	}
}

// OriginResult 是产地规范化结果，允许只有国家或国家+省的部分产地。
type OriginResult struct {
	Raw          string
	Country      string
	Province     string
	City         string
	Standardized string // 展示用组合文本，如 "中国-青海"
	RuleID       uint
}

// ExtractOrigin 按优先级匹配产地规则，未命中时按提示词猜测。
func (e *Engine) ExtractOrigin(ctx context.Context, title, province, city, originText string) OriginResult {
	snap := e.current(ctx)
	merged := strings.TrimSpace(joinNonEmpty(title, originText, province, city))
	raw := firstNonEmpty(originText, province, city)

	for _, rule := range snap.origins {
		if !rule.re.MatchString(merged) {
			continue
		}
		provinceNorm := firstNonEmpty(rule.province, province)
		cityNorm := firstNonEmpty(rule.city, city)
		standardized := rule.origin
		if cityNorm != "" && !strings.Contains(standardized, cityNorm) {
			standardized = composeOrigin(rule.country, provinceNorm, cityNorm)
		}
		if standardized == "" {
			standardized = composeOrigin(rule.country, provinceNorm, cityNorm)
		}
		return OriginResult{
			Raw:          raw,
			Country:      rule.country,
			Province:     provinceNorm,
			City:         cityNorm,
			Standardized: standardized,
			RuleID:       rule.id,
		}
	}

	country := guessCountry(merged)
	provinceNorm := firstNonEmpty(province, guessProvince(merged))
	if provinceNorm != "" && country == "" {
		country = "中国"
	}
	return OriginResult{
		Raw:          raw,
		Country:      country,
		Province:     provinceNorm,
		City:         city,
		Standardized: composeOrigin(country, provinceNorm, city),
	}
}

func guessCountry(text string) string {
	for _, c := range countryHints {
		if strings.Contains(text, c) {
			return c
		}
	}
	lowered := strings.ToLower(text)
	if strings.Contains(lowered, "norway") {
		return "挪威"
	}
	if strings.Contains(lowered, "chile") {
		return "智利"
	}
	return ""
}

func guessProvince(text string) string {
	for _, p := range provinceHints {
		if strings.Contains(text, p) {
			return p
		}
	}
	return ""
}

// Enrichment 是一条商品记录的全量富化结果。
type Enrichment struct {
	ProductType ProductTypeResult
	Spec        SpecResult
	Origin      OriginResult

	StorageMethod string  // frozen / ice_fresh / live_fresh / cold_fresh / fresh
	IsWild        bool    // 标题含野生/wild
	IsFresh       bool    // 标题含鲜且不含冷冻
	PricePerKg    float64 // 折算每公斤价，无法折算时为 0
}

// Input 是富化入参，来自各平台解析出的原始条目。
type Input struct {
	Title      string
	Keyword    string
	Category   string
	SpecText   string
	Province   string
	City       string
	OriginText string
	Price      float64
}

// Enrich 对单条记录执行品类/规格/产地三路判定并补充派生字段。
func (e *Engine) Enrich(ctx context.Context, in Input) Enrichment {
	out := Enrichment{
		ProductType: e.ClassifyProductType(ctx, in.Title, in.Keyword, in.Category),
		Spec:        e.ExtractSpec(ctx, in.Title, in.SpecText),
		Origin:      e.ExtractOrigin(ctx, in.Title, in.Province, in.City, in.OriginText),
	}

	out.StorageMethod = extractStorageMethod(in.Title)
	lowered := strings.ToLower(in.Title)
	out.IsWild = strings.Contains(in.Title, "野生") || strings.Contains(lowered, "wild")
	out.IsFresh = strings.Contains(in.Title, "鲜") && !strings.Contains(in.Title, "冷冻")

	if in.Price > 0 && out.Spec.TotalGrams > 0 {
		out.PricePerKg = math.Round(in.Price/(out.Spec.TotalGrams/1000.0)*100) / 100
	}
	return out
}

func extractStorageMethod(title string) string {
	switch {
	case strings.Contains(title, "冷冻"):
		return "frozen"
	case strings.Contains(title, "冰鲜"):
		return "ice_fresh"
	case strings.Contains(title, "鲜活"):
		return "live_fresh"
	case strings.Contains(title, "冷鲜"):
		return "cold_fresh"
	case strings.Contains(title, "鲜"):
		return "fresh"
	default:
		return ""
	}
}

// normalizeWeightText 把克重格式化成 "2000g" 这样的定型文本。
func normalizeWeightText(grams float64) string {
	if grams <= 0 {
		return ""
	}
	rounded := round3(grams)
	asInt := math.Round(rounded)
	if math.Abs(rounded-asInt) < 1e-6 {
		return strconv.FormatInt(int64(asInt), 10) + "g"
	}
	return strconv.FormatFloat(rounded, 'f', -1, 64) + "g"
}

func composeOrigin(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "-")
}

func namedGroup(p *regexp.Regexp, m []string, name string) string {
	i := p.SubexpIndex(name)
	if i < 0 || i >= len(m) {
		return ""
	}
	return m[i]
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
