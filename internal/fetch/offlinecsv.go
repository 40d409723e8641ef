// 包 fetch 提供内置的 Fetcher 实现。
//
// 站点浏览器采集逻辑对管道是外部协作方；这里收录不依赖站点会话的
// 实现，目前是线下市场价格的 CSV 导入。
package fetch

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chengzhi666/pythonAquaculture/internal/config"
	"github.com/chengzhi666/pythonAquaculture/internal/pipeline"
)

// OfflineCSVSource 是线下 CSV 导入源的注册名。
const OfflineCSVSource = "offline_csv"

// 目录导入时匹配的文件名模式。
const csvFilePattern = "price_offline_*.csv"

// CSV 表头到标准字段的别名映射，兼容中英文表头。
var columnAliases = map[string][]string{
	"source_name":      {"source_name", "数据来源", "来源", "source"},
	"market_name":      {"market_name", "市场", "批发市场", "market"},
	"region":           {"region", "地区", "区域"},
	"product_type":     {"product_type", "品种", "品类标识", "type"},
	"product_name_raw": {"product_name_raw", "品名", "原始品名", "product_name", "品种名称", "prodname", "name"},
	"spec":             {"spec", "规格", "specification"},
	"min_price":        {"min_price", "最低价", "最低", "minprice"},
	"max_price":        {"max_price", "最高价", "最高", "maxprice"},
	"price":            {"price", "均价", "价格", "avg_price", "avgprice"},
	"unit":             {"unit", "单位", "价格单位"},
	"storage_method":   {"storage_method", "存储方式", "冷藏方式", "storage"},
	"date_str":         {"date_str", "日期", "报价日期", "date", "reportdate"},
	"remark":           {"remark", "备注", "说明", "note"},
	"snapshot_time":    {"snapshot_time", "采集时间", "快照时间"},
}

var (
	numberPattern    = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	storageFrozen    = regexp.MustCompile(`(?i)冷冻|冻品|速冻|frozen`)
	storageIceFresh  = regexp.MustCompile(`(?i)冰鲜|ice.?fresh`)
	storageFresh     = regexp.MustCompile(`(?i)鲜活|活鲜|活|鲜|fresh|live`)
	typeKingSalmon   = regexp.MustCompile(`(?i)帝王鲑|帝王三文鱼|king\s*salmon|chinook`)
	typeRainbowTrout = regexp.MustCompile(`(?i)虹鳟|rainbow\s*trout`)
	typeSalmon       = regexp.MustCompile(`(?i)三文鱼|salmon|鲑`)
	typeTrout        = regexp.MustCompile(`鳟`)
)

// 报价日期允许的写法，按顺序尝试。
var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"20060102",
}

// OfflineCSVFetcher 从 CSV 文件导入线下市场批发价。
//
// CSV 是人工检查环节的中间格式：校验失败的行不静默丢弃，而是作为
// 带 ParseError 的条目交给管道，证据照常留存、失败计入运行台账。
type OfflineCSVFetcher struct {
	log *slog.Logger
}

// NewOfflineCSVFetcher 创建 CSV 导入 Fetcher。
func NewOfflineCSVFetcher(log *slog.Logger) *OfflineCSVFetcher {
	return &OfflineCSVFetcher{log: log}
}

// Source 实现 pipeline.Fetcher。
func (f *OfflineCSVFetcher) Source() string { return OfflineCSVSource }

// Fetch 读取配置指定的 CSV 文件或目录并产出条目。
func (f *OfflineCSVFetcher) Fetch(ctx context.Context, src config.SourceConfig) ([]pipeline.RawItem, error) {
	path := src.CSVPath
	if path == "" {
		return nil, fmt.Errorf("offline csv: no csv_path configured")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("offline csv: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, csvFilePattern))
		if err != nil {
			return nil, fmt.Errorf("offline csv: %w", err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("offline csv: no files match %s in %s", csvFilePattern, path)
		}
	}

	var items []pipeline.RawItem
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fileItems, err := f.parseFile(file)
		if err != nil {
			return nil, err
		}
		f.log.Info("offline csv parsed", "file", file, "items", len(fileItems))
		items = append(items, fileItems...)
	}
	return items, nil
}

func (f *OfflineCSVFetcher) parseFile(path string) ([]pipeline.RawItem, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv %s: %w", path, err)
	}
	defer fp.Close()

	reader := csv.NewReader(fp)
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header %s: %w", path, err)
	}
	headerMap := buildHeaderMap(headers)
	if _, hasName := headerMap["product_name_raw"]; !hasName {
		if _, hasPrice := headerMap["price"]; !hasPrice {
			return nil, fmt.Errorf("csv %s: header has neither product name nor price column", path)
		}
	}

	var items []pipeline.RawItem
	rowNum := 1
	for {
		rowNum++
		cells, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// 行级格式错误只废该行：留残缺单元格作证据，后续行照常读。
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				items = append(items, pipeline.RawItem{
					Kind:    pipeline.KindOfflinePrice,
					URL:     path,
					RawText: strings.Join(cells, ","),
					Err:     fmt.Errorf("row %d: %w", rowNum, err),
				})
				continue
			}
			return nil, fmt.Errorf("read csv %s: %w", path, err)
		}
		if isBlankRow(cells) {
			continue
		}
		items = append(items, f.rowToItem(path, rowNum, cells, headerMap))
	}
	return items, nil
}

// rowToItem 把一行 CSV 转成管道条目；校验失败时条目带 Err。
func (f *OfflineCSVFetcher) rowToItem(path string, rowNum int, cells []string, headerMap map[string]int) pipeline.RawItem {
	cell := func(field string) string {
		idx, ok := headerMap[field]
		if !ok || idx >= len(cells) {
			return ""
		}
		return cleanCell(cells[idx])
	}

	name := cell("product_name_raw")
	price, priceOK := parsePrice(cell("price"))
	minPrice, minOK := parsePrice(cell("min_price"))
	maxPrice, maxOK := parsePrice(cell("max_price"))

	item := pipeline.RawItem{
		Kind:    pipeline.KindOfflinePrice,
		URL:     path,
		Title:   name,
		PubTime: cell("date_str"),
		RawText: strings.Join(cells, ","),
	}

	if verr := validateRow(name, price, priceOK, minPrice, minOK, maxPrice, maxOK); verr != nil {
		item.Err = fmt.Errorf("row %d: %w", rowNum, verr)
		return item
	}

	if !priceOK {
		price = round2((minPrice + maxPrice) / 2)
	}
	productType := cell("product_type")
	if productType == "" {
		productType = inferProductType(name)
	}
	unit := cell("unit")
	if unit == "" {
		unit = "元/公斤"
	}
	spec := cell("spec")
	remark := cell("remark")
	storage := cell("storage_method")
	if storage == "" {
		storage = guessStorage(name + " " + spec + " " + remark)
	}

	dateStr := cell("date_str")
	snapshotTime := parseDate(cell("snapshot_time"))
	if snapshotTime.IsZero() {
		snapshotTime = parseDate(dateStr)
	}
	if snapshotTime.IsZero() {
		snapshotTime = time.Now()
	}

	payload := &pipeline.OfflinePriceItem{
		SourceName:     firstNonEmpty(cell("source_name"), OfflineCSVSource),
		MarketName:     cell("market_name"),
		Region:         cell("region"),
		ProductType:    productType,
		ProductNameRaw: name,
		Spec:           spec,
		MinPrice:       minPrice,
		MaxPrice:       maxPrice,
		Price:          price,
		Unit:           unit,
		StorageMethod:  storage,
		DateStr:        dateStr,
		Remark:         remark,
		SnapshotTime:   snapshotTime,
	}
	if raw, err := json.Marshal(payload); err == nil {
		item.RawJSON = string(raw)
	}
	item.OfflinePrice = payload
	return item
}

// validateRow 执行行级校验：品名必填，价格齐全、非负、不离谱。
func validateRow(name string, price float64, priceOK bool, minPrice float64, minOK bool, maxPrice float64, maxOK bool) error {
	if name == "" {
		return fmt.Errorf("product name is empty")
	}
	if !priceOK && (!minOK || !maxOK) {
		return fmt.Errorf("no average price and min/max incomplete")
	}
	check := []struct {
		label string
		val   float64
		ok    bool
	}{
		{"price", price, priceOK},
		{"min_price", minPrice, minOK},
		{"max_price", maxPrice, maxOK},
	}
	for _, c := range check {
		if !c.ok {
			continue
		}
		if c.val < 0 {
			return fmt.Errorf("%s is negative: %v", c.label, c.val)
		}
		if c.val > 100000 {
			return fmt.Errorf("%s is implausibly high: %v", c.label, c.val)
		}
	}
	if minOK && maxOK && minPrice > maxPrice {
		return fmt.Errorf("min_price (%v) exceeds max_price (%v)", minPrice, maxPrice)
	}
	return nil
}

func buildHeaderMap(headers []string) map[string]int {
	cleaned := make([]string, len(headers))
	for i, h := range headers {
		cleaned[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF")))
	}
	mapping := make(map[string]int)
	for field, aliases := range columnAliases {
		for _, alias := range aliases {
			for idx, h := range cleaned {
				if h == alias {
					mapping[field] = idx
					break
				}
			}
			if _, ok := mapping[field]; ok {
				break
			}
		}
	}
	return mapping
}

func cleanCell(text string) string {
	text = strings.ReplaceAll(text, "　", " ")
	text = strings.ReplaceAll(text, " ", " ")
	return strings.TrimSpace(text)
}

func parsePrice(text string) (float64, bool) {
	if text == "" {
		return 0, false
	}
	text = strings.ReplaceAll(text, ",", "")
	m := numberPattern.FindString(text)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseDate(text string) time.Time {
	text = cleanCell(text)
	if text == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, text, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

func guessStorage(text string) string {
	switch {
	case storageFrozen.MatchString(text):
		return "frozen"
	case storageIceFresh.MatchString(text):
		return "ice_fresh"
	case storageFresh.MatchString(text):
		return "fresh"
	default:
		return ""
	}
}

func inferProductType(name string) string {
	switch {
	case typeKingSalmon.MatchString(name):
		return "king_salmon"
	case typeRainbowTrout.MatchString(name):
		return "rainbow_trout"
	case typeSalmon.MatchString(name):
		return "salmon_generic"
	case typeTrout.MatchString(name):
		return "trout_generic"
	default:
		return "aquatic_other"
	}
}

func isBlankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
