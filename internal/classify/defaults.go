package classify

import "github.com/chengzhi666/pythonAquaculture/internal/model"

// DefaultProductTypeRules 返回内置品类规则，规则字典表为空时兜底。
func DefaultProductTypeRules() []model.ProductTypeRule {
	return []model.ProductTypeRule{
		{ProductType: "king_salmon", Pattern: `(帝王鲑|帝王三文鱼|king\s*salmon|chinook)`, Priority: 10, Confidence: 0.98, IsActive: model.Bool(true)},
		{ProductType: "rainbow_trout", Pattern: `(虹鳟|rainbow\s*trout)`, Priority: 20, Confidence: 0.98, IsActive: model.Bool(true)},
		{ProductType: "salmon_generic", Pattern: `(三文鱼|salmon)`, Priority: 90, Confidence: 0.70, IsActive: model.Bool(true)},
	}
}

// DefaultSpecRules 返回内置单位换算规则。
func DefaultSpecRules() []model.SpecRule {
	return []model.SpecRule{
		{Pattern: `^(kg|千克|公斤)$`, NormalizedUnit: "kg", GramFactor: 1000.0, Priority: 10, IsActive: model.Bool(true)},
		{Pattern: `^(g|克)$`, NormalizedUnit: "g", GramFactor: 1.0, Priority: 20, IsActive: model.Bool(true)},
		{Pattern: `^(斤)$`, NormalizedUnit: "jin", GramFactor: 500.0, Priority: 30, IsActive: model.Bool(true)},
		{Pattern: `^(两)$`, NormalizedUnit: "liang", GramFactor: 50.0, Priority: 40, IsActive: model.Bool(true)},
		{Pattern: `^(lb|lbs|磅)$`, NormalizedUnit: "lb", GramFactor: 453.59237, Priority: 50, IsActive: model.Bool(true)},
		{Pattern: `^(oz|盎司)$`, NormalizedUnit: "oz", GramFactor: 28.349523, Priority: 60, IsActive: model.Bool(true)},
	}
}

// DefaultOriginRules 返回内置产地规则。
func DefaultOriginRules() []model.OriginRule {
	return []model.OriginRule{
		{Pattern: `智利`, NormalizedCountry: "智利", NormalizedOrigin: "智利", Priority: 10, IsActive: model.Bool(true)},
		{Pattern: `挪威`, NormalizedCountry: "挪威", NormalizedOrigin: "挪威", Priority: 20, IsActive: model.Bool(true)},
		{Pattern: `法罗`, NormalizedCountry: "法罗群岛", NormalizedOrigin: "法罗群岛", Priority: 30, IsActive: model.Bool(true)},
		{Pattern: `青海`, NormalizedCountry: "中国", NormalizedProvince: "青海", NormalizedOrigin: "中国-青海", Priority: 40, IsActive: model.Bool(true)},
		{Pattern: `新疆`, NormalizedCountry: "中国", NormalizedProvince: "新疆", NormalizedOrigin: "中国-新疆", Priority: 50, IsActive: model.Bool(true)},
	}
}

// 兜底猜测用的国家与省份提示词，规则全部未命中时逐个查找。
var (
	countryHints = []string{"中国", "智利", "挪威", "法罗群岛", "冰岛", "丹麦", "加拿大", "俄罗斯"}

	provinceHints = []string{"青海", "新疆", "西藏", "甘肃", "云南", "四川", "辽宁", "黑龙江", "吉林"}
)
