package classify

import (
	"fmt"
	"os"

	"github.com/chengzhi666/pythonAquaculture/internal/model"

	"gopkg.in/yaml.v3"
)

// RuleSet 是规则字典的文件表示，用于初始化时覆盖内置默认。
type RuleSet struct {
	ProductTypes []ProductTypeRuleSpec `yaml:"product_types"`
	SpecUnits    []SpecRuleSpec        `yaml:"spec_units"`
	Origins      []OriginRuleSpec      `yaml:"origins"`
}

type ProductTypeRuleSpec struct {
	ProductType string  `yaml:"product_type"`
	Pattern     string  `yaml:"pattern"`
	Priority    int     `yaml:"priority"`
	Confidence  float64 `yaml:"confidence"`
	Note        string  `yaml:"note"`
}

type SpecRuleSpec struct {
	Pattern        string  `yaml:"pattern"`
	NormalizedUnit string  `yaml:"normalized_unit"`
	GramFactor     float64 `yaml:"gram_factor"`
	Priority       int     `yaml:"priority"`
	Note           string  `yaml:"note"`
}

type OriginRuleSpec struct {
	Pattern            string `yaml:"pattern"`
	NormalizedCountry  string `yaml:"normalized_country"`
	NormalizedProvince string `yaml:"normalized_province"`
	NormalizedCity     string `yaml:"normalized_city"`
	NormalizedOrigin   string `yaml:"normalized_origin"`
	Priority           int    `yaml:"priority"`
	Note               string `yaml:"note"`
}

// LoadRuleSet 读取 YAML 规则文件。文件不存在返回 os.ErrNotExist 包装错误，
// 调用方据此决定是否退回内置默认。
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule set %s: %w", path, err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rule set %s: %w", path, err)
	}
	return &rs, nil
}

// ProductTypeRules 转换为字典表行。
func (rs *RuleSet) ProductTypeRules() []model.ProductTypeRule {
	rows := make([]model.ProductTypeRule, 0, len(rs.ProductTypes))
	for _, r := range rs.ProductTypes {
		rows = append(rows, model.ProductTypeRule{
			ProductType: r.ProductType,
			Pattern:     r.Pattern,
			Priority:    r.Priority,
			Confidence:  r.Confidence,
			IsActive:    model.Bool(true),
			Note:        r.Note,
		})
	}
	return rows
}

// SpecRules 转换为字典表行。
func (rs *RuleSet) SpecRules() []model.SpecRule {
	rows := make([]model.SpecRule, 0, len(rs.SpecUnits))
	for _, r := range rs.SpecUnits {
		rows = append(rows, model.SpecRule{
			Pattern:        r.Pattern,
			NormalizedUnit: r.NormalizedUnit,
			GramFactor:     r.GramFactor,
			Priority:       r.Priority,
			IsActive:       model.Bool(true),
			Note:           r.Note,
		})
	}
	return rows
}

// OriginRules 转换为字典表行。
func (rs *RuleSet) OriginRules() []model.OriginRule {
	rows := make([]model.OriginRule, 0, len(rs.Origins))
	for _, r := range rs.Origins {
		rows = append(rows, model.OriginRule{
			Pattern:            r.Pattern,
			NormalizedCountry:  r.NormalizedCountry,
			NormalizedProvince: r.NormalizedProvince,
			NormalizedCity:     r.NormalizedCity,
			NormalizedOrigin:   r.NormalizedOrigin,
			Priority:           r.Priority,
			IsActive:           model.Bool(true),
			Note:               r.Note,
		})
	}
	return rows
}
