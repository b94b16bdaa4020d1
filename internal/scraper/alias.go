package scraper

import (
	"fmt"
	"strconv"
	"time"

	"recohunter/internal/model"
)

// scarabFieldAliases 组件原始对象到规范字段的别名表，按查找顺序排列。
// 组件返回的对象没有固定 schema，同一个逻辑字段可能出现在多个键下。
var scarabFieldAliases = map[string][]string{
	"id":          {"id", "item"},
	"name":        {"title", "name"},
	"description": {"description", "desc"},
	"imageUrl":    {"image", "imageUrl", "img"},
	"url":         {"link", "url"},
	"currency":    {"currency"},
	"category":    {"category"},
	"brand":       {"brand"},
	"sku":         {"sku"},
}

// productFromScarab 把组件吐出的原始对象映射成规范 Product。
// 完整原始对象保留在 Metadata 里，方便调用方取别名表没覆盖的字段。
func productFromScarab(raw map[string]any, index int) model.Product {
	product := model.Product{
		ID:          aliasString(raw, "id"),
		Name:        aliasString(raw, "name"),
		Description: aliasString(raw, "description"),
		Currency:    aliasString(raw, "currency"),
		ImageURL:    aliasString(raw, "imageUrl"),
		URL:         aliasString(raw, "url"),
		Category:    aliasString(raw, "category"),
		Brand:       aliasString(raw, "brand"),
		SKU:         aliasString(raw, "sku"),
		Price:       coerceFloat(raw["price"]),
		Rating:      coerceFloat(raw["rating"]),
		ReviewCount: coerceInt(raw["reviewCount"]),
		InStock:     coerceBool(raw["available"]),
		Metadata:    raw,
		ScrapedAt:   time.Now(),
	}
	if product.ID == "" {
		product.ID = fmt.Sprintf("product-%d", index)
	}
	if product.Name == "" {
		product.Name = fmt.Sprintf("Product %d", index+1)
	}
	return product
}

// aliasString 按别名表顺序查第一个非空字符串值。
func aliasString(raw map[string]any, field string) string {
	for _, key := range scarabFieldAliases[field] {
		if v, ok := raw[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// coerceFloat 接受 JSON 数字或数字字符串。
func coerceFloat(v any) *float64 {
	switch val := v.(type) {
	case float64:
		return &val
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return &f
		}
	}
	return nil
}

func coerceInt(v any) *int {
	switch val := v.(type) {
	case float64:
		i := int(val)
		return &i
	case string:
		if i, err := strconv.Atoi(val); err == nil {
			return &i
		}
	}
	return nil
}

func coerceBool(v any) *bool {
	if b, ok := v.(bool); ok {
		return &b
	}
	return nil
}
