package scraper

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	priceRe   = regexp.MustCompile(`[\d,]+\.?\d*`)
	ratingRe  = regexp.MustCompile(`[\d.]+`)
	reviewsRe = regexp.MustCompile(`\d+`)
)

// currencySymbols 货币符号到 ISO 代码的映射。无法识别时留空，从不默认。
var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
}

// parsePrice extracts the first numeric substring from currency-formatted text.
// 解析不到时返回 nil 而不是零值。
func parsePrice(text string) *float64 {
	match := priceRe.FindString(text)
	if match == "" {
		return nil
	}
	val, err := strconv.ParseFloat(strings.ReplaceAll(match, ",", ""), 64)
	if err != nil {
		return nil
	}
	return &val
}

// parseCurrency infers the currency code from a symbol in the price text.
func parseCurrency(text string) string {
	for _, c := range currencySymbols {
		if strings.Contains(text, c.symbol) {
			return c.code
		}
	}
	return ""
}

// parseStock 从库存文案推断是否有货。无法判断时返回 nil。
func parseStock(text string) *bool {
	lower := strings.ToLower(text)
	switch {
	// "unavailable" 包含 "available"，必须先判断否定词
	case strings.Contains(lower, "out of stock") || strings.Contains(lower, "unavailable"):
		v := false
		return &v
	case strings.Contains(lower, "in stock") || strings.Contains(lower, "available"):
		v := true
		return &v
	}
	return nil
}

// parseRating extracts a decimal rating value.
func parseRating(text string) *float64 {
	match := ratingRe.FindString(text)
	if match == "" {
		return nil
	}
	val, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return nil
	}
	return &val
}

// parseReviewCount extracts an integer review count.
func parseReviewCount(text string) *int {
	match := reviewsRe.FindString(text)
	if match == "" {
		return nil
	}
	val, err := strconv.Atoi(match)
	if err != nil {
		return nil
	}
	return &val
}
