package scraper

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"recohunter/internal/model"

	"github.com/go-rod/rod"
)

// heuristicExtractionJS 在页面内扫描疑似商品容器。
//
// 候选是 class 含 product/item 的 div 和 article，要求文本超过 50 字符且
// 含图片或价格痕迹，最多取文档序前 50 个。返回 JSON 字符串便于在 Go 侧解码。
const heuristicExtractionJS = `() => {
	const possibleContainers = document.querySelectorAll('div[class*="product"], div[class*="item"], article');
	const containers = Array.from(possibleContainers).filter(el => {
		const text = (el.textContent || '').toLowerCase();
		return text.length > 50 && (
			el.querySelector('img') !== null ||
			text.includes('price') ||
			text.includes('$') ||
			text.includes('€')
		);
	}).slice(0, 50);

	const extracted = containers.map((container, index) => {
		const getText = (selectors) => {
			for (const selector of selectors) {
				const el = container.querySelector(selector);
				if (el) return el.textContent.trim();
			}
			return '';
		};
		const getAttr = (selectors, attr) => {
			for (const selector of selectors) {
				const el = container.querySelector(selector);
				if (el) return el.getAttribute(attr);
			}
			return null;
		};
		return {
			id: getAttr(['[data-id]', '[data-product-id]'], 'data-id') || ('product-' + index),
			name: getText(['h1', 'h2', 'h3', 'h4', '.title', '.name']),
			imageUrl: getAttr(['img'], 'src'),
			url: getAttr(['a'], 'href'),
		};
	});
	return JSON.stringify(extracted);
}`

type heuristicProduct struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl"`
	URL      string `json:"url"`
}

// heuristicExtraction 在通用选择器全部落空时做启发式兜底。
func (e *Engine) heuristicExtraction(page *rod.Page) ([]model.Product, error) {
	e.logger.Info("attempting heuristic extraction strategy...")

	res, err := page.Eval(heuristicExtractionJS)
	if err != nil {
		return nil, fmt.Errorf("heuristic extraction failed: %w", err)
	}

	var raw []heuristicProduct
	if err := json.Unmarshal([]byte(res.Value.Str()), &raw); err != nil {
		return nil, fmt.Errorf("heuristic extraction failed: decode: %w", err)
	}

	products := make([]model.Product, 0, len(raw))
	for i, p := range raw {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("Product %d", i+1)
		}
		products = append(products, model.Product{
			ID:        p.ID,
			Name:      name,
			ImageURL:  p.ImageURL,
			URL:       p.URL,
			ScrapedAt: time.Now(),
		})
	}

	e.logger.Info("heuristic extraction finished", slog.Int("count", len(products)))
	return products, nil
}
