package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"recohunter/internal/config"
	"recohunter/internal/model"
	"recohunter/internal/pkg/metrics"

	"github.com/go-rod/rod"
)

const (
	// 导航后固定的页面稳定等待
	pageSettleDelay   = 2 * time.Second
	fieldProbeTimeout = 2 * time.Second
)

// productSelectors 商品容器候选选择器，按优先级排列。
// 第一个命中的选择器用于整页，不混用。
var productSelectors = []string{
	".product-card",
	".product-item",
	`[data-testid="product"]`,
	".recommended-product",
	"article.product",
	".product",
}

// Engine 抓取引擎。
//
// 两套策略：通用选择器抓取（选择器探测 + 启发式兜底）和 Scarab 推荐组件协议。
// 页面由 Manager 借出，引擎本身无状态。
type Engine struct {
	sessions *Manager
	cfg      *config.Config
	logger   *slog.Logger
}

// NewEngine creates an extraction engine on top of a session manager.
func NewEngine(sessions *Manager, cfg *config.Config, logger *slog.Logger) *Engine {
	return &Engine{sessions: sessions, cfg: cfg, logger: logger}
}

// resolveScrapeDefaults 用配置补齐请求中缺省的字段。
func (e *Engine) resolveScrapeDefaults(req *model.ScrapeRequest) (url, username, password string, maxProducts int, timeout time.Duration, headless bool) {
	url = req.URL
	if url == "" {
		url = e.cfg.Emarsys.URL
	}
	username = req.Username
	if username == "" {
		username = e.cfg.Emarsys.Username
	}
	password = req.Password
	if password == "" {
		password = e.cfg.Emarsys.Password
	}
	maxProducts = req.MaxProducts
	if maxProducts <= 0 {
		maxProducts = 100
	}
	timeout = e.cfg.App.ScrapeTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}
	headless = true
	if req.Headless != nil {
		headless = *req.Headless
	}
	return
}

// ScrapeProducts 执行一次通用商品抓取。
//
// 失败不返回 error，而是返回 success=false 的 Result，错误信息原样保留。
func (e *Engine) ScrapeProducts(ctx context.Context, req *model.ScrapeRequest) *model.Result {
	start := time.Now()
	url, username, password, maxProducts, timeout, headless := e.resolveScrapeDefaults(req)

	e.logger.Info("starting scraping session", slog.String("url", url))
	timer := time.Now()
	defer func() {
		metrics.ScrapeDuration.WithLabelValues("scrape").Observe(time.Since(timer).Seconds())
	}()

	products, err := e.scrapeOnce(ctx, url, username, password, maxProducts, timeout, headless)
	if err != nil {
		e.logger.Error("scraping failed",
			slog.String("url", url),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))
		return model.Failure(err, start)
	}

	e.logger.Info("scraping completed",
		slog.Int("products", len(products)),
		slog.Duration("duration", time.Since(start)))
	return &model.Result{
		Success:       true,
		Products:      products,
		TotalProducts: len(products),
		ScrapedAt:     time.Now(),
		Duration:      time.Since(start).Milliseconds(),
	}
}

func (e *Engine) scrapeOnce(ctx context.Context, url, username, password string, maxProducts int, timeout time.Duration, headless bool) ([]model.Product, error) {
	page, release, err := e.sessions.NewPage(ctx, headless, timeout)
	if err != nil {
		return nil, err
	}
	defer release()

	if username != "" && password != "" {
		if err := e.sessions.Login(page, url, username, password); err != nil {
			return nil, err
		}
	}

	return e.extractProducts(page, url, maxProducts)
}

// extractProducts 在已就绪的页面上执行选择器探测与字段提取。
func (e *Engine) extractProducts(page *rod.Page, url string, maxProducts int) ([]model.Product, error) {
	e.logger.Info("extracting products...")

	// 登录落地页无需二次导航
	if !isLoginURL(url) {
		if err := navigateIdle(page, url); err != nil {
			return nil, fmt.Errorf("product extraction failed: %w", err)
		}
	}
	time.Sleep(pageSettleDelay)

	var containers rod.Elements
	for _, sel := range productSelectors {
		elems, err := page.Sleeper(rod.NotFoundSleeper).Elements(sel)
		if err != nil || len(elems) == 0 {
			continue
		}
		e.logger.Info("found products",
			slog.Int("count", len(elems)),
			slog.String("selector", sel))
		containers = elems
		break
	}

	if len(containers) == 0 {
		e.logger.Warn("no products found with common selectors, trying heuristic extraction")
		return e.heuristicExtraction(page)
	}

	count := len(containers)
	if count > maxProducts {
		count = maxProducts
	}

	products := make([]model.Product, 0, count)
	for i := 0; i < count; i++ {
		product, err := e.extractProduct(containers[i], i)
		if err != nil {
			e.logger.Warn("failed to extract product",
				slog.Int("index", i),
				slog.String("error", err.Error()))
			continue
		}
		products = append(products, product)
	}
	return products, nil
}

// extractProduct 从单个容器提取商品字段。
// 每个字段独立探测，探测不到留空，从不中断整批。
func (e *Engine) extractProduct(el *rod.Element, index int) (model.Product, error) {
	product := model.Product{
		ID:        safeAttr(el, `[data-product-id]`, "data-product-id"),
		Name:      safeText(el, `.product-name, .title, h2, h3`),
		ScrapedAt: time.Now(),
	}
	if product.ID == "" {
		product.ID = fmt.Sprintf("product-%d", index)
	}
	if product.Name == "" {
		product.Name = fmt.Sprintf("Product %d", index+1)
	}

	product.Description = safeText(el, `.description, .product-description, p`)

	priceText := safeText(el, `.price, .product-price, [data-price]`)
	if priceText != "" {
		product.Price = parsePrice(priceText)
		product.Currency = parseCurrency(priceText)
	}

	product.ImageURL = safeAttr(el, "img", "src")
	product.URL = safeAttr(el, "a", "href")
	product.Category = safeText(el, `.category, .product-category`)
	product.Brand = safeText(el, `.brand, .product-brand`)
	product.SKU = safeAttr(el, `[data-sku]`, "data-sku")

	if stockText := safeText(el, `.stock, .availability, [data-stock]`); stockText != "" {
		product.InStock = parseStock(stockText)
	}
	if ratingText := safeText(el, `.rating, .stars, [data-rating]`); ratingText != "" {
		product.Rating = parseRating(ratingText)
	}
	if reviewText := safeText(el, `.reviews, .review-count, [data-reviews]`); reviewText != "" {
		product.ReviewCount = parseReviewCount(reviewText)
	}

	return product, nil
}

// safeText returns the trimmed text of the first match, or "" on any failure.
func safeText(parent *rod.Element, selector string) string {
	el, err := parent.Timeout(fieldProbeTimeout).Sleeper(rod.NotFoundSleeper).Element(selector)
	if err != nil {
		return ""
	}
	text, err := el.Text()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

// safeAttr returns the attribute of the first match, or "" on any failure.
func safeAttr(parent *rod.Element, selector, attr string) string {
	el, err := parent.Timeout(fieldProbeTimeout).Sleeper(rod.NotFoundSleeper).Element(selector)
	if err != nil {
		return ""
	}
	val, err := el.Attribute(attr)
	if err != nil || val == nil {
		return ""
	}
	return strings.TrimSpace(*val)
}
