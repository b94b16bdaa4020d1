package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"recohunter/internal/model"
	"recohunter/internal/pkg/metrics"

	"github.com/go-rod/rod"
)

const (
	// Scarab 脚本加载后的固定初始化等待
	scarabInitSettle = 2 * time.Second
	// 等待 ScarabQueue 全局对象出现的上限
	scarabQueueWaitTimeout = 10 * time.Second
	// 等待推荐结果渲染完成的上限
	scarabRenderTimeout = 10 * time.Second
	scarabPollInterval  = 500 * time.Millisecond
)

// injectScarabJS 幂等加载 Scarab 脚本。以固定的元素 id 防止重复注入。
const injectScarabJS = `(scarabId) => {
	window['ScarabQueue'] = window['ScarabQueue'] || [];
	if (document.getElementById('scarab-js-api')) return;
	const js = document.createElement('script');
	js.id = 'scarab-js-api';
	js.src = '//cdn.scarabresearch.com/js/' + scarabId + '/scarab-v2.js';
	const fs = document.getElementsByTagName('script')[0];
	fs.parentNode.insertBefore(js, fs);
}`

// scarabCommandJS 建立隐藏容器和结果模板并下发命令序列。
//
// 模板的渲染指令把每个推荐商品序列化成子元素上的 data-scarab-product JSON
// 属性。组件通过自己的模板引擎渲染，这个属性是唯一可靠的提取点。
const scarabCommandJS = `(containerId, cpf, logic, limit, includeCategories, excludeItems) => {
	const ScarabQueue = window['ScarabQueue'] || [];

	const containerDiv = document.createElement('div');
	containerDiv.id = containerId;
	containerDiv.style.display = 'none';
	document.body.appendChild(containerDiv);

	const templateHTML =
		'{{ for (var i=0; i < SC.page.products.length; i++) { }}' +
		'{{ var p = SC.page.products[i]; }}' +
		"<div data-scarab-product='{{= JSON.stringify(p) }}'></div>" +
		'{{ } }}';

	if (excludeItems && excludeItems.length > 0) {
		ScarabQueue.push(['exclude', 'item', 'in', excludeItems]);
	}
	(includeCategories || []).forEach((category) => {
		ScarabQueue.push(['include', 'category', 'has', category]);
	});
	ScarabQueue.push(['setCustomerId', cpf]);
	ScarabQueue.push(['recommend', logic, containerId, limit, templateHTML]);
	ScarabQueue.push(['go']);
}`

const readScarabProductsJS = `(containerId) => {
	const out = [];
	document.querySelectorAll('#' + containerId + ' [data-scarab-product]').forEach((el) => {
		const v = el.getAttribute('data-scarab-product');
		if (v) out.push(v);
	});
	return JSON.stringify(out);
}`

// ScrapeRecommendations 通过 Scarab 组件获取指定客户的个性化推荐。
//
// 与 ScrapeProducts 一样，失败时返回 success=false 的 Result。
func (e *Engine) ScrapeRecommendations(ctx context.Context, req *model.RecommendationRequest) *model.Result {
	start := time.Now()

	url := req.URL
	if url == "" {
		url = e.cfg.Emarsys.URL
	}
	scarabID := req.ScarabID
	if scarabID == "" {
		scarabID = e.cfg.Emarsys.ScarabID
	}
	logic := req.RecommendLogic
	if logic == "" {
		logic = "PERSONAL"
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	username := req.Username
	if username == "" {
		username = e.cfg.Emarsys.Username
	}
	password := req.Password
	if password == "" {
		password = e.cfg.Emarsys.Password
	}
	timeout := e.cfg.App.ScrapeTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}
	headless := true
	if req.Headless != nil {
		headless = *req.Headless
	}

	e.logger.Info("starting scarab scraping",
		slog.String("cpf", model.MaskCPF(req.CPF)),
		slog.String("logic", logic))
	timer := time.Now()
	defer func() {
		metrics.ScrapeDuration.WithLabelValues("scrape-cpf").Observe(time.Since(timer).Seconds())
	}()

	products, err := e.scrapeRecommendationsOnce(ctx, req, url, scarabID, logic, limit, username, password, timeout, headless)
	if err != nil {
		e.logger.Error("scarab scraping failed",
			slog.String("cpf", model.MaskCPF(req.CPF)),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))
		return model.Failure(err, start)
	}

	e.logger.Info("scarab scraping completed",
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

func (e *Engine) scrapeRecommendationsOnce(ctx context.Context, req *model.RecommendationRequest, url, scarabID, logic string, limit int, username, password string, timeout time.Duration, headless bool) ([]model.Product, error) {
	page, release, err := e.sessions.NewPage(ctx, headless, timeout)
	if err != nil {
		return nil, err
	}
	defer release()

	if username != "" && password != "" {
		if err := e.sessions.Login(page, url, username, password); err != nil {
			return nil, err
		}
	} else {
		if err := navigateIdle(page, url); err != nil {
			return nil, err
		}
	}

	return e.executeScarabCommands(ctx, page, model.NormalizeCPF(req.CPF), scarabID, logic, limit, req.IncludeCategories, req.ExcludeItems)
}

// executeScarabCommands 驱动组件协议并回读渲染结果。
func (e *Engine) executeScarabCommands(ctx context.Context, page *rod.Page, cleanCPF, scarabID, logic string, limit int, includeCategories, excludeItems []string) ([]model.Product, error) {
	e.logger.Info("executing scarab commands...")

	if scarabID != "" {
		e.logger.Info("injecting scarab script", slog.String("scarab_id", scarabID))
		if _, err := page.Eval(injectScarabJS, scarabID); err != nil {
			return nil, fmt.Errorf("scarab execution failed: inject script: %w", err)
		}
		time.Sleep(scarabInitSettle)
	}

	if err := e.waitForScarabQueue(ctx, page); err != nil {
		return nil, fmt.Errorf("scarab execution failed: %w", err)
	}

	containerID := "scarab-recommendations-" + strconv.FormatInt(time.Now().UnixMilli(), 10)

	if includeCategories == nil {
		includeCategories = []string{}
	}
	if excludeItems == nil {
		excludeItems = []string{}
	}
	if _, err := page.Eval(scarabCommandJS, containerID, cleanCPF, logic, limit, includeCategories, excludeItems); err != nil {
		return nil, fmt.Errorf("scarab execution failed: push commands: %w", err)
	}

	if err := e.waitForScarabRender(ctx, page, containerID); err != nil {
		return nil, fmt.Errorf("scarab execution failed: %w", err)
	}

	res, err := page.Eval(readScarabProductsJS, containerID)
	if err != nil {
		return nil, fmt.Errorf("scarab execution failed: read results: %w", err)
	}

	var rawPayloads []string
	if err := json.Unmarshal([]byte(res.Value.Str()), &rawPayloads); err != nil {
		return nil, fmt.Errorf("scarab execution failed: decode results: %w", err)
	}

	products := make([]model.Product, 0, len(rawPayloads))
	for i, payload := range rawPayloads {
		var raw map[string]any
		if err := json.Unmarshal([]byte(payload), &raw); err != nil {
			// 单条解析失败跳过，不影响整批
			e.logger.Warn("skipping unparseable scarab product",
				slog.Int("index", i),
				slog.String("error", err.Error()))
			continue
		}
		products = append(products, productFromScarab(raw, i))
	}
	return products, nil
}

// waitForScarabQueue 轮询等待 ScarabQueue 全局对象可用，超时即硬失败。
func (e *Engine) waitForScarabQueue(ctx context.Context, page *rod.Page) error {
	deadline := time.Now().Add(scarabQueueWaitTimeout)
	for {
		res, err := page.Eval(`() => typeof window['ScarabQueue'] !== 'undefined'`)
		if err == nil && res.Value.Bool() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("scarab queue not available after %v", scarabQueueWaitTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(scarabPollInterval):
		}
	}
}

// waitForScarabRender 轮询等待容器内出现渲染结果。
//
// 组件不提供任何完成信号，只能观察结果元素。等不到就显式失败，
// 而不是把空结果当成成功。
func (e *Engine) waitForScarabRender(ctx context.Context, page *rod.Page, containerID string) error {
	deadline := time.Now().Add(scarabRenderTimeout)
	for {
		res, err := page.Eval(
			`(id) => document.querySelectorAll('#' + id + ' [data-scarab-product]').length`,
			containerID)
		if err == nil && res.Value.Int() > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("scarab rendering not observed after %v", scarabRenderTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(scarabPollInterval):
		}
	}
}
