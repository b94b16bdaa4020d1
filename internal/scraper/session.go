package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"recohunter/internal/config"
	"recohunter/internal/pkg/metrics"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const (
	browserInitTimeout   = 30 * time.Second
	pageCreateTimeout    = 10 * time.Second
	stealthScriptTimeout = 5 * time.Second
	healthCheckTimeout   = 5 * time.Second
	loginProbeTimeout    = 2 * time.Second
)

// 登录表单探测选择器，按优先级排列。找不到不算错误，跳过即可。
var (
	loginUsernameSelectors = []string{
		`input[name="username"]`,
		`input[type="email"]`,
		`#username`,
		`#email`,
	}
	loginPasswordSelectors = []string{
		`input[name="password"]`,
		`input[type="password"]`,
		`#password`,
	}
	loginSubmitSelectors = []string{
		`button[type="submit"]`,
		`input[type="submit"]`,
	}
	loginSubmitTextRe = `(?i)log\s*in|sign\s*in`
)

// Manager 管理进程内唯一的浏览器实例。
//
// 浏览器按首次使用惰性启动。任务可以指定 headless 模式，与当前实例不一致时
// 会轮换浏览器（关旧开新）。页面以借出资源的形式发放，调用方必须调用
// release 归还，无论成功失败。
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger

	mu       sync.Mutex
	browser  *rod.Browser
	headless bool
	closed   bool
}

// NewManager creates a session manager. The browser is not launched yet.
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		headless: cfg.Browser.Headless,
	}
}

// startBrowser 启动浏览器实例。
//
// 针对 Docker/受限环境禁用沙箱与 GPU。未配置二进制路径时自动下载默认浏览器。
func startBrowser(ctx context.Context, cfg *config.Config, logger *slog.Logger, headless bool) (*rod.Browser, error) {
	bin := cfg.Browser.BinPath
	if bin == "" {
		logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	l := launcher.New().
		Headless(headless).
		Bin(bin).
		NoSandbox(true).
		Set("disable-setuid-sandbox", "true").
		// 禁用 /dev/shm，防止容器内内存崩溃
		Set("disable-dev-shm-usage", "true").
		Set("disable-accelerated-2d-canvas", "true").
		Set("disable-gpu", "true")

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	logger.Info("browser started",
		slog.String("bin", bin),
		slog.Bool("headless", headless))
	return browser, nil
}

// ensureBrowser 返回符合指定 headless 模式的浏览器实例，必要时惰性启动或轮换。
func (m *Manager) ensureBrowser(ctx context.Context, headless bool) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("session manager is shut down")
	}

	if m.browser != nil && m.headless == headless && m.isHealthyLocked(ctx) {
		return m.browser, nil
	}

	if m.browser != nil {
		m.logger.Info("rotating browser instance",
			slog.Bool("from_headless", m.headless),
			slog.Bool("to_headless", headless))
		if err := m.browser.Close(); err != nil {
			m.logger.Warn("close old browser failed", slog.String("error", err.Error()))
		}
		m.browser = nil
		metrics.BrowserInstances.Dec()
	}

	initCtx, cancel := context.WithTimeout(context.Background(), browserInitTimeout)
	defer cancel()

	browser, err := startBrowser(initCtx, m.cfg, m.logger, headless)
	if err != nil {
		return nil, err
	}

	m.browser = browser
	m.headless = headless
	metrics.BrowserInstances.Inc()
	return browser, nil
}

// isHealthyLocked 检查当前浏览器是否响应。调用时必须持有 m.mu。
func (m *Manager) isHealthyLocked(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	page, err := m.browser.Context(healthCtx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return false
	}
	defer func() { _ = page.Close() }()

	_, err = page.Eval("() => document.title")
	return err == nil
}

// NewPage 借出一个已应用 stealth 脚本、1920x1080 视口和超时的页面。
//
// 返回的 release 负责关闭页面并更新指标，任何退出路径都必须调用，可重复调用。
func (m *Manager) NewPage(ctx context.Context, headless bool, timeout time.Duration) (*rod.Page, func(), error) {
	browser, err := m.ensureBrowser(ctx, headless)
	if err != nil {
		return nil, nil, fmt.Errorf("ensure browser: %w", err)
	}

	pageCtx, cancel := context.WithTimeout(ctx, pageCreateTimeout)
	defer cancel()

	page, err := browser.Context(pageCtx).Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, nil, fmt.Errorf("create page: %w", err)
	}
	// 页面后续操作挂在任务 ctx 上，而不是短暂的创建 ctx
	page = page.Context(ctx)

	if _, err := page.Timeout(stealthScriptTimeout).EvalOnNewDocument(stealth.JS); err != nil {
		_ = page.Close()
		return nil, nil, fmt.Errorf("apply stealth script: %w", err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             1920,
		Height:            1080,
		DeviceScaleFactor: 1,
	}); err != nil {
		m.logger.Warn("set viewport failed", slog.String("error", err.Error()))
	}

	if timeout > 0 {
		page = page.Timeout(timeout)
	}

	metrics.BrowserPagesActive.Inc()
	var once sync.Once
	release := func() {
		once.Do(func() {
			metrics.BrowserPagesActive.Dec()
			if err := page.Close(); err != nil {
				m.logger.Warn("close page failed", slog.String("error", err.Error()))
			}
		})
	}
	return page, release, nil
}

// navigateIdle 导航到 url 并等待网络空闲。
func navigateIdle(page *rod.Page, url string) error {
	wait := page.WaitNavigation(proto.PageLifecycleEventNameNetworkIdle)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	wait()
	return nil
}

// Login 在登录页上探测常见表单控件并提交凭据。
//
// 探测不到某类控件会静默跳过；提交后等不到网络空闲视为登录失败。
func (m *Manager) Login(page *rod.Page, url, username, password string) error {
	m.logger.Info("attempting to login...", slog.String("url", url))

	if err := navigateIdle(page, url); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if err := fillFirstMatch(page, loginUsernameSelectors, username); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if err := fillFirstMatch(page, loginPasswordSelectors, password); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	submit := findSubmitControl(page)
	if submit == nil {
		m.logger.Warn("no submit control found, skipping click")
		return nil
	}

	wait := page.WaitNavigation(proto.PageLifecycleEventNameNetworkIdle)
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("login failed: click submit: %w", err)
	}
	wait()

	m.logger.Info("login successful")
	return nil
}

// fillFirstMatch 用 value 填入第一个命中的输入框。全部未命中不是错误。
func fillFirstMatch(page *rod.Page, selectors []string, value string) error {
	for _, sel := range selectors {
		elems, err := page.Timeout(loginProbeTimeout).Sleeper(rod.NotFoundSleeper).Elements(sel)
		if err != nil || len(elems) == 0 {
			continue
		}
		if err := elems.First().Input(value); err != nil {
			return fmt.Errorf("fill %s: %w", sel, err)
		}
		return nil
	}
	return nil
}

// findSubmitControl 返回第一个命中的提交按钮，按钮文本匹配作为兜底。
func findSubmitControl(page *rod.Page) *rod.Element {
	probe := page.Timeout(loginProbeTimeout).Sleeper(rod.NotFoundSleeper)
	for _, sel := range loginSubmitSelectors {
		elems, err := probe.Elements(sel)
		if err == nil && len(elems) > 0 {
			return elems.First()
		}
	}
	if el, err := probe.ElementR("button", loginSubmitTextRe); err == nil {
		return el
	}
	return nil
}

// isLoginURL reports whether the URL already points at a login surface.
func isLoginURL(url string) bool {
	return strings.Contains(url, "login")
}

// Shutdown 关闭浏览器实例，可重复调用。
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.logger.Warn("close browser failed", slog.String("error", err.Error()))
		} else {
			metrics.BrowserInstances.Dec()
		}
		m.browser = nil
	}
	m.logger.Info("session manager shut down")
}
