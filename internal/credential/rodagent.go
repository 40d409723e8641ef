package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chengzhi666/pythonAquaculture/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// RodAgent 用真实浏览器承载交互式登录。
//
// 凭证刷新需要用户肉眼操作，默认有头模式；NoSandbox 兼容容器环境。
type RodAgent struct {
	cfg config.BrowserConfig
	log *slog.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	closed   bool
}

// NewRodAgent 创建浏览器会话代理，浏览器在 Start 时才真正启动。
func NewRodAgent(cfg config.BrowserConfig, log *slog.Logger) (*RodAgent, error) {
	return &RodAgent{cfg: cfg, log: log}, nil
}

// Start 启动浏览器并打开登录入口页。
func (a *RodAgent) Start(ctx context.Context, loginURL string) error {
	bin := a.cfg.BinPath
	if bin == "" {
		a.log.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	l := launcher.New().
		Headless(a.cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("remote-allow-origins", "*")

	wsURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("connect browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return fmt.Errorf("create page: %w", err)
	}
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		a.log.Warn("apply stealth script failed", "err", err)
	}
	if err := page.Navigate(loginURL); err != nil {
		_ = page.Close()
		_ = browser.Close()
		l.Kill()
		return fmt.Errorf("open login page %s: %w", loginURL, err)
	}

	a.mu.Lock()
	a.launcher, a.browser, a.page = l, browser, page
	a.mu.Unlock()

	a.log.Info("login page opened", "url", loginURL, "headless", a.cfg.Headless)
	return nil
}

// Cookies 返回浏览器当前全部 Cookie 键值，同名键后出现的覆盖先出现的。
func (a *RodAgent) Cookies(ctx context.Context) (map[string]string, error) {
	a.mu.Lock()
	browser := a.browser
	a.mu.Unlock()
	if browser == nil {
		return nil, fmt.Errorf("browser session not started")
	}

	cookies, err := browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, fmt.Errorf("read browser cookies: %w", err)
	}
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		if c.Name == "" || c.Value == "" {
			continue
		}
		out[c.Name] = c.Value
	}
	return out, nil
}

// Close 终止浏览器进程，可重复调用。
func (a *RodAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	if a.page != nil {
		_ = a.page.Close()
	}
	if a.browser != nil {
		_ = a.browser.Close()
	}
	if a.launcher != nil {
		a.launcher.Kill()
	}
	return nil
}
