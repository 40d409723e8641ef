// 包 credential 实现交互式会话凭证刷新的协调器。
//
// 同一数据源最多允许一个刷新流程在跑（跨进程靠 Redis 源锁保证）。
// 流程是有界等待：打开登录页后轮询 Cookie，用户在超时上限内完成
// 登录则捕获凭证并落盘，否则终止会话并按具体原因收尾。
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/chengzhi666/pythonAquaculture/internal/config"
	"github.com/chengzhi666/pythonAquaculture/internal/model"
	"github.com/chengzhi666/pythonAquaculture/internal/pkg/metrics"
	"github.com/chengzhi666/pythonAquaculture/internal/pkg/srclock"
	"github.com/chengzhi666/pythonAquaculture/internal/store"
)

// Outcome 是一次刷新流程的终态。
type Outcome int

const (
	OutcomeSuccess  Outcome = iota // 凭证已捕获并落盘
	OutcomeTimedOut                // 用户未在上限内完成登录
	OutcomeFailed                  // 浏览器代理出错
	OutcomeBusy                    // 该源已有刷新流程在跑
)

// String 实现 fmt.Stringer，用于日志与指标标签。
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimedOut:
		return "timeout"
	case OutcomeFailed:
		return "failed"
	default:
		return "busy"
	}
}

// 运行台账 error_text 使用的具体原因文案。
const (
	ReasonRefreshTimeout = "CredentialRefreshTimeout"
	ReasonRefreshFailed  = "CredentialRefreshFailed"
	ReasonRefreshBusy    = "CredentialRefreshBusy"
)

// Result 是一次刷新的结果。Outcome 非 Success 时 Reason 带具体原因，
// 供依赖该凭证的运行写入 error_text，而不是笼统的报错字符串。
type Result struct {
	Outcome Outcome
	Reason  string
	Cookie  string
}

// SessionAgent 是交互式登录会话的抽象，生产实现驱动真实浏览器。
//
// Close 必须可在任何状态下调用并真正终止会话，超时取消依赖这一点。
type SessionAgent interface {
	// Start 打开登录入口页，阻塞到页面就绪。
	Start(ctx context.Context, loginURL string) error
	// Cookies 返回当前会话可见的全部 Cookie 键值。
	Cookies(ctx context.Context) (map[string]string, error)
	// Close 终止会话，幂等。
	Close() error
}

// AgentFactory 创建一个新的会话代理，每次刷新流程各用一个。
type AgentFactory func() (SessionAgent, error)

// Coordinator 按源串行化凭证刷新并持有其状态机。
type Coordinator struct {
	store    *store.Store
	locker   *srclock.Locker
	cfg      *config.Config
	log      *slog.Logger
	newAgent AgentFactory
}

// NewCoordinator 创建协调器。factory 为 nil 时使用 rod 浏览器代理。
func NewCoordinator(st *store.Store, locker *srclock.Locker, cfg *config.Config, log *slog.Logger, factory AgentFactory) *Coordinator {
	c := &Coordinator{store: st, locker: locker, cfg: cfg, log: log, newAgent: factory}
	if c.newAgent == nil {
		c.newAgent = func() (SessionAgent, error) {
			return NewRodAgent(cfg.Browser, log)
		}
	}
	return c
}

// Refresh 执行一次完整的刷新流程并返回终态。
//
// 返回 error 仅表示基础设施故障（锁服务、数据库不可用）；
// 超时与代理失败是正常终态，体现在 Result 里。
func (c *Coordinator) Refresh(ctx context.Context, sourceName string) (Result, error) {
	lease, err := c.acquireLock(ctx, sourceName)
	if errors.Is(err, srclock.ErrAlreadyHeld) {
		metrics.CredentialRefreshTotal.WithLabelValues(sourceName, OutcomeBusy.String()).Inc()
		c.log.Warn("credential refresh already in flight", "source", sourceName)
		return Result{Outcome: OutcomeBusy, Reason: ReasonRefreshBusy}, nil
	}
	if err != nil {
		return Result{}, err
	}
	// 任何退出路径都要释放锁；ctx 可能已取消，释放用独立上下文。
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := lease.Release(releaseCtx); rerr != nil {
			c.log.Warn("release credential lock failed", "source", sourceName, "err", rerr)
		}
	}()

	if err := c.store.SetCredentialStatus(ctx, sourceName, model.CredentialRefreshing); err != nil {
		return Result{}, err
	}

	res := c.runInteractive(ctx, sourceName)
	metrics.CredentialRefreshTotal.WithLabelValues(sourceName, res.Outcome.String()).Inc()

	switch res.Outcome {
	case OutcomeSuccess:
		if err := c.store.MarkCredentialRefreshed(ctx, sourceName, time.Now()); err != nil {
			return Result{}, err
		}
		c.log.Info("credential refreshed", "source", sourceName, "cookie_len", len(res.Cookie))
	default:
		// 超时/失败后状态回到 expired，下次运行会再次触发刷新。
		if err := c.store.SetCredentialStatus(ctx, sourceName, model.CredentialExpired); err != nil {
			return Result{}, err
		}
		c.log.Warn("credential refresh did not complete",
			"source", sourceName, "outcome", res.Outcome.String(), "reason", res.Reason)
	}
	return res, nil
}

func (c *Coordinator) acquireLock(ctx context.Context, sourceName string) (*srclock.Lease, error) {
	if c.cfg.Credential.WaitForLock {
		return c.locker.Acquire(ctx, sourceName, c.cfg.Credential.PollInterval)
	}
	return c.locker.TryAcquire(ctx, sourceName)
}

// runInteractive 执行加锁后的交互部分：起会话、开登录页、轮询 Cookie。
func (c *Coordinator) runInteractive(ctx context.Context, sourceName string) Result {
	src := c.cfg.Source(sourceName)
	if src.LoginURL == "" {
		return Result{Outcome: OutcomeFailed, Reason: fmt.Sprintf("%s: no login_url configured for %s", ReasonRefreshFailed, sourceName)}
	}

	agent, err := c.newAgent()
	if err != nil {
		return Result{Outcome: OutcomeFailed, Reason: fmt.Sprintf("%s: %v", ReasonRefreshFailed, err)}
	}
	defer func() { _ = agent.Close() }()

	timeout := c.cfg.Credential.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := agent.Start(waitCtx, src.LoginURL); err != nil {
		if waitCtx.Err() != nil {
			return Result{Outcome: OutcomeTimedOut, Reason: ReasonRefreshTimeout}
		}
		return Result{Outcome: OutcomeFailed, Reason: fmt.Sprintf("%s: %v", ReasonRefreshFailed, err)}
	}
	c.log.Info("waiting for interactive login",
		"source", sourceName, "login_url", src.LoginURL, "timeout", timeout)

	poll := c.cfg.Credential.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			// 取消要终止交互会话本身，而不只是停止等待。
			_ = agent.Close()
			return Result{Outcome: OutcomeTimedOut, Reason: ReasonRefreshTimeout}
		case <-ticker.C:
		}

		cookies, err := agent.Cookies(waitCtx)
		if err != nil {
			if waitCtx.Err() != nil {
				_ = agent.Close()
				return Result{Outcome: OutcomeTimedOut, Reason: ReasonRefreshTimeout}
			}
			return Result{Outcome: OutcomeFailed, Reason: fmt.Sprintf("%s: %v", ReasonRefreshFailed, err)}
		}
		if !hasRequiredKeys(cookies, src.CookieKeys) {
			continue
		}

		cookie := BuildCookieString(cookies, src.CookieKeys)
		if err := c.persistCookie(sourceName, cookie); err != nil {
			return Result{Outcome: OutcomeFailed, Reason: fmt.Sprintf("%s: %v", ReasonRefreshFailed, err)}
		}
		return Result{Outcome: OutcomeSuccess, Cookie: cookie}
	}
}

// persistCookie 把新凭证回写到配置文件，后续运行直接可用。
func (c *Coordinator) persistCookie(sourceName, cookie string) error {
	c.cfg.SetSourceCookie(sourceName, cookie)
	if err := c.cfg.Save(); err != nil {
		return fmt.Errorf("persist cookie for %s: %w", sourceName, err)
	}
	return nil
}

func hasRequiredKeys(cookies map[string]string, required []string) bool {
	if len(required) == 0 {
		return len(cookies) > 0
	}
	for _, key := range required {
		if cookies[key] == "" {
			return false
		}
	}
	return true
}

// BuildCookieString 拼装 Cookie 头：必需键按给定顺序靠前，
// 其余键按名称排序，顺序稳定便于比对与调试。
func BuildCookieString(cookies map[string]string, priority []string) string {
	seen := make(map[string]bool, len(cookies))
	keys := make([]string, 0, len(cookies))

	for _, name := range priority {
		if cookies[name] != "" && !seen[name] {
			keys = append(keys, name)
			seen[name] = true
		}
	}
	rest := make([]string, 0, len(cookies))
	for name := range cookies {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	keys = append(keys, rest...)

	parts := make([]string, 0, len(keys))
	for _, name := range keys {
		parts = append(parts, name+"="+cookies[name])
	}
	return strings.Join(parts, "; ")
}
