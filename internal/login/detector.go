// Package login 判断浏览器中的登录流程何时完成
package login

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"subrefresh/internal/logger"
	"subrefresh/internal/match"
	"subrefresh/pkg/model"
	"subrefresh/pkg/traffic"
)

var (
	// ErrTimeout 超时仍未检测到登录完成
	ErrTimeout = errors.New("login: timed out waiting for login completion")
	// ErrNotCompleted 登录尚未完成时调用了后续阶段
	ErrNotCompleted = errors.New("login: detection has not completed")
)

// 策略名称
const (
	StrategyURL      = "url"
	StrategySelector = "selector"
	StrategyRequest  = "request"
	StrategyCookie   = "cookie"
	StrategyFallback = "fallback"
)

// DefaultLoggedInSelectors 通用的已登录页面元素
var DefaultLoggedInSelectors = []string{
	".user-info",
	".user-avatar",
	".avatar",
	".profile",
	".user-profile",
	".dashboard",
	"#dashboard",
	".user-center",
	"a[href*='logout']",
	".logout",
}

// State 检测器状态
type State int

const (
	StateWaiting State = iota
	StateCompleted
)

func (s State) String() string {
	if s == StateCompleted {
		return "COMPLETED"
	}
	return "WAITING"
}

// Browser 登录检测所需的浏览器能力
type Browser interface {
	CurrentURL(ctx context.Context) (string, error)
	ElementVisible(ctx context.Context, selector string) (bool, error)
	Cookies(ctx context.Context) ([]model.Cookie, error)
}

// RequestWatcher 订阅新观察到的请求
type RequestWatcher interface {
	Watch(buffer int) (<-chan traffic.NetworkExchange, func())
}

// Options 检测选项
type Options struct {
	PostLoginPattern  string
	// LoginURL 打开的登录页地址，未配置 LoginURLMarker 时由其推导标记
	LoginURL          string
	LoginURLMarker    string
	SuccessSelector   string
	RequestPattern    string
	CookieName        string
	Timeout           time.Duration
	PollInterval      time.Duration
	FallbackSelectors []string
}

// Config 检测器构建参数
type Config struct {
	Browser  Browser
	Requests RequestWatcher
	Options  Options
	Logger   logger.Logger
}

// Signal 登录完成信号
type Signal struct {
	Strategy string
	At       time.Time
}

// Detector 登录完成检测器，状态机 WAITING -> COMPLETED
type Detector struct {
	browser  Browser
	requests RequestWatcher
	opts     Options
	log      logger.Logger

	mu     sync.Mutex
	state  State
	signal Signal
}

// New 创建检测器
func New(cfg Config) *Detector {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	opts := cfg.Options
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.LoginURLMarker == "" {
		opts.LoginURLMarker = MarkerFromURL(opts.LoginURL)
	}
	if opts.LoginURLMarker == "" && opts.LoginURL == "" {
		opts.LoginURLMarker = "login"
	}
	if opts.FallbackSelectors == nil {
		opts.FallbackSelectors = DefaultLoggedInSelectors
	}
	return &Detector{browser: cfg.Browser, requests: cfg.Requests, opts: opts, log: l}
}

// State 当前状态
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Completed 未完成时返回 ErrNotCompleted
func (d *Detector) Completed() error {
	if d.State() != StateCompleted {
		return ErrNotCompleted
	}
	return nil
}

// Wait 阻塞直到任一策略检测到登录完成或超时
func (d *Detector) Wait(ctx context.Context) (Signal, error) {
	d.mu.Lock()
	if d.state == StateCompleted {
		sig := d.signal
		d.mu.Unlock()
		return sig, nil
	}
	d.mu.Unlock()

	tasks, cleanup := d.tasks()
	defer cleanup()

	d.log.Info("等待登录完成", "strategies", len(tasks), "timeout", d.opts.Timeout.String())
	name, err := Race(ctx, d.opts.Timeout, tasks)
	if err != nil {
		d.log.Warn("登录检测失败", "error", err)
		return Signal{}, err
	}

	sig := Signal{Strategy: name, At: time.Now()}
	d.mu.Lock()
	d.state = StateCompleted
	d.signal = sig
	d.mu.Unlock()
	d.log.Info("检测到登录完成", "strategy", name)
	return sig, nil
}

// tasks 根据配置组装检测策略；请求订阅在返回前完成注册，避免漏掉早到的请求
func (d *Detector) tasks() ([]Task, func()) {
	cleanup := func() {}
	var tasks []Task

	if d.browser != nil {
		tasks = append(tasks, Task{Name: StrategyURL, Run: d.waitURL})
		if d.opts.SuccessSelector != "" {
			sel := d.opts.SuccessSelector
			tasks = append(tasks, Task{Name: StrategySelector, Run: func(ctx context.Context) error {
				return d.waitAnySelector(ctx, []string{sel})
			}})
		}
		if d.opts.CookieName != "" {
			tasks = append(tasks, Task{Name: StrategyCookie, Run: d.waitCookie})
		}
		if len(d.opts.FallbackSelectors) > 0 {
			tasks = append(tasks, Task{Name: StrategyFallback, Run: func(ctx context.Context) error {
				return d.waitAnySelector(ctx, d.opts.FallbackSelectors)
			}})
		}
	}

	if d.requests != nil && d.opts.RequestPattern != "" {
		ch, cancel := d.requests.Watch(256)
		cleanup = cancel
		tasks = append(tasks, Task{Name: StrategyRequest, Run: func(ctx context.Context) error {
			return d.waitRequest(ctx, ch)
		}})
	}
	return tasks, cleanup
}

// waitURL 页面 URL 命中登录后模式，未配置时以离开登录页为准
func (d *Detector) waitURL(ctx context.Context) error {
	return poll(ctx, d.opts.PollInterval, func(ctx context.Context) (bool, error) {
		cur, err := d.browser.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return d.urlLoggedIn(cur), nil
	}, d.debugErr(StrategyURL))
}

func (d *Detector) urlLoggedIn(cur string) bool {
	if !strings.HasPrefix(cur, "http") {
		return false
	}
	if d.opts.PostLoginPattern != "" {
		return match.URL(cur, d.opts.PostLoginPattern)
	}
	if d.opts.LoginURLMarker == "" {
		// 登录页位于站点根路径时只能以离开该地址为准
		return strings.TrimSuffix(cur, "/") != strings.TrimSuffix(d.opts.LoginURL, "/")
	}
	return !strings.Contains(cur, d.opts.LoginURLMarker)
}

// MarkerFromURL 取登录页地址的路径与片段作为登录页标记；根路径且无片段时返回空
func MarkerFromURL(loginURL string) string {
	u, err := url.Parse(strings.TrimSpace(loginURL))
	if err != nil {
		return ""
	}
	marker := u.EscapedPath()
	if u.Fragment != "" {
		marker += "#" + u.EscapedFragment()
	}
	if marker == "" || marker == "/" {
		return ""
	}
	return marker
}

// waitAnySelector 任一选择器可见即成功
func (d *Detector) waitAnySelector(ctx context.Context, selectors []string) error {
	return poll(ctx, d.opts.PollInterval, func(ctx context.Context) (bool, error) {
		for _, sel := range selectors {
			ok, err := d.browser.ElementVisible(ctx, sel)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}, d.debugErr(StrategySelector))
}

// waitCookie 轮询 Cookie 直到出现指定名称
func (d *Detector) waitCookie(ctx context.Context) error {
	return poll(ctx, d.opts.PollInterval, func(ctx context.Context) (bool, error) {
		cookies, err := d.browser.Cookies(ctx)
		if err != nil {
			return false, err
		}
		for _, c := range cookies {
			if c.Name == d.opts.CookieName && c.Value != "" {
				return true, nil
			}
		}
		return false, nil
	}, d.debugErr(StrategyCookie))
}

// waitRequest 等待命中模式的请求
func (d *Detector) waitRequest(ctx context.Context, ch <-chan traffic.NetworkExchange) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ex := <-ch:
			if match.URL(ex.URL, d.opts.RequestPattern) {
				return nil
			}
		}
	}
}

func (d *Detector) debugErr(strategy string) func(error) {
	return func(err error) {
		d.log.Debug("登录检测轮询出错", "strategy", strategy, "error", err)
	}
}
