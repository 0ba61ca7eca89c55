// Package cdp 基于 Chrome DevTools Protocol 的浏览器驱动，持续把网络交换写入流量存储
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/rpcc"
	"github.com/tidwall/gjson"

	"subrefresh/internal/logger"
	"subrefresh/pkg/model"
	"subrefresh/pkg/traffic"
)

// ErrNotAttached 尚未连接到浏览器目标
var ErrNotAttached = errors.New("cdp: driver is not attached")

// Config 驱动构建参数
type Config struct {
	DevToolsURL string
	Store       *traffic.Store
	Logger      logger.Logger
	// BodyTimeout 单次读取响应体的超时
	BodyTimeout time.Duration
}

// Driver 浏览器驱动
type Driver struct {
	devtoolsURL string
	store       *traffic.Store
	log         logger.Logger
	bodyTimeout time.Duration

	mu     sync.Mutex
	conn   *rpcc.Conn
	client *cdp.Client
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建驱动
func New(cfg Config) *Driver {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	store := cfg.Store
	if store == nil {
		store = traffic.NewStore()
	}
	to := cfg.BodyTimeout
	if to <= 0 {
		to = 5 * time.Second
	}
	return &Driver{devtoolsURL: cfg.DevToolsURL, store: store, log: l, bodyTimeout: to}
}

// Store 驱动写入的流量存储
func (d *Driver) Store() *traffic.Store { return d.store }

// Attach 连接到一个页面目标，没有可用页面时新建标签页
func (d *Driver) Attach(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return nil
	}

	dt := devtool.New(d.devtoolsURL)
	target, err := dt.Get(ctx, devtool.Page)
	if err != nil {
		target, err = dt.Create(ctx)
		if err != nil {
			return fmt.Errorf("cdp: open page target: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	conn, err := rpcc.DialContext(ctx, target.WebSocketDebuggerURL)
	if err != nil {
		cancel()
		return fmt.Errorf("cdp: dial %s: %w", target.WebSocketDebuggerURL, err)
	}
	client := cdp.NewClient(conn)

	if err := client.Network.Enable(ctx, network.NewEnableArgs()); err != nil {
		cancel()
		_ = conn.Close()
		return fmt.Errorf("cdp: enable network: %w", err)
	}
	if err := client.Page.Enable(ctx); err != nil {
		cancel()
		_ = conn.Close()
		return fmt.Errorf("cdp: enable page: %w", err)
	}

	d.conn, d.client, d.ctx, d.cancel = conn, client, runCtx, cancel
	if err := d.startCapture(ctx); err != nil {
		d.closeLocked()
		return err
	}
	d.log.Info("已连接浏览器目标", "target", string(target.ID), "url", target.URL)
	return nil
}

// Close 断开连接并停止事件消费
func (d *Driver) Close() error {
	d.mu.Lock()
	err := d.closeLocked()
	d.mu.Unlock()
	d.wg.Wait()
	return err
}

func (d *Driver) closeLocked() error {
	if d.cancel != nil {
		d.cancel()
	}
	var err error
	if d.conn != nil {
		err = d.conn.Close()
	}
	d.conn, d.client, d.cancel = nil, nil, nil
	return err
}

func (d *Driver) cdpClient() (*cdp.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil, ErrNotAttached
	}
	return d.client, nil
}

// Navigate 打开指定地址
func (d *Driver) Navigate(ctx context.Context, url string) error {
	c, err := d.cdpClient()
	if err != nil {
		return err
	}
	reply, err := c.Page.Navigate(ctx, page.NewNavigateArgs(url))
	if err != nil {
		return fmt.Errorf("cdp: navigate: %w", err)
	}
	if reply.ErrorText != nil && *reply.ErrorText != "" {
		return fmt.Errorf("cdp: navigate %s: %s", url, *reply.ErrorText)
	}
	d.log.Info("页面跳转", "url", url)
	return nil
}

// CurrentURL 当前页面地址
func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	v, err := d.eval(ctx, "window.location.href")
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// ElementVisible 选择器对应元素是否存在且可见
func (d *Driver) ElementVisible(ctx context.Context, selector string) (bool, error) {
	v, err := d.eval(ctx, visibleExpr(selector))
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

// Cookies 当前页面可见的 Cookie
func (d *Driver) Cookies(ctx context.Context) ([]model.Cookie, error) {
	c, err := d.cdpClient()
	if err != nil {
		return nil, err
	}
	reply, err := c.Network.GetCookies(ctx, network.NewGetCookiesArgs())
	if err != nil {
		return nil, fmt.Errorf("cdp: get cookies: %w", err)
	}
	return ToCookies(reply.Cookies), nil
}

// LocalStorage 读取 localStorage 全部键值
func (d *Driver) LocalStorage(ctx context.Context) (map[string]string, error) {
	return d.storage(ctx, "localStorage")
}

// SessionStorage 读取 sessionStorage 全部键值
func (d *Driver) SessionStorage(ctx context.Context) (map[string]string, error) {
	return d.storage(ctx, "sessionStorage")
}

func (d *Driver) storage(ctx context.Context, area string) (map[string]string, error) {
	v, err := d.eval(ctx, storageExpr(area))
	if err != nil {
		return nil, err
	}
	return ParseStorageDump(v.String()), nil
}

// Capture 读取浏览器中的完整鉴权材料
func (d *Driver) Capture(ctx context.Context, site model.SiteID) (model.Credentials, error) {
	cookies, err := d.Cookies(ctx)
	if err != nil {
		return model.Credentials{}, err
	}
	local, err := d.LocalStorage(ctx)
	if err != nil {
		return model.Credentials{}, err
	}
	sess, err := d.SessionStorage(ctx)
	if err != nil {
		return model.Credentials{}, err
	}
	return model.Credentials{
		Site:           site,
		Cookies:        cookies,
		LocalStorage:   local,
		SessionStorage: sess,
		UpdatedAt:      time.Now(),
	}, nil
}

// eval 在页面中执行表达式并按值返回结果
func (d *Driver) eval(ctx context.Context, expr string) (gjson.Result, error) {
	c, err := d.cdpClient()
	if err != nil {
		return gjson.Result{}, err
	}
	reply, err := c.Runtime.Evaluate(ctx, runtime.NewEvaluateArgs(expr).SetReturnByValue(true))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("cdp: evaluate: %w", err)
	}
	if reply.ExceptionDetails != nil {
		return gjson.Result{}, fmt.Errorf("cdp: evaluate: %s", reply.ExceptionDetails.Text)
	}
	return gjson.ParseBytes(reply.Result.Value), nil
}
