// Package pipeline 逐站点编排订阅刷新：回放 -> 登录 -> 稳定 -> 检测 -> 解析 -> 校验 -> 持久化
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"subrefresh/internal/config"
	"subrefresh/internal/detector"
	"subrefresh/internal/logger"
	"subrefresh/internal/login"
	"subrefresh/internal/resolver"
	"subrefresh/internal/session"
	"subrefresh/internal/storage"
	"subrefresh/internal/validator"
	"subrefresh/pkg/model"
)

var (
	// ErrNotDetected 捕获的流量中未推断出订阅接口
	ErrNotDetected = errors.New("pipeline: subscription api not detected")
	// ErrValidation 解析出的订阅未通过校验
	ErrValidation = errors.New("pipeline: subscription failed validation")
)

// Repository 流程依赖的持久化能力
type Repository interface {
	Credentials(ctx context.Context, site model.SiteID) (model.Credentials, error)
	SaveCredentials(ctx context.Context, creds model.Credentials) error
	Descriptor(ctx context.Context, site model.SiteID) (model.ApiDescriptor, error)
	SaveDescriptor(ctx context.Context, site model.SiteID, d model.ApiDescriptor) error
	Components(ctx context.Context, site model.SiteID) (model.SubscriptionURLComponents, string, error)
	SaveComponents(ctx context.Context, site model.SiteID, url string, c model.SubscriptionURLComponents) error
	RecordValidation(ctx context.Context, run model.RunID, site model.SiteID, url string, res model.ValidationResult) error
}

// Config 流程构建参数
type Config struct {
	Sessions  *session.Manager
	Repo      Repository
	Detector  *detector.Detector
	Resolver  *resolver.Resolver
	Validator *validator.Validator
	Browser   config.Browser
	Pipeline  config.Pipeline
	Logger    logger.Logger
}

// Pipeline 订阅刷新流程
type Pipeline struct {
	sessions  *session.Manager
	repo      Repository
	detector  *detector.Detector
	resolver  *resolver.Resolver
	validator *validator.Validator
	browser   config.Browser
	opts      config.Pipeline
	log       logger.Logger
}

// SiteResult 批量刷新中单个站点的结果
type SiteResult struct {
	Site    model.SiteID
	Outcome model.RefreshOutcome
	Err     error
}

// New 创建流程
func New(cfg Config) *Pipeline {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	d := cfg.Detector
	if d == nil {
		d = detector.New(detector.Config{Policy: detector.Policy(cfg.Pipeline.Policy), Logger: l})
	}
	r := cfg.Resolver
	if r == nil {
		r = resolver.New(resolver.Config{Logger: l})
	}
	v := cfg.Validator
	if v == nil {
		v = validator.New(validator.Config{Timeout: cfg.Pipeline.ValidateTimeout, Logger: l})
	}
	return &Pipeline{
		sessions:  cfg.Sessions,
		repo:      cfg.Repo,
		detector:  d,
		resolver:  r,
		validator: v,
		browser:   cfg.Browser,
		opts:      cfg.Pipeline,
		log:       l,
	}
}

// RefreshAll 依次刷新所有站点，站点之间等待固定间隔；单站失败不影响后续站点
func (p *Pipeline) RefreshAll(ctx context.Context, sites []config.Site) ([]SiteResult, error) {
	results := make([]SiteResult, 0, len(sites))
	for i, site := range sites {
		if i > 0 && p.opts.InterSiteDelay > 0 {
			if err := sleep(ctx, p.opts.InterSiteDelay); err != nil {
				return results, err
			}
		}
		out, err := p.Refresh(ctx, site)
		results = append(results, SiteResult{Site: model.SiteID(site.ID), Outcome: out, Err: err})
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	return results, nil
}

// Refresh 刷新单个站点的订阅链接
func (p *Pipeline) Refresh(ctx context.Context, site config.Site) (model.RefreshOutcome, error) {
	run := model.RunID(uuid.NewString())
	ctx = storage.WithRun(ctx, run)
	id := model.SiteID(site.ID)
	log := p.log.With("site", site.ID, "run", string(run))
	start := time.Now()

	out, err := p.replayStored(ctx, run, id, site, log)
	if err == nil {
		log.Info("使用已保存的接口完成刷新", "url", out.URL, "nodes", out.Validation.NodeCount, "duration", time.Since(start).String())
		return out, nil
	}
	log.Info("已保存的接口不可用", "reason", err.Error())

	if out, ok := p.reuseExisting(ctx, run, id, log); ok {
		return out, nil
	}

	out, err = p.browserFlow(ctx, run, id, site, log)
	if err != nil {
		log.Err(err, "站点刷新失败", "duration", time.Since(start).String())
		return out, err
	}
	log.Info("站点刷新完成", "url", out.URL, "nodes", out.Validation.NodeCount, "duration", time.Since(start).String())
	return out, nil
}

// replayStored 用已保存的描述与凭据直接回放接口，不启动浏览器
func (p *Pipeline) replayStored(ctx context.Context, run model.RunID, id model.SiteID, site config.Site, log logger.Logger) (model.RefreshOutcome, error) {
	desc, err := p.repo.Descriptor(ctx, id)
	if err != nil {
		return model.RefreshOutcome{}, err
	}
	creds, err := p.repo.Credentials(ctx, id)
	if err != nil {
		return model.RefreshOutcome{}, err
	}
	return p.resolveAndCommit(ctx, run, id, site, desc, creds, log)
}

// reuseExisting 当前订阅仍可用时沿用，避免不必要的登录
func (p *Pipeline) reuseExisting(ctx context.Context, run model.RunID, id model.SiteID, log logger.Logger) (model.RefreshOutcome, bool) {
	comps, url, err := p.repo.Components(ctx, id)
	if err != nil || url == "" {
		return model.RefreshOutcome{}, false
	}
	if !p.validator.QuickValidate(ctx, url) {
		return model.RefreshOutcome{}, false
	}
	res := p.validator.Validate(ctx, url)
	p.record(ctx, run, id, url, res, log)
	if !res.Valid {
		return model.RefreshOutcome{}, false
	}
	desc, _ := p.repo.Descriptor(ctx, id)
	log.Info("现有订阅仍然有效，跳过登录", "url", url, "nodes", res.NodeCount)
	return model.RefreshOutcome{Run: run, Site: id, URL: url, Components: comps, Descriptor: desc, Validation: res}, true
}

// browserFlow 打开浏览器等待登录，捕获流量后推断接口
func (p *Pipeline) browserFlow(ctx context.Context, run model.RunID, id model.SiteID, site config.Site, log logger.Logger) (model.RefreshOutcome, error) {
	if p.sessions == nil {
		return model.RefreshOutcome{}, errors.New("pipeline: no browser session manager configured")
	}
	sess, err := p.sessions.Open(ctx, id)
	if err != nil {
		return model.RefreshOutcome{}, err
	}
	defer p.sessions.Close(id)

	det := login.New(login.Config{
		Browser:  sess.Driver,
		Requests: sess.Traffic,
		Options: login.Options{
			PostLoginPattern: site.PostLoginPattern,
			LoginURL:         site.LoginURL,
			LoginURLMarker:   site.LoginURLMarker,
			SuccessSelector:  site.SuccessSelector,
			RequestPattern:   site.RequestPattern,
			CookieName:       site.CookieName,
			Timeout:          p.browser.LoginTimeout,
			PollInterval:     p.browser.CookiePollTick,
		},
		Logger: log,
	})

	if err := sess.Driver.Navigate(ctx, site.LoginURL); err != nil {
		return model.RefreshOutcome{}, err
	}
	log.Info("请在浏览器中完成登录", "loginUrl", site.LoginURL)
	if _, err := det.Wait(ctx); err != nil {
		return model.RefreshOutcome{}, err
	}

	if err := Settle(ctx, sess.Traffic, p.browser.SettleDelay, p.browser.SettleMax); err != nil {
		return model.RefreshOutcome{}, err
	}

	creds, err := sess.Driver.Capture(ctx, id)
	if err != nil {
		return model.RefreshOutcome{}, fmt.Errorf("pipeline: capture credentials: %w", err)
	}
	if err := p.repo.SaveCredentials(ctx, creds); err != nil {
		return model.RefreshOutcome{}, err
	}

	res, err := p.detector.DetectStore(sess.Traffic, storageView(creds))
	if err != nil {
		return model.RefreshOutcome{}, err
	}
	if !res.Found {
		return model.RefreshOutcome{}, fmt.Errorf("%w: %s", ErrNotDetected, res.Reason)
	}
	log.Info("推断出订阅接口", "endpoint", res.Descriptor.EndpointURL, "authSource", string(res.Descriptor.AuthSource), "confidence", res.Descriptor.Confidence)

	return p.resolveAndCommit(ctx, run, id, site, res.Descriptor, creds, log)
}

// resolveAndCommit 回放接口、校验结果，通过后才写入描述与组件
func (p *Pipeline) resolveAndCommit(ctx context.Context, run model.RunID, id model.SiteID, site config.Site, desc model.ApiDescriptor, creds model.Credentials, log logger.Logger) (model.RefreshOutcome, error) {
	req := resolver.Request{Descriptor: desc, Credentials: creds, URLField: site.URLField, AuthScheme: site.AuthScheme}
	if prev, _, err := p.repo.Components(ctx, id); err == nil {
		req.Previous = &prev
	}

	rctx := ctx
	if p.opts.ReplayTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, p.opts.ReplayTimeout)
		defer cancel()
	}
	resolution, err := p.resolver.Resolve(rctx, req)
	if err != nil {
		return model.RefreshOutcome{}, err
	}

	val := p.validator.Validate(ctx, resolution.URL)
	p.record(ctx, run, id, resolution.URL, val, log)
	if !val.Valid {
		return model.RefreshOutcome{}, fmt.Errorf("%w: %s", ErrValidation, val.Error)
	}

	if err := p.repo.SaveDescriptor(ctx, id, desc); err != nil {
		return model.RefreshOutcome{}, err
	}
	if err := p.repo.SaveComponents(ctx, id, resolution.URL, resolution.Components); err != nil {
		return model.RefreshOutcome{}, err
	}
	if resolution.RotatedToken != "" && desc.AuthStorageKey != "" {
		updated, err := resolver.SetStoredToken(creds, desc.AuthStorageKey, desc.AuthFieldPath, resolution.RotatedToken)
		if err == nil {
			err = p.repo.SaveCredentials(ctx, updated)
		}
		if err != nil {
			log.Err(err, "回写新令牌失败")
		}
	}

	return model.RefreshOutcome{
		Run:        run,
		Site:       id,
		URL:        resolution.URL,
		Components: resolution.Components,
		Descriptor: desc,
		Validation: val,
	}, nil
}

// Validate 校验任意订阅链接，不写入历史
func (p *Pipeline) Validate(ctx context.Context, url string) model.ValidationResult {
	return p.validator.Validate(ctx, url)
}

func (p *Pipeline) record(ctx context.Context, run model.RunID, id model.SiteID, url string, res model.ValidationResult, log logger.Logger) {
	if err := p.repo.RecordValidation(ctx, run, id, url, res); err != nil {
		log.Err(err, "记录校验历史失败")
	}
}

// storageView 合并 sessionStorage 与 localStorage，同名键以 localStorage 为准
func storageView(creds model.Credentials) map[string]string {
	out := make(map[string]string, len(creds.LocalStorage)+len(creds.SessionStorage))
	for k, v := range creds.SessionStorage {
		out[k] = v
	}
	for k, v := range creds.LocalStorage {
		out[k] = v
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
