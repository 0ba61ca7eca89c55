package api

import (
	"context"
	"fmt"

	"subrefresh/internal/cdp"
	"subrefresh/internal/config"
	"subrefresh/internal/detector"
	"subrefresh/internal/logger"
	"subrefresh/internal/pipeline"
	"subrefresh/internal/resolver"
	"subrefresh/internal/session"
	"subrefresh/internal/storage"
	"subrefresh/internal/validator"
	"subrefresh/pkg/model"
	"subrefresh/pkg/traffic"
)

// Service 服务接口
type Service interface {
	// Refresh 刷新单个站点
	Refresh(ctx context.Context, site model.SiteID) (model.RefreshOutcome, error)

	// RefreshAll 依次刷新所有站点
	RefreshAll(ctx context.Context) ([]pipeline.SiteResult, error)

	// Validate 直接校验订阅链接
	Validate(ctx context.Context, url string) model.ValidationResult

	// Close 释放浏览器会话与数据库连接
	Close() error
}

type service struct {
	cfg      *config.Config
	store    *storage.Store
	sessions *session.Manager
	pipe     *pipeline.Pipeline
	log      logger.Logger
}

// NewService 创建并返回服务接口实现
func NewService(cfg *config.Config, l logger.Logger) (Service, error) {
	if l == nil {
		l = logger.NewNop()
	}
	store, err := storage.Open(storage.Config{Dsn: cfg.Sqlite.Dsn, Prefix: cfg.Sqlite.Prefix, Logger: l})
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(BrowserOpener(cfg.Browser.DevToolsURL, l), l)
	pipe := pipeline.New(pipeline.Config{
		Sessions:  sessions,
		Repo:      store,
		Detector:  detector.New(detector.Config{Policy: detector.Policy(cfg.Pipeline.Policy), Logger: l}),
		Resolver:  resolver.New(resolver.Config{Logger: l}),
		Validator: validator.New(validator.Config{Timeout: cfg.Pipeline.ValidateTimeout, Logger: l}),
		Browser:   cfg.Browser,
		Pipeline:  cfg.Pipeline,
		Logger:    l,
	})
	return &service{cfg: cfg, store: store, sessions: sessions, pipe: pipe, log: l}, nil
}

// BrowserOpener 基于 DevTools 地址创建浏览器会话
func BrowserOpener(devtoolsURL string, l logger.Logger) session.Opener {
	return func(ctx context.Context, store *traffic.Store) (session.Driver, error) {
		d := cdp.New(cdp.Config{DevToolsURL: devtoolsURL, Store: store, Logger: l})
		if err := d.Attach(ctx); err != nil {
			return nil, err
		}
		return d, nil
	}
}

func (s *service) Refresh(ctx context.Context, id model.SiteID) (model.RefreshOutcome, error) {
	site, ok := s.cfg.Site(string(id))
	if !ok {
		return model.RefreshOutcome{}, fmt.Errorf("unknown site %q", id)
	}
	return s.pipe.Refresh(ctx, site)
}

func (s *service) RefreshAll(ctx context.Context) ([]pipeline.SiteResult, error) {
	return s.pipe.RefreshAll(ctx, s.cfg.Sites)
}

func (s *service) Validate(ctx context.Context, url string) model.ValidationResult {
	return s.pipe.Validate(ctx, url)
}

func (s *service) Close() error {
	s.sessions.CloseAll()
	return s.store.Close()
}
