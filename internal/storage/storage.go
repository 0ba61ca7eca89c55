// Package storage 站点凭据、接口描述与订阅组件的持久化
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"subrefresh/internal/logger"
	"subrefresh/pkg/model"
)

// ErrNotFound 站点尚无记录
var ErrNotFound = errors.New("storage: record not found")

// CredentialRecord 站点凭据；未加密保存
type CredentialRecord struct {
	ID             uint              `gorm:"primaryKey"`
	Site           string            `gorm:"uniqueIndex;size:128"`
	Cookies        []model.Cookie    `gorm:"serializer:json"`
	LocalStorage   map[string]string `gorm:"serializer:json"`
	SessionStorage map[string]string `gorm:"serializer:json"`
	UpdatedAt      time.Time
}

// DescriptorRecord 站点推断出的订阅接口
type DescriptorRecord struct {
	ID         uint                `gorm:"primaryKey"`
	Site       string              `gorm:"uniqueIndex;size:128"`
	Descriptor model.ApiDescriptor `gorm:"serializer:json"`
	UpdatedAt  time.Time
}

// ComponentsRecord 站点最近一次有效的订阅 URL
type ComponentsRecord struct {
	ID         uint                            `gorm:"primaryKey"`
	Site       string                          `gorm:"uniqueIndex;size:128"`
	URL        string                          `gorm:"size:2048"`
	Components model.SubscriptionURLComponents `gorm:"serializer:json"`
	UpdatedAt  time.Time
}

// ValidationRecord 每次校验一条历史记录
type ValidationRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Run       string `gorm:"index;size:64"`
	Site      string `gorm:"index;size:128"`
	URL       string `gorm:"size:2048"`
	Valid     bool
	NodeCount int
	Error     string `gorm:"size:1024"`
	CreatedAt time.Time
}

// Config 存储构建参数
type Config struct {
	Dsn    string
	Prefix string
	Logger logger.Logger
}

// Store 持久化存储
type Store struct {
	db  *gorm.DB
	log logger.Logger
}

// Open 打开 sqlite 数据库并迁移表结构
func Open(cfg Config) (*Store, error) {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(cfg.Dsn), &gorm.Config{
		Logger:         NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: cfg.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.Dsn, err)
	}
	if strings.Contains(cfg.Dsn, ":memory:") {
		// 内存库每个连接独立，限制为单连接
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&CredentialRecord{}, &DescriptorRecord{}, &ComponentsRecord{}, &ValidationRecord{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	l.Info("存储已就绪", "dsn", cfg.Dsn)
	return &Store{db: db, log: l}, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Credentials 读取站点凭据
func (s *Store) Credentials(ctx context.Context, site model.SiteID) (model.Credentials, error) {
	var rec CredentialRecord
	if err := s.first(ctx, site, &rec); err != nil {
		return model.Credentials{}, err
	}
	return model.Credentials{
		Site:           site,
		Cookies:        rec.Cookies,
		LocalStorage:   rec.LocalStorage,
		SessionStorage: rec.SessionStorage,
		UpdatedAt:      rec.UpdatedAt,
	}, nil
}

// SaveCredentials 覆盖保存站点凭据
func (s *Store) SaveCredentials(ctx context.Context, creds model.Credentials) error {
	rec := CredentialRecord{
		Site:           string(creds.Site),
		Cookies:        creds.Cookies,
		LocalStorage:   creds.LocalStorage,
		SessionStorage: creds.SessionStorage,
	}
	return s.upsert(ctx, &rec)
}

// Descriptor 读取站点接口描述
func (s *Store) Descriptor(ctx context.Context, site model.SiteID) (model.ApiDescriptor, error) {
	var rec DescriptorRecord
	if err := s.first(ctx, site, &rec); err != nil {
		return model.ApiDescriptor{}, err
	}
	return rec.Descriptor, nil
}

// SaveDescriptor 保存站点接口描述；无效描述拒绝写入
func (s *Store) SaveDescriptor(ctx context.Context, site model.SiteID, d model.ApiDescriptor) error {
	if !d.Valid() {
		return fmt.Errorf("storage: refusing to save descriptor without field paths for %s", site)
	}
	return s.upsert(ctx, &DescriptorRecord{Site: string(site), Descriptor: d})
}

// Components 读取站点订阅组件与 URL
func (s *Store) Components(ctx context.Context, site model.SiteID) (model.SubscriptionURLComponents, string, error) {
	var rec ComponentsRecord
	if err := s.first(ctx, site, &rec); err != nil {
		return model.SubscriptionURLComponents{}, "", err
	}
	return rec.Components, rec.URL, nil
}

// SaveComponents 保存站点订阅组件与 URL
func (s *Store) SaveComponents(ctx context.Context, site model.SiteID, url string, c model.SubscriptionURLComponents) error {
	return s.upsert(ctx, &ComponentsRecord{Site: string(site), URL: url, Components: c})
}

// RecordValidation 追加一条校验历史
func (s *Store) RecordValidation(ctx context.Context, run model.RunID, site model.SiteID, url string, res model.ValidationResult) error {
	rec := ValidationRecord{
		Run:       string(run),
		Site:      string(site),
		URL:       url,
		Valid:     res.Valid,
		NodeCount: res.NodeCount,
		Error:     res.Error,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("storage: record validation: %w", err)
	}
	return nil
}

// History 按时间倒序返回站点校验历史
func (s *Store) History(ctx context.Context, site model.SiteID, limit int) ([]ValidationRecord, error) {
	var out []ValidationRecord
	q := s.db.WithContext(ctx).Where("site = ?", string(site)).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("storage: history: %w", err)
	}
	return out, nil
}

func (s *Store) first(ctx context.Context, site model.SiteID, dst any) error {
	err := s.db.WithContext(ctx).Where("site = ?", string(site)).First(dst).Error
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, site)
	}
	return err
}

// upsert 以 site 为冲突键整行覆盖
func (s *Store) upsert(ctx context.Context, rec any) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "site"}},
		UpdateAll: true,
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("storage: save: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
