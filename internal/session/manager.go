// Package session 管理每个站点当前活动的浏览器会话
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"subrefresh/internal/logger"
	"subrefresh/internal/login"
	"subrefresh/pkg/model"
	"subrefresh/pkg/traffic"
)

// Driver 会话使用的浏览器能力
type Driver interface {
	login.Browser
	Navigate(ctx context.Context, url string) error
	Capture(ctx context.Context, site model.SiteID) (model.Credentials, error)
	Close() error
}

// Opener 打开浏览器并把网络交换写入给定存储
type Opener func(ctx context.Context, store *traffic.Store) (Driver, error)

// Session 一个站点的浏览器会话，流量存储随会话结束而丢弃
type Session struct {
	ID        model.SessionID
	Site      model.SiteID
	Traffic   *traffic.Store
	Driver    Driver
	StartedAt time.Time
}

// Manager 全局会话管理器，每个站点最多一个活动会话
type Manager struct {
	mu       sync.RWMutex
	sessions map[model.SiteID]*Session
	open     Opener
	log      logger.Logger
}

// NewManager 创建会话管理器
func NewManager(open Opener, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		sessions: make(map[model.SiteID]*Session),
		open:     open,
		log:      l,
	}
}

// Open 为站点创建新会话，已有会话先关闭
func (m *Manager) Open(ctx context.Context, site model.SiteID) (*Session, error) {
	m.Close(site)

	store := traffic.NewStore()
	d, err := m.open(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("session: open browser for %s: %w", site, err)
	}
	s := &Session{
		ID:        model.SessionID(uuid.NewString()),
		Site:      site,
		Traffic:   store,
		Driver:    d,
		StartedAt: time.Now(),
	}

	m.mu.Lock()
	m.sessions[site] = s
	m.mu.Unlock()
	m.log.Info("创建浏览器会话", "site", string(site), "sessionID", string(s.ID))
	return s, nil
}

// Get 获取站点会话
func (m *Manager) Get(site model.SiteID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[site]
	return s, ok
}

// Close 关闭并移除站点会话
func (m *Manager) Close(site model.SiteID) {
	m.mu.Lock()
	s, ok := m.sessions[site]
	delete(m.sessions, site)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := s.Driver.Close(); err != nil {
		m.log.Err(err, "关闭浏览器会话失败", "site", string(site))
	}
	m.log.Info("销毁浏览器会话", "site", string(site), "sessionID", string(s.ID), "exchanges", s.Traffic.Len())
}

// CloseAll 关闭所有会话
func (m *Manager) CloseAll() {
	for _, s := range m.List() {
		m.Close(s.Site)
	}
}

// List 返回所有活动会话
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	return list
}
