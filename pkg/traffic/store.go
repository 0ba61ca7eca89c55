package traffic

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"subrefresh/internal/match"
)

// Target 关键字搜索目标
type Target int

const (
	TargetURL Target = iota
	TargetResponseBody
)

// Filter 流量过滤条件，零值字段表示不限制
type Filter struct {
	URLGlob       string
	Methods       []string
	ResourceTypes []string
}

// Store 单次浏览器会话的流量记录，只追加，读取返回快照
type Store struct {
	mu       sync.RWMutex
	items    []NetworkExchange
	last     time.Time
	watchers map[int]chan NetworkExchange
	nextID   int
}

// NewStore 创建空的流量记录
func NewStore() *Store {
	return &Store{watchers: make(map[int]chan NetworkExchange)}
}

// Append 追加一条记录，不做校验与去重
func (s *Store) Append(ex NetworkExchange) {
	s.mu.Lock()
	s.items = append(s.items, ex)
	s.last = time.Now()
	watchers := make([]chan NetworkExchange, 0, len(s.watchers))
	for _, ch := range s.watchers {
		watchers = append(watchers, ch)
	}
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- ex:
		default:
		}
	}
}

// Watch 订阅之后追加的记录，返回取消函数；消费过慢时丢弃事件
func (s *Store) Watch(buffer int) (<-chan NetworkExchange, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan NetworkExchange, buffer)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

// Snapshot 返回当前记录的副本
func (s *Store) Snapshot() []NetworkExchange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NetworkExchange, len(s.items))
	copy(out, s.items)
	return out
}

// Len 当前记录数
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// LastAppend 最后一次追加的时间，无记录时为零值
func (s *Store) LastAppend() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Filter 按条件过滤，保持插入顺序
func (s *Store) Filter(f Filter) []NetworkExchange {
	return FilterExchanges(s.Snapshot(), f)
}

// FindByKeyword 关键字子串搜索。
// 响应体搜索区分大小写；URL 搜索对 host/path 不区分大小写，对 query 区分大小写。
func (s *Store) FindByKeyword(keyword string, target Target) []NetworkExchange {
	var out []NetworkExchange
	for _, ex := range s.Snapshot() {
		switch target {
		case TargetResponseBody:
			if strings.Contains(ex.ResponseBody, keyword) {
				out = append(out, ex)
			}
		default:
			if URLContains(ex.URL, keyword) {
				out = append(out, ex)
			}
		}
	}
	return out
}

// FilterExchanges 对给定序列应用过滤条件
func FilterExchanges(items []NetworkExchange, f Filter) []NetworkExchange {
	out := make([]NetworkExchange, 0, len(items))
	for _, ex := range items {
		if f.URLGlob != "" && !match.Glob(ex.URL, f.URLGlob) {
			continue
		}
		if len(f.Methods) > 0 && !containsFold(f.Methods, ex.Method) {
			continue
		}
		if len(f.ResourceTypes) > 0 && !containsFold(f.ResourceTypes, ex.ResourceType) {
			continue
		}
		out = append(out, ex)
	}
	return out
}

// URLContains 判断 URL 是否包含关键字：host/path 部分忽略大小写，query 部分精确匹配
func URLContains(raw, keyword string) bool {
	if keyword == "" {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return strings.Contains(raw, keyword)
	}
	hostPath := strings.ToLower(u.Host + u.Path)
	if strings.Contains(hostPath, strings.ToLower(keyword)) {
		return true
	}
	return strings.Contains(u.RawQuery, keyword)
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
