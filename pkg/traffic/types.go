package traffic

import (
	"strings"
	"time"
)

// Header 封装通用的头部操作
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Has 判断 Header 是否存在且非空
func (h Header) Has(key string) bool {
	return h.Get(key) != ""
}

// Clone 复制 Header
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// 常见的 XHR/fetch 资源类型
const (
	ResourceXHR   = "XHR"
	ResourceFetch = "Fetch"
)

// NetworkExchange 一次完整的请求/响应记录，捕获后不可修改
type NetworkExchange struct {
	ID              string    // 浏览器侧请求 ID
	URL             string    // 完整 URL
	Method          string    // HTTP 方法
	Status          int       // 响应状态码
	ResourceType    string    // 资源类型 (Document, XHR, Fetch ...)
	RequestHeaders  Header    // 请求头
	RequestBody     string    // 请求体 (POST 回放使用)
	ResponseHeaders Header    // 响应头
	ResponseBody    string    // 响应体原文
	CapturedAt      time.Time // 捕获时间
}

// NewExchange 创建初始化的交换记录
func NewExchange(url, method string, status int) NetworkExchange {
	return NetworkExchange{
		URL:             url,
		Method:          method,
		Status:          status,
		RequestHeaders:  make(Header),
		ResponseHeaders: make(Header),
		CapturedAt:      time.Now(),
	}
}

// IsXHR 判断是否为 XHR/fetch 类请求
func (e NetworkExchange) IsXHR() bool {
	return strings.EqualFold(e.ResourceType, ResourceXHR) || strings.EqualFold(e.ResourceType, ResourceFetch)
}
