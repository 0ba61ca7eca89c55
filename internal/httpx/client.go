// Package httpx 提供浏览器外直接请求使用的 HTTP 客户端
package httpx

import (
	"net/http"
	"time"
)

// UserAgent 通用浏览器 UA
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// DefaultTimeout 直接请求的默认超时
const DefaultTimeout = 30 * time.Second

// MaxBodySize 响应体读取上限
const MaxBodySize = 16 << 20

// NewClient 创建带超时的客户端，不跟随状态码报错，由调用方自行检查
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     30 * time.Second,
		},
	}
}
