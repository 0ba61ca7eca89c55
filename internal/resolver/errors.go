package resolver

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCredentialsMissing 推断的鉴权通道缺少已捕获的凭据，需要重新捕获
	ErrCredentialsMissing = errors.New("resolver: credentials missing")
	// ErrAuthExpired 服务端返回登录过期，需要重新登录
	ErrAuthExpired = errors.New("resolver: authentication expired")
	// ErrNoSubscription 响应中无法取得订阅链接或令牌
	ErrNoSubscription = errors.New("resolver: no subscription in response")
	// ErrIncompleteComponents 组件不完整，无法构造 URL
	ErrIncompleteComponents = errors.New("resolver: incomplete url components")
	// ErrTokenNotFound URL 中没有可识别的令牌
	ErrTokenNotFound = errors.New("resolver: no token in url")
)

// TransportError 网络错误或非 200 响应，可由调用方退避重试
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("resolver: http status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("resolver: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// expiryPhrases 登录失效的常见提示
var expiryPhrases = []string{
	"expired",
	"expire",
	"unauthorized",
	"unauthenticated",
	"not logged in",
	"not login",
	"please login",
	"please log in",
	"login required",
	"invalid token",
	"token invalid",
	"未登录",
	"登录已过期",
	"登陆已过期",
	"过期",
	"请登录",
	"请先登录",
}

// IsExpiryMessage 判断响应体是否包含登录失效提示
func IsExpiryMessage(body string) bool {
	lower := strings.ToLower(body)
	for _, p := range expiryPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
