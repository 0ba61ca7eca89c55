package model

import "time"

type SiteID string
type RunID string
type SessionID string

// AuthSource 订阅接口所需的鉴权通道
type AuthSource string

const (
	AuthCookie            AuthSource = "cookie"
	AuthLocalStorageToken AuthSource = "localStorage-token"
	AuthBoth              AuthSource = "both"
)

// NeedsCookie 是否需要 Cookie 头
func (a AuthSource) NeedsCookie() bool { return a == AuthCookie || a == AuthBoth }

// NeedsToken 是否需要存储中的令牌
func (a AuthSource) NeedsToken() bool { return a == AuthLocalStorageToken || a == AuthBoth }

// TokenPlaceholder URL 模板中的令牌占位符
const TokenPlaceholder = "{token}"

// ApiDescriptor 推断出的私有订阅接口描述，可持久化复用
type ApiDescriptor struct {
	EndpointURL              string     `json:"endpointUrl"`
	HTTPMethod               string     `json:"httpMethod"`
	AuthSource               AuthSource `json:"authSource"`
	AuthStorageKey           string     `json:"authStorageKey,omitempty"`
	AuthFieldPath            string     `json:"authFieldPath,omitempty"`
	AuthScheme               string     `json:"authScheme,omitempty"`
	TokenFieldPath           string     `json:"tokenFieldPath,omitempty"`
	SubscriptionURLFieldPath string     `json:"subscriptionUrlFieldPath,omitempty"`
	URLTemplate              string     `json:"urlTemplate,omitempty"`
	RequestBody              string     `json:"requestBody,omitempty"`
	Confidence               float64    `json:"confidence"`
}

// Valid 至少需要订阅 URL 或令牌其中一个字段路径
func (d ApiDescriptor) Valid() bool {
	return d.SubscriptionURLFieldPath != "" || d.TokenFieldPath != ""
}

// SubscriptionURLComponents 订阅 URL 的分解表示；host/port/token 在刷新间可能变化
type SubscriptionURLComponents struct {
	Protocol       string `json:"protocol"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Path           string `json:"path"`
	TokenParamName string `json:"tokenParamName"`
	Token          string `json:"token"`
	// RawToken 令牌在原 URL 中的编码形式；仅当其解码结果等于 Token 时用于重建
	RawToken string `json:"rawToken,omitempty"`
	// TokenInPath 令牌位于路径末段而非查询参数
	TokenInPath bool `json:"tokenInPath,omitempty"`
	// ExtraQuery 除令牌外的其他查询参数 (原样保留)
	ExtraQuery string `json:"extraQuery,omitempty"`
}

// ValidationResult 单次订阅校验结果
type ValidationResult struct {
	Valid        bool           `json:"valid"`
	NodeCount    int            `json:"nodeCount"`
	Error        string         `json:"error,omitempty"`
	ParsedConfig map[string]any `json:"-"`
}

// Cookie 浏览器 Cookie 的最小表示
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Credentials 站点已捕获的鉴权材料
type Credentials struct {
	Site           SiteID            `json:"site"`
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"localStorage"`
	SessionStorage map[string]string `json:"sessionStorage"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// RefreshOutcome 一次站点刷新的结果
type RefreshOutcome struct {
	Run        RunID                     `json:"run"`
	Site       SiteID                    `json:"site"`
	URL        string                    `json:"url"`
	Components SubscriptionURLComponents `json:"components"`
	Descriptor ApiDescriptor             `json:"descriptor"`
	Validation ValidationResult          `json:"validation"`
}
