// Package resolver 维护订阅 URL 组件，并通过直接回放订阅接口得到具体的订阅链接
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"subrefresh/internal/httpx"
	"subrefresh/internal/jsonpath"
	"subrefresh/internal/logger"
	"subrefresh/pkg/model"
)

// Config 解析器构建参数
type Config struct {
	Client *http.Client
	Logger logger.Logger
}

// Resolver 订阅链接解析器
type Resolver struct {
	client *http.Client
	log    logger.Logger
}

// New 创建解析器
func New(cfg Config) *Resolver {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	c := cfg.Client
	if c == nil {
		c = httpx.NewClient(httpx.DefaultTimeout)
	}
	return &Resolver{client: c, log: l}
}

// Request 一次解析的输入
type Request struct {
	Descriptor  model.ApiDescriptor
	Credentials model.Credentials
	// Previous 上一次解析得到的组件，模板缺失时用于令牌替换
	Previous *model.SubscriptionURLComponents
	// URLField 响应中携带完整备用地址的字段路径，用于吸收 host/port 变化
	URLField string
	// AuthScheme 覆盖描述中的 Authorization 发送方式: Bearer 或 raw
	AuthScheme string
}

// Resolution 解析结果
type Resolution struct {
	URL        string
	Components model.SubscriptionURLComponents
	// RotatedToken 响应中返回的新鉴权令牌，非空时调用方应回写凭据
	RotatedToken string
}

// Resolve 直接回放订阅接口并提取订阅链接
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolution, error) {
	desc := req.Descriptor
	if !desc.Valid() {
		return Resolution{}, fmt.Errorf("%w: descriptor has no field path", ErrNoSubscription)
	}

	httpReq, authToken, err := r.newRequest(ctx, req)
	if err != nil {
		return Resolution{}, err
	}

	r.log.Debug("回放订阅接口", "method", httpReq.Method, "url", desc.EndpointURL, "auth", string(desc.AuthSource))
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Resolution{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, httpx.MaxBodySize))
	if err != nil {
		return Resolution{}, &TransportError{StatusCode: resp.StatusCode, Err: err}
	}
	body := string(raw)

	if err := classifyStatus(resp.StatusCode, body); err != nil {
		r.log.Warn("订阅接口返回异常状态", "status", resp.StatusCode, "url", desc.EndpointURL)
		return Resolution{}, err
	}

	if !gjson.Valid(body) {
		if IsExpiryMessage(body) {
			return Resolution{}, fmt.Errorf("%w: %s", ErrAuthExpired, truncate(body, 120))
		}
		return Resolution{}, fmt.Errorf("%w: response is not json", ErrNoSubscription)
	}
	doc := gjson.Parse(body)

	res, err := r.extract(doc, req)
	if err != nil {
		if IsExpiryMessage(body) {
			return Resolution{}, fmt.Errorf("%w: %s", ErrAuthExpired, truncate(body, 120))
		}
		return Resolution{}, err
	}

	if desc.AuthFieldPath != "" {
		if fresh, ok := jsonpath.LookupString(doc, jsonpath.Parse(desc.AuthFieldPath)); ok && fresh != "" && fresh != authToken {
			res.RotatedToken = fresh
		}
	}
	r.log.Info("订阅链接解析成功", "host", res.Components.Host, "port", res.Components.Port)
	return res, nil
}

// extract 按字段路径从响应中取订阅链接：优先直接链接，其次令牌加模板或上次组件
func (r *Resolver) extract(doc gjson.Result, req Request) (Resolution, error) {
	desc := req.Descriptor
	var (
		comps  model.SubscriptionURLComponents
		direct string
		err    error
	)

	if desc.SubscriptionURLFieldPath != "" {
		if s, ok := jsonpath.LookupString(doc, jsonpath.Parse(desc.SubscriptionURLFieldPath)); ok && s != "" {
			direct = s
		}
	}

	switch {
	case direct != "":
		comps, err = Parse(direct)
		if err != nil {
			// 拆不出令牌的链接不能作为订阅结果，也无法应用备用地址
			if errors.Is(err, ErrTokenNotFound) {
				return Resolution{}, fmt.Errorf("resolver: split subscription url at %s: %w", desc.SubscriptionURLFieldPath, err)
			}
			return Resolution{}, fmt.Errorf("%w: split subscription url at %s: %v", ErrNoSubscription, desc.SubscriptionURLFieldPath, err)
		}
	case desc.TokenFieldPath != "":
		token, ok := jsonpath.LookupString(doc, jsonpath.Parse(desc.TokenFieldPath))
		if !ok || token == "" {
			return Resolution{}, fmt.Errorf("%w: no value at %s", ErrNoSubscription, desc.TokenFieldPath)
		}
		switch {
		case desc.URLTemplate != "":
			u, err := FromTemplate(desc.URLTemplate, token)
			if err != nil {
				return Resolution{}, err
			}
			if comps, err = Parse(u); err != nil {
				return Resolution{}, err
			}
		case req.Previous != nil:
			comps = ReplaceToken(*req.Previous, token)
		default:
			return Resolution{}, fmt.Errorf("%w: token found but no url template", ErrNoSubscription)
		}
	default:
		return Resolution{}, fmt.Errorf("%w: no value at %s", ErrNoSubscription, desc.SubscriptionURLFieldPath)
	}

	if req.URLField != "" {
		if alt, ok := jsonpath.LookupString(doc, jsonpath.Parse(req.URLField)); ok && isHTTPURL(alt) {
			updated, err := UpdateHostAndPort(comps, alt)
			if err != nil {
				r.log.Warn("备用地址无法解析，保留原地址", "field", req.URLField, "error", err)
			} else {
				comps = updated
			}
		}
	}

	u, err := Build(comps, "")
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{URL: u, Components: comps}, nil
}

// newRequest 构造回放请求并按鉴权通道附加 Cookie/Authorization
func (r *Resolver) newRequest(ctx context.Context, req Request) (*http.Request, string, error) {
	desc := req.Descriptor
	method := strings.ToUpper(desc.HTTPMethod)
	if method == "" {
		method = http.MethodGet
	}
	endpoint, err := url.Parse(desc.EndpointURL)
	if err != nil || endpoint.Host == "" {
		return nil, "", fmt.Errorf("resolver: invalid endpoint %q", desc.EndpointURL)
	}

	var body io.Reader
	if method == http.MethodPost && desc.RequestBody != "" {
		body = strings.NewReader(desc.RequestBody)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, desc.EndpointURL, body)
	if err != nil {
		return nil, "", fmt.Errorf("resolver: build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", httpx.UserAgent)
	httpReq.Header.Set("Accept", "application/json, text/plain, */*")
	if body != nil {
		if gjson.Valid(desc.RequestBody) {
			httpReq.Header.Set("Content-Type", "application/json")
		} else {
			httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}

	if desc.AuthSource.NeedsCookie() {
		cookie := CookieHeader(req.Credentials.Cookies, endpoint.Hostname())
		if cookie == "" {
			return nil, "", fmt.Errorf("%w: no cookies for %s", ErrCredentialsMissing, endpoint.Hostname())
		}
		httpReq.Header.Set("Cookie", cookie)
	}

	var token string
	if desc.AuthSource.NeedsToken() {
		var ok bool
		token, ok = StoredToken(req.Credentials, desc.AuthStorageKey, desc.AuthFieldPath)
		if !ok {
			return nil, "", fmt.Errorf("%w: no token in storage key %q", ErrCredentialsMissing, desc.AuthStorageKey)
		}
		scheme := req.AuthScheme
		if scheme == "" {
			scheme = desc.AuthScheme
		}
		httpReq.Header.Set("Authorization", AuthorizationValue(scheme, token))
	}
	return httpReq, token, nil
}

// CookieHeader 拼接适用于 host 的 Cookie 头
func CookieHeader(cookies []model.Cookie, host string) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" || !domainMatch(host, c.Domain) {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func domainMatch(host, domain string) bool {
	if domain == "" {
		return true
	}
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	host = strings.ToLower(host)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// StoredToken 从 localStorage (其次 sessionStorage) 中按字段路径取令牌；路径为空时取原值
func StoredToken(creds model.Credentials, key, fieldPath string) (string, bool) {
	if key == "" {
		return "", false
	}
	for _, store := range []map[string]string{creds.LocalStorage, creds.SessionStorage} {
		raw, ok := store[key]
		if !ok || raw == "" {
			continue
		}
		if fieldPath == "" {
			return strings.Trim(raw, `"`), true
		}
		if v, ok := jsonpath.LookupString(gjson.Parse(raw), jsonpath.Parse(fieldPath)); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// SetStoredToken 将新令牌写回 localStorage 中对应的存储值，返回新的凭据
func SetStoredToken(creds model.Credentials, key, fieldPath, token string) (model.Credentials, error) {
	out := creds
	out.LocalStorage = make(map[string]string, len(creds.LocalStorage)+1)
	for k, v := range creds.LocalStorage {
		out.LocalStorage[k] = v
	}
	if fieldPath == "" {
		out.LocalStorage[key] = token
		return out, nil
	}
	blob := out.LocalStorage[key]
	if blob == "" {
		blob = "{}"
	}
	updated, err := sjson.Set(blob, fieldPath, token)
	if err != nil {
		return creds, fmt.Errorf("resolver: update storage %q: %w", key, err)
	}
	out.LocalStorage[key] = updated
	return out, nil
}

// AuthorizationValue 按发送方式生成 Authorization 头；已带 scheme 的令牌原样发送
func AuthorizationValue(scheme, token string) string {
	if strings.EqualFold(scheme, "raw") || strings.Contains(token, " ") {
		return token
	}
	return "Bearer " + token
}

// classifyStatus 401/403 且含过期提示视为登录过期，其他非 200 为传输错误
func classifyStatus(status int, body string) error {
	if status == http.StatusOK {
		return nil
	}
	if (status == http.StatusUnauthorized || status == http.StatusForbidden) && IsExpiryMessage(body) {
		return fmt.Errorf("%w: status %d", ErrAuthExpired, status)
	}
	return &TransportError{StatusCode: status, Err: fmt.Errorf("unexpected response: %s", truncate(body, 120))}
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
